package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

const DefaultRetention = 24 * time.Hour

type outcome struct {
	at      time.Time
	success bool
}

type spend struct {
	at     time.Time
	amount float64
}

// MemoryStore keeps sliding-window usage in process. Entries older than the
// retention are dropped on write.
type MemoryStore struct {
	mu        sync.Mutex
	retention time.Duration
	calls     map[string][]time.Time
	outcomes  map[string][]outcome
	spends    map[string][]spend
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		retention: retention,
		calls:     make(map[string][]time.Time),
		outcomes:  make(map[string][]outcome),
		spends:    make(map[string][]spend),
	}
}

func (s *MemoryStore) RecordCall(_ context.Context, tenantID, agentID, capability string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := callKey(tenantID, agentID, capability)
	calls := pruneTimes(s.calls[key], at.Add(-s.retention))
	s.calls[key] = insertTime(calls, at)
	return nil
}

func (s *MemoryStore) CallCount(_ context.Context, tenantID, agentID, capability string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := s.calls[callKey(tenantID, agentID, capability)]
	idx := sort.Search(len(calls), func(i int) bool { return !calls[i].Before(since) })
	return len(calls) - idx, nil
}

func (s *MemoryStore) RecordOutcome(_ context.Context, tenantID, capability string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outcomeKey(tenantID, capability)
	cutoff := at.Add(-s.retention)
	kept := s.outcomes[key][:0]
	for _, o := range s.outcomes[key] {
		if !o.at.Before(cutoff) {
			kept = append(kept, o)
		}
	}
	s.outcomes[key] = append(kept, outcome{at: at, success: success})
	return nil
}

func (s *MemoryStore) Outcomes(_ context.Context, tenantID, capability string, since time.Time) (OutcomeCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts OutcomeCounts
	for _, o := range s.outcomes[outcomeKey(tenantID, capability)] {
		if o.at.Before(since) {
			continue
		}
		counts.Total++
		if !o.success {
			counts.Failures++
		}
	}
	return counts, nil
}

func (s *MemoryStore) RecordSpend(_ context.Context, tenantID, agentID string, amount float64, at time.Time) error {
	if amount == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := at.Add(-s.retention)
	for _, key := range []string{spendKey(tenantID, ""), spendKey(tenantID, agentID)} {
		kept := s.spends[key][:0]
		for _, sp := range s.spends[key] {
			if !sp.at.Before(cutoff) {
				kept = append(kept, sp)
			}
		}
		s.spends[key] = append(kept, spend{at: at, amount: amount})
		if agentID == "" {
			break
		}
	}
	return nil
}

func (s *MemoryStore) Spend(_ context.Context, tenantID, agentID string, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, sp := range s.spends[spendKey(tenantID, agentID)] {
		if !sp.at.Before(since) {
			total += sp.amount
		}
	}
	return total, nil
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	idx := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
	return ts[idx:]
}

// insertTime keeps ts sorted; callers usually append in order.
func insertTime(ts []time.Time, at time.Time) []time.Time {
	idx := sort.Search(len(ts), func(i int) bool { return ts[i].After(at) })
	ts = append(ts, time.Time{})
	copy(ts[idx+1:], ts[idx:])
	ts[idx] = at
	return ts
}
