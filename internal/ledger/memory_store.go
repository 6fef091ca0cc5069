package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidahmann/steward/pkg/types"
)

// InMemoryStore implements Store in process, for tests and single-node
// development.
type InMemoryStore struct {
	mu sync.Mutex

	records   map[string][]types.LedgerRecord // by tenant
	recordIDs map[string]struct{}
	approvals map[string]types.ApprovalRequest
	outbox    map[string]NotificationRecord

	failAppend error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:   make(map[string][]types.LedgerRecord),
		recordIDs: make(map[string]struct{}),
		approvals: make(map[string]types.ApprovalRequest),
		outbox:    make(map[string]NotificationRecord),
	}
}

// SetAppendError makes AppendRecords fail with err until cleared with nil.
func (s *InMemoryStore) SetAppendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
}

func (s *InMemoryStore) AppendRecords(_ context.Context, recs []types.LedgerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return s.failAppend
	}
	for _, rec := range recs {
		if _, ok := s.recordIDs[rec.RecordID]; ok {
			continue
		}
		s.recordIDs[rec.RecordID] = struct{}{}
		s.records[rec.TenantID] = append(s.records[rec.TenantID], rec)
	}
	return nil
}

func (s *InMemoryStore) QueryRecords(_ context.Context, tenantID string, f Filter) ([]types.LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.LedgerRecord{}
	for _, rec := range s.records[tenantID] {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RecordID < out[j].RecordID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Count returns the number of stored records across all tenants.
func (s *InMemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recordIDs)
}

func (s *InMemoryStore) CreateApproval(_ context.Context, req types.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[req.RequestID]; ok {
		return ErrDuplicate
	}
	s.approvals[req.RequestID] = req
	return nil
}

func (s *InMemoryStore) GetApproval(_ context.Context, requestID string) (types.ApprovalRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[requestID]
	return req, ok, nil
}

func (s *InMemoryStore) ListApprovals(_ context.Context, tenantID string, status types.ApprovalStatus) ([]types.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.ApprovalRequest{}
	for _, req := range s.approvals {
		if tenantID != "" && req.TenantID != tenantID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req)
	}
	sortApprovals(out)
	return out, nil
}

func (s *InMemoryStore) ListExpiredApprovals(_ context.Context, now time.Time, limit int) ([]types.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.ApprovalRequest{}
	for _, req := range s.approvals {
		if req.Status == types.ApprovalPending && !req.ExpiresAt.After(now) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) TransitionApproval(_ context.Context, resolved types.ApprovalRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.approvals[resolved.RequestID]
	if !ok || cur.Status != types.ApprovalPending {
		return false, nil
	}
	cur.Status = resolved.Status
	cur.ResolvedBy = resolved.ResolvedBy
	cur.ResolvedAt = resolved.ResolvedAt
	cur.ModifiedArguments = resolved.ModifiedArguments
	s.approvals[resolved.RequestID] = cur
	return true, nil
}

func (s *InMemoryStore) PutNotification(_ context.Context, rec NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[rec.NotificationID] = rec
	return nil
}

func (s *InMemoryStore) GetNotification(_ context.Context, notificationID string) (NotificationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[notificationID]
	return rec, ok, nil
}

func (s *InMemoryStore) ListNotificationsDue(_ context.Context, now time.Time, limit int) ([]NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []NotificationRecord{}
	for _, rec := range s.outbox {
		if rec.Status != NotificationPending || rec.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortApprovals(reqs []types.ApprovalRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].RequestID < reqs[j].RequestID
	})
}
