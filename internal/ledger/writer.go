package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davidahmann/steward/internal/crypto"
	"github.com/davidahmann/steward/internal/logger"
	"github.com/davidahmann/steward/pkg/types"
)

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	BaseBackoff   time.Duration
	WriteTimeout  time.Duration
	QueueSize     int

	Signer   *crypto.Signer
	Fallback *FallbackLog
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	// negative disables retries
	switch {
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	case o.MaxRetries == 0:
		o.MaxRetries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	return o
}

// Ledger accepts records without blocking and writes them to the store in
// per-tenant batches. Each tenant has its own writer goroutine, so a slow
// tenant never delays another.
type Ledger struct {
	store RecordStore
	opts  Options

	mu         sync.Mutex
	partitions map[string]*partition
	closed     bool
	wg         sync.WaitGroup

	strandedMu sync.Mutex
	stranded   []types.LedgerRecord
}

type partition struct {
	tenantID string
	in       chan types.LedgerRecord
	flushReq chan chan struct{}
	stopped  chan struct{}
}

func New(store RecordStore, opts Options) *Ledger {
	return &Ledger{
		store:      store,
		opts:       opts.withDefaults(),
		partitions: make(map[string]*partition),
	}
}

// Record seals rec and queues it. It never waits on storage. A record that
// cannot be sealed is still kept, unsealed, in the fallback path so that
// Reconcile writes it.
func (l *Ledger) Record(rec types.LedgerRecord) error {
	if rec.TenantID == "" {
		return ErrTenantRequired
	}
	sealed, err := Seal(rec, l.opts.Signer)
	if err != nil {
		l.degrade(rec.TenantID, []types.LedgerRecord{scrubCost(rec)}, fmt.Errorf("seal record: %w", err))
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.degrade(sealed.TenantID, []types.LedgerRecord{sealed}, ErrClosed)
		return nil
	}
	p := l.partitionLocked(sealed.TenantID)
	select {
	case p.in <- sealed:
		l.mu.Unlock()
	default:
		l.mu.Unlock()
		l.degrade(sealed.TenantID, []types.LedgerRecord{sealed}, errors.New("tenant write queue full"))
	}
	return nil
}

func (l *Ledger) partitionLocked(tenantID string) *partition {
	if p, ok := l.partitions[tenantID]; ok {
		return p
	}
	p := &partition{
		tenantID: tenantID,
		in:       make(chan types.LedgerRecord, l.opts.QueueSize),
		flushReq: make(chan chan struct{}),
		stopped:  make(chan struct{}),
	}
	l.partitions[tenantID] = p
	l.wg.Add(1)
	go l.run(p)
	return p
}

func (l *Ledger) run(p *partition) {
	defer l.wg.Done()
	defer close(p.stopped)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]types.LedgerRecord, 0, l.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.write(p.tenantID, batch)
		batch = make([]types.LedgerRecord, 0, l.opts.BatchSize)
	}

	for {
		select {
		case rec, ok := <-p.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= l.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case done := <-p.flushReq:
		drain:
			for {
				select {
				case rec, ok := <-p.in:
					if !ok {
						break drain
					}
					batch = append(batch, rec)
					if len(batch) >= l.opts.BatchSize {
						flush()
					}
				default:
					break drain
				}
			}
			flush()
			close(done)
		}
	}
}

// write stores one batch, retrying with exponential backoff before moving
// it to the fallback log.
func (l *Ledger) write(tenantID string, batch []types.LedgerRecord) {
	attempts := l.opts.MaxRetries + 1
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(l.opts.BaseBackoff << (attempt - 1))
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.WriteTimeout)
		err = l.store.AppendRecords(ctx, batch)
		cancel()
		if err == nil {
			return
		}
		logger.Logger.Debug().Err(err).Str("tenant_id", tenantID).Int("attempt", attempt+1).Msg("ledger write failed")
	}
	l.degrade(tenantID, batch, &WriteError{TenantID: tenantID, Records: len(batch), Attempts: attempts, Err: err})
}

// degrade parks records the primary store could not take. Records are kept
// in memory if even the fallback log fails, so Reconcile can still replay them.
func (l *Ledger) degrade(tenantID string, batch []types.LedgerRecord, cause error) {
	logger.Logger.Warn().Err(cause).Str("tenant_id", tenantID).Int("records", len(batch)).Msg("ledger degraded to fallback log")
	if l.opts.Fallback != nil {
		err := l.opts.Fallback.Append(batch)
		if err == nil {
			return
		}
		logger.Logger.Error().Err(err).Str("tenant_id", tenantID).Msg("fallback log append failed; holding records in memory")
	}
	l.strandedMu.Lock()
	l.stranded = append(l.stranded, batch...)
	l.strandedMu.Unlock()
}

// Flush writes every queued record before returning.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	parts := make([]*partition, 0, len(l.partitions))
	for _, p := range l.partitions {
		parts = append(parts, p)
	}
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for _, p := range parts {
		done := make(chan struct{})
		select {
		case p.flushReq <- done:
		case <-p.stopped:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting new writes, flushes queued records and waits for
// the writers to exit. Records arriving after Close go to the fallback log.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, p := range l.partitions {
		close(p.in)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query returns a tenant's stored records in creation order. Records still
// queued in memory are not visible until flushed.
func (l *Ledger) Query(ctx context.Context, tenantID string, f Filter) ([]types.LedgerRecord, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	return l.store.QueryRecords(ctx, tenantID, f)
}

type ReconcileReport struct {
	Replayed int `json:"replayed"`
	Pending  int `json:"pending"`
}

// Reconcile replays degraded records into the primary store. Inserts are
// keyed by record id, so replaying a record twice is harmless.
func (l *Ledger) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	l.strandedMu.Lock()
	stranded := l.stranded
	l.stranded = nil
	l.strandedMu.Unlock()
	if len(stranded) > 0 {
		if err := l.store.AppendRecords(ctx, stranded); err != nil {
			l.strandedMu.Lock()
			l.stranded = append(stranded, l.stranded...)
			l.strandedMu.Unlock()
			report.Pending = len(stranded)
			return report, err
		}
		report.Replayed += len(stranded)
	}

	if l.opts.Fallback == nil {
		return report, nil
	}
	n, err := l.opts.Fallback.Drain(ctx, func(batch []types.LedgerRecord) error {
		return l.store.AppendRecords(ctx, batch)
	})
	report.Replayed += n
	if pending, perr := l.opts.Fallback.Pending(); perr == nil {
		report.Pending += pending
	}
	if err != nil {
		return report, err
	}
	if report.Replayed > 0 {
		logger.Logger.Info().Int("replayed", report.Replayed).Msg("ledger fallback reconciled")
	}
	return report, nil
}
