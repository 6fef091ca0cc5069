package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/davidahmann/steward/internal/logger"
	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/pkg/types"
)

// ExpiredBy is recorded as the resolver of requests closed by the sweep.
const ExpiredBy = "system:timeout"

const sweepBatch = 100

// Store persists approval requests. TransitionApproval must be an atomic
// compare-and-set from pending to the resolved status; it reports false when
// the request was no longer pending.
type Store interface {
	CreateApproval(ctx context.Context, req types.ApprovalRequest) error
	GetApproval(ctx context.Context, requestID string) (types.ApprovalRequest, bool, error)
	ListApprovals(ctx context.Context, tenantID string, status types.ApprovalStatus) ([]types.ApprovalRequest, error)
	ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]types.ApprovalRequest, error)
	TransitionApproval(ctx context.Context, resolved types.ApprovalRequest) (bool, error)
}

// Notifier tells humans that a request is waiting. Failures are logged and
// never undo the enqueue.
type Notifier interface {
	NotifyPending(ctx context.Context, req types.ApprovalRequest) error
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.defaultTimeout = d
		}
	}
}

// Queue parks REQUIRE_APPROVAL decisions until a human resolves them or
// they expire.
type Queue struct {
	store          Store
	notifier       Notifier
	now            func() time.Time
	defaultTimeout time.Duration
}

func NewQueue(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:          store,
		now:            time.Now,
		defaultTimeout: policy.DefaultApprovalTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) clock() time.Time {
	return q.now().UTC().Truncate(time.Microsecond)
}

// Timeout returns the effective timeout for a requested one: zero or
// negative means the default, anything shorter than a minute is raised to
// one minute.
func (q *Queue) Timeout(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return q.defaultTimeout
	case requested < policy.MinApprovalTimeout:
		return policy.MinApprovalTimeout
	default:
		return requested
	}
}

// Enqueue creates a pending request whose id is the decision id.
func (q *Queue) Enqueue(ctx context.Context, d types.Decision, action types.ProposedAction, reasoning string, timeout time.Duration) (types.ApprovalRequest, error) {
	if d.Verdict != types.VerdictRequireApproval {
		return types.ApprovalRequest{}, fmt.Errorf("%w: %s", ErrNotApprovable, d.Verdict)
	}
	if d.DecisionID == "" {
		return types.ApprovalRequest{}, fmt.Errorf("decision id is required")
	}
	now := q.clock()
	req := types.ApprovalRequest{
		RequestID:      d.DecisionID,
		TenantID:       action.TenantID,
		AgentID:        action.AgentID,
		RunID:          action.RunID,
		CapabilityName: action.CapabilityName,
		Arguments:      action.Arguments,
		RiskScore:      d.RiskScore,
		Status:         types.ApprovalPending,
		Reasoning:      reasoning,
		CreatedAt:      now,
		ExpiresAt:      now.Add(q.Timeout(timeout)),
		OperationType:  action.OperationType,
		Scope:          action.Scope,
		Amount:         action.Amount,
		Reversibility:  action.Reversibility,
	}
	if err := q.store.CreateApproval(ctx, req); err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("enqueue approval %s: %w", req.RequestID, err)
	}
	if q.notifier != nil {
		if err := q.notifier.NotifyPending(ctx, req); err != nil {
			logger.Logger.Warn().Err(err).
				Str("request_id", req.RequestID).
				Str("tenant_id", req.TenantID).
				Msg("approval notification failed")
		}
	}
	return req, nil
}

// Resolve moves a pending request to approved, rejected or modified.
// Modified arguments are required for, and only accepted with, modified.
func (q *Queue) Resolve(ctx context.Context, requestID string, outcome types.ApprovalStatus, resolver string, modifiedArgs map[string]any) (types.ApprovalRequest, error) {
	switch outcome {
	case types.ApprovalApproved, types.ApprovalRejected:
		if modifiedArgs != nil {
			return types.ApprovalRequest{}, fmt.Errorf("%w: modified arguments given with %s", ErrInvalidOutcome, outcome)
		}
	case types.ApprovalModified:
		if modifiedArgs == nil {
			return types.ApprovalRequest{}, fmt.Errorf("%w: modified requires arguments", ErrInvalidOutcome)
		}
	default:
		return types.ApprovalRequest{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	if resolver == "" {
		return types.ApprovalRequest{}, fmt.Errorf("resolver is required")
	}

	req, err := q.Get(ctx, requestID)
	if err != nil {
		return types.ApprovalRequest{}, err
	}
	if req.Status != types.ApprovalPending {
		return req, fmt.Errorf("approval %s is %s: %w", requestID, req.Status, ErrAlreadyResolved)
	}
	now := q.clock()
	if !now.Before(req.ExpiresAt) {
		return req, fmt.Errorf("approval %s expired at %s: %w", requestID, req.ExpiresAt.Format(time.RFC3339), ErrAlreadyResolved)
	}

	resolved := req
	resolved.Status = outcome
	resolved.ResolvedBy = resolver
	resolved.ResolvedAt = &now
	resolved.ModifiedArguments = modifiedArgs
	ok, err := q.store.TransitionApproval(ctx, resolved)
	if err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("resolve approval %s: %w", requestID, err)
	}
	if !ok {
		current, _, _ := q.store.GetApproval(ctx, requestID)
		return current, fmt.Errorf("approval %s: %w", requestID, ErrAlreadyResolved)
	}
	return resolved, nil
}

// SweepExpired expires every pending request whose deadline is at or
// before now and returns the ones this call expired. Requests a concurrent
// Resolve won are skipped.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) ([]types.ApprovalRequest, error) {
	var expired []types.ApprovalRequest
	for {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		due, err := q.store.ListExpiredApprovals(ctx, now.UTC(), sweepBatch)
		if err != nil {
			return expired, fmt.Errorf("list expired approvals: %w", err)
		}
		won := 0
		for _, req := range due {
			resolvedAt := req.ExpiresAt
			req.Status = types.ApprovalExpired
			req.ResolvedBy = ExpiredBy
			req.ResolvedAt = &resolvedAt
			req.ModifiedArguments = nil
			ok, err := q.store.TransitionApproval(ctx, req)
			if err != nil {
				return expired, fmt.Errorf("expire approval %s: %w", req.RequestID, err)
			}
			if ok {
				expired = append(expired, req)
				won++
			}
		}
		if len(due) < sweepBatch || won == 0 {
			return expired, nil
		}
	}
}

func (q *Queue) ListPending(ctx context.Context, tenantID string) ([]types.ApprovalRequest, error) {
	return q.store.ListApprovals(ctx, tenantID, types.ApprovalPending)
}

func (q *Queue) Get(ctx context.Context, requestID string) (types.ApprovalRequest, error) {
	req, ok, err := q.store.GetApproval(ctx, requestID)
	if err != nil {
		return types.ApprovalRequest{}, err
	}
	if !ok {
		return types.ApprovalRequest{}, fmt.Errorf("approval %s: %w", requestID, ErrNotFound)
	}
	return req, nil
}
