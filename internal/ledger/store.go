package ledger

import (
	"context"
	"time"

	"github.com/davidahmann/steward/pkg/types"
)

// RecordStore is durable storage for ledger records. AppendRecords must be
// idempotent on record_id so replays never duplicate rows.
type RecordStore interface {
	AppendRecords(ctx context.Context, recs []types.LedgerRecord) error
	QueryRecords(ctx context.Context, tenantID string, f Filter) ([]types.LedgerRecord, error)
}

// ApprovalStore persists approval requests. TransitionApproval applies the
// resolved fields only while the stored request is still pending and
// reports whether it did.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, req types.ApprovalRequest) error
	GetApproval(ctx context.Context, requestID string) (types.ApprovalRequest, bool, error)
	ListApprovals(ctx context.Context, tenantID string, status types.ApprovalStatus) ([]types.ApprovalRequest, error)
	ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]types.ApprovalRequest, error)
	TransitionApproval(ctx context.Context, resolved types.ApprovalRequest) (bool, error)
}

// OutboxStore holds approval notifications waiting to be delivered.
type OutboxStore interface {
	PutNotification(ctx context.Context, rec NotificationRecord) error
	GetNotification(ctx context.Context, notificationID string) (NotificationRecord, bool, error)
	ListNotificationsDue(ctx context.Context, now time.Time, limit int) ([]NotificationRecord, error)
}

// Store is everything the gateway persists.
type Store interface {
	RecordStore
	ApprovalStore
	OutboxStore
}

// Filter narrows a tenant's ledger query. Zero values match everything.
type Filter struct {
	From           time.Time
	To             time.Time
	AgentID        string
	CapabilityName string
	ExecutionMode  types.ExecutionMode
	DecisionID     string
	Limit          int
}

// Match reports whether rec passes the filter. To is exclusive.
func (f Filter) Match(rec types.LedgerRecord) bool {
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.CreatedAt.Before(f.To) {
		return false
	}
	if f.AgentID != "" && rec.AgentID != f.AgentID {
		return false
	}
	if f.CapabilityName != "" && rec.CapabilityName != f.CapabilityName {
		return false
	}
	if f.ExecutionMode != "" && rec.ExecutionMode != f.ExecutionMode {
		return false
	}
	if f.DecisionID != "" && rec.DecisionID != f.DecisionID {
		return false
	}
	return true
}

const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

type NotificationRecord struct {
	NotificationID string
	RequestID      string
	TenantID       string
	Channel        string
	MessageJSON    []byte
	Status         string // pending | sent | failed
	AttemptCount   int
	NextAttemptAt  time.Time
	LastError      *string
	MessageTS      *string
	SentAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
