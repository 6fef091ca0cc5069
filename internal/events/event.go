package events

import (
	"time"

	"github.com/davidahmann/steward/pkg/types"
)

type EventType string

const (
	EventDecision         EventType = "decision"
	EventApprovalEnqueued EventType = "approval_enqueued"
	EventApprovalResolved EventType = "approval_resolved"
	EventApprovalExpired  EventType = "approval_expired"
	EventWeightChanged    EventType = "weight_changed"
)

type GovernanceEvent struct {
	Type            EventType           `json:"type"`
	Timestamp       time.Time           `json:"timestamp"`
	TenantID        string              `json:"tenant_id"`
	AgentID         string              `json:"agent_id,omitempty"`
	CapabilityName  string              `json:"capability_name"`
	DecisionID      string              `json:"decision_id,omitempty"`
	Verdict         types.Verdict       `json:"verdict,omitempty"`
	ExecutionMode   types.ExecutionMode `json:"execution_mode,omitempty"`
	RiskScore       float64             `json:"risk_score"`
	MigrationWeight int                 `json:"migration_weight"`
	Reason          string              `json:"reason"`
}

// FromRecord describes a ledger record as an event.
func FromRecord(typ EventType, rec types.LedgerRecord, reason string) GovernanceEvent {
	return GovernanceEvent{
		Type:            typ,
		Timestamp:       rec.CreatedAt,
		TenantID:        rec.TenantID,
		AgentID:         rec.AgentID,
		CapabilityName:  rec.CapabilityName,
		DecisionID:      rec.DecisionID,
		Verdict:         rec.Verdict,
		ExecutionMode:   rec.ExecutionMode,
		RiskScore:       rec.RiskScore,
		MigrationWeight: rec.MigrationWeightUsed,
		Reason:          reason,
	}
}
