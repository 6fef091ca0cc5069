package types

import "time"

type ExecutionMode string

const (
	ModeAuto            ExecutionMode = "auto"
	ModePendingApproval ExecutionMode = "pending_approval"
	ModeApproved        ExecutionMode = "approved"
	ModeModified        ExecutionMode = "modified"
	ModeRejected        ExecutionMode = "rejected"
	ModeExpired         ExecutionMode = "expired"
	ModeObserved        ExecutionMode = "observed"
)

// LedgerRecord is one append-only audit row. Decision rows use the decision
// id as record id; approval resolutions append a row whose ParentRecordID
// points back at the decision row.
type LedgerRecord struct {
	RecordID       string `json:"record_id"`
	ParentRecordID string `json:"parent_record_id,omitempty"`
	DecisionID     string `json:"decision_id"`

	TenantID       string `json:"tenant_id"`
	AgentID        string `json:"agent_id"`
	RunID          string `json:"run_id,omitempty"`
	CapabilityName string `json:"capability_name"`

	Verdict             Verdict       `json:"verdict"`
	RiskScore           float64       `json:"risk_score"`
	MigrationWeightUsed int           `json:"migration_weight_used"`
	ExecutionMode       ExecutionMode `json:"execution_mode"`

	Cost         *float64   `json:"cost,omitempty"`
	Tokens       *int64     `json:"tokens,omitempty"`
	ApprovalBy   string     `json:"approval_by,omitempty"`
	ApprovalTime *time.Time `json:"approval_time,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`

	BodyDigest string `json:"body_digest,omitempty"`
	KeyID      string `json:"key_id,omitempty"`
	Sig        []byte `json:"sig,omitempty"`
}
