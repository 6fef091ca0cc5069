package types

import "time"

type Verdict string

const (
	VerdictAutoExecute     Verdict = "AUTO_EXECUTE"
	VerdictObserveOnly     Verdict = "OBSERVE_ONLY"
	VerdictRequireApproval Verdict = "REQUIRE_APPROVAL"
)

type Decision struct {
	DecisionID          string    `json:"decision_id"`
	Verdict             Verdict   `json:"verdict"`
	RiskScore           float64   `json:"risk_score"`
	MigrationWeightUsed int       `json:"migration_weight_used"`
	Probability         float64   `json:"probability"`
	Draw                *float64  `json:"draw,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	CreatedAt           time.Time `json:"created_at"`

	TenantID       string `json:"tenant_id"`
	AgentID        string `json:"agent_id"`
	RunID          string `json:"run_id,omitempty"`
	CapabilityName string `json:"capability_name"`
}
