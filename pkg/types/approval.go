package types

import "time"

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalModified ApprovalStatus = "modified"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether s is one of the final approval states.
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalModified, ApprovalExpired:
		return true
	default:
		return false
	}
}

type ApprovalRequest struct {
	RequestID      string         `json:"request_id"`
	TenantID       string         `json:"tenant_id"`
	AgentID        string         `json:"agent_id"`
	RunID          string         `json:"run_id,omitempty"`
	CapabilityName string         `json:"capability_name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	RiskScore      float64        `json:"risk_score"`
	Status         ApprovalStatus `json:"status"`
	Reasoning      string         `json:"reasoning"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`

	OperationType OperationType `json:"operation_type,omitempty"`
	Scope         Scope         `json:"scope,omitempty"`
	Amount        *float64      `json:"amount,omitempty"`
	Reversibility Reversibility `json:"reversibility,omitempty"`

	ResolvedBy        string         `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ModifiedArguments map[string]any `json:"modified_arguments,omitempty"`
}

// Action rebuilds the action the request was raised for, with args in place
// of the original arguments.
func (r ApprovalRequest) Action(args map[string]any) ProposedAction {
	return ProposedAction{
		CapabilityName: r.CapabilityName,
		Arguments:      args,
		AgentID:        r.AgentID,
		TenantID:       r.TenantID,
		RunID:          r.RunID,
		OperationType:  r.OperationType,
		Scope:          r.Scope,
		Amount:         r.Amount,
		Reversibility:  r.Reversibility,
	}
}
