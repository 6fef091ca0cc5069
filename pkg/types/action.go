package types

import "time"

type OperationType string

const (
	OperationRead    OperationType = "read"
	OperationNotify  OperationType = "notify"
	OperationWrite   OperationType = "write"
	OperationDelete  OperationType = "delete"
	OperationPayment OperationType = "payment"
)

type Scope string

const (
	ScopeSingle Scope = "single"
	ScopeBatch  Scope = "batch"
	ScopeAll    Scope = "all"
)

type Reversibility string

const (
	Reversible   Reversibility = "reversible"
	Partial      Reversibility = "partial"
	Irreversible Reversibility = "irreversible"
)

// ProposedAction is one agent-selected capability call awaiting governance.
// Callers build it immediately before evaluation and must not mutate it after.
type ProposedAction struct {
	CapabilityName string         `json:"capability_name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	AgentID        string         `json:"agent_id"`
	TenantID       string         `json:"tenant_id"`
	RunID          string         `json:"run_id,omitempty"`
	OperationType  OperationType  `json:"operation_type,omitempty"`
	Scope          Scope          `json:"scope,omitempty"`
	Amount         *float64       `json:"amount,omitempty"`
	Reversibility  Reversibility  `json:"reversibility,omitempty"`
}

// WithArguments returns a copy of the action carrying args instead of the
// original arguments.
func (a ProposedAction) WithArguments(args map[string]any) ProposedAction {
	out := a
	out.Arguments = args
	return out
}

// Capability is one named business action an agent may be offered.
type Capability struct {
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	OperationType OperationType `json:"operation_type,omitempty"`
	EstimatedCost float64       `json:"estimated_cost,omitempty"`
}

// EvalContext carries per-call facts constraint evaluators may consult.
type EvalContext struct {
	TenantID string
	RunID    string
	Now      time.Time
}
