// Package governance ties the visibility filter, risk assessor, migration
// gate, approval queue and ledger into one decision path per proposed action.
package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/steward/internal/approval"
	"github.com/davidahmann/steward/internal/events"
	"github.com/davidahmann/steward/internal/gate"
	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/internal/logger"
	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/internal/risk"
	"github.com/davidahmann/steward/internal/usage"
	"github.com/davidahmann/steward/internal/visibility"
	"github.com/davidahmann/steward/pkg/types"
)

var ErrInvalidAction = errors.New("invalid proposed action")

const (
	usageQueueSize    = 4096
	usageWriteTimeout = 2 * time.Second
)

// ExecutionResult is what running a capability produced.
type ExecutionResult struct {
	Output any      `json:"output,omitempty"`
	Cost   *float64 `json:"cost,omitempty"`
	Tokens *int64   `json:"tokens,omitempty"`
}

// Executor runs an authorized capability call.
type Executor interface {
	Execute(ctx context.Context, action types.ProposedAction) (ExecutionResult, error)
}

type ExecutorFunc func(ctx context.Context, action types.ProposedAction) (ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, action types.ProposedAction) (ExecutionResult, error) {
	return f(ctx, action)
}

// Outcome reports what happened to one proposed action.
type Outcome struct {
	Decision types.Decision         `json:"decision"`
	Mode     types.ExecutionMode    `json:"execution_mode"`
	RecordID string                 `json:"record_id"`
	Approval *types.ApprovalRequest `json:"approval,omitempty"`
	Result   *ExecutionResult       `json:"result,omitempty"`
	Risk     risk.Breakdown         `json:"risk"`
	Error    string                 `json:"error,omitempty"`
}

type Deps struct {
	Policy    *policy.Provider
	Usage     usage.Store
	Ledger    *ledger.Ledger
	Approvals *approval.Queue
	Gate      *gate.Gate

	// optional
	Executor Executor
	Events   events.Emitter
	Registry *visibility.Registry
	Now      func() time.Time
}

type Engine struct {
	policy    *policy.Provider
	usage     usage.Store
	ledger    *ledger.Ledger
	approvals *approval.Queue
	gate      *gate.Gate
	executor  Executor
	events    events.Emitter
	registry  *visibility.Registry
	now       func() time.Time

	// usage writes happen here, never on the decision path
	usageWrites *usage.Recorder

	filterMu      sync.Mutex
	filterVersion uint64
	filter        *visibility.Filter
}

func New(d Deps) (*Engine, error) {
	switch {
	case d.Policy == nil:
		return nil, fmt.Errorf("policy provider is required")
	case d.Usage == nil:
		return nil, fmt.Errorf("usage store is required")
	case d.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case d.Approvals == nil:
		return nil, fmt.Errorf("approval queue is required")
	case d.Gate == nil:
		return nil, fmt.Errorf("gate is required")
	}
	e := &Engine{
		policy:    d.Policy,
		usage:     d.Usage,
		ledger:    d.Ledger,
		approvals: d.Approvals,
		gate:      d.Gate,
		executor:  d.Executor,
		events:    d.Events,
		registry:  d.Registry,
		now:       d.Now,
	}
	if e.events == nil {
		e.events = events.Nop{}
	}
	if e.registry == nil {
		e.registry = visibility.DefaultRegistry()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.usageWrites = usage.NewRecorder(usageQueueSize, usageWriteTimeout)
	return e, nil
}

// Close stops background usage writes after draining them.
func (e *Engine) Close() {
	e.usageWrites.Close()
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

func validateAction(a types.ProposedAction) error {
	switch {
	case a.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidAction)
	case a.AgentID == "":
		return fmt.Errorf("%w: agent_id is required", ErrInvalidAction)
	case a.CapabilityName == "":
		return fmt.Errorf("%w: capability_name is required", ErrInvalidAction)
	}
	return nil
}

// EvaluateAndMaybeExecute scores the action, applies the gate and then
// executes it, records it for review, or parks it for approval. Every path
// writes exactly one ledger record. Storage trouble in the ledger is never
// returned; a failed enqueue is, since the action must not run.
func (e *Engine) EvaluateAndMaybeExecute(ctx context.Context, action types.ProposedAction) (Outcome, error) {
	if err := validateAction(action); err != nil {
		return Outcome{}, err
	}
	snap := e.policy.Current()
	cfg := snap.Capability(action.CapabilityName)
	now := e.clock()

	e.usageWrites.Enqueue("call", func(ctx context.Context) error {
		return e.usage.RecordCall(ctx, action.TenantID, action.AgentID, action.CapabilityName, now)
	})

	breakdown := risk.New(risk.Thresholds{Low: cfg.AmountLow, High: cfg.AmountHigh}).Explain(action, cfg.RiskLevel)
	d := e.gate.Evaluate(action, cfg, breakdown.Score)
	mode, step := Plan(d.Verdict)

	out := Outcome{Decision: d, Mode: mode, RecordID: d.DecisionID, Risk: breakdown}
	rec := decisionRecord(d, mode)

	var opErr error
	switch step {
	case StepExecute:
		res, err := e.execute(ctx, action)
		if res != nil {
			out.Result = res
			rec.Cost = res.Cost
			rec.Tokens = res.Tokens
		}
		if err != nil {
			rec.Error = err.Error()
			out.Error = rec.Error
		}
	case StepEnqueue:
		req, err := e.approvals.Enqueue(ctx, d, action, d.Reason, cfg.ApprovalTimeout)
		if err != nil {
			rec.Error = err.Error()
			out.Error = rec.Error
			opErr = err
		} else {
			out.Approval = &req
		}
	case StepRecordOnly:
	default:
		opErr = fmt.Errorf("unexpected verdict %q", d.Verdict)
	}

	e.record(rec)
	e.events.Emit(events.FromRecord(events.EventDecision, rec, d.Reason))
	if out.Approval != nil {
		e.events.Emit(events.FromRecord(events.EventApprovalEnqueued, rec, d.Reason))
	}
	return out, opErr
}

// execute runs the action when an executor is wired. Without one the
// caller performs the call and reports back through RecordOutcome.
func (e *Engine) execute(ctx context.Context, action types.ProposedAction) (*ExecutionResult, error) {
	if e.executor == nil {
		return nil, nil
	}
	res, err := e.executor.Execute(ctx, action)
	var cost float64
	if res.Cost != nil && !math.IsNaN(*res.Cost) && !math.IsInf(*res.Cost, 0) {
		cost = *res.Cost
	}
	success, at := err == nil, e.clock()
	e.usageWrites.Enqueue("outcome", func(ctx context.Context) error {
		return e.recordOutcome(ctx, action.TenantID, action.AgentID, action.CapabilityName, success, cost, at)
	})
	return &res, err
}

func decisionRecord(d types.Decision, mode types.ExecutionMode) types.LedgerRecord {
	return types.LedgerRecord{
		RecordID:            d.DecisionID,
		DecisionID:          d.DecisionID,
		TenantID:            d.TenantID,
		AgentID:             d.AgentID,
		RunID:               d.RunID,
		CapabilityName:      d.CapabilityName,
		Verdict:             d.Verdict,
		RiskScore:           d.RiskScore,
		MigrationWeightUsed: d.MigrationWeightUsed,
		ExecutionMode:       mode,
		CreatedAt:           d.CreatedAt,
	}
}

func (e *Engine) record(rec types.LedgerRecord) {
	if err := e.ledger.Record(rec); err != nil {
		logger.Logger.Error().Err(err).
			Str("tenant_id", rec.TenantID).
			Str("record_id", rec.RecordID).
			Msg("ledger record rejected")
	}
}

// RecordOutcome feeds an execution result into the usage tracker used by
// the budget and circuit breaker evaluators.
func (e *Engine) RecordOutcome(ctx context.Context, tenantID, agentID, capability string, success bool, cost float64) error {
	if tenantID == "" || capability == "" {
		return fmt.Errorf("%w: tenant_id and capability are required", ErrInvalidAction)
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return fmt.Errorf("%w: cost must be finite", ErrInvalidAction)
	}
	return e.recordOutcome(ctx, tenantID, agentID, capability, success, cost, e.clock())
}

func (e *Engine) recordOutcome(ctx context.Context, tenantID, agentID, capability string, success bool, cost float64, at time.Time) error {
	if err := e.usage.RecordOutcome(ctx, tenantID, capability, success, at); err != nil {
		return err
	}
	if cost > 0 {
		return e.usage.RecordSpend(ctx, tenantID, agentID, cost, at)
	}
	return nil
}

// FilterCapabilities returns the candidates the agent may be offered right
// now. Evaluator failures keep the capability visible.
func (e *Engine) FilterCapabilities(ctx context.Context, candidates []types.Capability, tenantID, agentID, runID string) []types.Capability {
	f := e.visibilityFilter()
	return f.Filter(ctx, candidates, agentID, types.EvalContext{
		TenantID: tenantID,
		RunID:    runID,
		Now:      e.clock(),
	})
}

// visibilityFilter rebuilds the evaluator set whenever the policy snapshot
// changes.
func (e *Engine) visibilityFilter() *visibility.Filter {
	snap := e.policy.Current()
	e.filterMu.Lock()
	defer e.filterMu.Unlock()
	if e.filter != nil && e.filterVersion == snap.Version {
		return e.filter
	}
	evs, err := e.registry.Build(snap.Policy.Evaluators, visibility.Deps{Usage: e.usage})
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("building visibility evaluators failed; filtering disabled")
		evs = nil
	}
	e.filter = visibility.NewFilter(snap.EvaluatorTimeout(), evs...)
	e.filterVersion = snap.Version
	return e.filter
}

// SetMigrationWeight changes a capability's weight for the next evaluation.
func (e *Engine) SetMigrationWeight(capability string, weight int) error {
	if err := e.policy.SetMigrationWeight(capability, weight); err != nil {
		return err
	}
	e.events.Emit(events.GovernanceEvent{
		Type:            events.EventWeightChanged,
		Timestamp:       e.clock(),
		CapabilityName:  capability,
		MigrationWeight: weight,
		Reason:          "runtime override",
	})
	return nil
}

// Capability returns the effective configuration for a capability.
func (e *Engine) Capability(name string) policy.CapabilityConfig {
	return e.policy.Current().Capability(name)
}

func (e *Engine) QueryLedger(ctx context.Context, tenantID string, f ledger.Filter) ([]types.LedgerRecord, error) {
	return e.ledger.Query(ctx, tenantID, f)
}

func (e *Engine) CostSummary(ctx context.Context, tenantID, agentID string, from, to time.Time) (ledger.Summary, error) {
	return e.ledger.CostSummary(ctx, tenantID, agentID, from, to)
}

func (e *Engine) Reconcile(ctx context.Context) (ledger.ReconcileReport, error) {
	return e.ledger.Reconcile(ctx)
}

func newRecordID() string {
	return uuid.NewString()
}
