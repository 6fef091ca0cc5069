package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/steward/internal/approval"
	"github.com/davidahmann/steward/internal/events"
	"github.com/davidahmann/steward/internal/gate"
	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/internal/usage"
	"github.com/davidahmann/steward/pkg/types"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []types.ProposedAction
	err   error
	cost  *float64
}

func (x *recordingExecutor) Execute(_ context.Context, action types.ProposedAction) (ExecutionResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls = append(x.calls, action)
	cost := 0.02
	if x.cost != nil {
		cost = *x.cost
	}
	tokens := int64(120)
	return ExecutionResult{Output: "ok", Cost: &cost, Tokens: &tokens}, x.err
}

func (x *recordingExecutor) Calls() []types.ProposedAction {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]types.ProposedAction(nil), x.calls...)
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func testPolicy() policy.Policy {
	return policy.Policy{
		PolicyID: "test",
		Evaluators: policy.EvaluatorConfig{
			RateLimit: &policy.RateLimitConfig{Window: time.Minute, MaxCalls: 100, PerCapability: map[string]int{"send-notification": 2}},
		},
		Capabilities: map[string]policy.CapabilityRule{
			"send-notification": {MigrationWeight: intPtr(30)},
			"delete-order":      {MigrationWeight: intPtr(0)},
			"refund-payment":    {MigrationWeight: intPtr(60), RequiresConfirmation: boolPtr(true)},
		},
	}
}

type harness struct {
	engine   *Engine
	clock    *fakeClock
	store    *ledger.InMemoryStore
	ledger   *ledger.Ledger
	usage    *usage.MemoryStore
	executor *recordingExecutor
	events   *events.Recorder
}

func newHarness(t *testing.T, draws ...float64) *harness {
	t.Helper()
	clock := &fakeClock{now: testNow}
	provider, err := policy.NewStaticProvider(testPolicy())
	require.NoError(t, err)

	store := ledger.NewInMemoryStore()
	fallback, err := ledger.OpenFallbackLog(filepath.Join(t.TempDir(), "fallback.jsonl"))
	require.NoError(t, err)
	l := ledger.New(store, ledger.Options{FlushInterval: 10 * time.Millisecond, BaseBackoff: time.Millisecond, Fallback: fallback})
	t.Cleanup(func() { _ = l.Close(context.Background()) })

	if len(draws) == 0 {
		draws = []float64{0.5}
	}
	ids := 0
	g := gate.New(gate.NewSequenceSource(draws...),
		gate.WithClock(clock.Now),
		gate.WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("dec-%03d", ids)
		}),
	)

	u := usage.NewMemoryStore(24 * time.Hour)
	exec := &recordingExecutor{}
	rec := &events.Recorder{}
	e, err := New(Deps{
		Policy:    provider,
		Usage:     u,
		Ledger:    l,
		Approvals: approval.NewQueue(store, approval.WithClock(clock.Now)),
		Gate:      g,
		Executor:  exec,
		Events:    rec,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return &harness{engine: e, clock: clock, store: store, ledger: l, usage: u, executor: exec, events: rec}
}

func (h *harness) flushUsage(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.usageWrites.Flush(context.Background()))
}

func (h *harness) records(t *testing.T, f ledger.Filter) []types.LedgerRecord {
	t.Helper()
	require.NoError(t, h.ledger.Flush(context.Background()))
	recs, err := h.engine.QueryLedger(context.Background(), "acme", f)
	require.NoError(t, err)
	return recs
}

func notification() types.ProposedAction {
	return types.ProposedAction{
		CapabilityName: "send-notification",
		Arguments:      map[string]any{"to": "ops", "body": "deploy done"},
		AgentID:        "agent-1",
		TenantID:       "acme",
		OperationType:  types.OperationNotify,
		Scope:          types.ScopeSingle,
		Reversibility:  types.Reversible,
	}
}

func TestSendNotificationLowDrawAutoExecutes(t *testing.T) {
	h := newHarness(t, 0.10)
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), notification())
	require.NoError(t, err)

	assert.Equal(t, types.VerdictAutoExecute, out.Decision.Verdict)
	assert.InDelta(t, 0.29, out.Decision.RiskScore, 1e-9)
	assert.InDelta(t, 0.213, out.Decision.Probability, 1e-9)
	assert.Equal(t, types.ModeAuto, out.Mode)
	assert.Nil(t, out.Approval)
	require.Len(t, h.executor.Calls(), 1)

	recs := h.records(t, ledger.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, out.Decision.DecisionID, recs[0].RecordID)
	assert.Equal(t, types.ModeAuto, recs[0].ExecutionMode)
	assert.Equal(t, 30, recs[0].MigrationWeightUsed)
	require.NotNil(t, recs[0].Cost)
	assert.InDelta(t, 0.02, *recs[0].Cost, 1e-9)
	require.NoError(t, ledger.VerifyRecord(recs[0], nil))

	h.flushUsage(t)
	spent, err := h.usage.Spend(context.Background(), "acme", "agent-1", testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.02, spent, 1e-9)
}

func TestSendNotificationHighDrawRequiresApproval(t *testing.T) {
	h := newHarness(t, 0.90)
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), notification())
	require.NoError(t, err)

	assert.Equal(t, types.VerdictRequireApproval, out.Decision.Verdict)
	assert.Equal(t, types.ModePendingApproval, out.Mode)
	require.NotNil(t, out.Approval)
	assert.Equal(t, out.Decision.DecisionID, out.Approval.RequestID)
	assert.Equal(t, testNow.Add(24*time.Hour), out.Approval.ExpiresAt)
	assert.Empty(t, h.executor.Calls())

	pending, err := h.engine.ListPendingApprovals(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	recs := h.records(t, ledger.Filter{ExecutionMode: types.ModePendingApproval})
	require.Len(t, recs, 1)

	var got []events.EventType
	for _, ev := range h.events.Events() {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []events.EventType{events.EventDecision, events.EventApprovalEnqueued}, got)
}

func TestWeightZeroOnlyObserves(t *testing.T) {
	h := newHarness(t, 0.0)
	action := types.ProposedAction{CapabilityName: "delete-order", AgentID: "agent-1", TenantID: "acme", OperationType: types.OperationDelete}
	for i := 0; i < 50; i++ {
		out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), action)
		require.NoError(t, err)
		require.Equal(t, types.VerdictObserveOnly, out.Decision.Verdict)
	}
	assert.Empty(t, h.executor.Calls())

	recs := h.records(t, ledger.Filter{CapabilityName: "delete-order"})
	require.Len(t, recs, 50)
	for _, rec := range recs {
		assert.Equal(t, types.ModeObserved, rec.ExecutionMode)
	}
	summary, err := h.engine.CostSummary(context.Background(), "acme", "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Executions)
	assert.Equal(t, 50, summary.ByMode[types.ModeObserved])
}

func TestUnknownCapabilityDefaultsToObserve(t *testing.T) {
	h := newHarness(t, 0.0)
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), types.ProposedAction{CapabilityName: "brand-new", AgentID: "a", TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictObserveOnly, out.Decision.Verdict)
	assert.Equal(t, 0, out.Decision.MigrationWeightUsed)
}

func TestRequiresConfirmationForcesApprovalBelowFullWeight(t *testing.T) {
	h := newHarness(t, 0.0)
	amount := 40.0
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), types.ProposedAction{
		CapabilityName: "refund-payment", AgentID: "agent-1", TenantID: "acme",
		OperationType: types.OperationPayment, Amount: &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictRequireApproval, out.Decision.Verdict)
	assert.Empty(t, h.executor.Calls())
}

func TestFullWeightExecutesDespiteConfirmation(t *testing.T) {
	h := newHarness(t, 0.99)
	require.NoError(t, h.engine.SetMigrationWeight("refund-payment", 100))
	amount := 40.0
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), types.ProposedAction{
		CapabilityName: "refund-payment", AgentID: "agent-1", TenantID: "acme",
		OperationType: types.OperationPayment, Amount: &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAutoExecute, out.Decision.Verdict)
	assert.Equal(t, types.ModeAuto, out.Mode)
	assert.Len(t, h.executor.Calls(), 1)
}

func TestSetMigrationWeightTakesEffectNextEvaluation(t *testing.T) {
	h := newHarness(t, 0.0)
	action := types.ProposedAction{CapabilityName: "delete-order", AgentID: "agent-1", TenantID: "acme"}

	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictObserveOnly, out.Decision.Verdict)

	require.NoError(t, h.engine.SetMigrationWeight("delete-order", 100))
	out, err = h.engine.EvaluateAndMaybeExecute(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAutoExecute, out.Decision.Verdict)
	assert.Equal(t, 100, out.Decision.MigrationWeightUsed)

	var cerr *policy.ConfigurationError
	assert.ErrorAs(t, h.engine.SetMigrationWeight("delete-order", 101), &cerr)
}

func TestResolveApprovedExecutesAndAppendsLinkedRecord(t *testing.T) {
	h := newHarness(t, 0.90)
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), notification())
	require.NoError(t, err)
	require.NoError(t, h.ledger.Flush(context.Background()))

	h.clock.Advance(time.Hour)
	res, err := h.engine.ResolveApproval(context.Background(), "acme", out.Approval.RequestID, types.ApprovalApproved, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, types.ModeApproved, res.Mode)
	require.Len(t, h.executor.Calls(), 1)
	assert.Equal(t, "ops", h.executor.Calls()[0].Arguments["to"])

	recs := h.records(t, ledger.Filter{DecisionID: out.Decision.DecisionID})
	require.Len(t, recs, 2)
	linked := recs[1]
	assert.Equal(t, out.Decision.DecisionID, linked.ParentRecordID)
	assert.NotEqual(t, out.Decision.DecisionID, linked.RecordID)
	assert.Equal(t, types.ModeApproved, linked.ExecutionMode)
	assert.Equal(t, "alice", linked.ApprovalBy)
	require.NotNil(t, linked.ApprovalTime)
	assert.Equal(t, testNow.Add(time.Hour), *linked.ApprovalTime)
	assert.Equal(t, 30, linked.MigrationWeightUsed)
	require.NotNil(t, linked.Cost)

	// the decision row itself is untouched
	assert.Equal(t, types.ModePendingApproval, recs[0].ExecutionMode)
	assert.Empty(t, recs[0].ApprovalBy)

	_, err = h.engine.ResolveApproval(context.Background(), "acme", out.Approval.RequestID, types.ApprovalRejected, "bob", nil)
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)
}

func TestResolveModifiedUsesModifiedArguments(t *testing.T) {
	h := newHarness(t, 0.90)
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), notification())
	require.NoError(t, err)

	res, err := h.engine.ResolveApproval(context.Background(), "acme", out.Approval.RequestID, types.ApprovalModified, "alice", map[string]any{"to": "oncall"})
	require.NoError(t, err)
	assert.Equal(t, types.ModeModified, res.Mode)
	require.Len(t, h.executor.Calls(), 1)
	assert.Equal(t, "oncall", h.executor.Calls()[0].Arguments["to"])
}

func TestApprovedActionKeepsRiskContext(t *testing.T) {
	h := newHarness(t, 0.0)
	amount := 480.0
	action := types.ProposedAction{
		CapabilityName: "refund-payment",
		Arguments:      map[string]any{"order_id": "o-9"},
		AgentID:        "agent-1",
		TenantID:       "acme",
		OperationType:  types.OperationPayment,
		Scope:          types.ScopeSingle,
		Amount:         &amount,
		Reversibility:  types.Irreversible,
	}
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), action)
	require.NoError(t, err)
	require.Equal(t, types.VerdictRequireApproval, out.Decision.Verdict)

	_, err = h.engine.ResolveApproval(context.Background(), "acme", out.Approval.RequestID, types.ApprovalModified, "alice", map[string]any{"order_id": "o-10"})
	require.NoError(t, err)
	require.Len(t, h.executor.Calls(), 1)
	got := h.executor.Calls()[0]
	assert.Equal(t, "o-10", got.Arguments["order_id"])
	assert.Equal(t, types.OperationPayment, got.OperationType)
	assert.Equal(t, types.ScopeSingle, got.Scope)
	assert.Equal(t, types.Irreversible, got.Reversibility)
	require.NotNil(t, got.Amount)
	assert.Equal(t, 480.0, *got.Amount)
}

func TestResolveRejectedDoesNotExecute(t *testing.T) {
	h := newHarness(t, 0.90)
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), notification())
	require.NoError(t, err)

	res, err := h.engine.ResolveApproval(context.Background(), "acme", out.Approval.RequestID, types.ApprovalRejected, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, types.ModeRejected, res.Mode)
	assert.Empty(t, h.executor.Calls())
	assert.Len(t, h.records(t, ledger.Filter{ExecutionMode: types.ModeRejected}), 1)
}

func TestResolveChecksTenant(t *testing.T) {
	h := newHarness(t, 0.90)
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), notification())
	require.NoError(t, err)

	_, err = h.engine.ResolveApproval(context.Background(), "globex", out.Approval.RequestID, types.ApprovalApproved, "mallory", nil)
	assert.ErrorIs(t, err, approval.ErrNotFound)
	_, err = h.engine.ResolveApproval(context.Background(), "acme", "nope", types.ApprovalApproved, "alice", nil)
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestSweepExpiredRecordsExpiry(t *testing.T) {
	h := newHarness(t, 0.90)
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), notification())
	require.NoError(t, err)

	h.clock.Advance(23 * time.Hour)
	expired, err := h.engine.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Empty(t, expired)

	h.clock.Advance(2 * time.Hour)
	expired, err = h.engine.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	recs := h.records(t, ledger.Filter{ExecutionMode: types.ModeExpired})
	require.Len(t, recs, 1)
	assert.Equal(t, out.Decision.DecisionID, recs[0].ParentRecordID)
	require.NotNil(t, recs[0].ApprovalTime)
	assert.Equal(t, out.Approval.ExpiresAt, *recs[0].ApprovalTime)

	_, err = h.engine.ResolveApproval(context.Background(), "acme", out.Approval.RequestID, types.ApprovalApproved, "alice", nil)
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)
}

func TestExecutorFailureIsRecorded(t *testing.T) {
	h := newHarness(t, 0.10)
	h.executor.err = errors.New("smtp timeout")
	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), notification())
	require.NoError(t, err)
	assert.Equal(t, "smtp timeout", out.Error)

	recs := h.records(t, ledger.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, "smtp timeout", recs[0].Error)

	h.flushUsage(t)
	counts, err := h.usage.Outcomes(context.Background(), "acme", "send-notification", testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failures)
}

func TestLedgerOutageNeverBlocksGovernance(t *testing.T) {
	h := newHarness(t, 0.0)
	h.store.SetAppendError(errors.New("db down"))
	action := types.ProposedAction{CapabilityName: "delete-order", AgentID: "agent-1", TenantID: "acme"}
	for i := 0; i < 5; i++ {
		_, err := h.engine.EvaluateAndMaybeExecute(context.Background(), action)
		require.NoError(t, err)
	}
	require.NoError(t, h.ledger.Flush(context.Background()))
	assert.Equal(t, 0, h.store.Count())

	h.store.SetAppendError(nil)
	report, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Replayed)
	assert.Equal(t, 5, h.store.Count())
}

func TestFilterCapabilitiesAppliesRateLimit(t *testing.T) {
	h := newHarness(t, 0.0)
	candidates := []types.Capability{{Name: "send-notification"}, {Name: "delete-order"}}

	visible := h.engine.FilterCapabilities(context.Background(), candidates, "acme", "agent-1", "")
	assert.Len(t, visible, 2)

	for i := 0; i < 2; i++ {
		_, err := h.engine.EvaluateAndMaybeExecute(context.Background(), notification())
		require.NoError(t, err)
	}
	h.flushUsage(t)
	visible = h.engine.FilterCapabilities(context.Background(), candidates, "acme", "agent-1", "")
	require.Len(t, visible, 1)
	assert.Equal(t, "delete-order", visible[0].Name)

	// other agents keep their own budget of calls
	visible = h.engine.FilterCapabilities(context.Background(), candidates, "acme", "agent-2", "")
	assert.Len(t, visible, 2)
}

func TestInvalidActionRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.EvaluateAndMaybeExecute(context.Background(), types.ProposedAction{CapabilityName: "x", AgentID: "a"})
	assert.ErrorIs(t, err, ErrInvalidAction)
	_, err = h.engine.ListPendingApprovals(context.Background(), "")
	assert.ErrorIs(t, err, ledger.ErrTenantRequired)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestExecutedActionWithNonFiniteCostIsStillRecorded(t *testing.T) {
	h := newHarness(t, 0.10)
	nan := math.NaN()
	h.executor.cost = &nan

	out, err := h.engine.EvaluateAndMaybeExecute(context.Background(), notification())
	require.NoError(t, err)
	require.Equal(t, types.ModeAuto, out.Mode)
	require.Len(t, h.executor.Calls(), 1)
	require.NoError(t, h.ledger.Flush(context.Background()))

	recs, err := h.engine.QueryLedger(context.Background(), "acme", ledger.Filter{DecisionID: out.Decision.DecisionID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Cost)
	assert.Contains(t, recs[0].Error, "non-finite cost")

	h.flushUsage(t)
	spent, err := h.usage.Spend(context.Background(), "acme", "", testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, spent)
}

type hungUsage struct {
	*usage.MemoryStore
	entered chan struct{}
}

func (u *hungUsage) RecordCall(ctx context.Context, _, _, _ string, _ time.Time) error {
	select {
	case u.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestHungUsageStoreDoesNotStallDecisions(t *testing.T) {
	provider, err := policy.NewStaticProvider(testPolicy())
	require.NoError(t, err)
	store := ledger.NewInMemoryStore()
	l := ledger.New(store, ledger.Options{FlushInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = l.Close(context.Background()) })

	u := &hungUsage{MemoryStore: usage.NewMemoryStore(time.Hour), entered: make(chan struct{}, 1)}
	e, err := New(Deps{
		Policy:    provider,
		Usage:     u,
		Ledger:    l,
		Approvals: approval.NewQueue(store),
		Gate:      gate.New(gate.NewSequenceSource(0.0)),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_, err := e.EvaluateAndMaybeExecute(context.Background(), types.ProposedAction{CapabilityName: "delete-order", AgentID: "agent-1", TenantID: "acme"})
			assert.NoError(t, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("decisions blocked on the usage store")
	}
	<-u.entered
}
