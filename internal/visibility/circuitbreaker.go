package visibility

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/internal/usage"
	"github.com/davidahmann/steward/pkg/types"
)

const CircuitBreakerEvaluatorName = "circuit_breaker"

type breakerState struct {
	openedAt time.Time
	resetAt  time.Time
}

// CircuitBreakerEvaluator hides a capability once its recent failure ratio
// exceeds the configured ratio; a ratio exactly at the limit stays visible.
// After the cooldown it is offered again and only outcomes since the reset
// count toward tripping it.
type CircuitBreakerEvaluator struct {
	cfg   policy.CircuitBreakerConfig
	usage usage.Store

	mu    sync.Mutex
	state map[string]*breakerState
}

func NewCircuitBreakerEvaluator(cfg policy.CircuitBreakerConfig, store usage.Store) *CircuitBreakerEvaluator {
	return &CircuitBreakerEvaluator{cfg: cfg, usage: store, state: make(map[string]*breakerState)}
}

func newCircuitBreakerFromPolicy(cfg policy.EvaluatorConfig, deps Deps) (Evaluator, error) {
	if cfg.CircuitBreaker == nil {
		return nil, nil
	}
	if deps.Usage == nil {
		return nil, fmt.Errorf("usage store required")
	}
	return NewCircuitBreakerEvaluator(*cfg.CircuitBreaker, deps.Usage), nil
}

func (e *CircuitBreakerEvaluator) Name() string { return CircuitBreakerEvaluatorName }

func (e *CircuitBreakerEvaluator) Evaluate(ctx context.Context, capability types.Capability, _ string, ec types.EvalContext) Result {
	key := ec.TenantID + "|" + capability.Name
	now := ec.Now

	e.mu.Lock()
	st := e.state[key]
	if st == nil {
		st = &breakerState{}
		e.state[key] = st
	}
	if !st.openedAt.IsZero() {
		if now.Before(st.openedAt.Add(e.cfg.Cooldown)) {
			e.mu.Unlock()
			return Hidden("circuit open")
		}
		st.openedAt = time.Time{}
		st.resetAt = now
	}
	since := now.Add(-e.cfg.Window)
	if st.resetAt.After(since) {
		since = st.resetAt
	}
	e.mu.Unlock()

	counts, err := e.usage.Outcomes(ctx, ec.TenantID, capability.Name, since)
	if err != nil {
		return Failed(err)
	}
	if counts.Total < e.cfg.MinCalls || counts.FailureRatio() <= e.cfg.FailureRatio {
		return Visible()
	}

	e.mu.Lock()
	if st.openedAt.IsZero() {
		st.openedAt = now
	}
	e.mu.Unlock()
	return Hidden(fmt.Sprintf("circuit open: %d of %d recent executions failed", counts.Failures, counts.Total))
}
