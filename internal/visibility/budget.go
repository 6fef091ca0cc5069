package visibility

import (
	"context"
	"fmt"

	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/internal/usage"
	"github.com/davidahmann/steward/pkg/types"
)

const BudgetEvaluatorName = "budget"

// BudgetEvaluator hides non-exempt capabilities once tenant or agent spend in
// the window has reached its limit, and hides a costed capability early when
// one more run would push spend past the limit.
type BudgetEvaluator struct {
	cfg    policy.BudgetConfig
	usage  usage.Store
	exempt map[string]struct{}
}

func NewBudgetEvaluator(cfg policy.BudgetConfig, store usage.Store) *BudgetEvaluator {
	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, name := range cfg.Exempt {
		exempt[name] = struct{}{}
	}
	return &BudgetEvaluator{cfg: cfg, usage: store, exempt: exempt}
}

func newBudgetFromPolicy(cfg policy.EvaluatorConfig, deps Deps) (Evaluator, error) {
	if cfg.Budget == nil {
		return nil, nil
	}
	if deps.Usage == nil {
		return nil, fmt.Errorf("usage store required")
	}
	return NewBudgetEvaluator(*cfg.Budget, deps.Usage), nil
}

func (e *BudgetEvaluator) Name() string { return BudgetEvaluatorName }

func (e *BudgetEvaluator) Evaluate(ctx context.Context, capability types.Capability, agentID string, ec types.EvalContext) Result {
	if _, ok := e.exempt[capability.Name]; ok {
		return Visible()
	}
	since := ec.Now.Add(-e.cfg.Window)

	if e.cfg.TenantLimit > 0 {
		spent, err := e.usage.Spend(ctx, ec.TenantID, "", since)
		if err != nil {
			return Failed(err)
		}
		if overBudget(spent, capability.EstimatedCost, e.cfg.TenantLimit) {
			return Hidden(fmt.Sprintf("tenant budget: spent %.2f of %.2f", spent, e.cfg.TenantLimit))
		}
	}
	if e.cfg.AgentLimit > 0 && agentID != "" {
		spent, err := e.usage.Spend(ctx, ec.TenantID, agentID, since)
		if err != nil {
			return Failed(err)
		}
		if overBudget(spent, capability.EstimatedCost, e.cfg.AgentLimit) {
			return Hidden(fmt.Sprintf("agent budget: spent %.2f of %.2f", spent, e.cfg.AgentLimit))
		}
	}
	return Visible()
}

func overBudget(spent, cost, limit float64) bool {
	if spent >= limit {
		return true
	}
	return cost > 0 && spent+cost > limit
}
