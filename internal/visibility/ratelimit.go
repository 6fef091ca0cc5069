package visibility

import (
	"context"
	"fmt"

	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/internal/usage"
	"github.com/davidahmann/steward/pkg/types"
)

const RateLimitEvaluatorName = "rate_limit"

// RateLimitEvaluator hides a capability from an agent that already called
// it the maximum number of times in the sliding window.
type RateLimitEvaluator struct {
	cfg   policy.RateLimitConfig
	usage usage.Store
}

func NewRateLimitEvaluator(cfg policy.RateLimitConfig, store usage.Store) *RateLimitEvaluator {
	return &RateLimitEvaluator{cfg: cfg, usage: store}
}

func newRateLimitFromPolicy(cfg policy.EvaluatorConfig, deps Deps) (Evaluator, error) {
	if cfg.RateLimit == nil {
		return nil, nil
	}
	if deps.Usage == nil {
		return nil, fmt.Errorf("usage store required")
	}
	return NewRateLimitEvaluator(*cfg.RateLimit, deps.Usage), nil
}

func (e *RateLimitEvaluator) Name() string { return RateLimitEvaluatorName }

func (e *RateLimitEvaluator) Evaluate(ctx context.Context, capability types.Capability, agentID string, ec types.EvalContext) Result {
	limit := e.cfg.MaxCalls
	if n, ok := e.cfg.PerCapability[capability.Name]; ok {
		limit = n
	}
	if limit <= 0 {
		return Visible()
	}
	count, err := e.usage.CallCount(ctx, ec.TenantID, agentID, capability.Name, ec.Now.Add(-e.cfg.Window))
	if err != nil {
		return Failed(err)
	}
	if count >= limit {
		return Hidden(fmt.Sprintf("rate limit: %d calls in %s (max %d)", count, e.cfg.Window, limit))
	}
	return Visible()
}
