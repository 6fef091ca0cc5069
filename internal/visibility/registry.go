package visibility

import (
	"fmt"
	"sort"
	"sync"

	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/internal/usage"
)

// Deps are the shared collaborators evaluators may need.
type Deps struct {
	Usage usage.Store
}

// Factory builds an evaluator from policy configuration. It returns nil when
// the policy does not enable the evaluator.
type Factory func(cfg policy.EvaluatorConfig, deps Deps) (Evaluator, error)

// Registry maps evaluator names to factories, so new constraint types can
// be added without touching the filter.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry holds the built-in evaluators.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(BudgetEvaluatorName, newBudgetFromPolicy)
	_ = r.Register(TimeWindowEvaluatorName, newTimeWindowFromPolicy)
	_ = r.Register(RateLimitEvaluatorName, newRateLimitFromPolicy)
	_ = r.Register(CircuitBreakerEvaluatorName, newCircuitBreakerFromPolicy)
	return r
}

func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("visibility: register requires a name and factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("visibility: evaluator %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Names lists registered evaluators in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates every evaluator the policy enables.
func (r *Registry) Build(cfg policy.EvaluatorConfig, deps Deps) ([]Evaluator, error) {
	var out []Evaluator
	for _, name := range r.Names() {
		r.mu.RLock()
		f := r.factories[name]
		r.mu.RUnlock()
		ev, err := f(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("visibility: build %s: %w", name, err)
		}
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out, nil
}
