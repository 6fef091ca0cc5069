package visibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidahmann/steward/internal/logger"
	"github.com/davidahmann/steward/pkg/types"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout     = 250 * time.Millisecond
	defaultConcurrency = 32
)

var errTimeout = errors.New("evaluator timed out")

// Filter runs every evaluator against every candidate and keeps the
// capabilities all evaluators agree are visible.
type Filter struct {
	evaluators  []Evaluator
	timeout     time.Duration
	concurrency int
}

func NewFilter(timeout time.Duration, evaluators ...Evaluator) *Filter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Filter{evaluators: evaluators, timeout: timeout, concurrency: defaultConcurrency}
}

// Evaluators returns the evaluator names in run order.
func (f *Filter) Evaluators() []string {
	names := make([]string, len(f.evaluators))
	for i, ev := range f.evaluators {
		names[i] = ev.Name()
	}
	return names
}

// Filter returns the visible subset of candidates in their original order.
// Evaluator errors and timeouts keep the capability visible.
func (f *Filter) Filter(ctx context.Context, candidates []types.Capability, agentID string, ec types.EvalContext) []types.Capability {
	if len(f.evaluators) == 0 || len(candidates) == 0 {
		return append([]types.Capability(nil), candidates...)
	}
	if ec.Now.IsZero() {
		ec.Now = time.Now().UTC()
	}

	hidden := make([][]bool, len(candidates))
	for i := range hidden {
		hidden[i] = make([]bool, len(f.evaluators))
	}

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for ci, capability := range candidates {
		for ei, ev := range f.evaluators {
			g.Go(func() error {
				res := f.run(ctx, ev, capability, agentID, ec)
				if res.Err != nil {
					logger.Logger.Warn().
						Err(&EvaluatorError{Evaluator: ev.Name(), Capability: capability.Name, Err: res.Err}).
						Str("evaluator", ev.Name()).
						Str("capability", capability.Name).
						Str("tenant_id", ec.TenantID).
						Str("agent_id", agentID).
						Msg("visibility evaluator failed; keeping capability visible")
					return nil
				}
				if !res.Visible {
					hidden[ci][ei] = true
					logger.Logger.Debug().
						Str("evaluator", ev.Name()).
						Str("capability", capability.Name).
						Str("tenant_id", ec.TenantID).
						Str("reason", res.Reason).
						Msg("capability hidden")
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	out := make([]types.Capability, 0, len(candidates))
	for ci, capability := range candidates {
		visible := true
		for _, h := range hidden[ci] {
			if h {
				visible = false
				break
			}
		}
		if visible {
			out = append(out, capability)
		}
	}
	return out
}

// run bounds one evaluation by the filter timeout even if the evaluator
// ignores its context.
func (f *Filter) run(ctx context.Context, ev Evaluator, capability types.Capability, agentID string, ec types.EvalContext) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failed(&panicError{value: r})
			}
		}()
		done <- ev.Evaluate(ctx, capability, agentID, ec)
	}()

	select {
	case res = <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Failed(errTimeout)
		}
		return Failed(ctx.Err())
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("evaluator panicked: %v", e.value)
}
