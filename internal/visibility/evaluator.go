// Package visibility decides which capabilities an agent is offered.
package visibility

import (
	"context"
	"fmt"

	"github.com/davidahmann/steward/pkg/types"
)

// Result is the outcome of one evaluator for one capability. A non-nil Err
// means the evaluator could not decide; the filter then keeps the capability.
type Result struct {
	Visible bool
	Reason  string
	Err     error
}

func Visible() Result { return Result{Visible: true} }

func Hidden(reason string) Result { return Result{Reason: reason} }

func Failed(err error) Result { return Result{Err: err} }

// Evaluator is one constraint on capability visibility.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, capability types.Capability, agentID string, ec types.EvalContext) Result
}

// EvaluatorError wraps a failure or timeout of a single evaluator.
type EvaluatorError struct {
	Evaluator  string
	Capability string
	Err        error
}

func (e *EvaluatorError) Error() string {
	return fmt.Sprintf("evaluator %s on %s: %v", e.Evaluator, e.Capability, e.Err)
}

func (e *EvaluatorError) Unwrap() error {
	return e.Err
}
