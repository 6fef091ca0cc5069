// Package risk scores proposed actions on a [0,1] scale.
package risk

import (
	"math"

	"github.com/davidahmann/steward/pkg/types"
)

const (
	weightOperation     = 0.3
	weightScope         = 0.3
	weightAmount        = 0.2
	weightReversibility = 0.2

	// contribution of any factor the action leaves unspecified
	unknownFactor = 1.0
)

var operationFactors = map[types.OperationType]float64{
	types.OperationRead:    0.0,
	types.OperationNotify:  0.2,
	types.OperationWrite:   0.5,
	types.OperationDelete:  0.8,
	types.OperationPayment: 1.0,
}

var scopeFactors = map[types.Scope]float64{
	types.ScopeSingle: 0.1,
	types.ScopeBatch:  0.5,
	types.ScopeAll:    1.0,
}

var reversibilityFactors = map[types.Reversibility]float64{
	types.Reversible:   0.0,
	types.Partial:      0.5,
	types.Irreversible: 1.0,
}

// Thresholds split monetary amounts into low, medium and high bands.
type Thresholds struct {
	Low  float64
	High float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Low: 100, High: 10000}
}

// Breakdown shows how each factor contributed to a score.
type Breakdown struct {
	Declared      bool    `json:"declared"`
	Operation     float64 `json:"operation"`
	Scope         float64 `json:"scope"`
	Amount        float64 `json:"amount"`
	Reversibility float64 `json:"reversibility"`
	Score         float64 `json:"score"`
}

type Assessor struct {
	thresholds Thresholds
}

// New returns an assessor. Non-positive or inverted thresholds fall back
// to the defaults.
func New(t Thresholds) *Assessor {
	if t.Low <= 0 || t.High <= 0 || t.Low >= t.High {
		t = DefaultThresholds()
	}
	return &Assessor{thresholds: t}
}

// Assess scores an action. A declared risk level wins over the computed
// score; both are clamped to [0,1]. Pure and deterministic.
func (a *Assessor) Assess(action types.ProposedAction, declared *float64) float64 {
	return a.Explain(action, declared).Score
}

// Explain returns the score with its per-factor breakdown.
func (a *Assessor) Explain(action types.ProposedAction, declared *float64) Breakdown {
	if declared != nil {
		return Breakdown{Declared: true, Score: Clamp(*declared)}
	}

	b := Breakdown{
		Operation:     factor(operationFactors, action.OperationType),
		Scope:         factor(scopeFactors, action.Scope),
		Amount:        a.amountFactor(action.Amount),
		Reversibility: factor(reversibilityFactors, action.Reversibility),
	}
	b.Score = Clamp(weightOperation*b.Operation +
		weightScope*b.Scope +
		weightAmount*b.Amount +
		weightReversibility*b.Reversibility)
	return b
}

func (a *Assessor) amountFactor(amount *float64) float64 {
	if amount == nil || math.IsNaN(*amount) {
		return unknownFactor
	}
	v := math.Abs(*amount)
	switch {
	case v < a.thresholds.Low:
		return 0.1
	case v < a.thresholds.High:
		return 0.5
	default:
		return 1.0
	}
}

func factor[K comparable](table map[K]float64, key K) float64 {
	if v, ok := table[key]; ok {
		return v
	}
	return unknownFactor
}

// Clamp bounds v to [0,1]. NaN is treated as maximum risk.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 1
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
