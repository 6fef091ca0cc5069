// Package gate decides whether a proposed action runs, waits for a human,
// or is only observed.
package gate

import (
	"fmt"
	"time"

	"github.com/davidahmann/steward/internal/policy"
	"github.com/davidahmann/steward/internal/risk"
	"github.com/davidahmann/steward/pkg/types"
	"github.com/google/uuid"
)

type Gate struct {
	rnd   RandomSource
	now   func() time.Time
	newID func() string
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(g *Gate) { g.newID = newID }
}

// New returns a gate drawing from rnd. A nil rnd uses the CSPRNG.
func New(rnd RandomSource, opts ...Option) *Gate {
	if rnd == nil {
		rnd = NewCryptoSource()
	}
	g := &Gate{
		rnd:   rnd,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Probability of auto-execution for a weight and risk score.
func Probability(weight int, riskScore float64) float64 {
	w := clampWeight(weight)
	return float64(w) * (1 - risk.Clamp(riskScore)) / 100
}

// Evaluate applies the migration weight to one action. Weight 0 always
// observes and weight 100 always executes, confirmation or not. In between,
// a capability that requires confirmation always waits for approval and
// otherwise the draw decides.
func (g *Gate) Evaluate(action types.ProposedAction, cfg policy.CapabilityConfig, riskScore float64) types.Decision {
	weight := clampWeight(cfg.MigrationWeight)
	score := risk.Clamp(riskScore)

	d := types.Decision{
		DecisionID:          g.newID(),
		RiskScore:           score,
		MigrationWeightUsed: weight,
		CreatedAt:           g.now(),
		TenantID:            action.TenantID,
		AgentID:             action.AgentID,
		RunID:               action.RunID,
		CapabilityName:      action.CapabilityName,
	}

	switch {
	case weight == 0:
		d.Verdict = types.VerdictObserveOnly
		d.Reason = "migration weight 0: observe only"
		return d
	case weight == 100:
		d.Verdict = types.VerdictAutoExecute
		d.Probability = 1
		d.Reason = "migration weight 100: auto execute"
		return d
	case cfg.RequiresConfirmation:
		d.Verdict = types.VerdictRequireApproval
		d.Reason = "capability requires confirmation"
		return d
	}

	p := Probability(weight, score)
	r := g.rnd.Float64()
	d.Probability = p
	d.Draw = &r
	if r < p {
		d.Verdict = types.VerdictAutoExecute
		d.Reason = fmt.Sprintf("draw %.4f < p %.4f", r, p)
	} else {
		d.Verdict = types.VerdictRequireApproval
		d.Reason = fmt.Sprintf("draw %.4f >= p %.4f", r, p)
	}
	return d
}

func clampWeight(w int) int {
	switch {
	case w < 0:
		return 0
	case w > 100:
		return 100
	default:
		return w
	}
}
