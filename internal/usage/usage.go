// Package usage tracks call volume, execution outcomes and spend so the
// visibility evaluators can judge whether a capability should be offered.
package usage

import (
	"context"
	"time"
)

// Store records usage facts. Implementations must be safe for concurrent use.
// An empty agentID on Spend means the whole tenant.
type Store interface {
	RecordCall(ctx context.Context, tenantID, agentID, capability string, at time.Time) error
	CallCount(ctx context.Context, tenantID, agentID, capability string, since time.Time) (int, error)

	RecordOutcome(ctx context.Context, tenantID, capability string, success bool, at time.Time) error
	Outcomes(ctx context.Context, tenantID, capability string, since time.Time) (OutcomeCounts, error)

	RecordSpend(ctx context.Context, tenantID, agentID string, amount float64, at time.Time) error
	Spend(ctx context.Context, tenantID, agentID string, since time.Time) (float64, error)
}

type OutcomeCounts struct {
	Total    int
	Failures int
}

// FailureRatio is zero when nothing was recorded.
func (c OutcomeCounts) FailureRatio() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Total)
}

func callKey(tenantID, agentID, capability string) string {
	return tenantID + "|" + agentID + "|" + capability
}

func outcomeKey(tenantID, capability string) string {
	return tenantID + "|" + capability
}

func spendKey(tenantID, agentID string) string {
	return tenantID + "|" + agentID
}
