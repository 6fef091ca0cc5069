package ledger

import (
	"context"
	"time"

	"github.com/davidahmann/steward/pkg/types"
)

type CapabilityCost struct {
	Executions int     `json:"executions"`
	Cost       float64 `json:"cost"`
	Tokens     int64   `json:"tokens"`
}

// Summary aggregates spend for a tenant, optionally for one agent.
type Summary struct {
	TenantID     string                      `json:"tenant_id"`
	AgentID      string                      `json:"agent_id,omitempty"`
	From         time.Time                   `json:"from"`
	To           time.Time                   `json:"to"`
	Records      int                         `json:"records"`
	Executions   int                         `json:"executions"`
	TotalCost    float64                     `json:"total_cost"`
	TotalTokens  int64                       `json:"total_tokens"`
	ByMode       map[types.ExecutionMode]int `json:"by_mode"`
	ByCapability map[string]CapabilityCost   `json:"by_capability"`
}

// CostSummary totals cost and tokens over [from, to).
func (l *Ledger) CostSummary(ctx context.Context, tenantID, agentID string, from, to time.Time) (Summary, error) {
	recs, err := l.Query(ctx, tenantID, Filter{From: from, To: to, AgentID: agentID})
	if err != nil {
		return Summary{}, err
	}
	return Summarize(tenantID, agentID, from, to, recs), nil
}

func Summarize(tenantID, agentID string, from, to time.Time, recs []types.LedgerRecord) Summary {
	s := Summary{
		TenantID:     tenantID,
		AgentID:      agentID,
		From:         from,
		To:           to,
		ByMode:       make(map[types.ExecutionMode]int),
		ByCapability: make(map[string]CapabilityCost),
	}
	for _, rec := range recs {
		s.Records++
		s.ByMode[rec.ExecutionMode]++
		if !executed(rec) {
			continue
		}
		c := s.ByCapability[rec.CapabilityName]
		c.Executions++
		s.Executions++
		if rec.Cost != nil {
			c.Cost += *rec.Cost
			s.TotalCost += *rec.Cost
		}
		if rec.Tokens != nil {
			c.Tokens += *rec.Tokens
			s.TotalTokens += *rec.Tokens
		}
		s.ByCapability[rec.CapabilityName] = c
	}
	return s
}

func executed(rec types.LedgerRecord) bool {
	switch rec.ExecutionMode {
	case types.ModeAuto, types.ModeApproved, types.ModeModified:
		return true
	default:
		return false
	}
}
