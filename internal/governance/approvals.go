package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/davidahmann/steward/internal/approval"
	"github.com/davidahmann/steward/internal/events"
	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/internal/logger"
	"github.com/davidahmann/steward/pkg/types"
)

// Resolution is the result of a human decision on an approval request.
type Resolution struct {
	Approval types.ApprovalRequest `json:"approval"`
	Mode     types.ExecutionMode   `json:"execution_mode"`
	RecordID string                `json:"record_id"`
	Result   *ExecutionResult      `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func (e *Engine) ListPendingApprovals(ctx context.Context, tenantID string) ([]types.ApprovalRequest, error) {
	if tenantID == "" {
		return nil, ledger.ErrTenantRequired
	}
	return e.approvals.ListPending(ctx, tenantID)
}

// GetApproval returns a request only if it belongs to tenantID. An empty
// tenantID matches any tenant.
func (e *Engine) GetApproval(ctx context.Context, tenantID, requestID string) (types.ApprovalRequest, error) {
	req, err := e.approvals.Get(ctx, requestID)
	if err != nil {
		return types.ApprovalRequest{}, err
	}
	if tenantID != "" && req.TenantID != tenantID {
		return types.ApprovalRequest{}, fmt.Errorf("approval %s: %w", requestID, approval.ErrNotFound)
	}
	return req, nil
}

// ResolveApproval applies a human decision. Approved and modified requests
// execute with the original or modified arguments. Either way a new ledger
// record linked to the decision is appended.
func (e *Engine) ResolveApproval(ctx context.Context, tenantID, requestID string, outcome types.ApprovalStatus, resolver string, modifiedArgs map[string]any) (Resolution, error) {
	if _, err := e.GetApproval(ctx, tenantID, requestID); err != nil {
		return Resolution{}, err
	}
	resolved, err := e.approvals.Resolve(ctx, requestID, outcome, resolver, modifiedArgs)
	if err != nil {
		return Resolution{}, err
	}

	mode, run := ResolutionPlan(resolved.Status)
	rec := e.resolutionRecord(ctx, resolved, mode)
	res := Resolution{Approval: resolved, Mode: mode, RecordID: rec.RecordID}

	if run {
		args := resolved.Arguments
		if resolved.Status == types.ApprovalModified {
			args = resolved.ModifiedArguments
		}
		result, execErr := e.execute(ctx, resolved.Action(args))
		if result != nil {
			res.Result = result
			rec.Cost = result.Cost
			rec.Tokens = result.Tokens
		}
		if execErr != nil {
			rec.Error = execErr.Error()
			res.Error = rec.Error
		}
	}

	e.record(rec)
	e.events.Emit(events.FromRecord(events.EventApprovalResolved, rec, "resolved by "+resolver))
	return res, nil
}

// SweepExpired expires overdue approvals and records each expiry.
func (e *Engine) SweepExpired(ctx context.Context) ([]types.ApprovalRequest, error) {
	expired, err := e.approvals.SweepExpired(ctx, e.clock())
	for _, req := range expired {
		rec := e.resolutionRecord(ctx, req, types.ModeExpired)
		e.record(rec)
		e.events.Emit(events.FromRecord(events.EventApprovalExpired, rec, "approval timed out"))
	}
	return expired, err
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := e.SweepExpired(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Logger.Warn().Err(err).Msg("approval sweep failed")
			}
			if len(expired) > 0 {
				logger.Logger.Info().Int("expired", len(expired)).Msg("approvals expired")
			}
		}
	}
}

func (e *Engine) resolutionRecord(ctx context.Context, req types.ApprovalRequest, mode types.ExecutionMode) types.LedgerRecord {
	rec := types.LedgerRecord{
		RecordID:            newRecordID(),
		ParentRecordID:      req.RequestID,
		DecisionID:          req.RequestID,
		TenantID:            req.TenantID,
		AgentID:             req.AgentID,
		RunID:               req.RunID,
		CapabilityName:      req.CapabilityName,
		Verdict:             types.VerdictRequireApproval,
		RiskScore:           req.RiskScore,
		MigrationWeightUsed: e.decisionWeight(ctx, req),
		ExecutionMode:       mode,
		ApprovalBy:          req.ResolvedBy,
		ApprovalTime:        req.ResolvedAt,
		CreatedAt:           e.clock(),
	}
	return rec
}

// decisionWeight finds the weight the original decision used. When the
// decision row is not yet flushed it falls back to the current weight.
func (e *Engine) decisionWeight(ctx context.Context, req types.ApprovalRequest) int {
	recs, err := e.ledger.Query(ctx, req.TenantID, ledger.Filter{DecisionID: req.RequestID, Limit: 1})
	if err == nil && len(recs) > 0 {
		return recs[0].MigrationWeightUsed
	}
	return e.policy.Current().Capability(req.CapabilityName).MigrationWeight
}
