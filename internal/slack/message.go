package slack

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/steward/pkg/types"
)

// ApprovalMessageInput is the outbox payload for one pending request.
type ApprovalMessageInput struct {
	RequestID  string         `json:"request_id"`
	TenantID   string         `json:"tenant_id"`
	AgentID    string         `json:"agent_id"`
	Capability string         `json:"capability"`
	RiskScore  float64        `json:"risk_score"`
	Reasoning  string         `json:"reasoning"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

func MessageInputFor(req types.ApprovalRequest) ApprovalMessageInput {
	return ApprovalMessageInput{
		RequestID:  req.RequestID,
		TenantID:   req.TenantID,
		AgentID:    req.AgentID,
		Capability: req.CapabilityName,
		RiskScore:  req.RiskScore,
		Reasoning:  req.Reasoning,
		ExpiresAt:  req.ExpiresAt,
		Arguments:  req.Arguments,
	}
}

// BuildApprovalMessage renders a Block Kit payload for an incoming webhook.
func BuildApprovalMessage(channel string, in ApprovalMessageInput) map[string]any {
	summary := fmt.Sprintf("Approval needed: %s wants to run %s (tenant %s)", in.AgentID, in.Capability, in.TenantID)
	fields := []map[string]any{
		mrkdwn("*Request*\n`" + in.RequestID + "`"),
		mrkdwn(fmt.Sprintf("*Risk*\n%.2f", in.RiskScore)),
		mrkdwn("*Expires*\n" + in.ExpiresAt.UTC().Format(time.RFC3339)),
	}
	if args := formatArguments(in.Arguments); args != "" {
		fields = append(fields, mrkdwn("*Arguments*\n"+args))
	}
	blocks := []map[string]any{
		{"type": "section", "text": mrkdwn(summary)},
		{"type": "section", "fields": fields},
	}
	if in.Reasoning != "" {
		blocks = append(blocks, map[string]any{
			"type":     "context",
			"elements": []map[string]any{mrkdwn(in.Reasoning)},
		})
	}
	msg := map[string]any{
		"text":   summary,
		"blocks": blocks,
	}
	if channel != "" {
		msg["channel"] = channel
	}
	return msg
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func formatArguments(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}
