package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davidahmann/steward/pkg/types"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func testRecord(id, tenant string, at time.Time, mode types.ExecutionMode) types.LedgerRecord {
	return types.LedgerRecord{
		RecordID:            id,
		DecisionID:          id,
		TenantID:            tenant,
		AgentID:             "agent-1",
		CapabilityName:      "send-notification",
		Verdict:             types.VerdictAutoExecute,
		RiskScore:           0.29,
		MigrationWeightUsed: 30,
		ExecutionMode:       mode,
		CreatedAt:           at,
	}
}

func TestInMemoryStore_Records(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	recs := []types.LedgerRecord{
		testRecord("r2", "t1", testNow.Add(time.Second), types.ModeAuto),
		testRecord("r1", "t1", testNow, types.ModeObserved),
		testRecord("r3", "t2", testNow, types.ModeAuto),
	}
	if err := s.AppendRecords(ctx, recs); err != nil {
		t.Fatalf("append: %v", err)
	}
	// replay is idempotent
	if err := s.AppendRecords(ctx, recs[:1]); err != nil {
		t.Fatalf("append again: %v", err)
	}
	if s.Count() != 3 {
		t.Fatalf("expected 3 records, got %d", s.Count())
	}

	got, err := s.QueryRecords(ctx, "t1", Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].RecordID != "r1" || got[1].RecordID != "r2" {
		t.Fatalf("unexpected query result: %+v", got)
	}

	got, _ = s.QueryRecords(ctx, "t1", Filter{ExecutionMode: types.ModeAuto})
	if len(got) != 1 || got[0].RecordID != "r2" {
		t.Fatalf("mode filter mismatch: %+v", got)
	}
	got, _ = s.QueryRecords(ctx, "t1", Filter{From: testNow.Add(time.Millisecond)})
	if len(got) != 1 {
		t.Fatalf("from filter mismatch: %+v", got)
	}
	got, _ = s.QueryRecords(ctx, "t1", Filter{To: testNow.Add(time.Second)})
	if len(got) != 1 || got[0].RecordID != "r1" {
		t.Fatalf("to filter mismatch: %+v", got)
	}
	got, _ = s.QueryRecords(ctx, "t1", Filter{Limit: 1})
	if len(got) != 1 {
		t.Fatalf("limit mismatch: %+v", got)
	}

	boom := errors.New("disk full")
	s.SetAppendError(boom)
	if err := s.AppendRecords(ctx, recs); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
}

func TestInMemoryStore_ApprovalTransitions(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	req := types.ApprovalRequest{
		RequestID: "a1", TenantID: "t1", CapabilityName: "refund", Status: types.ApprovalPending,
		CreatedAt: testNow, ExpiresAt: testNow.Add(time.Hour),
	}
	if err := s.CreateApproval(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateApproval(ctx, req); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	pending, _ := s.ListApprovals(ctx, "t1", types.ApprovalPending)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}
	if other, _ := s.ListApprovals(ctx, "t2", types.ApprovalPending); len(other) != 0 {
		t.Fatalf("tenant isolation broken: %+v", other)
	}

	expired, _ := s.ListExpiredApprovals(ctx, testNow.Add(time.Hour), 10)
	if len(expired) != 1 {
		t.Fatalf("expected expired request at expires_at, got %d", len(expired))
	}

	resolvedAt := testNow.Add(time.Minute)
	ok, err := s.TransitionApproval(ctx, types.ApprovalRequest{RequestID: "a1", Status: types.ApprovalApproved, ResolvedBy: "ops", ResolvedAt: &resolvedAt})
	if err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	ok, _ = s.TransitionApproval(ctx, types.ApprovalRequest{RequestID: "a1", Status: types.ApprovalRejected})
	if ok {
		t.Fatalf("second transition must fail")
	}
	ok, _ = s.TransitionApproval(ctx, types.ApprovalRequest{RequestID: "missing", Status: types.ApprovalRejected})
	if ok {
		t.Fatalf("transition of unknown request must fail")
	}

	got, found, _ := s.GetApproval(ctx, "a1")
	if !found || got.Status != types.ApprovalApproved || got.ResolvedBy != "ops" {
		t.Fatalf("unexpected approval: %+v", got)
	}
}

func TestInMemoryStore_Outbox(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	rec := NotificationRecord{
		NotificationID: "n1", RequestID: "a1", TenantID: "t1", Channel: "C1",
		MessageJSON: []byte(`{}`), Status: NotificationPending, NextAttemptAt: testNow,
		CreatedAt: testNow, UpdatedAt: testNow,
	}
	if err := s.PutNotification(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if due, _ := s.ListNotificationsDue(ctx, testNow.Add(-time.Second), 10); len(due) != 0 {
		t.Fatalf("expected nothing due yet")
	}
	due, err := s.ListNotificationsDue(ctx, testNow, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("list due: err=%v len=%d", err, len(due))
	}
	rec.Status = NotificationSent
	_ = s.PutNotification(ctx, rec)
	if due, _ := s.ListNotificationsDue(ctx, testNow, 10); len(due) != 0 {
		t.Fatalf("sent notifications are not due")
	}
	if got, ok, _ := s.GetNotification(ctx, "n1"); !ok || got.Status != NotificationSent {
		t.Fatalf("get mismatch: %+v", got)
	}
}
