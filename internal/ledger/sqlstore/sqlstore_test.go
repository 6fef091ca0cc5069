package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/pkg/types"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func sealed(t *testing.T, rec types.LedgerRecord) types.LedgerRecord {
	t.Helper()
	out, err := ledger.Seal(rec, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return out
}

func TestRecordsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cost := 0.42
	tokens := int64(1200)
	approvedAt := testNow.Add(time.Minute)
	recs := []types.LedgerRecord{
		sealed(t, types.LedgerRecord{
			RecordID: "d1", DecisionID: "d1", TenantID: "t1", AgentID: "a1", RunID: "run-1",
			CapabilityName: "send-notification", Verdict: types.VerdictRequireApproval, RiskScore: 0.29,
			MigrationWeightUsed: 30, ExecutionMode: types.ModePendingApproval, CreatedAt: testNow.Add(123 * time.Nanosecond),
		}),
		sealed(t, types.LedgerRecord{
			RecordID: "r2", ParentRecordID: "d1", DecisionID: "d1", TenantID: "t1", AgentID: "a1",
			CapabilityName: "send-notification", Verdict: types.VerdictRequireApproval, RiskScore: 0.29,
			MigrationWeightUsed: 30, ExecutionMode: types.ModeApproved, Cost: &cost, Tokens: &tokens,
			ApprovalBy: "ops@example.com", ApprovalTime: &approvedAt, CreatedAt: testNow.Add(time.Minute),
		}),
		sealed(t, types.LedgerRecord{
			RecordID: "d3", DecisionID: "d3", TenantID: "t2", AgentID: "a9", CapabilityName: "delete-order",
			Verdict: types.VerdictObserveOnly, RiskScore: 0.9, ExecutionMode: types.ModeObserved, CreatedAt: testNow,
		}),
	}
	if err := s.AppendRecords(ctx, recs); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendRecords(ctx, recs); err != nil {
		t.Fatalf("idempotent append: %v", err)
	}

	got, err := s.QueryRecords(ctx, "t1", ledger.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].RecordID != "d1" || got[1].RecordID != "r2" {
		t.Fatalf("unexpected records: %+v", got)
	}
	for _, rec := range got {
		if err := ledger.VerifyRecord(rec, nil); err != nil {
			t.Fatalf("record %s does not verify after round trip: %v", rec.RecordID, err)
		}
	}
	if got[1].Cost == nil || *got[1].Cost != cost || got[1].Tokens == nil || *got[1].Tokens != tokens {
		t.Fatalf("cost/tokens lost: %+v", got[1])
	}
	if got[1].ApprovalTime == nil || !got[1].ApprovalTime.Equal(approvedAt) {
		t.Fatalf("approval time lost: %+v", got[1].ApprovalTime)
	}

	got, _ = s.QueryRecords(ctx, "t1", ledger.Filter{ExecutionMode: types.ModeApproved})
	if len(got) != 1 || got[0].ParentRecordID != "d1" {
		t.Fatalf("mode filter mismatch: %+v", got)
	}
	got, _ = s.QueryRecords(ctx, "t1", ledger.Filter{From: testNow.Add(time.Second), To: testNow.Add(time.Hour)})
	if len(got) != 1 || got[0].RecordID != "r2" {
		t.Fatalf("range filter mismatch: %+v", got)
	}
	got, _ = s.QueryRecords(ctx, "t1", ledger.Filter{DecisionID: "d1", Limit: 1})
	if len(got) != 1 {
		t.Fatalf("limit mismatch: %+v", got)
	}
	got, _ = s.QueryRecords(ctx, "t2", ledger.Filter{CapabilityName: "delete-order", AgentID: "a9"})
	if len(got) != 1 {
		t.Fatalf("tenant t2 mismatch: %+v", got)
	}
}

func pendingRequest(id string, expires time.Time) types.ApprovalRequest {
	return types.ApprovalRequest{
		RequestID: id, TenantID: "t1", AgentID: "a1", CapabilityName: "refund-payment",
		Arguments: map[string]any{"order_id": "o-1", "amount": 25.5}, RiskScore: 0.7,
		Status: types.ApprovalPending, Reasoning: "refund requested", CreatedAt: testNow, ExpiresAt: expires,
	}
}

func TestApprovalLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateApproval(ctx, pendingRequest("a1", testNow.Add(time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateApproval(ctx, pendingRequest("a1", testNow.Add(time.Hour))); !errors.Is(err, ledger.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := s.CreateApproval(ctx, pendingRequest("a2", testNow.Add(time.Minute))); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := s.GetApproval(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Arguments["order_id"] != "o-1" || got.Arguments["amount"] != 25.5 {
		t.Fatalf("arguments lost: %+v", got.Arguments)
	}
	if !got.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("expires_at mismatch: %v", got.ExpiresAt)
	}
	if _, ok, err := s.GetApproval(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected missing approval, ok=%v err=%v", ok, err)
	}

	pending, err := s.ListApprovals(ctx, "t1", types.ApprovalPending)
	if err != nil || len(pending) != 2 {
		t.Fatalf("list pending: err=%v len=%d", err, len(pending))
	}
	expired, err := s.ListExpiredApprovals(ctx, testNow.Add(30*time.Minute), 10)
	if err != nil || len(expired) != 1 || expired[0].RequestID != "a2" {
		t.Fatalf("list expired: err=%v got=%+v", err, expired)
	}

	resolvedAt := testNow.Add(5 * time.Minute)
	ok, err = s.TransitionApproval(ctx, types.ApprovalRequest{
		RequestID: "a1", Status: types.ApprovalModified, ResolvedBy: "ops",
		ResolvedAt: &resolvedAt, ModifiedArguments: map[string]any{"amount": 10.0},
	})
	if err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	ok, err = s.TransitionApproval(ctx, types.ApprovalRequest{RequestID: "a1", Status: types.ApprovalRejected, ResolvedAt: &resolvedAt})
	if err != nil || ok {
		t.Fatalf("second transition must not apply: ok=%v err=%v", ok, err)
	}

	got, _, _ = s.GetApproval(ctx, "a1")
	if got.Status != types.ApprovalModified || got.ResolvedBy != "ops" || got.ModifiedArguments["amount"] != 10.0 {
		t.Fatalf("unexpected resolved approval: %+v", got)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolvedAt) {
		t.Fatalf("resolved_at mismatch: %v", got.ResolvedAt)
	}
}

func TestApprovalKeepsActionContext(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	amount := 25.5
	req := pendingRequest("ctx", testNow.Add(time.Hour))
	req.OperationType = types.OperationPayment
	req.Scope = types.ScopeSingle
	req.Amount = &amount
	req.Reversibility = types.Irreversible
	if err := s.CreateApproval(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateApproval(ctx, pendingRequest("bare", testNow.Add(time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _, err := s.GetApproval(ctx, "ctx")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OperationType != types.OperationPayment || got.Scope != types.ScopeSingle || got.Reversibility != types.Irreversible {
		t.Fatalf("action context lost: %+v", got)
	}
	if got.Amount == nil || *got.Amount != 25.5 {
		t.Fatalf("amount lost: %v", got.Amount)
	}

	bare, _, err := s.GetApproval(ctx, "bare")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if bare.Amount != nil || bare.OperationType != "" {
		t.Fatalf("expected empty action context, got %+v", bare)
	}
}

func TestTransitionApprovalSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateApproval(ctx, pendingRequest("race", testNow)); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := types.ApprovalApproved
			if i%2 == 0 {
				status = types.ApprovalExpired
			}
			at := testNow
			ok, err := s.TransitionApproval(ctx, types.ApprovalRequest{RequestID: "race", Status: status, ResolvedAt: &at})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestNotificationOutbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateApproval(ctx, pendingRequest("a1", testNow.Add(time.Hour))); err != nil {
		t.Fatalf("create approval: %v", err)
	}

	rec := ledger.NotificationRecord{
		NotificationID: "slack:a1", RequestID: "a1", TenantID: "t1", Channel: "C1",
		MessageJSON: []byte(`{"request_id":"a1"}`), Status: ledger.NotificationPending,
		NextAttemptAt: testNow, CreatedAt: testNow, UpdatedAt: testNow,
	}
	if err := s.PutNotification(ctx, ledger.NotificationRecord{NotificationID: "bad", MessageJSON: []byte("nope")}); err == nil {
		t.Fatalf("expected invalid json error")
	}
	if err := s.PutNotification(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	due, err := s.ListNotificationsDue(ctx, testNow, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due: err=%v len=%d", err, len(due))
	}

	msg := "rate_limited"
	rec.AttemptCount = 1
	rec.LastError = &msg
	rec.NextAttemptAt = testNow.Add(5 * time.Second)
	if err := s.PutNotification(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if due, _ := s.ListNotificationsDue(ctx, testNow, 10); len(due) != 0 {
		t.Fatalf("expected backoff to defer delivery")
	}

	ts := "1700000000.1234"
	sentAt := testNow.Add(10 * time.Second)
	rec.Status = ledger.NotificationSent
	rec.MessageTS = &ts
	rec.SentAt = &sentAt
	if err := s.PutNotification(ctx, rec); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	got, ok, err := s.GetNotification(ctx, "slack:a1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != ledger.NotificationSent || got.MessageTS == nil || *got.MessageTS != ts || got.AttemptCount != 1 {
		t.Fatalf("unexpected notification: %+v", got)
	}
	if _, ok, _ := s.GetNotification(ctx, "missing"); ok {
		t.Fatalf("expected missing notification")
	}
}

func TestLedgerWriterOverSQLite(t *testing.T) {
	s := openTestStore(t)
	l := ledger.New(s, ledger.Options{BatchSize: 5, FlushInterval: 10 * time.Millisecond})
	for i := 0; i < 12; i++ {
		_ = l.Record(types.LedgerRecord{
			RecordID: fmt.Sprintf("r%02d", i), DecisionID: fmt.Sprintf("r%02d", i), TenantID: "t1", AgentID: "a1",
			CapabilityName: "delete-order", Verdict: types.VerdictObserveOnly, ExecutionMode: types.ModeObserved,
			CreatedAt: testNow.Add(time.Duration(i) * time.Second),
		})
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := s.QueryRecords(context.Background(), "t1", ledger.Filter{})
	if err != nil || len(got) != 12 {
		t.Fatalf("expected 12 records, got %d (%v)", len(got), err)
	}
}
