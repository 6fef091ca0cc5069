package slack

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/pkg/types"
)

type flakyPoster struct {
	mu    sync.Mutex
	calls int
	fail  int
}

func (p *flakyPoster) PostApproval(_ context.Context, channel string, message ApprovalMessageInput) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fail {
		return "", errors.New("rate_limited")
	}
	return "ok", nil
}

func pendingApproval(t *testing.T, store *ledger.InMemoryStore, id string, now time.Time) types.ApprovalRequest {
	t.Helper()
	req := types.ApprovalRequest{
		RequestID:      id,
		TenantID:       "acme",
		AgentID:        "agent-1",
		CapabilityName: "refund-payment",
		Arguments:      map[string]any{"amount": 40.0},
		RiskScore:      0.8,
		Status:         types.ApprovalPending,
		Reasoning:      "requires confirmation",
		CreatedAt:      now,
		ExpiresAt:      now.Add(2 * time.Hour),
	}
	if err := store.CreateApproval(context.Background(), req); err != nil {
		t.Fatalf("create approval: %v", err)
	}
	return req
}

func TestProcessOutboxDue_RetryThenSuccess(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC)
	req := pendingApproval(t, store, "a1", now)

	notifier := &OutboxNotifier{Store: store, Channel: "C1", Now: func() time.Time { return now }}
	if err := notifier.NotifyPending(context.Background(), req); err != nil {
		t.Fatalf("notify: %v", err)
	}

	poster := &flakyPoster{fail: 1}
	if n, err := ProcessOutboxDue(context.Background(), store, poster, now, 10); err != nil || n != 1 {
		t.Fatalf("process: n=%d err=%v", n, err)
	}

	afterFail, ok, _ := store.GetNotification(context.Background(), "slack:a1")
	if !ok || afterFail.AttemptCount != 1 || afterFail.Status != ledger.NotificationPending || afterFail.LastError == nil {
		t.Fatalf("unexpected after fail: %+v ok=%v", afterFail, ok)
	}
	if !afterFail.NextAttemptAt.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("unexpected next attempt: %v", afterFail.NextAttemptAt)
	}

	// Not due yet.
	if n, err := ProcessOutboxDue(context.Background(), store, poster, now.Add(time.Second), 10); err != nil || n != 0 {
		t.Fatalf("process early: n=%d err=%v", n, err)
	}

	now2 := now.Add(10 * time.Second)
	if n, err := ProcessOutboxDue(context.Background(), store, poster, now2, 10); err != nil || n != 1 {
		t.Fatalf("process2: n=%d err=%v", n, err)
	}

	final, ok, _ := store.GetNotification(context.Background(), "slack:a1")
	if !ok || final.Status != ledger.NotificationSent || final.SentAt == nil || final.MessageTS == nil || *final.MessageTS != "ok" {
		t.Fatalf("unexpected final: %+v ok=%v", final, ok)
	}
}

func TestProcessOutboxDue_ResolvedApprovalIsNotPosted(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC)
	req := pendingApproval(t, store, "a1", now)
	notifier := &OutboxNotifier{Store: store, Channel: "C1", Now: func() time.Time { return now }}
	_ = notifier.NotifyPending(context.Background(), req)

	resolved := req
	resolved.Status = types.ApprovalRejected
	resolved.ResolvedBy = "alice"
	resolved.ResolvedAt = &now
	if ok, err := store.TransitionApproval(context.Background(), resolved); err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}

	poster := &flakyPoster{}
	if _, err := ProcessOutboxDue(context.Background(), store, poster, now, 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	if poster.calls != 0 {
		t.Fatalf("expected no post, got %d", poster.calls)
	}
	got, _, _ := store.GetNotification(context.Background(), "slack:a1")
	if got.Status != ledger.NotificationSent || got.LastError == nil {
		t.Fatalf("expected closed notification, got %+v", got)
	}
}

func TestProcessOutboxDue_InvalidJSONMarksFailed(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC)
	pendingApproval(t, store, "a1", now)
	_ = store.PutNotification(context.Background(), ledger.NotificationRecord{
		NotificationID: "slack:a1",
		RequestID:      "a1",
		TenantID:       "acme",
		Channel:        "C1",
		MessageJSON:    []byte("not-json"),
		Status:         ledger.NotificationPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})

	poster := &flakyPoster{}
	if _, err := ProcessOutboxDue(context.Background(), store, poster, now, 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _, _ := store.GetNotification(context.Background(), "slack:a1")
	if got.Status != ledger.NotificationFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestProcessOutboxDue_GivesUpAfterMaxAttempts(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC)
	req := pendingApproval(t, store, "a1", now)
	msg, _ := json.Marshal(MessageInputFor(req))
	_ = store.PutNotification(context.Background(), ledger.NotificationRecord{
		NotificationID: "slack:a1",
		RequestID:      "a1",
		TenantID:       "acme",
		MessageJSON:    msg,
		Status:         ledger.NotificationPending,
		AttemptCount:   MaxAttempts - 1,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})

	if _, err := ProcessOutboxDue(context.Background(), store, &flakyPoster{fail: 100}, now, 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _, _ := store.GetNotification(context.Background(), "slack:a1")
	if got.Status != ledger.NotificationFailed || got.AttemptCount != MaxAttempts {
		t.Fatalf("expected failed after max attempts, got %+v", got)
	}
}

func TestProcessOutboxDue_NilPoster(t *testing.T) {
	if n, err := ProcessOutboxDue(context.Background(), ledger.NewInMemoryStore(), nil, time.Now(), 10); err != nil || n != 0 {
		t.Fatalf("expected no-op, n=%d err=%v", n, err)
	}
	if _, err := ProcessOutboxDue(context.Background(), nil, &flakyPoster{}, time.Now(), 10); err == nil {
		t.Fatalf("expected missing store error")
	}
}

func TestNextAttemptCapped(t *testing.T) {
	if got := nextAttempt(0); got != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got)
	}
	if got := nextAttempt(1); got != 10*time.Second {
		t.Fatalf("expected 10s, got %v", got)
	}
	if got := nextAttempt(20); got != 5*time.Minute {
		t.Fatalf("expected cap 5m, got %v", got)
	}
}

func TestRunOutboxWorker(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Now().UTC()
	req := pendingApproval(t, store, "a1", now)
	notifier := &OutboxNotifier{Store: store, Channel: "C1", Now: func() time.Time { return now.Add(-time.Second) }}
	if err := notifier.NotifyPending(context.Background(), req); err != nil {
		t.Fatalf("notify: %v", err)
	}

	poster := &flakyPoster{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunOutboxWorker(ctx, store, poster, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec, ok, _ := store.GetNotification(context.Background(), "slack:a1")
		if ok && rec.Status == ledger.NotificationSent {
			cancel()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker did not deliver notification in time")
}
