package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/internal/logger"
	"github.com/davidahmann/steward/pkg/types"
)

type OutboxPoster interface {
	PostApproval(ctx context.Context, channel string, message ApprovalMessageInput) (msgTS string, err error)
}

// MaxAttempts bounds delivery retries before a notification is marked failed.
const MaxAttempts = 10

// ProcessOutboxDue sends due pending notifications. Requests that were
// resolved before delivery are closed without posting. Failed posts back off
// exponentially.
func ProcessOutboxDue(ctx context.Context, store ledger.Store, poster OutboxPoster, now time.Time, limit int) (int, error) {
	if store == nil {
		return 0, fmt.Errorf("missing store")
	}
	if poster == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}
	now = now.UTC()

	due, err := store.ListNotificationsDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if rec.Status != ledger.NotificationPending {
			continue
		}

		req, ok, err := store.GetApproval(ctx, rec.RequestID)
		if err != nil {
			return processed, err
		}
		if !ok || req.Status != types.ApprovalPending {
			msg := "approval no longer pending"
			rec.LastError = &msg
			rec.Status = ledger.NotificationSent
			rec.SentAt = &now
			rec.UpdatedAt = now
			if err := store.PutNotification(ctx, rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		var input ApprovalMessageInput
		if err := json.Unmarshal(rec.MessageJSON, &input); err != nil {
			// Bad payload; retrying cannot help.
			msg := "invalid message_json: " + err.Error()
			rec.LastError = &msg
			rec.Status = ledger.NotificationFailed
			rec.UpdatedAt = now
			if err := store.PutNotification(ctx, rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		msgTS, err := poster.PostApproval(ctx, rec.Channel, input)
		if err != nil {
			next := nextAttempt(rec.AttemptCount)
			rec.AttemptCount++
			rec.NextAttemptAt = now.Add(next)
			msg := err.Error()
			rec.LastError = &msg
			rec.UpdatedAt = now
			if rec.AttemptCount >= MaxAttempts {
				rec.Status = ledger.NotificationFailed
			}
			logger.Logger.Warn().Err(err).
				Str("request_id", rec.RequestID).
				Int("attempt", rec.AttemptCount).
				Msg("approval notification delivery failed")
			if err := store.PutNotification(ctx, rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		rec.Status = ledger.NotificationSent
		rec.AttemptCount++
		rec.LastError = nil
		if msgTS != "" {
			rec.MessageTS = &msgTS
		}
		rec.SentAt = &now
		rec.UpdatedAt = now
		if err := store.PutNotification(ctx, rec); err != nil {
			return processed, err
		}
		processed++
	}

	return processed, nil
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, 80s, 160s, ... capped at 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 16 {
		return 5 * time.Minute
	}
	d := base << attemptCount
	max := 5 * time.Minute
	if d > max {
		return max
	}
	return d
}

// RunOutboxWorker polls and processes due notifications until ctx is cancelled.
func RunOutboxWorker(ctx context.Context, store ledger.Store, poster OutboxPoster, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := ProcessOutboxDue(ctx, store, poster, now, 25); err != nil && ctx.Err() == nil {
				logger.Logger.Warn().Err(err).Msg("slack outbox pass failed")
			}
		}
	}
}
