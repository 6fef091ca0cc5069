package slack

import (
	"context"
	"encoding/json"
	"time"

	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/pkg/types"
)

// OutboxNotifier queues a notification row for every pending request; the
// outbox worker delivers it.
type OutboxNotifier struct {
	Store   ledger.OutboxStore
	Channel string
	Now     func() time.Time
}

func NotificationID(requestID string) string {
	return "slack:" + requestID
}

func (n *OutboxNotifier) NotifyPending(ctx context.Context, req types.ApprovalRequest) error {
	msg, err := json.Marshal(MessageInputFor(req))
	if err != nil {
		return err
	}
	now := time.Now()
	if n.Now != nil {
		now = n.Now()
	}
	now = now.UTC()
	return n.Store.PutNotification(ctx, ledger.NotificationRecord{
		NotificationID: NotificationID(req.RequestID),
		RequestID:      req.RequestID,
		TenantID:       req.TenantID,
		Channel:        n.Channel,
		MessageJSON:    msg,
		Status:         ledger.NotificationPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}
