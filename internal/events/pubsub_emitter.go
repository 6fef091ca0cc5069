package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/davidahmann/steward/internal/logger"
)

// PubSubEmitter publishes events to a Pub/Sub topic. Publish results are
// awaited in the background.
type PubSubEmitter struct {
	ctx    context.Context
	client *pubsub.Client
	topic  *pubsub.Topic
	wg     sync.WaitGroup
}

func NewPubSubEmitter(ctx context.Context, projectID, topicID string) (*PubSubEmitter, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project_id and topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &PubSubEmitter{
		ctx:    ctx,
		client: client,
		topic:  client.Topic(topicID),
	}, nil
}

func (e *PubSubEmitter) Emit(event GovernanceEvent) {
	msg, err := newMessage(event)
	if err != nil {
		logger.Logger.Warn().Err(err).Str("event", string(event.Type)).Msg("pubsub marshal failed")
		return
	}
	res := e.topic.Publish(e.ctx, msg)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := res.Get(e.ctx); err != nil {
			logger.Logger.Warn().Err(err).
				Str("event", string(event.Type)).
				Str("tenant_id", event.TenantID).
				Msg("pubsub publish failed")
		}
	}()
}

// Close flushes pending publishes and releases the client.
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	e.wg.Wait()
	return e.client.Close()
}

func newMessage(event GovernanceEvent) (*pubsub.Message, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return &pubsub.Message{
		Data: b,
		Attributes: map[string]string{
			"type":       string(event.Type),
			"tenant_id":  event.TenantID,
			"capability": event.CapabilityName,
			"verdict":    string(event.Verdict),
			"weight":     strconv.Itoa(event.MigrationWeight),
		},
	}, nil
}
