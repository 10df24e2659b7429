package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/medrelay/api/internal/services"
)

// PubSubNotifier publishes workflow notifications to a Pub/Sub topic for the
// external dispatch system (push, SMS, email) to consume.
type PubSubNotifier struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotifier constructs a Pub/Sub backed notifier.
func NewPubSubNotifier(topic *pubsub.Topic) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub notifier: topic is required")
	}
	return &PubSubNotifier{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// Publish enqueues one notification message on the configured topic.
func (n *PubSubNotifier) Publish(ctx context.Context, notification services.Notification) error {
	if n == nil || n.topic == nil {
		return errors.New("pubsub notifier: not initialised")
	}
	if strings.TrimSpace(notification.Event) == "" {
		return errors.New("pubsub notifier: event is required")
	}

	data, err := n.marshal(notificationEnvelope{
		Event:       notification.Event,
		RecipientID: notification.RecipientID,
		RequestID:   notification.RequestID,
		OrderID:     notification.OrderID,
		OccurredAt:  notification.OccurredAt.UTC().Format(time.RFC3339),
		Data:        notification.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "event", notification.Event)
	setAttr(attrs, "recipientId", notification.RecipientID)
	setAttr(attrs, "requestId", notification.RequestID)
	setAttr(attrs, "orderId", notification.OrderID)

	result := n.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

type notificationEnvelope struct {
	Event       string         `json:"event"`
	RecipientID string         `json:"recipientId,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
	OrderID     string         `json:"orderId,omitempty"`
	OccurredAt  string         `json:"occurredAt"`
	Data        map[string]any `json:"data,omitempty"`
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
