package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/medrelay/api/internal/services"
)

func TestPubSubNotifierPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "notifications")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	notifier, err := NewPubSubNotifier(topic)
	if err != nil {
		t.Fatalf("NewPubSubNotifier: %v", err)
	}

	occurredAt := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	notification := services.Notification{
		Event:       "request.fulfilled",
		RecipientID: "patient-1",
		RequestID:   "req-1",
		OrderID:     "ord-1",
		OccurredAt:  occurredAt,
		Data:        map[string]any{"orderNumber": "ORD-2025-000001"},
	}

	if err := notifier.Publish(ctx, notification); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload map[string]any
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["event"] != "request.fulfilled" || payload["orderId"] != "ord-1" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload["occurredAt"] != "2025-03-14T09:30:00Z" {
		t.Fatalf("unexpected occurredAt %v", payload["occurredAt"])
	}
	if attr := messages[0].Attributes["event"]; attr != "request.fulfilled" {
		t.Fatalf("expected event attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["recipientId"]; attr != "patient-1" {
		t.Fatalf("expected recipient attribute, got %q", attr)
	}
}

func TestPubSubNotifierRejectsEmptyEvent(t *testing.T) {
	notifier := &PubSubNotifier{topic: &pubsub.Topic{}, marshal: json.Marshal}
	if err := notifier.Publish(context.Background(), services.Notification{}); err == nil {
		t.Fatal("expected error for empty event")
	}
}
