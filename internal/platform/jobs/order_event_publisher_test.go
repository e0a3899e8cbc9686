package jobs

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

	"github.com/fernvale/orderflow/internal/services"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t.Cleanup(topic.Stop)
	return srv, topic
}

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	srv, topic := newTestTopic(t)
	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	occurred := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	event := services.OrderEvent{
		Type:          "order.confirmed",
		OrderNumber:   "FV-LX0A1B2C-9QZT",
		CurrentStatus: "paid",
		CustomerEmail: "ada@example.com",
		Total:         12500,
		Currency:      "usd",
		OccurredAt:    occurred,
	}
	if err := publisher.PublishOrderEvent(context.Background(), event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]

	var payload OrderEventMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderNumber != event.OrderNumber || payload.Total != 12500 || !payload.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if msg.OrderingKey != event.OrderNumber {
		t.Fatalf("expected ordering key %q, got %q", event.OrderNumber, msg.OrderingKey)
	}
	if got := msg.Attributes["eventKey"]; got != "FV-LX0A1B2C-9QZT:order.confirmed:paid" {
		t.Fatalf("unexpected eventKey %q", got)
	}
	if _, ok := msg.Attributes["trackingNumber"]; ok {
		t.Fatal("empty attributes should be omitted")
	}
}

func TestPubSubOrderEventPublisherRequiresOrderNumber(t *testing.T) {
	_, topic := newTestTopic(t)
	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}
	if err := publisher.PublishOrderEvent(context.Background(), services.OrderEvent{Type: "order.confirmed"}); err == nil {
		t.Fatal("expected error for missing order number")
	}
}

func TestNewPubSubOrderEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
