// Package jobs publishes order notifications to Pub/Sub for the email worker and other consumers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/fernvale/orderflow/internal/services"
)

// OrderEventMessage is the JSON body published for every order event.
type OrderEventMessage struct {
	Type           string    `json:"type"`
	OrderNumber    string    `json:"orderNumber"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	CurrentStatus  string    `json:"currentStatus"`
	CustomerEmail  string    `json:"customerEmail,omitempty"`
	CustomerName   string    `json:"customerName,omitempty"`
	Total          int64     `json:"total"`
	Currency       string    `json:"currency"`
	TrackingNumber string    `json:"trackingNumber,omitempty"`
	ShippingMethod string    `json:"shippingMethod,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// PubSubOrderEventPublisher publishes order events with the order number as ordering key, so a
// consumer sees confirmed before shipped for the same order.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubOrderEventPublisher{topic: topic, marshal: json.Marshal}, nil
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// PublishOrderEvent blocks until Pub/Sub acknowledges the message.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}
	if strings.TrimSpace(event.OrderNumber) == "" {
		return errors.New("pubsub order event publisher: order number is required")
	}

	data, err := p.marshal(OrderEventMessage{
		Type:           event.Type,
		OrderNumber:    event.OrderNumber,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		CustomerEmail:  event.CustomerEmail,
		CustomerName:   event.CustomerName,
		Total:          event.Total,
		Currency:       event.Currency,
		TrackingNumber: event.TrackingNumber,
		ShippingMethod: event.ShippingMethod,
		OccurredAt:     event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string, 4)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderNumber", event.OrderNumber)
	setAttr(attrs, "status", event.CurrentStatus)
	// Consumers dedupe on this; redelivered outbox entries produce the same value.
	setAttr(attrs, "eventKey", event.OrderNumber+":"+event.Type+":"+event.CurrentStatus)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: event.OrderNumber,
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses its ordering key until resumed.
		p.topic.ResumePublish(event.OrderNumber)
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
