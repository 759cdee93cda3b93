package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/services"
)

// PubSubSettlementPublisher publishes OrderSettled events to a Pub/Sub topic.
type PubSubSettlementPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.SettlementPublisher = (*PubSubSettlementPublisher)(nil)

// NewPubSubSettlementPublisher constructs a Pub/Sub backed settlement publisher.
func NewPubSubSettlementPublisher(topic *pubsub.Topic) (*PubSubSettlementPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub settlement publisher: topic is required")
	}
	return &PubSubSettlementPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishSettlement sends the event and waits for the server-assigned message id.
func (p *PubSubSettlementPublisher) PublishSettlement(ctx context.Context, settlement domain.Settlement) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub settlement publisher: not initialised")
	}
	event := NewOrderSettled(settlement)
	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order settled: %w", err)
	}

	attrs := map[string]string{"eventType": OrderSettledEventType}
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "intentRef", event.IntentRef)
	setAttr(attrs, "currency", event.Currency)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order settled: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and stops the topic's background publishers.
func (p *PubSubSettlementPublisher) Close() error {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
