package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/services"
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSettlementPublisher publishes OrderSettled events to a durable topic exchange.
type AMQPSettlementPublisher struct {
	conn       *amqp.Connection
	ch         amqpChannel
	exchange   string
	routingKey string
}

var _ services.SettlementPublisher = (*AMQPSettlementPublisher)(nil)

// DialAMQPSettlementPublisher connects to the broker and declares the exchange.
func DialAMQPSettlementPublisher(url, exchange, routingKey string) (*AMQPSettlementPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("amqp settlement publisher: url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp settlement publisher: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp settlement publisher: open channel: %w", err)
	}
	publisher, err := newAMQPSettlementPublisher(ch, exchange, routingKey)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	publisher.conn = conn
	return publisher, nil
}

func newAMQPSettlementPublisher(ch amqpChannel, exchange, routingKey string) (*AMQPSettlementPublisher, error) {
	exchange = strings.TrimSpace(exchange)
	routingKey = strings.TrimSpace(routingKey)
	if exchange == "" || routingKey == "" {
		return nil, errors.New("amqp settlement publisher: exchange and routing key are required")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp settlement publisher: declare exchange: %w", err)
	}
	return &AMQPSettlementPublisher{ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

// PublishSettlement publishes a persistent JSON message. The returned id is the message id.
func (p *AMQPSettlementPublisher) PublishSettlement(ctx context.Context, settlement domain.Settlement) (string, error) {
	if p == nil || p.ch == nil {
		return "", errors.New("amqp settlement publisher: not initialised")
	}
	event := NewOrderSettled(settlement)
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal order settled: %w", err)
	}
	messageID := event.OrderID + ":" + event.PaymentRef
	err = p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Type:         OrderSettledEventType,
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("publish order settled: %w", err)
	}
	return messageID, nil
}

// Close closes the channel and connection.
func (p *AMQPSettlementPublisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
