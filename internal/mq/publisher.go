package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/batchflow/internal/domain"
)

// MessageType — тип сообщения в очереди (совпадает с типом события).
type MessageType string

// Типы сообщений.
const (
	MessageTypeWorkflowStarted  = MessageType(domain.EventWorkflowStarted)
	MessageTypeWorkflowFinished = MessageType(domain.EventWorkflowFinished)
	MessageTypeStepFinished     = MessageType(domain.EventStepFinished)
	MessageTypeInstanceUpdated  = MessageType(domain.EventInstanceUpdated)
)

// Publisher публикует события жизненного цикла в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// NewEventMessage упаковывает событие в сообщение.
func NewEventMessage(e domain.Event) *Message {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      MessageType(e.Type),
		Payload:   e,
		Timestamp: ts,
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Transient, // события нужны только живым наблюдателям
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				AppId:        "batchflow",
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishEvent публикует событие workflow, шага или экземпляра.
// Потребитель: batchflow watch.
func (p *Publisher) PublishEvent(ctx context.Context, e domain.Event) error {
	return p.Publish(ctx, ExchangeEvents, EventRoutingKey(e), NewEventMessage(e))
}
