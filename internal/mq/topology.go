package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/batchflow/internal/domain"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeEvents Exchange = "batchflow.events"
	ExchangeDLQ    Exchange = "batchflow.dlq"
)

// Queues — имена очередей.
const (
	QueueDLQEvents Queue = "dlq.events"
)

// Routing keys.
const (
	RoutingKeyDLQEvents RoutingKey = "events"
)

// EventRoutingKey возвращает ключ маршрутизации события:
// "<workflow>.<type>", например "cp2k-task.instance.updated".
//
// Точки в имени workflow заменяются на "_", чтобы шаблон "<workflow>.#"
// не захватывал чужие workflow.
func EventRoutingKey(e domain.Event) RoutingKey {
	return RoutingKey(escapeWord(e.Workflow) + "." + string(e.Type))
}

// WatchPattern возвращает шаблон привязки для наблюдения за workflow.
// Пустое имя — все workflow.
func WatchPattern(workflow string) RoutingKey {
	if workflow == "" {
		return "#"
	}
	return RoutingKey(escapeWord(workflow) + ".#")
}

func escapeWord(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(s)
}

// SetupTopology объявляет обменники и DLQ.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. DLQ для событий, которые наблюдатель не смог обработать
		if _, err := ch.QueueDeclare(string(QueueDLQEvents), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", QueueDLQEvents, err)
		}
		if err := ch.QueueBind(string(QueueDLQEvents), string(RoutingKeyDLQEvents), string(ExchangeDLQ), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", QueueDLQEvents, ExchangeDLQ, err)
		}

		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeEvents, "topic"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// DeclareWatchQueue создаёт временную очередь наблюдателя, привязанную
// к событиям workflow. Очередь удаляется вместе с соединением.
func DeclareWatchQueue(ctx context.Context, conn *Connection, workflow string) (Queue, error) {
	var name Queue

	err := conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclare(
			"",    // имя выдаёт сервер
			false, // durable
			true,  // delete when unused
			true,  // exclusive
			false, // no-wait
			amqp.Table{
				"x-dead-letter-exchange":    string(ExchangeDLQ),
				"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
			},
		)
		if err != nil {
			return fmt.Errorf("declare watch queue: %w", err)
		}

		pattern := WatchPattern(workflow)
		if err := ch.QueueBind(q.Name, string(pattern), string(ExchangeEvents), false, nil); err != nil {
			return fmt.Errorf("bind watch queue to %s/%s: %w", ExchangeEvents, pattern, err)
		}

		name = Queue(q.Name)
		return nil
	})

	return name, err
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  batchflow RabbitMQ topology:

    batchflow.events (topic)
    └── <workflow>.<event type>  e.g. cp2k-task.instance.updated
            Watcher:  batchflow watch (exclusive queue, pattern <workflow>.#)

    batchflow.dlq (direct)
    └── dlq.events [routing: events]
            Manual processing
  `
}
