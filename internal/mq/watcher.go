package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/batchflow/internal/domain"
)

// errDeliveriesClosed — брокер закрыл канал доставки (обрыв соединения).
var errDeliveriesClosed = errors.New("deliveries channel closed")

// Watcher получает события workflow из временной exclusive очереди.
//
// Очередь исчезает вместе с соединением, поэтому после переподключения
// она объявляется и привязывается заново. Пропущенные за время обрыва
// события не восстанавливаются.
type Watcher struct {
	conn     *Connection
	logger   *slog.Logger
	workflow string
	fn       func(domain.Event)

	ready     chan struct{}
	readyOnce sync.Once
}

// NewWatcher создаёт Watcher событий workflow (пустое имя — всех workflow).
func NewWatcher(conn *Connection, logger *slog.Logger, workflow string, fn func(domain.Event)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		conn:     conn,
		logger:   logger.With("watch", string(WatchPattern(workflow))),
		workflow: workflow,
		fn:       fn,
		ready:    make(chan struct{}),
	}
}

// Ready закрывается после первой привязки очереди к exchange событий.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run получает события до отмены ctx.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		deliveries, err := w.subscribe(ctx)
		if err == nil {
			w.readyOnce.Do(func() { close(w.ready) })
			w.logger.Info("watching events")
			err = w.drain(ctx, deliveries)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("watch interrupted, waiting for reconnect", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.conn.ReconnectNotify():
		}
	}
}

// subscribe объявляет очередь и начинает потребление.
func (w *Watcher) subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	queue, err := DeclareWatchQueue(ctx, w.conn, w.workflow)
	if err != nil {
		return nil, err
	}

	ch := w.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}
	if err := ch.Qos(32, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, string(queue), "", false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

func (w *Watcher) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			e, err := decodeEvent(raw.Body)
			if err != nil {
				w.logger.Error("failed to decode event", "error", err, "body", string(raw.Body))
				// Битое сообщение уходит в DLQ очереди
				_ = raw.Nack(false, false)
				continue
			}
			w.fn(e)
			_ = raw.Ack(false)
		}
	}
}

// decodeEvent разбирает тело сообщения publisher'а в событие.
func decodeEvent(body []byte) (domain.Event, error) {
	var msg struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.Event{}, fmt.Errorf("unmarshal message: %w", err)
	}

	var e domain.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return domain.Event{}, fmt.Errorf("unmarshal %s payload: %w", msg.Type, err)
	}
	if e.Type == "" {
		e.Type = domain.EventType(msg.Type)
	}
	return e, nil
}
