package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrNotConfirmed = errors.New("event was not confirmed by the broker")

const runIdHeader = "run_id"

// dialRabbitMQ connects, opens a channel and declares the assessment exchange.
func dialRabbitMQ(url string) (*amqp.Connection, *amqp.Channel, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= MaxConnectRetry; attempt++ {
		if conn, err = amqp.Dial(url); err == nil {
			break
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", attempt, "max_attempts", MaxConnectRetry, "error", err)
		if attempt < MaxConnectRetry {
			time.Sleep(RetryDelay)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", MaxConnectRetry, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := channel.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", Exchange, err)
	}
	return conn, channel, nil
}

// RabbitMQPublisher publishes events to the assessment exchange and waits for the broker to confirm each one.
type RabbitMQPublisher struct {
	url string

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

func NewRabbitMQPublisher(url string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: url}
	if err := p.connect(); err != nil {
		return nil, err
	}
	slog.Info("connected event publisher to rabbitmq", "exchange", Exchange)
	return p, nil
}

// connect must be called with mu held or before the publisher is shared.
func (p *RabbitMQPublisher) connect() error {
	conn, channel, err := dialRabbitMQ(p.url)
	if err != nil {
		return err
	}
	if err := channel.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.conn, p.channel = conn, channel
	go p.reconnectOnClose(channel.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

func (p *RabbitMQPublisher) reconnectOnClose(notify <-chan *amqp.Error) {
	err, ok := <-notify
	if !ok {
		return
	}
	slog.Warn("rabbitmq publisher channel closed, reconnecting", "error", err)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		err := p.connect()
		p.mu.Unlock()
		if err == nil {
			slog.Info("reconnected event publisher to rabbitmq")
			return
		}
		slog.Error("failed to reconnect event publisher", "error", err)
		time.Sleep(RetryDelay)
	}
}

func (p *RabbitMQPublisher) publish(ctx context.Context, key string, runId uuid.UUID, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", key, err)
	}

	p.mu.RLock()
	channel := p.channel
	p.mu.RUnlock()
	if channel == nil || channel.IsClosed() {
		return fmt.Errorf("cannot publish %s for run %s: rabbitmq channel is closed", key, runId)
	}

	confirmation, err := channel.PublishWithDeferredConfirmWithContext(ctx, Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Type:         key,
		Headers:      amqp.Table{runIdHeader: runId.String()},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s for run %s: %w", key, runId, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("error waiting for %s confirmation: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("%s for run %s: %w", key, runId, ErrNotConfirmed)
	}
	return nil
}

func (p *RabbitMQPublisher) PublishTileFused(ctx context.Context, payload TileFusedPayload) error {
	return p.publish(ctx, TileFusedKey, payload.RunId, payload)
}

func (p *RabbitMQPublisher) PublishRunCompleted(ctx context.Context, payload RunCompletedPayload) error {
	return p.publish(ctx, RunCompletedKey, payload.RunId, payload)
}

func (p *RabbitMQPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	}
}

type rabbitMQEvent struct {
	d amqp.Delivery
}

func (e *rabbitMQEvent) Kind() string {
	return e.d.RoutingKey
}

// RunId reads the run id header. Events from foreign publishers without one report uuid.Nil.
func (e *rabbitMQEvent) RunId() uuid.UUID {
	raw, _ := e.d.Headers[runIdHeader].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func (e *rabbitMQEvent) Body() []byte {
	return e.d.Body
}

func (e *rabbitMQEvent) Ack() error {
	return e.d.Ack(false)
}

// Nack drops the event. Consumers that need to keep bad events bind a dead letter exchange to their queue.
func (e *rabbitMQEvent) Nack() error {
	return e.d.Nack(false, false)
}

// RabbitMQSubscriber consumes assessment events from a queue bound to the exchange.
type RabbitMQSubscriber struct {
	url    string
	queue  string
	keys   []string
	events chan Event
	stop   chan struct{}
	closer sync.Once
}

// NewRabbitMQSubscriber binds queue to the given routing keys, or to every event kind when none
// are given. A named queue is durable and shared between subscribers. An empty name declares a
// private queue that is deleted when the subscriber disconnects.
func NewRabbitMQSubscriber(url, queue string, keys ...string) (*RabbitMQSubscriber, error) {
	if len(keys) == 0 {
		keys = EventKinds
	}
	s := &RabbitMQSubscriber{
		url:    url,
		queue:  queue,
		keys:   keys,
		events: make(chan Event),
		stop:   make(chan struct{}),
	}
	if err := s.subscribe(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RabbitMQSubscriber) subscribe() error {
	conn, channel, err := dialRabbitMQ(s.url)
	if err != nil {
		return err
	}

	if err := channel.Qos(1, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set channel qos: %w", err)
	}

	private := s.queue == ""
	queue, err := channel.QueueDeclare(s.queue, !private, private, private, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue '%s': %w", s.queue, err)
	}
	for _, key := range s.keys {
		if err := channel.QueueBind(queue.Name, key, Exchange, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("failed to bind queue %s to %s: %w", queue.Name, key, err)
		}
	}

	deliveries, err := channel.Consume(queue.Name, "", false, private, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to consume from queue %s: %w", queue.Name, err)
	}
	slog.Info("subscribed to assessment events", "queue", queue.Name, "keys", s.keys)

	go s.forward(deliveries)
	go s.resubscribeOnClose(conn, channel.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

func (s *RabbitMQSubscriber) forward(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		select {
		case s.events <- &rabbitMQEvent{d: d}:
		case <-s.stop:
			return
		}
	}
}

func (s *RabbitMQSubscriber) resubscribeOnClose(conn *amqp.Connection, notify <-chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		if !ok {
			return
		}
		slog.Warn("rabbitmq subscriber channel closed, resubscribing", "error", err)
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			if err := s.subscribe(); err == nil {
				return
			}
			time.Sleep(RetryDelay)
		}
	case <-s.stop:
		if err := conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	}
}

func (s *RabbitMQSubscriber) Events() <-chan Event {
	return s.events
}

func (s *RabbitMQSubscriber) Close() {
	s.closer.Do(func() { close(s.stop) })
}
