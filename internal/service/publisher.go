package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/finlit/core-api/internal/logging"
	"github.com/finlit/core-api/internal/queue"
)

// EventPublisher hands auth events to the broker. Implementations must not
// block a request for long; AuthService ignores their errors beyond logging.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.AuthEvent) error
}

// NopPublisher drops every event. Used when auditing is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, queue.AuthEvent) error { return nil }

// RabbitPublisher publishes events as persistent JSON messages to the
// auth.events queue. A connection is dialed per publish.
type RabbitPublisher struct {
	url     string
	timeout time.Duration
	logger  logging.Logger
}

func NewRabbitPublisher(url string, logger logging.Logger) *RabbitPublisher {
	return &RabbitPublisher{url: url, timeout: 2 * time.Second, logger: logger}
}

// Publish sends ev to the default exchange with the queue name as routing
// key. Errors are logged and returned.
func (p *RabbitPublisher) Publish(ctx context.Context, ev queue.AuthEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(p.timeout)})
	if err != nil {
		p.logger.Warn(ctx, "rabbitmq: dial failed", "error", err)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.logger.Warn(ctx, "rabbitmq: channel open failed", "error", err)
		return err
	}
	defer func() { _ = ch.Close() }()

	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		queue.AuthEventsQueue, // name
		true,                  // durable
		false,                 // autoDelete
		false,                 // exclusive
		false,                 // noWait
		nil,                   // args
	); err != nil {
		p.logger.Warn(ctx, "rabbitmq: queue declare failed", "error", err)
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         ev.Type,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue.AuthEventsQueue, false, false, pub); err != nil {
		p.logger.Warn(ctx, "rabbitmq: publish failed", "error", err, "event", ev.Type)
		return err
	}
	return nil
}
