package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/finlit/core-api/internal/logging"
)

// DefaultAuditLogPath is where the consumer appends audit lines.
var DefaultAuditLogPath = filepath.Join("logs", "auth-audit.log")

// AuditConsumer reads auth.events and appends one line per event to an
// audit file.
type AuditConsumer struct {
	url     string
	path    string
	logger  logging.Logger
	backoff func() backoff.BackOff

	mu sync.Mutex // serialises writes to path
}

func NewAuditConsumer(url, path string, logger logging.Logger) *AuditConsumer {
	if path == "" {
		path = DefaultAuditLogPath
	}
	return &AuditConsumer{
		url:    url,
		path:   path,
		logger: logger,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0 // retry until ctx is done
			return b
		},
	}
}

// Run connects to the broker and consumes until ctx is cancelled. Broken
// connections are re-dialed with exponential backoff; only ctx ends the loop.
func (c *AuditConsumer) Run(ctx context.Context) error {
	b := backoff.WithContext(c.backoff(), ctx)
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return ctx.Err()
			}
			c.logger.Warn(ctx, "audit-consumer: dial failed", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		b.Reset()

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn(ctx, "audit-consumer: consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *AuditConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.logger.Warn(ctx, "audit-consumer: set QoS failed", "error", err)
	}
	if _, err := ch.QueueDeclare(AuthEventsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, AuthEventsQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		if err := c.Handle(d.Body); err != nil {
			c.logger.Error(ctx, "audit-consumer: handle message failed", "error", err)
			_ = d.Nack(false, false) // no requeue, avoids a poison message loop
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

// Handle decodes one message body and appends its audit line.
func (c *AuditConsumer) Handle(body []byte) error {
	var ev AuthEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" {
		return errors.New("event without type")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	return WriteAuditLine(f, ev)
}

// WriteAuditLine renders ev as a single line.
func WriteAuditLine(w io.Writer, ev AuthEvent) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s | user_id=%s", ev.OccurredAt, ev.Type, ev.UserID)
	if ev.Email != "" {
		fmt.Fprintf(&b, " | email=%q", ev.Email)
	}
	if ev.TokenID != "" {
		fmt.Fprintf(&b, " | token_id=%s", ev.TokenID)
	}
	if ev.RemoteIP != "" {
		fmt.Fprintf(&b, " | ip=%s", ev.RemoteIP)
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
