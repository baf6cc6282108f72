package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roach88/pairwise/internal/ir"
)

// Channel is the subset of *amqp.Channel the sink needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes persistent JSON messages to a durable queue through
// the default exchange.
type AMQPSink struct {
	ch    Channel
	queue string
	close func() error
}

// DialAMQP connects to url and declares the durable queue.
func DialAMQP(url, queue string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp audit: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp audit: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp audit: declare %s: %w", queue, err)
	}
	s := NewAMQPSinkWithChannel(ch, queue)
	s.close = func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return s, nil
}

// NewAMQPSinkWithChannel wraps an open channel.
func NewAMQPSinkWithChannel(ch Channel, queue string) *AMQPSink {
	return &AMQPSink{ch: ch, queue: queue}
}

func (s *AMQPSink) Publish(ctx context.Context, records []ir.AuditRecord) error {
	for _, r := range records {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("amqp audit: marshal %s: %w", r.ID, err)
		}
		err = s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    r.ID,
			Type:         string(r.Action),
			Timestamp:    r.At,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("amqp audit: publish %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *AMQPSink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
