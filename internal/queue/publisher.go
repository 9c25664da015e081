package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/docsift/docsift/internal/model"
)

// Publisher publishes persistent messages on a confirm-mode channel. Publish
// only returns once the broker has acked the message, so a nil error means
// the job is durably enqueued.
type Publisher struct {
	ch  *amqp.Channel
	now func() time.Time
}

func NewPublisher(c *Client) (*Publisher, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open publisher channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("queue: enable confirms: %w", err)
	}
	return &Publisher{ch: ch, now: time.Now}, nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

// PublishDocument enqueues a classification job for one document.
func (p *Publisher) PublishDocument(ctx context.Context, m model.DocumentMessage) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("queue: encode message for %s: %w", m.DocumentID, err)
	}
	return p.publish(ctx, ExchangeDocument, RouteClassification, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: m.CorrelationID,
		Timestamp:     p.now(),
		Body:          body,
	})
}

// Forward republishes a consumed delivery to another exchange, preserving
// body, headers, and correlation id. The reprocessor uses it to send retries
// back through the document exchange and exhausted messages to parking.
func (p *Publisher) Forward(ctx context.Context, exchange, key string, d amqp.Delivery) error {
	return p.publish(ctx, exchange, key, amqp.Publishing{
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		Timestamp:     p.now(),
		Headers:       d.Headers,
		Body:          d.Body,
	})
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, pub amqp.Publishing) error {
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, pub)
	if err != nil {
		return fmt.Errorf("queue: publish to %s/%s: %w", exchange, key, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("queue: await confirm from %s/%s: %w", exchange, key, err)
	}
	if !acked {
		return fmt.Errorf("queue: broker refused publish to %s/%s", exchange, key)
	}
	return nil
}
