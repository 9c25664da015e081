// Package queue wraps the AMQP broker: topology declaration, the confirming
// publisher, and the document message codec.
package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker topology names. Producers and consumers declare the full set at
// startup; declaration is idempotent.
const (
	ExchangeDocument = "exchange.document"
	ExchangeDLX      = "exchange.dlx"
	ExchangeParking  = "exchange.parking"

	QueueClassification = "queue.classification"
	QueueDLQ            = "queue.dlq"
	QueueParking        = "queue.parking"

	RouteClassification = "classification"
)

// Client holds one broker connection. Channels are cheap and single-purpose;
// each publisher and consumer opens its own.
type Client struct {
	conn *amqp.Connection
}

// Dial connects to the broker and declares the pipeline topology.
func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial broker: %w", err)
	}
	c := &Client{conn: conn}
	if err := c.DeclareTopology(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// NotifyClose returns a channel that receives the terminal error when the
// broker connection is lost. A clean Close sends nil.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Consume opens a dedicated channel with prefetch 1 and starts delivering
// from the named queue. Every delivery must be acked or rejected; the caller
// owns the returned channel and closes it when done.
func (c *Client) Consume(queue string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("queue: open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("queue: set prefetch on %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("queue: consume %s: %w", queue, err)
	}
	return ch, deliveries, nil
}

// DeclareTopology declares the exchanges, queues, and bindings of the
// classification pipeline on a throwaway channel.
func (c *Client) DeclareTopology() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open channel: %w", err)
	}
	defer ch.Close()
	return declareTopology(ch)
}

func declareTopology(ch *amqp.Channel) error {
	exchanges := []struct {
		name string
		kind string
	}{
		{ExchangeDocument, "topic"},
		{ExchangeDLX, "fanout"},
		{ExchangeParking, "fanout"},
	}
	for _, e := range exchanges {
		if err := ch.ExchangeDeclare(e.name, e.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue: declare exchange %s: %w", e.name, err)
		}
	}

	// Rejected classification deliveries dead-letter into the DLX.
	classArgs := amqp.Table{"x-dead-letter-exchange": ExchangeDLX}
	if _, err := ch.QueueDeclare(QueueClassification, true, false, false, false, classArgs); err != nil {
		return fmt.Errorf("queue: declare queue %s: %w", QueueClassification, err)
	}
	for _, q := range []string{QueueDLQ, QueueParking} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue: declare queue %s: %w", q, err)
		}
	}

	bindings := []struct {
		queue    string
		key      string
		exchange string
	}{
		{QueueClassification, RouteClassification, ExchangeDocument},
		{QueueDLQ, "", ExchangeDLX},
		{QueueParking, "", ExchangeParking},
	}
	for _, b := range bindings {
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("queue: bind %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}
