package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/model"
	"github.com/docsift/docsift/internal/queue"
	"github.com/docsift/docsift/internal/reprocess"
)

const (
	redialInitialBackoff = time.Second
	redialMaxBackoff     = 30 * time.Second
)

var errBrokerDown = errors.New("broker connection down")

// brokerHandle owns the publish-side broker connection shared by the upload
// and retry handlers and the sweeper. While the connection is down publishes
// fail fast; the maintain loop redials in the background. Consumers run on
// their own connections so channel flow control never stalls publishing.
type brokerHandle struct {
	url string
	log *zap.Logger

	mu     sync.RWMutex
	client *queue.Client
	pub    *queue.Publisher
}

// dialBrokerHandle connects and builds the confirming publisher so a bad
// broker config surfaces at startup.
func dialBrokerHandle(url string, log *zap.Logger) (*brokerHandle, error) {
	h := &brokerHandle{url: url, log: log}
	if err := h.dial(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *brokerHandle) dial() error {
	client, err := queue.Dial(h.url)
	if err != nil {
		return err
	}
	pub, err := queue.NewPublisher(client)
	if err != nil {
		client.Close()
		return err
	}
	h.mu.Lock()
	h.client, h.pub = client, pub
	h.mu.Unlock()
	return nil
}

// PublishDocument satisfies the api and sweeper publisher interfaces.
func (h *brokerHandle) PublishDocument(ctx context.Context, m model.DocumentMessage) error {
	h.mu.RLock()
	pub := h.pub
	h.mu.RUnlock()
	if pub == nil {
		return errBrokerDown
	}
	return pub.PublishDocument(ctx, m)
}

// maintain watches the connection and redials with capped backoff after a
// loss, until ctx ends.
func (h *brokerHandle) maintain(ctx context.Context) error {
	for {
		h.mu.RLock()
		client := h.client
		h.mu.RUnlock()
		if client == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-client.NotifyClose():
			if amqpErr == nil {
				// Clean close during shutdown.
				return nil
			}
			h.log.Warn("publisher connection lost", zap.Error(amqpErr))
		}

		h.mu.Lock()
		h.client, h.pub = nil, nil
		h.mu.Unlock()

		backoff := redialInitialBackoff
		for {
			if err := h.dial(); err == nil {
				h.log.Info("publisher connection restored")
				break
			} else {
				h.log.Warn("publisher redial failed",
					zap.Error(err),
					zap.Duration("retryIn", backoff))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, redialMaxBackoff)
		}
	}
}

// Close tears down the publisher channel and its connection.
func (h *brokerHandle) Close() {
	h.mu.Lock()
	client, pub := h.client, h.pub
	h.client, h.pub = nil, nil
	h.mu.Unlock()
	if pub != nil {
		_ = pub.Close()
	}
	if client != nil {
		_ = client.Close()
	}
}

// consumeFn runs one consume session on a live client and returns when the
// session ends.
type consumeFn func(ctx context.Context, client *queue.Client) error

// superviseConsumer keeps one consumer running across broker losses: dial,
// consume until the session dies, back off, redial.
func (a *docsiftApp) superviseConsumer(ctx context.Context, name string, consume consumeFn) error {
	log := a.log.Named(name)
	backoff := redialInitialBackoff
	for {
		started := time.Now()
		err := a.consumeOnce(ctx, consume)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			// The broker was healthy for a while; start the backoff over.
			backoff = redialInitialBackoff
		}
		log.Warn("consume session ended, redialing",
			zap.Error(err),
			zap.Duration("retryIn", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, redialMaxBackoff)
	}
}

func (a *docsiftApp) consumeOnce(ctx context.Context, consume consumeFn) error {
	client, err := queue.Dial(a.envCfg.BrokerURL())
	if err != nil {
		return err
	}
	defer client.Close()
	return consume(ctx, client)
}

func (a *docsiftApp) consumeClassification(ctx context.Context, client *queue.Client) error {
	ch, deliveries, err := client.Consume(queue.QueueClassification)
	if err != nil {
		return err
	}
	defer ch.Close()
	return a.worker.Run(ctx, deliveries)
}

func (a *docsiftApp) consumeDLQ(ctx context.Context, client *queue.Client) error {
	pub, err := queue.NewPublisher(client)
	if err != nil {
		return err
	}
	defer pub.Close()

	ch, deliveries, err := client.Consume(queue.QueueDLQ)
	if err != nil {
		return err
	}
	defer ch.Close()

	rp := reprocess.New(reprocess.Config{
		Publisher:      pub,
		MaxRetryCycles: a.envCfg.DLQMaxRetryCycles,
		BaseDelay:      a.envCfg.DLQBaseDelay,
		MaxDelay:       a.envCfg.DLQMaxDelay,
		Metrics:        a.metrics,
		Log:            a.log.Named("reprocess"),
	})
	return rp.Run(ctx, deliveries)
}
