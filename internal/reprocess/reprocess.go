// Package reprocess drains the dead-letter queue: each dead delivery either
// goes back to the document exchange after an exponential backoff or, once
// its retry budget is spent, into the parking lot. Messages are never
// dropped.
package reprocess

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/metrics"
	"github.com/docsift/docsift/internal/queue"
)

// Forwarder republishes a consumed delivery unchanged. *queue.Publisher
// satisfies it; injectable for testing.
type Forwarder interface {
	Forward(ctx context.Context, exchange, key string, d amqp.Delivery) error
}

// Config wires the reprocessor's dependencies and retry policy.
type Config struct {
	Publisher      Forwarder
	MaxRetryCycles int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Metrics        *metrics.Metrics
	Log            *zap.Logger
}

// Reprocessor consumes queue.dlq one delivery at a time.
type Reprocessor struct {
	publisher      Forwarder
	maxRetryCycles int64
	baseDelay      time.Duration
	maxDelay       time.Duration
	metrics        *metrics.Metrics
	log            *zap.Logger
}

func New(cfg Config) *Reprocessor {
	return &Reprocessor{
		publisher:      cfg.Publisher,
		maxRetryCycles: int64(cfg.MaxRetryCycles),
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		metrics:        cfg.Metrics,
		log:            cfg.Log,
	}
}

// Run drains deliveries until ctx is cancelled (clean, returns nil) or the
// delivery channel closes or the broker refuses a republish (returns an
// error so the supervisor reconnects). A delivery in hand when either
// happens stays unacked and is redelivered.
func (r *Reprocessor) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	r.log.Info("dlq reprocessor started",
		zap.Int64("maxRetryCycles", r.maxRetryCycles),
		zap.Duration("baseDelay", r.baseDelay),
		zap.Duration("maxDelay", r.maxDelay))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("dlq reprocessor stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("reprocess: delivery channel closed")
			}
			if err := r.handle(ctx, d); err != nil {
				return err
			}
		}
	}
}

func (r *Reprocessor) handle(ctx context.Context, d amqp.Delivery) error {
	log := r.log
	if d.CorrelationId != "" {
		log = log.With(zap.String("correlationId", d.CorrelationId))
	}

	deathCount, err := queue.DeathCount(d.Headers)
	if err != nil {
		// A history we cannot read gives no retry budget to reason about.
		log.Warn("malformed death history, parking", zap.Error(err))
		return r.park(ctx, d)
	}

	if deathCount > r.maxRetryCycles {
		log.Info("retry budget exhausted, parking", zap.Int64("deathCount", deathCount))
		return r.park(ctx, d)
	}

	delay := backoffDelay(r.baseDelay, r.maxDelay, deathCount)
	log.Info("scheduling retry",
		zap.Int64("deathCount", deathCount),
		zap.Duration("delay", delay))
	if !r.sleep(ctx, delay) {
		return nil // shutting down; the unacked delivery is redelivered
	}

	// Headers ride along so the broker's death history keeps accumulating
	// across cycles.
	if err := r.publisher.Forward(ctx, queue.ExchangeDocument, queue.RouteClassification, d); err != nil {
		return fmt.Errorf("reprocess: republish: %w", err)
	}
	r.metrics.ReprocessedTotal.Inc()
	r.ack(d, log)
	return nil
}

func (r *Reprocessor) park(ctx context.Context, d amqp.Delivery) error {
	if err := r.publisher.Forward(ctx, queue.ExchangeParking, "", d); err != nil {
		return fmt.Errorf("reprocess: park: %w", err)
	}
	r.metrics.ParkedTotal.Inc()
	r.ack(d, r.log)
	return nil
}

func (r *Reprocessor) ack(d amqp.Delivery, log *zap.Logger) {
	if err := d.Ack(false); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}

// sleep waits out the backoff, reporting false when ctx ends first.
func (r *Reprocessor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay doubles the base delay per completed cycle, capped at max.
func backoffDelay(base, max time.Duration, deathCount int64) time.Duration {
	delay := base
	for cycle := int64(1); cycle < deathCount; cycle++ {
		delay *= 2
		if delay <= 0 || delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
