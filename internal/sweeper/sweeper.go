// Package sweeper re-enqueues classification jobs for documents that stayed
// unclassified past a configurable age. It heals the window where a document
// was stored but its job never reached the broker.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/logging"
	"github.com/docsift/docsift/internal/metrics"
	"github.com/docsift/docsift/internal/model"
)

const (
	defaultSchedule   = "@every 10m"
	defaultMinAge     = 30 * time.Minute
	defaultBatchLimit = 100
	sweepTimeout      = time.Minute

	// Upper bound on remembered ids; eviction is harmless, the worst case
	// is one extra job for a document the worker acks as superseded.
	dedupCapacity = 8192
)

// DocumentSource lists documents eligible for re-enqueueing.
type DocumentSource interface {
	ListStaleUnclassified(ctx context.Context, cutoff time.Time, limit int) ([]model.Document, error)
}

// JobPublisher enqueues classification jobs.
type JobPublisher interface {
	PublishDocument(ctx context.Context, m model.DocumentMessage) error
}

// Config configures the sweeper. Zero values fall back to defaults.
type Config struct {
	Store      DocumentSource
	Publisher  JobPublisher
	Schedule   string        // cron expression
	MinAge     time.Duration // how long a document may stay unclassified
	BatchLimit int           // max jobs per run
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	Now        func() time.Time
}

// Sweeper periodically re-publishes classification jobs for stale documents.
// Ids published recently are suppressed so overlapping grace periods do not
// flood the queue with duplicates.
type Sweeper struct {
	store      DocumentSource
	publisher  JobPublisher
	minAge     time.Duration
	batchLimit int
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time

	cron   *cron.Cron
	recent otter.Cache[string, struct{}]

	runMu sync.Mutex
}

// New builds a sweeper and validates the schedule. Start must be called to
// begin sweeping.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = defaultMinAge
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	// A document re-enqueued this run gets one full grace period before the
	// sweeper considers it again.
	recent, err := otter.MustBuilder[string, struct{}](dedupCapacity).
		Cost(func(_ string, _ struct{}) uint32 { return 1 }).
		WithTTL(cfg.MinAge).
		Build()
	if err != nil {
		return nil, fmt.Errorf("sweeper: build dedup cache: %w", err)
	}

	s := &Sweeper{
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		minAge:     cfg.MinAge,
		batchLimit: cfg.BatchLimit,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		now:        cfg.Now,
		cron:       cron.New(),
		recent:     recent,
	}

	if _, err := s.cron.AddFunc(cfg.Schedule, s.runScheduled); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins the cron schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Warn("sweep failed", zap.Error(err))
	}
}

// Sweep publishes one classification job per stale unclassified document,
// skipping ids re-enqueued within the last grace period. It returns the
// number of jobs published.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	cutoff := s.now().Add(-s.minAge)
	docs, err := s.store.ListStaleUnclassified(ctx, cutoff, s.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list stale documents: %w", err)
	}

	published := 0
	for _, doc := range docs {
		if _, seen := s.recent.Get(doc.ID); seen {
			continue
		}

		correlationID := uuid.NewString()
		msg := model.DocumentMessage{
			DocumentID:    doc.ID,
			Action:        model.ActionClassify,
			CorrelationID: correlationID,
		}
		if err := s.publisher.PublishDocument(logging.WithCorrelationID(ctx, correlationID), msg); err != nil {
			// Broker trouble affects every remaining publish; end the run.
			return published, fmt.Errorf("sweeper: publish job for %s: %w", doc.ID, err)
		}
		s.recent.Set(doc.ID, struct{}{})
		s.metrics.SweeperRequeuedTotal.Inc()
		published++

		s.log.Info("requeued stale document",
			zap.String("documentId", doc.ID),
			zap.String("correlationId", correlationID),
			zap.Time("staleSince", doc.UpdatedAt))
	}
	return published, nil
}
