// Package worker consumes classification jobs and drives each document
// through fetch, classify, and verdict persistence. It never requeues
// locally; failed deliveries are rejected to the dead-letter exchange and
// retry scheduling happens in the reprocessor.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/blob"
	"github.com/docsift/docsift/internal/classifier"
	"github.com/docsift/docsift/internal/logging"
	"github.com/docsift/docsift/internal/metrics"
	"github.com/docsift/docsift/internal/model"
	"github.com/docsift/docsift/internal/queue"
	"github.com/docsift/docsift/internal/store"
)

// Failure kinds for rejected deliveries.
const (
	failUnparseable = "unparseable"
	failCircuitOpen = "circuit_open"
	failIntegrity   = "integrity"
	failTransient   = "transient"
)

// Skip reasons for deliveries acked without a persisted verdict.
const (
	skipAbsent        = "absent"
	skipSuperseded    = "superseded"
	skipUnknownAction = "unknown_action"
)

// DocumentStore is the slice of the repository the worker needs.
type DocumentStore interface {
	GetByID(ctx context.Context, id string) (*model.Document, error)
	UpdateClassification(ctx context.Context, id, classification string, confidence float64, ocrPath *string, labelScores map[string]float64) (bool, error)
}

// BlobStore reads document bytes and persists OCR artifacts.
type BlobStore interface {
	ReadAll(key string) ([]byte, error)
	SaveOCR(id string, data []byte) (string, error)
}

// Classifier submits content for classification. Injectable for testing.
type Classifier interface {
	Classify(ctx context.Context, content []byte, mimeType string) (classifier.Result, error)
}

// Config wires the worker's dependencies.
type Config struct {
	Store      DocumentStore
	Blobs      BlobStore
	Classifier Classifier
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

// Worker processes deliveries from the classification queue one at a time
// (the consumer channel has prefetch 1).
type Worker struct {
	store      DocumentStore
	blobs      BlobStore
	classifier Classifier
	metrics    *metrics.Metrics
	log        *zap.Logger

	inFlight *xsync.Map[string, time.Time]
	now      func() time.Time
}

func New(cfg Config) *Worker {
	return &Worker{
		store:      cfg.Store,
		blobs:      cfg.Blobs,
		classifier: cfg.Classifier,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		inFlight:   xsync.NewMap[string, time.Time](),
		now:        time.Now,
	}
}

// InFlight lists the ids of documents currently being processed.
func (w *Worker) InFlight() []string {
	var ids []string
	w.inFlight.Range(func(id string, _ time.Time) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Run processes deliveries until ctx is cancelled (clean, returns nil) or
// the delivery channel closes underneath us (broker loss, returns an error
// so the supervisor reconnects).
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.log.Info("worker started", zap.String("queue", queue.QueueClassification))
	for {
		select {
		case <-ctx.Done():
			if ids := w.InFlight(); len(ids) > 0 {
				w.log.Warn("stopping with documents in flight", zap.Strings("documents", ids))
			}
			w.log.Info("worker stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("worker: delivery channel closed")
			}
			w.handle(ctx, d)
		}
	}
}

// handle runs one delivery through the pipeline and settles it. Every path
// ends in exactly one ack or reject-without-requeue.
func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	msg, err := queue.DecodeMessage(d.Body)
	if err != nil {
		// Retrying cannot fix a body we cannot read.
		w.log.Error("unparseable delivery", zap.Error(err))
		w.reject(d, failUnparseable)
		return
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = d.CorrelationId
	}
	if correlationID != "" {
		ctx = logging.WithCorrelationID(ctx, correlationID)
	}
	log := w.log.With(zap.String("documentId", msg.DocumentID), logging.CorrelationField(ctx))

	if msg.Action != model.ActionClassify {
		log.Warn("unknown action, dropping", zap.String("action", msg.Action))
		w.skip(d, skipUnknownAction)
		return
	}

	w.inFlight.Store(msg.DocumentID, w.now())
	w.metrics.WorkerInFlight.Inc()
	defer func() {
		w.inFlight.Delete(msg.DocumentID)
		w.metrics.WorkerInFlight.Dec()
	}()

	doc, err := w.store.GetByID(ctx, msg.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted since publish, or a duplicate after delete. Nothing to do.
		log.Info("document absent, dropping delivery")
		w.skip(d, skipAbsent)
		return
	}
	if err != nil {
		log.Error("fetch document", zap.Error(err))
		w.reject(d, w.failureKind(err))
		return
	}

	content, err := w.blobs.ReadAll(doc.StoragePath)
	if errors.Is(err, blob.ErrNotFound) {
		log.Error("stored bytes missing", zap.String("storagePath", doc.StoragePath))
		w.reject(d, failIntegrity)
		return
	}
	if err != nil {
		log.Error("read stored bytes", zap.Error(err))
		w.reject(d, failTransient)
		return
	}

	start := w.now()
	res, err := w.classifier.Classify(ctx, content, doc.MimeType)
	if errors.Is(err, classifier.ErrCircuitOpen) {
		log.Warn("classifier circuit open, rejecting for retry")
		w.reject(d, failCircuitOpen)
		return
	}
	w.metrics.ClassifyDuration.Observe(w.now().Sub(start).Seconds())
	if err != nil {
		log.Error("classify", zap.Error(err))
		w.reject(d, failTransient)
		return
	}

	var ocrPath *string
	if len(res.OCR) > 0 {
		key, err := w.blobs.SaveOCR(doc.ID, res.OCR)
		if err != nil {
			log.Error("persist ocr artifact", zap.Error(err))
			w.reject(d, failTransient)
			return
		}
		ocrPath = &key
	}

	applied, err := w.store.UpdateClassification(ctx, doc.ID, res.Classification, res.Confidence, ocrPath, res.Scores)
	if err != nil {
		log.Error("persist verdict", zap.Error(err))
		w.reject(d, w.failureKind(err))
		return
	}
	if !applied {
		// Manual override, a prior verdict, or a concurrent delete won.
		log.Info("verdict not applied", zap.String("classification", res.Classification))
		w.skip(d, skipSuperseded)
		return
	}

	w.metrics.ClassificationsApplied.Inc()
	log.Info("classification applied",
		zap.String("classification", res.Classification),
		zap.Float64("confidence", res.Confidence))
	w.ack(d)
}

// failureKind maps repository errors onto reject metric labels.
func (w *Worker) failureKind(err error) string {
	var integrity *store.IntegrityError
	if errors.As(err, &integrity) {
		return failIntegrity
	}
	return failTransient
}

func (w *Worker) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.log.Warn("ack failed", zap.Error(err))
	}
}

func (w *Worker) skip(d amqp.Delivery, reason string) {
	w.metrics.ClassificationsSkipped.WithLabelValues(reason).Inc()
	w.ack(d)
}

func (w *Worker) reject(d amqp.Delivery, kind string) {
	w.metrics.WorkerFailures.WithLabelValues(kind).Inc()
	if err := d.Reject(false); err != nil {
		w.log.Warn("reject failed", zap.Error(err))
	}
}
