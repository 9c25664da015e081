package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/metrics"
	"github.com/docsift/docsift/internal/model"
)

// DocumentStore is the repository surface the API depends on.
type DocumentStore interface {
	Insert(ctx context.Context, doc *model.Document) (*model.Document, error)
	GetByID(ctx context.Context, id string) (*model.Document, error)
	List(ctx context.Context, classification string, limit, offset int) ([]model.Document, error)
	SearchMetadata(ctx context.Context, pairs map[string]string, limit int) ([]model.Document, error)
	CorrectClassification(ctx context.Context, id, newLabel string) (bool, error)
	ResetClassification(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// BlobStore is the artifact storage surface the API depends on.
type BlobStore interface {
	Save(key string, r io.Reader) (int64, string, error)
	Open(key string) (io.ReadCloser, error)
	Remove(key string) error
	RemoveOCR(id string) error
}

// JobPublisher enqueues classification jobs for uploaded or retried documents.
type JobPublisher interface {
	PublishDocument(ctx context.Context, m model.DocumentMessage) error
}

// Deps bundles the collaborators shared by all handlers.
type Deps struct {
	Store     DocumentStore
	Blobs     BlobStore
	Publisher JobPublisher
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Now       func() time.Time
}

// Server wraps the HTTP server and mux for the document API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates a new API server wired with all routes and no request
// deadline.
func NewServer(port int, deps Deps, maxBodyBytes int64) *Server {
	return NewServerWithAddress("", port, deps, maxBodyBytes, 0)
}

// NewServerWithAddress creates a new API server with an explicit listen
// address. requestTimeout bounds the non-streaming routes; upload, download,
// and ocr run without a deadline so large transfers are never cut off.
func NewServerWithAddress(listenAddress string, port int, deps Deps, maxBodyBytes int64, requestTimeout time.Duration) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}

	deadline := func(h http.Handler) http.Handler {
		return RequestDeadlineMiddleware(requestTimeout, h)
	}

	mux := http.NewServeMux()

	// Public (no body limit)
	mux.Handle("GET /healthz", HandleHealthz())

	apiMux := http.NewServeMux()
	apiMux.Handle("POST /api/documents/upload", HandleUploadDocument(deps))
	apiMux.Handle("GET /api/documents", deadline(HandleListDocuments(deps)))
	apiMux.Handle("GET /api/documents/search", deadline(HandleSearchDocuments(deps)))
	apiMux.Handle("GET /api/documents/{id}", deadline(HandleGetDocument(deps)))
	apiMux.Handle("GET /api/documents/{id}/download", HandleDownloadDocument(deps))
	apiMux.Handle("GET /api/documents/{id}/ocr", HandleGetOCR(deps))
	apiMux.Handle("DELETE /api/documents/{id}", deadline(HandleDeleteDocument(deps)))
	apiMux.Handle("PATCH /api/documents/{id}/classification", deadline(HandleCorrectClassification(deps)))
	apiMux.Handle("POST /api/documents/{id}/retry", deadline(HandleRetryDocument(deps)))

	mux.Handle("/api/", RequestBodyLimitMiddleware(maxBodyBytes, apiMux))

	handler := CorrelationMiddleware(RequestLogMiddleware(deps.Log, mux))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: handler,
	}

	return &Server{
		httpServer: srv,
		handler:    handler,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the full middleware-wrapped handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
