// Package classifier calls the external ML classification service and guards
// it with a circuit breaker. All gateway failures are transient from the
// pipeline's point of view; retry scheduling happens upstream.
package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docsift/docsift/internal/logging"
)

// StatusError indicates the classifier responded, but with a non-2xx status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("classifier: unexpected status %d from %s", e.StatusCode, e.URL)
}

// Result is the classifier's verdict for one document. OCR holds the opaque
// artifact produced alongside the verdict, nil when the service returned
// none.
type Result struct {
	Classification string
	Confidence     float64
	Scores         map[string]float64
	OCR            json.RawMessage
}

type classifyRequest struct {
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

type classifyResponse struct {
	Classification string             `json:"classification"`
	Confidence     float64            `json:"confidence"`
	Scores         map[string]float64 `json:"scores"`
	OCR            json.RawMessage    `json:"ocr"`
}

// Client is the HTTP gateway to the classification service.
type Client struct {
	base    string
	httpc   *http.Client
	breaker *Breaker
	timeout time.Duration
}

// NewClient builds a gateway for the service at baseURL. Calls without a
// context deadline get the given per-call timeout. The breaker is required.
func NewClient(baseURL string, timeout time.Duration, breaker *Breaker) *Client {
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{},
		breaker: breaker,
		timeout: timeout,
	}
}

// Classify submits document bytes for classification with OCR. The
// correlation id bound to ctx rides the X-Request-Id header. Callers hit
// ErrCircuitOpen without a service call while the breaker rejects.
func (c *Client) Classify(ctx context.Context, content []byte, mimeType string) (Result, error) {
	var res Result
	err := c.breaker.Do(func() error {
		var callErr error
		res, callErr = c.classify(ctx, content, mimeType)
		return callErr
	})
	return res, err
}

func (c *Client) classify(ctx context.Context, content []byte, mimeType string) (Result, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(classifyRequest{
		Content:  base64.StdEncoding.EncodeToString(content),
		MimeType: mimeType,
	})
	if err != nil {
		return Result{}, fmt.Errorf("classifier: encode request: %w", err)
	}

	url := c.base + "/classify-with-ocr"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("classifier: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := logging.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("classifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("classifier: decode response: %w", err)
	}
	if out.Classification == "" {
		return Result{}, fmt.Errorf("classifier: response missing classification")
	}
	return Result{
		Classification: out.Classification,
		Confidence:     out.Confidence,
		Scores:         out.Scores,
		OCR:            out.OCR,
	}, nil
}
