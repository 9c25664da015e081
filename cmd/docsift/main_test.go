package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/config"
	"github.com/docsift/docsift/internal/model"
	"github.com/docsift/docsift/internal/queue"
)

func TestPublishDocumentWhileBrokerDown(t *testing.T) {
	h := &brokerHandle{log: zap.NewNop()}

	err := h.PublishDocument(context.Background(), model.DocumentMessage{
		DocumentID: "2f3a1a90-24cc-4d45-9f86-9e1cde1d76a2",
		Action:     model.ActionClassify,
	})
	if !errors.Is(err, errBrokerDown) {
		t.Fatalf("err = %v, want errBrokerDown", err)
	}
}

func TestSuperviseConsumerStopsOnCancel(t *testing.T) {
	// Port 1 refuses instantly, so the loop spends its time in backoff where
	// cancellation must be honored.
	app := &docsiftApp{
		envCfg: &config.EnvConfig{
			BrokerHost: "127.0.0.1",
			BrokerPort: 1,
			BrokerUser: "guest",
			BrokerPass: "guest",
		},
		log: zap.NewNop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = app.superviseConsumer(ctx, "worker", func(ctx context.Context, c *queue.Client) error {
			return nil
		})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("superviseConsumer did not stop on cancel")
	}
}

func TestWaitForShutdownOnServerError(t *testing.T) {
	errCh := make(chan error, 1)
	want := errors.New("listen tcp: address already in use")
	errCh <- want

	got := waitForShutdown(zap.NewNop(), errCh)
	if !errors.Is(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
