package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docsift/docsift/internal/api"
	"github.com/docsift/docsift/internal/blob"
	"github.com/docsift/docsift/internal/buildinfo"
	"github.com/docsift/docsift/internal/classifier"
	"github.com/docsift/docsift/internal/config"
	"github.com/docsift/docsift/internal/logging"
	"github.com/docsift/docsift/internal/metrics"
	"github.com/docsift/docsift/internal/store"
	"github.com/docsift/docsift/internal/sweeper"
	"github.com/docsift/docsift/internal/worker"
)

type docsiftApp struct {
	envCfg *config.EnvConfig
	log    *zap.Logger

	db     *sqlx.DB
	repo   *store.DocumentRepo
	blobs  *blob.FileStore
	broker *brokerHandle
	worker *worker.Worker
	sweep  *sweeper.Sweeper // nil unless enabled

	metrics    *metrics.Metrics
	apiSrv     *api.Server
	metricsSrv *http.Server

	bgCancel context.CancelFunc
	bg       *errgroup.Group
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(envCfg.LogLevel, envCfg.LogPretty)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	log.Info("docsift starting",
		zap.String("version", buildinfo.Version),
		zap.String("commit", buildinfo.GitCommit))

	app, err := newDocsiftApp(envCfg, log)
	if err != nil {
		return err
	}

	serverErrCh := app.startServers()
	app.startBackgroundServices()

	runtimeErr := waitForShutdown(log, serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newDocsiftApp(envCfg *config.EnvConfig, log *zap.Logger) (*docsiftApp, error) {
	app := &docsiftApp{envCfg: envCfg, log: log}

	// Phase 1: storage.
	db, err := store.Open(envCfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	app.db = db
	app.repo = store.NewDocumentRepo(db)
	log.Info("database ready")

	blobs, err := blob.NewFileStore(envCfg.BlobRoot)
	if err != nil {
		db.Close()
		return nil, err
	}
	app.blobs = blobs
	log.Info("blob store ready", zap.String("root", envCfg.BlobRoot))

	// Phase 2: pipeline metrics on a dedicated registry.
	registry := prometheus.NewRegistry()
	app.metrics = metrics.New(registry)

	// Phase 3: broker. An unreachable broker aborts startup; one that dies
	// later is redialed in the background.
	broker, err := dialBrokerHandle(envCfg.BrokerURL(), log.Named("broker"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("broker: %w", err)
	}
	app.broker = broker
	log.Info("broker connected",
		zap.String("host", envCfg.BrokerHost),
		zap.Int("port", envCfg.BrokerPort))

	// Phase 4: classification pipeline.
	breaker := classifier.NewBreaker(
		envCfg.BreakerFailureThreshold,
		envCfg.BreakerOpenDuration,
		envCfg.BreakerHalfOpenMaxAttempts,
		func(from, to classifier.State) {
			app.metrics.BreakerTransitions.WithLabelValues(string(from), string(to)).Inc()
			log.Warn("classifier breaker transition",
				zap.String("from", string(from)),
				zap.String("to", string(to)))
		},
	)
	app.worker = worker.New(worker.Config{
		Store:      app.repo,
		Blobs:      blobs,
		Classifier: classifier.NewClient(envCfg.ClassifierURL, envCfg.ClassifierTimeout, breaker),
		Metrics:    app.metrics,
		Log:        log.Named("worker"),
	})

	if envCfg.SweepEnabled {
		sweep, err := sweeper.New(sweeper.Config{
			Store:      app.repo,
			Publisher:  broker,
			Schedule:   envCfg.SweepSchedule,
			MinAge:     envCfg.SweepMinAge,
			BatchLimit: envCfg.SweepBatchLimit,
			Metrics:    app.metrics,
			Log:        log.Named("sweeper"),
		})
		if err != nil {
			broker.Close()
			db.Close()
			return nil, err
		}
		app.sweep = sweep
	}

	// Phase 5: HTTP servers.
	app.apiSrv = api.NewServerWithAddress(
		envCfg.ListenAddress,
		envCfg.APIPort,
		api.Deps{
			Store:     app.repo,
			Blobs:     blobs,
			Publisher: broker,
			Metrics:   app.metrics,
			Log:       log.Named("api"),
		},
		envCfg.MaxUploadBytes,
		envCfg.RequestTimeout,
	)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metrics.Handler(registry))
	app.metricsSrv = &http.Server{
		Addr:    net.JoinHostPort(envCfg.ListenAddress, strconv.Itoa(envCfg.MetricsPort)),
		Handler: metricsMux,
	}

	return app, nil
}

func (a *docsiftApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	report := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		select {
		case serverErrCh <- fmt.Errorf("%s: %w", name, err):
		default:
		}
	}

	go func() {
		a.log.Info("api server starting", zap.Int("port", a.envCfg.APIPort))
		report("api server", a.apiSrv.ListenAndServe())
	}()
	go func() {
		a.log.Info("metrics server starting", zap.Int("port", a.envCfg.MetricsPort))
		report("metrics server", a.metricsSrv.ListenAndServe())
	}()
	return serverErrCh
}

// startBackgroundServices launches the broker maintenance loop, the queue
// consumers, and the sweeper.
func (a *docsiftApp) startBackgroundServices() {
	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	a.bg = g

	g.Go(func() error { return a.broker.maintain(gctx) })
	g.Go(func() error { return a.superviseConsumer(gctx, "worker", a.consumeClassification) })
	g.Go(func() error { a.runTempJanitor(gctx); return nil })
	if a.envCfg.DLQEnabled {
		g.Go(func() error { return a.superviseConsumer(gctx, "reprocess", a.consumeDLQ) })
	} else {
		a.log.Info("dlq reprocessor disabled")
	}

	if a.sweep != nil {
		a.sweep.Start()
		a.log.Info("sweeper started", zap.String("schedule", a.envCfg.SweepSchedule))
	}
}

func (a *docsiftApp) stopBackgroundServices() {
	// The sweeper stops first so nothing publishes once the consumers drain.
	if a.sweep != nil {
		a.sweep.Stop()
		a.log.Info("sweeper stopped")
	}
	a.bgCancel()
	_ = a.bg.Wait()
	a.log.Info("queue consumers stopped")
}

const (
	tempSweepInterval = 15 * time.Minute
	tempSweepJitter   = 2 * time.Minute
	tempMaxAge        = time.Hour
)

// runTempJanitor removes blob temp files orphaned by a crash mid-upload. The
// interval is jittered so restarted instances do not sweep in lockstep.
func (a *docsiftApp) runTempJanitor(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		timer.Reset(tempSweepInterval + time.Duration(rand.Int64N(int64(tempSweepJitter))))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if n, err := a.blobs.RemoveStaleTemp(tempMaxAge); err != nil {
			a.log.Warn("temp file sweep failed", zap.Error(err))
		} else if n > 0 {
			a.log.Info("removed orphaned temp files", zap.Int("count", n))
		}
	}
}

func waitForShutdown(log *zap.Logger, serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return nil
	case err := <-serverErrCh:
		log.Error("server runtime error, shutting down", zap.Error(err))
		return err
	}
}

func (a *docsiftApp) shutdown(ctx context.Context) {
	// Stop in order: inbound traffic, job sources and consumers, then the
	// broker connection and storage.
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		a.log.Warn("api server shutdown", zap.Error(err))
	}
	a.log.Info("api server stopped")

	a.stopBackgroundServices()

	if err := a.metricsSrv.Shutdown(ctx); err != nil {
		a.log.Warn("metrics server shutdown", zap.Error(err))
	}
	a.log.Info("metrics server stopped")

	a.broker.Close()
	a.log.Info("broker connection closed")

	if err := a.db.Close(); err != nil {
		a.log.Warn("database close", zap.Error(err))
	}
	a.log.Info("database closed")
}
