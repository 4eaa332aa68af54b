// Package app assembles the service from configuration: logger, repository,
// archive, the ingest pipeline (debounce then broadcast), the HTTP server,
// and the optional Pub/Sub source.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/feedmux/feedmux/internal/api"
	"github.com/feedmux/feedmux/internal/archive"
	"github.com/feedmux/feedmux/internal/broadcast"
	systemclock "github.com/feedmux/feedmux/internal/clock/system"
	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/logging"
	"github.com/feedmux/feedmux/internal/metrics"
	"github.com/feedmux/feedmux/internal/progress"
	"github.com/feedmux/feedmux/internal/source/pubsub"
	"github.com/feedmux/feedmux/internal/store"
	memorystore "github.com/feedmux/feedmux/internal/store/memory"
	postgresstore "github.com/feedmux/feedmux/internal/store/postgres"
)

// App holds every long-lived component of the service.
type App struct {
	Config config.Config
	Logger *zap.Logger

	Repo      store.Repository
	Broker    *broadcast.Broker
	Debouncer *progress.Debouncer
	Server    *api.Server
	Source    *pubsub.Source

	gcsClient *storage.Client
}

// New wires the whole service. Callers own the returned App and must Close it.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger}
	clock := systemclock.New()

	if a.Repo, err = a.buildRepo(ctx); err != nil {
		a.Close()
		return nil, err
	}
	provider, err := a.buildArchive(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Broker = broadcast.NewBroker(broadcast.Config{
		Buffer: cfg.Stream.ObserverBuffer,
		Logger: logger,
	})

	// Dispatch path: debounced envelopes fan out to every observer; the
	// archive tap snapshots terminal roots on the way through.
	tap := archive.NewTap(provider, cfg.Archive.Prefix, clock, logger)
	var lastDropped atomic.Int64
	dispatch := tap.Wrap(func(env progress.Envelope) {
		metrics.ObserveDebounceDispatch()
		a.Broker.Broadcast(env)
		if n := a.Broker.Dropped(); n > lastDropped.Load() {
			metrics.ObserveBroadcastDropped(n - lastDropped.Swap(n))
		}
	})
	a.Debouncer = progress.NewDebouncer(progress.DebouncerConfig{
		Window: cfg.DebounceWindow(),
		Logger: logger,
	}, dispatch)

	// Ingest path, shared by HTTP and Pub/Sub: record the latest state for
	// the resync snapshot, then debounce toward the observers. A repository
	// failure is logged but never blocks delivery.
	ingest := func(env progress.Envelope) {
		if env.Type != progress.TypeKeepAlive && env.Data != nil && env.Data.JobID != "" {
			rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := a.Repo.Record(rctx, *env.Data, clock.Now()); err != nil {
				logger.Warn("record event failed", zap.Error(err))
			}
			cancel()
		}
		a.Debouncer.Emit(env)
	}

	a.Server = api.NewServer(api.Ingest(ingest), a.Broker, a.Repo, clock, cfg, logger)

	if cfg.Source.Provider == "pubsub" {
		src, err := pubsub.New(ctx, pubsub.Config{
			ProjectID:      cfg.Source.PubSub.ProjectID,
			SubscriptionID: cfg.Source.PubSub.SubscriptionID,
		}, pubsub.Ingest(ingest), logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("build pubsub source: %w", err)
		}
		a.Source = src
	}

	return a, nil
}

// Serve runs the HTTP server (and the Pub/Sub source, when configured)
// until ctx finishes, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info("http server listening", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	if a.Source != nil {
		go func() {
			if err := a.Source.Run(ctx); err != nil {
				errCh <- fmt.Errorf("pubsub source: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close releases every component New built, in reverse order.
func (a *App) Close() {
	if a.Source != nil {
		if err := a.Source.Close(); err != nil {
			a.Logger.Warn("close pubsub source failed", zap.Error(err))
		}
	}
	if a.Debouncer != nil {
		a.Debouncer.Close()
	}
	if a.Broker != nil {
		a.Broker.Close()
	}
	if a.Repo != nil {
		a.Repo.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.Logger.Warn("close gcs client failed", zap.Error(err))
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

func (a *App) buildRepo(ctx context.Context) (store.Repository, error) {
	switch a.Config.Store.Provider {
	case "memory", "":
		return memorystore.NewRepository(), nil
	case "postgres":
		repo, err := postgresstore.NewRepository(ctx, postgresstore.Config{
			DSN:      a.Config.Store.Postgres.DSN,
			MaxConns: int32(a.Config.Store.Postgres.MaxOpenConns),
			MinConns: int32(a.Config.Store.Postgres.MinOpenConns),
		})
		if err != nil {
			return nil, fmt.Errorf("build postgres repository: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store provider %q", a.Config.Store.Provider)
	}
}

func (a *App) buildArchive(ctx context.Context) (archive.Provider, error) {
	switch a.Config.Archive.Provider {
	case "none", "":
		return nil, nil
	case "memory":
		return archive.NewMemoryProvider(), nil
	case "local":
		provider, err := archive.NewLocalProvider(a.Config.Archive.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("build local archive: %w", err)
		}
		return provider, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("build gcs client: %w", err)
		}
		a.gcsClient = client
		provider, err := archive.NewGCSProvider(client, a.Config.Archive.Bucket)
		if err != nil {
			return nil, fmt.Errorf("build gcs archive: %w", err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", a.Config.Archive.Provider)
	}
}
