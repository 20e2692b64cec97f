// Package app builds the worker's long-lived services from configuration and
// runs them until a termination signal or a fatal error.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/se7ensam/orion-AI/internal/api"
	"github.com/se7ensam/orion-AI/internal/clock/system"
	"github.com/se7ensam/orion-AI/internal/config"
	"github.com/se7ensam/orion-AI/internal/consumer"
	"github.com/se7ensam/orion-AI/internal/downloader"
	collyfetcher "github.com/se7ensam/orion-AI/internal/fetcher/colly"
	"github.com/se7ensam/orion-AI/internal/hash/sha256"
	"github.com/se7ensam/orion-AI/internal/id/uuid"
	"github.com/se7ensam/orion-AI/internal/ingest"
	"github.com/se7ensam/orion-AI/internal/metrics"
	pubpubsub "github.com/se7ensam/orion-AI/internal/publisher/pubsub"
	"github.com/se7ensam/orion-AI/internal/queue"
	qmemory "github.com/se7ensam/orion-AI/internal/queue/memory"
	qpubsub "github.com/se7ensam/orion-AI/internal/queue/pubsub"
	"github.com/se7ensam/orion-AI/internal/storage/gcs"
	"github.com/se7ensam/orion-AI/internal/storage/local"
	"github.com/se7ensam/orion-AI/internal/storage/memory"
	"github.com/se7ensam/orion-AI/internal/storage/postgres"
	"github.com/se7ensam/orion-AI/internal/throttle"
	"github.com/se7ensam/orion-AI/internal/throttle/redisblock"
)

// FilingStore is implemented by the Postgres and in-memory repositories.
type FilingStore interface {
	consumer.Repository
	api.Store
	OrphanedCompletions(ctx context.Context) ([]ingest.OrphanedFiling, error)
	EnsureSchema(ctx context.Context) error
}

// App holds the worker's services. Build it with New and start it with Run.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     FilingStore
	throttler *throttle.Throttler
	consumer  *consumer.Consumer
	server    *api.Server
}

// OpenStore connects the configured filing store and applies the schema when
// db.ensure_schema is set.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (FilingStore, error) {
	var store FilingStore
	switch cfg.DB.Driver {
	case "postgres":
		pg, err := postgres.NewFilingStore(ctx, postgres.FilingStoreConfig{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
			ChunkBatchSize:  cfg.DB.ChunkBatchSize,
		}, uuid.New(), logger.Named("postgres"))
		if err != nil {
			return nil, err
		}
		store = pg
	case "memory":
		logger.Warn("using in-memory filing store; nothing will be persisted")
		store = memory.NewFilingStore(uuid.New(), cfg.DB.ChunkBatchSize)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
	if cfg.DB.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

// New builds every component. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open filing store: %w", err)
	}
	cleanup = append(cleanup, store.Close)

	var extra []consumer.Option

	throttleOpts := []throttle.Option{throttle.WithLogger(logger.Named("throttle"))}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup = append(cleanup, rdb.Close)
		coord, cerr := redisblock.New(rdb, cfg.Redis.Key)
		if cerr != nil {
			return nil, fmt.Errorf("redis block coordinator: %w", cerr)
		}
		throttleOpts = append(throttleOpts, throttle.WithCoordinator(coord))
		extra = append(extra, consumer.WithCloser("redis", rdb.Close))
		logger.Info("sharing rate-limit blocks through redis", zap.String("addr", cfg.Redis.Addr))
	}
	throttler := throttle.New(throttle.Config{
		MinInterval:      cfg.Edgar.MinInterval,
		BlockDuration:    cfg.Edgar.BlockDuration,
		EscalationFactor: cfg.Edgar.BlockEscalation,
		MaxBlockDuration: cfg.Edgar.MaxBlockDuration,
	}, system.New(), throttleOpts...)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Edgar.UserAgent,
		Timeout:     cfg.Edgar.RequestTimeout,
		MaxBodySize: cfg.Edgar.MaxBodyBytes,
		Headers:     http.Header{"Accept": []string{"text/html, text/plain;q=0.9, */*;q=0.1"}},
	})
	dl, err := downloader.New(fetcher, throttler, downloader.Config{
		MaxAttempts: cfg.Download.MaxAttempts,
		BackoffBase: cfg.Download.BackoffBase,
		BackoffMax:  cfg.Download.BackoffMax,
	}, downloader.WithLogger(logger.Named("downloader")))
	if err != nil {
		return nil, fmt.Errorf("build downloader: %w", err)
	}

	archiveOpts, archiveClose, err := buildArchive(ctx, cfg.Archive, logger)
	if err != nil {
		return nil, err
	}
	extra = append(extra, archiveOpts...)
	if archiveClose != nil {
		cleanup = append(cleanup, archiveClose)
		extra = append(extra, consumer.WithCloser("archive client", archiveClose))
	}

	source, queueOpts, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, source.Close)
	extra = append(extra, queueOpts...)

	opts := append([]consumer.Option{
		consumer.WithLogger(logger.Named("consumer")),
		consumer.WithHasher(sha256.New()),
		consumer.WithRecorder(metrics.NewRecorder()),
	}, extra...)
	c, err := consumer.New(source, dl, store, consumer.Config{
		ChunkSize:     cfg.Chunking.Size,
		GracePeriod:   cfg.Shutdown.GracePeriod,
		ArchivePrefix: cfg.Archive.Prefix,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("build consumer: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		throttler: throttler,
		consumer:  c,
	}
	if cfg.Server.Port > 0 {
		a.server = api.NewServer(store, throttler, c, logger.Named("api"))
	}
	return a, nil
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) ([]consumer.Option, func() error, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil, nil
	case "memory":
		return []consumer.Option{consumer.WithArchive(memory.NewBlobStore())}, nil, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("local archive: %w", err)
		}
		logger.Info("archiving raw filings locally", zap.String("base_dir", cfg.BaseDir))
		return []consumer.Option{consumer.WithArchive(store)}, nil, nil
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("gcs archive: %w", err)
		}
		logger.Info("archiving raw filings to gcs", zap.String("bucket", cfg.Bucket))
		return []consumer.Option{consumer.WithArchive(store)}, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Source, []consumer.Option, error) {
	switch cfg.Queue.Driver {
	case "memory":
		logger.Warn("using in-memory queue; jobs must be published in-process")
		return qmemory.NewQueue(qmemory.WithRedeliveryBackoff(cfg.Queue.RedeliveryBackoff())), nil, nil
	case "pubsub":
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		var dlq qpubsub.DeadLetterPublisher
		if cfg.PubSub.DeadLetterTopic != "" {
			dlq = pubpubsub.New(client.Topic(cfg.PubSub.DeadLetterTopic))
		}
		source, err := qpubsub.New(client, cfg.PubSub.Subscription, dlq, logger.Named("pubsub"))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		var opts []consumer.Option
		if cfg.PubSub.CompletionsTopic != "" {
			completions := pubpubsub.New(client.Topic(cfg.PubSub.CompletionsTopic))
			opts = append(opts,
				consumer.WithNotifier(completions),
				consumer.WithCloser("completions publisher", func() error {
					completions.Stop()
					return nil
				}),
			)
		}
		logger.Info("consuming from pubsub",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("subscription", cfg.PubSub.Subscription),
		)
		return source, opts, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// ConfigureQueue applies broker-side settings the worker relies on. For
// Pub/Sub that is the subscription retry policy spacing out nacked messages;
// the memory queue applies its backoff in-process and needs nothing.
func ConfigureQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Queue.Driver != "pubsub" {
		return nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client: %w", err)
	}
	defer func() { _ = client.Close() }()
	source, err := qpubsub.New(client, cfg.PubSub.Subscription, nil, logger.Named("pubsub"))
	if err != nil {
		return err
	}
	minBackoff, maxBackoff := cfg.Queue.RedeliveryBackoff()
	return source.EnsureRetryPolicy(ctx, minBackoff, maxBackoff)
}

// Consumer returns the consumer.
func (a *App) Consumer() *consumer.Consumer { return a.consumer }

// Store returns the filing store.
func (a *App) Store() FilingStore { return a.store }

// Run serves until SIGINT/SIGTERM or a fatal error, then runs the consumer's
// shutdown protocol. It returns the process exit code.
func (a *App) Run(ctx context.Context) int {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.run(sigCtx)
}

func (a *App) run(ctx context.Context) int {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(a.logger, "consumer", func() error {
		err := a.consumer.Run(gctx)
		if err == nil && gctx.Err() == nil {
			return errors.New("consumer stopped unexpectedly")
		}
		return err
	}))
	// The server outlives gctx so /readyz reports shutting_down while the
	// consumer drains; it is stopped once Shutdown returns.
	srvCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServer()
	if a.server != nil {
		addr := ":" + strconv.Itoa(a.cfg.Server.Port)
		g.Go(guard(a.logger, "http server", func() error {
			err := a.server.ListenAndServe(srvCtx, addr)
			if err == nil && srvCtx.Err() == nil {
				return errors.New("http server stopped unexpectedly")
			}
			return err
		}))
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		a.logger.Info("termination requested, shutting down")
	} else {
		a.logger.Error("fatal error, shutting down")
	}

	code := 0
	if err := a.consumer.Shutdown(); err != nil {
		a.logger.Error("shutdown failed", zap.Error(err))
		code = 1
	}
	stopServer()
	if err := g.Wait(); err != nil {
		a.logger.Error("worker exited with error", zap.Error(err))
		code = 1
	}
	_ = a.logger.Sync()
	return code
}

// guard turns a panic in fn into an error so it takes the shutdown path.
func guard(logger *zap.Logger, name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in worker goroutine", zap.String("goroutine", name), zap.Any("panic", r), zap.Stack("stack"))
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn()
	}
}
