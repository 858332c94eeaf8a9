// Package app builds the corpus pipeline from configuration and owns the
// lifecycle of its long-lived clients.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/api"
	"github.com/JakeFAU/ccja/internal/checkpoint"
	"github.com/JakeFAU/ccja/internal/clock/system"
	"github.com/JakeFAU/ccja/internal/config"
	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/dispatcher"
	"github.com/JakeFAU/ccja/internal/extract"
	"github.com/JakeFAU/ccja/internal/fetcher/segment"
	"github.com/JakeFAU/ccja/internal/hash/sha256"
	"github.com/JakeFAU/ccja/internal/htmlmeta"
	"github.com/JakeFAU/ccja/internal/id/uuid"
	"github.com/JakeFAU/ccja/internal/langid"
	"github.com/JakeFAU/ccja/internal/logging"
	"github.com/JakeFAU/ccja/internal/manifest"
	"github.com/JakeFAU/ccja/internal/metrics"
	"github.com/JakeFAU/ccja/internal/policy/ratelimit"
	"github.com/JakeFAU/ccja/internal/processor"
	"github.com/JakeFAU/ccja/internal/progress"
	progresssinks "github.com/JakeFAU/ccja/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/ccja/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/ccja/internal/publisher/pubsub"
	"github.com/JakeFAU/ccja/internal/quality"
	"github.com/JakeFAU/ccja/internal/shard"
	gcsstorage "github.com/JakeFAU/ccja/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ccja/internal/storage/local"
	memorystorage "github.com/JakeFAU/ccja/internal/storage/memory"
	pgstore "github.com/JakeFAU/ccja/internal/storage/postgres"
	"github.com/JakeFAU/ccja/internal/worker"
)

// Options override process-wide defaults, mainly for tests.
type Options struct {
	// Logger skips building one from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the progress collectors; nil means the default
	// registry.
	Registerer prometheus.Registerer
}

type publisherCloser interface {
	corpus.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	fetcher     *segment.Fetcher
	checkpoint  *checkpoint.Manager
	shards      *shard.Writer
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	apiServer   *api.Server
	publisher   publisherCloser
	blobs       corpus.BlobStore

	storage *storage.Client
	pgStore *pgstore.CheckpointStore
}

// Build creates the application's dependencies. On error everything built so
// far is closed.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger, err := newLogger(cfg, opts)
	if err != nil {
		return nil, err
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()
	a.logger.Info("building application dependencies",
		zap.Int("workers", cfg.Run.Workers),
		zap.String("working_dir", cfg.Run.WorkingDir),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("checkpoint", cfg.Checkpoint.Backend),
	)

	if err = a.setupFetcher(); err != nil {
		return nil, err
	}
	if err = a.setupCheckpoint(ctx); err != nil {
		return nil, err
	}
	if err = a.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = a.setupShards(); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = a.setupProgress(ctx, opts.Registerer); err != nil {
		return nil, err
	}
	proc, err := a.setupProcessor()
	if err != nil {
		return nil, err
	}
	if err = a.setupDispatcher(proc); err != nil {
		return nil, err
	}
	a.apiServer = api.NewServer(api.Deps{
		Status:     a.dispatch,
		Checkpoint: a.checkpoint,
		Progress:   a.progressHub,
		Logger:     logger.Named("api"),
	})
	return a, nil
}

// Inspect resolves the pending segments without opening the shard writer or
// any output client, so it is safe to run beside a live build.
func Inspect(ctx context.Context, cfg config.Config, opts Options) (_ []corpus.SegmentID, _ int, err error) {
	logger, err := newLogger(cfg, opts)
	if err != nil {
		return nil, 0, err
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}()
	if err = a.setupFetcher(); err != nil {
		return nil, 0, err
	}
	if err = a.setupCheckpoint(ctx); err != nil {
		return nil, 0, err
	}
	return a.Pending(ctx)
}

func newLogger(cfg config.Config, opts Options) (*zap.Logger, error) {
	if opts.Logger != nil {
		return opts.Logger, nil
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func (a *App) setupFetcher() error {
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: a.cfg.Fetch.RequestsPerSecond,
		Burst:             a.cfg.Fetch.Burst,
	})
	var err error
	a.fetcher, err = segment.New(segment.Config{
		BaseURL:       a.cfg.Fetch.BaseURL,
		MaxRetries:    a.cfg.Fetch.MaxRetries,
		RetryDelay:    a.cfg.RetryDelay(),
		UserAgent:     a.cfg.Fetch.UserAgent,
		HeaderTimeout: a.cfg.HeaderTimeout(),
	}, nil, limiter, a.logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("segment fetcher init failed: %w", err)
	}
	a.logger.Debug("segment fetcher",
		zap.String("base_url", a.cfg.Fetch.BaseURL),
		zap.Float64("requests_per_second", a.cfg.Fetch.RequestsPerSecond),
	)
	return nil
}

func (a *App) setupCheckpoint(ctx context.Context) error {
	var store corpus.CheckpointStore
	switch a.cfg.Checkpoint.Backend {
	case "postgres":
		a.logger.Info("using postgres checkpoint store", zap.String("table", a.cfg.Checkpoint.Table))
		pg, err := pgstore.NewCheckpointStore(ctx, pgstore.Config{
			DSN:   a.cfg.Checkpoint.DSN,
			Table: a.cfg.Checkpoint.Table,
		})
		if err != nil {
			return fmt.Errorf("postgres checkpoint store init failed: %w", err)
		}
		a.pgStore = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres checkpoint schema: %w", err)
		}
		store = pg
	default:
		path := a.cfg.CheckpointPath()
		a.logger.Info("using file checkpoint store", zap.String("path", path))
		fs, err := checkpoint.NewFileStore(path, a.logger.Named("checkpoint"))
		if err != nil {
			return fmt.Errorf("file checkpoint store init failed: %w", err)
		}
		store = fs
	}
	a.checkpoint = checkpoint.NewManager(store, a.logger.Named("checkpoint"))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Warn("using in-memory storage backend, shards will not outlive the process")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupShards() error {
	var err error
	a.shards, err = shard.NewWriter(shard.Config{
		WorkingDir: a.cfg.Run.WorkingDir,
		Threshold:  a.cfg.Shard.Threshold,
		Unit:       shard.Unit(a.cfg.Shard.Unit),
		Codec:      a.cfg.Shard.Codec,
		Prefix:     a.cfg.Shard.Prefix,
	}, a.blobs, uuid.New(), system.New(), a.logger.Named("shard"))
	if err != nil {
		return fmt.Errorf("shard writer init failed: %w", err)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.ProgressBatchWait(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupProcessor() (*processor.Processor, error) {
	meta := htmlmeta.New(a.logger.Named("htmlmeta"))
	cascade := &langid.Cascade{
		Target:  a.cfg.Filter.TargetLanguage,
		Confirm: a.cfg.Filter.ConfirmCLD2,
		Logger:  a.logger.Named("langid"),
	}
	if a.cfg.Filter.ClassifierEnabled {
		detector, err := langid.NewLingua(langid.LinguaConfig{
			Languages:   a.cfg.Filter.ClassifierLanguages,
			LowAccuracy: a.cfg.Filter.ClassifierLowAcc,
		})
		if err != nil {
			return nil, fmt.Errorf("language classifier init failed: %w", err)
		}
		cascade.Identifier = detector
		a.logger.Info("language classifier enabled", zap.Strings("languages", a.cfg.Filter.ClassifierLanguages))
	}

	var extractor corpus.Extractor
	if a.cfg.Extract.Enabled {
		extractor = extract.NewReadability(meta, a.logger.Named("extract"))
	}
	proc, err := processor.New(processor.Config{
		Target:         a.cfg.Filter.TargetLanguage,
		StrictLangAttr: a.cfg.Filter.StrictLangAttr,
		ExtractEnabled: a.cfg.Extract.Enabled,
		ExtractTimeout: a.cfg.ExtractTimeout(),
		Gate:           quality.New(a.cfg.Quality.MinLength, a.cfg.Quality.DropRejected),
	}, processor.Deps{
		Meta:      meta,
		Cascade:   cascade,
		Extractor: extractor,
		Hasher:    sha256.New(),
		Logger:    a.logger.Named("processor"),
	})
	if err != nil {
		return nil, fmt.Errorf("processor init failed: %w", err)
	}
	return proc, nil
}

func (a *App) setupDispatcher(proc *processor.Processor) error {
	base, maxDelay := a.cfg.SegmentBackoff()
	topic := a.cfg.PubSub.TopicName
	if topic == "" {
		topic = dispatcher.DefaultShardTopic
	}
	var err error
	a.dispatch, err = dispatcher.New(dispatcher.Config{
		Workers:       a.cfg.Run.Workers,
		QueueSize:     a.cfg.Run.QueueSize,
		ShutdownGrace: a.cfg.ShutdownGrace(),
		ShardTopic:    topic,
		Worker: worker.Config{
			Attempts:    a.cfg.Run.SegmentAttempts,
			BackoffBase: base,
			BackoffMax:  maxDelay,
		},
	}, dispatcher.Deps{
		Fetcher:    a.fetcher,
		Processor:  proc,
		Shards:     a.shards,
		Checkpoint: a.checkpoint,
		Publisher:  a.publisher,
		Emitter:    a.progressHub,
		Clock:      system.New(),
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pending loads the checkpoint and the manifest and returns the segments
// still to do, in manifest order, along with the manifest size.
func (a *App) Pending(ctx context.Context) ([]corpus.SegmentID, int, error) {
	done, err := a.checkpoint.Load(ctx)
	if err != nil {
		return nil, 0, err
	}
	all, err := manifest.Fetch(ctx, a.fetcher, a.cfg.Manifest.URL)
	if err != nil {
		return nil, 0, err
	}
	pending := manifest.Pending(all, done, a.cfg.Manifest.Limit)
	a.logger.Info("manifest loaded",
		zap.String("source", a.cfg.Manifest.URL),
		zap.Int("segments", len(all)),
		zap.Int("completed", done.Len()),
		zap.Int("pending", len(pending)),
		zap.Int("limit", a.cfg.Manifest.Limit),
	)
	return pending, len(all), nil
}

// Run processes every pending segment. Cancelling ctx is a graceful
// interrupt: staged output is flushed and the checkpoint persisted before
// Run returns.
func (a *App) Run(ctx context.Context) (dispatcher.Summary, error) {
	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = a.startServer()
	}
	defer a.stopServer(srv)

	pending, _, err := a.Pending(ctx)
	if err != nil {
		return dispatcher.Summary{}, err
	}
	a.apiServer.SetReady(true)
	defer a.apiServer.SetReady(false)

	return a.dispatch.Run(ctx, pending)
}

func (a *App) startServer() *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("status server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("status server error", zap.Error(err))
		}
	}()
	return srv
}

func (a *App) stopServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Warn("status server shutdown error", zap.Error(err))
	}
}

// Handler exposes the status router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Close releases every client the App opened. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.shards != nil {
		if err := a.shards.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard writer close: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
