// Package app assembles the validator's components from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/core"
	"github.com/joseph-ayodele/specsheet-validator/internal/events"
	"github.com/joseph-ayodele/specsheet-validator/internal/export"
	"github.com/joseph-ayodele/specsheet-validator/internal/extract"
	"github.com/joseph-ayodele/specsheet-validator/internal/housekeeping"
	"github.com/joseph-ayodele/specsheet-validator/internal/ingest"
	"github.com/joseph-ayodele/specsheet-validator/internal/metrics"
	"github.com/joseph-ayodele/specsheet-validator/internal/progress"
	"github.com/joseph-ayodele/specsheet-validator/internal/repository"
	"github.com/joseph-ayodele/specsheet-validator/internal/scheduler"
	"github.com/joseph-ayodele/specsheet-validator/internal/scoring"
	"github.com/joseph-ayodele/specsheet-validator/internal/server"
	"github.com/joseph-ayodele/specsheet-validator/internal/services/analysis"
	"github.com/joseph-ayodele/specsheet-validator/internal/storage"
)

// App holds every wired component. Close releases the ledger, NATS and open files.
type App struct {
	Config *common.Config
	Logger *slog.Logger

	Ledger     *repository.Ledger
	Jobs       repository.JobRepository
	Runs       repository.RunRepository
	Subjects   repository.SubjectRepository
	Heartbeats repository.HeartbeatRepository

	Store     storage.ObjectStore
	Progress  progress.Store
	Events    events.Sink
	Registry  *prometheus.Registry
	Metrics   *metrics.Collector
	Extractor *extract.Extractor
	Scorer    *scoring.Scorer

	Processor   *core.Processor
	Scheduler   *scheduler.Scheduler
	Housekeeper *housekeeping.Housekeeper
	Health      *housekeeping.HealthChecker
	Analysis    *analysis.Service
	Ingestor    *ingest.FSIngestor

	mu        sync.Mutex
	observers []func(housekeeping.Status)
	closers   []func()
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg common.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// New connects to the ledger and builds the pipeline. On error everything opened so far is closed.
func New(ctx context.Context, cfg *common.Config, logger *slog.Logger) (a *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.Ledger, err = server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { server.CloseDB(a.Ledger) })

	a.Jobs = repository.NewJobRepository(a.Ledger, logger)
	a.Runs = repository.NewRunRepository(a.Ledger, logger)
	a.Subjects = repository.NewSubjectRepository(a.Ledger, logger)
	a.Heartbeats = repository.NewHeartbeatRepository(a.Ledger, logger)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewCollector(a.Registry)

	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	var nc *nats.Conn
	if cfg.Progress.Backend == "nats" || cfg.NATS.PublishEvents {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("specsheet-validator "+cfg.Scheduler.WorkerID))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("nats.drain.failed", "error", err)
			}
		})
	}

	if a.Progress, err = a.openProgress(ctx, nc); err != nil {
		return nil, err
	}
	if a.Events, err = a.openEvents(nc); err != nil {
		return nil, err
	}

	rules, err := scoring.LoadRules(cfg.Scoring.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("load scoring rules: %w", err)
	}
	a.Scorer = scoring.New(rules)

	a.Extractor = extract.NewExtractor(extract.Config{
		Command:        cfg.Extraction.Command,
		Args:           cfg.Extraction.Args,
		Timeout:        cfg.Extraction.Timeout,
		MaxOutputBytes: cfg.Extraction.MaxOutputBytes,
		TempDir:        cfg.Retrieval.TempDir,
	}, logger)

	fetcher := storage.NewFetcher(a.Store, storage.FetcherConfig{
		MaxAttempts: cfg.Retrieval.MaxAttempts,
		BackoffBase: cfg.Retrieval.BackoffBase,
		MaxBytes:    cfg.Retrieval.MaxObjectBytes,
		TempDir:     cfg.Retrieval.TempDir,
	}, logger)
	fetcher.OnAttempt = func(_ int, err error) { a.Metrics.RecordDownloadAttempt(err) }

	recorder := core.NewRecorder(a.Ledger, a.Jobs, a.Progress, a.Events, a.Metrics, logger)
	a.Processor = core.NewProcessor(core.ProcessorConfig{
		OperatorLogDir: cfg.Paths.OperatorLogDir,
		ExtractTimeout: cfg.Extraction.Timeout,
		MemoryLimit:    cfg.Extraction.MemoryLimit,
		WorkerID:       cfg.Scheduler.WorkerID,
	}, a.Subjects, fetcher, a.Extractor, a.Scorer, recorder, a.Progress, a.Events, a.Metrics, logger)

	a.Scheduler = scheduler.New(a.Jobs, a.locker(), a.Processor, a.Heartbeats, a.Events, a.Metrics, cfg.Scheduler.WorkerID, logger)

	hk := cfg.Housekeeping
	a.Housekeeper = housekeeping.NewHousekeeper(housekeeping.Retention{
		Progress:     hk.ProgressTTL,
		OperatorLogs: hk.OperatorLogRetention,
		Runs:         hk.RunRetention,
		Jobs:         hk.JobRetention,
	}, a.Progress, cfg.Paths.OperatorLogDir, a.Runs, a.Jobs, a.Metrics, logger)
	a.Health = housekeeping.NewHealthChecker(housekeeping.Thresholds{
		StuckRunningAfter: hk.StuckRunningAfter,
		BacklogMaxAge:     hk.BacklogMaxAge,
		BacklogMaxCount:   hk.BacklogMaxCount,
		HeartbeatMaxAge:   hk.HeartbeatMaxAge,
	}, a.Jobs, a.Heartbeats, cfg.Paths.HealthFile, a.notify, logger)

	a.Analysis = analysis.NewService(a.Subjects, a.Jobs, a.Runs, a.Progress,
		export.NewService(a.Runs, logger), a.Metrics, cfg.Scheduler.MaxAttempts, logger)
	a.Ingestor = ingest.NewFSIngestor(a.Store, a.Subjects, logger)

	logger.Info("app.ready",
		"db_driver", cfg.Database.Driver,
		"storage", cfg.Storage.Backend,
		"progress", cfg.Progress.Backend,
		"worker_id", cfg.Scheduler.WorkerID)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (storage.ObjectStore, error) {
	sc := a.Config.Storage
	if sc.Backend == "s3" {
		return storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:  sc.Endpoint,
			Bucket:    sc.Bucket,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			Region:    sc.Region,
			UseTLS:    sc.UseTLS,
		}, a.Logger)
	}
	return storage.NewFSStore(sc.Root)
}

func (a *App) openProgress(ctx context.Context, nc *nats.Conn) (progress.Store, error) {
	if a.Config.Progress.Backend != "nats" {
		return progress.NewMemoryStore(), nil
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return progress.NewKVStore(ctx, js, a.Config.NATS.ProgressKV, a.Config.Housekeeping.ProgressTTL, a.Logger)
}

func (a *App) openEvents(nc *nats.Conn) (events.Sink, error) {
	sinks := []events.Sink{events.NewSlogSink(a.Logger)}
	if p := a.Config.Paths.EventLog; p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := f.Close(); err != nil {
				a.Logger.Warn("events.close.failed", "path", p, "error", err)
			}
		})
		sinks = append(sinks, events.NewLogSink(f, a.Logger))
	}
	if nc != nil && a.Config.NATS.PublishEvents {
		sinks = append(sinks, events.NewNATSSink(nc, a.Config.NATS.EventsPrefix, a.Logger))
	}
	return events.Multi(sinks...), nil
}

// locker picks the advisory lock for postgres and the lease row for sqlite.
func (a *App) locker() scheduler.Locker {
	sc := a.Config.Scheduler
	if a.Ledger.Pool != nil {
		return repository.NewPGAdvisoryLocker(a.Ledger.Pool, sc.LockName, sc.LockTimeout, a.Logger)
	}
	return repository.NewLeaseLocker(a.Ledger, sc.LockName, sc.WorkerID, sc.LockLease, a.Logger)
}

// OnHealth registers fn to observe every health status.
func (a *App) OnHealth(fn func(housekeeping.Status)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

func (a *App) notify(s housekeeping.Status) {
	a.mu.Lock()
	observers := append([]func(housekeeping.Status){}, a.observers...)
	a.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
