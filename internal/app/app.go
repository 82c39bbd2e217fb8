// Package app wires configuration into one generation pipeline with a
// pluggable ingestion sink.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/sirupsen/logrus"

	"github.com/jobmatch/eventgen/internal/catalog"
	"github.com/jobmatch/eventgen/internal/config"
	apperrors "github.com/jobmatch/eventgen/internal/errors"
	"github.com/jobmatch/eventgen/internal/ingest"
	"github.com/jobmatch/eventgen/internal/ndjson"
	"github.com/jobmatch/eventgen/internal/observability"
	"github.com/jobmatch/eventgen/internal/population"
	"github.com/jobmatch/eventgen/internal/storage"
	"github.com/jobmatch/eventgen/internal/synth"
	"github.com/jobmatch/eventgen/internal/warehouse"
	"github.com/jobmatch/eventgen/pkg/types"
)

// Record sources stamped by each sink unless generate.source overrides it.
const (
	SourceLoad   = "go_load_job"
	SourceInsert = "go_insert"
)

// ValidationWindow is how far back Validate counts events.
const ValidationWindow = 48 * time.Hour

// App owns the shared resources of one producer run.
type App struct {
	cfg   *config.Config
	table types.TableRef

	log     *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// Shared resources
	storage   storage.ObjectStorage
	warehouse *warehouse.SQLClient

	mu     sync.Mutex
	opened bool
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics replaces the metrics instance.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces the clock anchoring generation and validation.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table, err := cfg.TableRef()
	if err != nil {
		return nil, apperrors.NewConfigError("invalid destination table", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		table:   table,
		log:     logrus.StandardLogger(),
		metrics: observability.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Table returns the destination table.
func (a *App) Table() types.TableRef { return a.table }

// Metrics returns the metrics of this run.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Open initializes staging storage and connects to the warehouse.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}

	if err := a.initStorage(ctx); err != nil {
		return err
	}

	wcfg := warehouse.Config{
		Driver:       a.cfg.Warehouse.Driver,
		DSN:          a.cfg.Warehouse.DSN,
		MaxOpenConns: a.cfg.Warehouse.MaxOpenConns,
	}
	client, err := warehouse.Open(ctx, wcfg, a.storage,
		warehouse.WithLogger(a.log), warehouse.WithClock(a.now))
	if err != nil {
		return err
	}
	a.warehouse = client
	a.opened = true
	a.log.WithFields(logrus.Fields{
		"driver": a.cfg.Warehouse.Driver,
		"table":  a.table.String(),
	}).Debug("warehouse connected")
	return nil
}

func (a *App) initStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		s3Cfg.Prefix = a.cfg.Storage.S3.Prefix
		if a.cfg.Storage.S3.PartSizeMB > 0 {
			s3Cfg.MultipartConfig.PartSize = int64(a.cfg.Storage.S3.PartSizeMB) * 1024 * 1024
		}
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return apperrors.NewConfigError(fmt.Sprintf("unsupported storage type: %s", a.cfg.Storage.Type), nil)
	}
	if err != nil {
		return apperrors.NewConfigError("failed to initialize staging storage", err)
	}
	a.log.WithField("type", a.cfg.Storage.Type).Debug("staging storage initialized")
	return nil
}

// Close releases the warehouse connection after in-flight jobs settle.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened {
		return nil
	}
	a.opened = false
	return a.warehouse.Close()
}

// InitEmulator creates the destination table with the events schema if it
// does not exist.
func (a *App) InitEmulator(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}
	if err := a.warehouse.CreateTable(ctx, a.table, types.EventsSchema()); err != nil {
		return err
	}
	a.log.WithField("table", a.table.String()).Info("emulator table ready")
	return nil
}

// Generate produces one batch stamped with source.
func (a *App) Generate(ctx context.Context, source string) (types.Batch, error) {
	g := a.cfg.Generate
	if g.Source != "" {
		source = g.Source
	}

	faker := gofakeit.New(g.Seed)
	s := synth.New(catalog.Default(), faker, synth.WithSource(source))
	gen, err := population.New(s, faker, population.Config{
		Users:     g.Users,
		MinEvents: g.MinEvents,
		MaxEvents: g.MaxEvents,
		Lookback:  g.Lookback,
		Workers:   g.Workers,
		Now:       a.now(),
	})
	if err != nil {
		return nil, apperrors.NewConfigError("invalid population parameters", err)
	}

	batch, err := gen.Generate(ctx)
	if err != nil {
		return nil, err
	}
	if g.Verify {
		if err := verifyBatch(batch); err != nil {
			return nil, err
		}
	}
	a.metrics.ObserveBatch(batch)
	a.log.WithFields(logrus.Fields{"rows": len(batch), "users": g.Users, "source": source}).Info("batch generated")
	return batch, nil
}

// verifyBatch checks every record and the session ownership of the batch.
func verifyBatch(b types.Batch) error {
	if err := b.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrCategoryValidation, apperrors.CodeInvalidRecord,
			"generated batch failed verification", err)
	}
	if _, err := b.Sessions(); err != nil {
		return apperrors.Wrap(apperrors.ErrCategoryValidation, apperrors.CodeInvalidRecord,
			"generated batch failed verification", err)
	}
	return nil
}

// Sink builds the named sink: ingest.SinkLoad or ingest.SinkInsert.
// bulkOpts apply to the load sink only.
func (a *App) Sink(name string, bulkOpts ...ingest.BulkOption) (ingest.Sink, error) {
	if !a.isOpen() {
		return nil, apperrors.NewInternalError("app is not open", nil)
	}
	switch name {
	case ingest.SinkLoad:
		return a.BulkLoader(bulkOpts...)
	case ingest.SinkInsert:
		return a.StreamInserter()
	default:
		return nil, apperrors.NewConfigError(fmt.Sprintf("unknown sink %q", name), nil)
	}
}

// BulkLoader builds the bulk load sink from config.
func (a *App) BulkLoader(opts ...ingest.BulkOption) (*ingest.BulkLoader, error) {
	in := a.cfg.Ingest
	c, err := ndjson.ParseCompression(in.Compression)
	if err != nil {
		return nil, apperrors.NewConfigError("invalid ingest.compression", err)
	}
	cfg := ingest.BulkConfig{
		Table:        a.table,
		WorkDir:      in.WorkDir,
		Compression:  c,
		KeepFile:     in.KeepFile,
		KeepStaged:   in.KeepStaged,
		JobTimeout:   in.JobTimeout,
		PollInterval: in.PollInterval,
		Retry:        a.retryPolicy(),
	}
	opts = append([]ingest.BulkOption{ingest.WithLogger(a.log), ingest.WithMetrics(a.metrics)}, opts...)
	return ingest.NewBulkLoader(a.warehouse, a.storage, cfg, opts...), nil
}

// StreamInserter builds the streaming insert sink from config.
func (a *App) StreamInserter() (*ingest.StreamInserter, error) {
	policy, err := ingest.ParsePolicy(a.cfg.Ingest.RowPolicy)
	if err != nil {
		return nil, err
	}
	cfg := ingest.StreamConfig{
		Table:          a.table,
		RequestTimeout: a.cfg.Ingest.RequestTimeout,
		Retry:          a.retryPolicy(),
		Policy:         policy,
	}
	return ingest.NewStreamInserter(a.warehouse, cfg,
		ingest.WithStreamLogger(a.log), ingest.WithStreamMetrics(a.metrics)), nil
}

func (a *App) retryPolicy() ingest.RetryPolicy {
	r := a.cfg.Ingest.Retry
	return ingest.RetryPolicy{MaxAttempts: r.MaxAttempts, InitialBackoff: r.InitialBackoff, MaxBackoff: r.MaxBackoff}
}

// Run generates one batch and hands it to sink.
func (a *App) Run(ctx context.Context, sink ingest.Sink) (ingest.Report, error) {
	source := SourceLoad
	if sink.Name() == ingest.SinkInsert {
		source = SourceInsert
	}
	batch, err := a.Generate(ctx, source)
	if err != nil {
		return ingest.Report{Sink: sink.Name(), Table: a.table}, err
	}
	return sink.Ingest(ctx, batch)
}

// Validate counts events by name over the last ValidationWindow.
func (a *App) Validate(ctx context.Context) ([]warehouse.EventCount, error) {
	if err := a.Open(ctx); err != nil {
		return nil, err
	}
	return a.warehouse.CountByEventName(ctx, a.table, a.now().Add(-ValidationWindow))
}

// WriteMetrics writes metrics to metrics.file when configured.
func (a *App) WriteMetrics() error {
	if a.cfg.Metrics.File == "" {
		return nil
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.File); err != nil {
		return apperrors.NewInternalError("failed to write metrics file", err)
	}
	return nil
}

func (a *App) isOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opened
}
