package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
	"github.com/jobmatch/eventgen/internal/ndjson"
	"github.com/jobmatch/eventgen/internal/observability"
	"github.com/jobmatch/eventgen/internal/storage"
	"github.com/jobmatch/eventgen/internal/warehouse"
	"github.com/jobmatch/eventgen/pkg/types"
)

// BulkConfig configures the bulk load path.
type BulkConfig struct {
	Table types.TableRef

	// WorkDir receives the local record file. Defaults to os.TempDir().
	WorkDir string

	Compression ndjson.Compression

	// KeepFile leaves the local record file in WorkDir after the load.
	KeepFile bool

	// KeepStaged leaves the staged object in place after a successful job.
	// Objects of failed jobs are always kept.
	KeepStaged bool

	JobTimeout   time.Duration
	PollInterval time.Duration
	Retry        RetryPolicy
}

// DefaultBulkConfig returns the defaults for table.
func DefaultBulkConfig(table types.TableRef) BulkConfig {
	return BulkConfig{
		Table:        table,
		Compression:  ndjson.CompressionNone,
		KeepFile:     true,
		JobTimeout:   10 * time.Minute,
		PollInterval: time.Second,
		Retry:        DefaultRetryPolicy(),
	}
}

// LoadResult is the outcome of one load job.
type LoadResult struct {
	JobID       string
	RowsLoaded  int64
	RowsBefore  int64
	RowsInTable int64
	File        string
	Object      string
}

// BulkOption configures a BulkLoader.
type BulkOption func(*BulkLoader)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) BulkOption {
	return func(b *BulkLoader) { b.log = l }
}

// WithMetrics records load outcomes on m.
func WithMetrics(m *observability.Metrics) BulkOption {
	return func(b *BulkLoader) { b.metrics = m }
}

// WithRunIDFunc replaces the run id generator used to name files.
func WithRunIDFunc(fn func() string) BulkOption {
	return func(b *BulkLoader) { b.runID = fn }
}

// WithJobStarted registers a hook called once the load job is submitted,
// before waiting on it.
func WithJobStarted(fn func(jobID string)) BulkOption {
	return func(b *BulkLoader) { b.onJobStarted = fn }
}

// BulkLoader runs the bulk load path: write file, stage, load, wait.
type BulkLoader struct {
	client       warehouse.Client
	stage        storage.ObjectStorage
	cfg          BulkConfig
	log          logrus.FieldLogger
	metrics      *observability.Metrics
	runID        func() string
	onJobStarted func(jobID string)
}

var _ Sink = (*BulkLoader)(nil)

// NewBulkLoader creates a loader. stage must be the staging storage the
// warehouse client reads load sources from.
func NewBulkLoader(client warehouse.Client, stage storage.ObjectStorage, cfg BulkConfig, opts ...BulkOption) *BulkLoader {
	if cfg.Compression == "" {
		cfg.Compression = ndjson.CompressionNone
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	b := &BulkLoader{
		client: client,
		stage:  stage,
		cfg:    cfg,
		log:    logrus.StandardLogger(),
		runID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StagingObject returns the staging path of a run's record file.
func StagingObject(ref types.TableRef, runID string, c ndjson.Compression) string {
	return fmt.Sprintf("loads/%s/%s/%s%s", ref.Dataset, ref.Table, runID, ndjson.ExtensionFor(c))
}

// Name implements Sink.
func (b *BulkLoader) Name() string { return SinkLoad }

// Report converts r into the Report of a load of attempted records.
func (r LoadResult) Report(table types.TableRef, attempted int) Report {
	return Report{
		Sink:          SinkLoad,
		Table:         table,
		RowsAttempted: attempted,
		RowsWritten:   r.RowsLoaded,
		JobID:         r.JobID,
		RowsBefore:    r.RowsBefore,
		RowsInTable:   r.RowsInTable,
		File:          r.File,
	}
}

// Ingest implements Sink.
func (b *BulkLoader) Ingest(ctx context.Context, batch types.Batch) (Report, error) {
	res, err := b.Load(ctx, batch)
	return res.Report(b.cfg.Table, len(batch)), err
}

// Load writes batch to a record file and loads it.
func (b *BulkLoader) Load(ctx context.Context, batch types.Batch) (LoadResult, error) {
	if len(batch) == 0 {
		return LoadResult{}, emptyBatchError()
	}
	runID := b.runID()
	path := filepath.Join(b.cfg.WorkDir, runID+ndjson.ExtensionFor(b.cfg.Compression))
	if _, err := ndjson.WriteFile(path, batch, b.cfg.Compression); err != nil {
		b.metrics.IncRun(SinkLoad, "failure")
		return LoadResult{}, apperrors.NewInternalError("failed to write record file", err)
	}
	res, err := b.load(ctx, path, runID, b.cfg.Compression)
	if !b.cfg.KeepFile {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			b.log.WithError(rmErr).WithField("file", path).Warn("failed to remove record file")
		}
		res.File = ""
	}
	return res, err
}

// LoadFile loads an existing record file. Compression is taken from the
// file extension. A URI naming an object in the staging storage, as printed
// by a previous load, is downloaded into WorkDir first.
func (b *BulkLoader) LoadFile(ctx context.Context, path string) (LoadResult, error) {
	if strings.Contains(path, "://") {
		return b.loadStaged(ctx, path)
	}
	if _, err := os.Stat(path); err != nil {
		return LoadResult{}, apperrors.NewValidationError(apperrors.CodeInvalidRecord,
			fmt.Sprintf("record file %s: %v", path, err))
	}
	return b.load(ctx, path, b.runID(), ndjson.DetectCompression(path))
}

func (b *BulkLoader) loadStaged(ctx context.Context, uri string) (LoadResult, error) {
	base := b.stage.URI("")
	object := strings.TrimLeft(strings.TrimPrefix(uri, base), "/")
	if !strings.HasPrefix(uri, base) || object == "" {
		return LoadResult{}, apperrors.NewValidationError(apperrors.CodeInvalidRecord,
			fmt.Sprintf("record file %s is not in staging storage %s", uri, base))
	}

	runID := b.runID()
	local := filepath.Join(b.cfg.WorkDir, runID+"-"+filepath.Base(object))
	retry := retrier{policy: b.cfg.Retry, log: b.log.WithField("object", uri), metrics: b.metrics}
	err := retry.do(ctx, StepStageDownload, func(ctx context.Context) error {
		return b.stage.Download(ctx, object, local)
	})
	if err != nil {
		b.metrics.IncRun(SinkLoad, "failure")
		b.log.WithError(err).WithField("object", uri).Error("failed to fetch staged record file")
		return LoadResult{}, err
	}
	defer os.Remove(local)

	res, err := b.load(ctx, local, runID, ndjson.DetectCompression(object))
	res.File = uri
	return res, err
}

// load stages path and runs one load job. Every return is counted as one
// run in metrics.
func (b *BulkLoader) load(ctx context.Context, path, runID string, c ndjson.Compression) (res LoadResult, err error) {
	ref := b.cfg.Table
	res = LoadResult{File: path, Object: StagingObject(ref, runID, c)}
	defer func() {
		if err != nil {
			b.metrics.IncRun(SinkLoad, "failure")
		} else {
			b.metrics.IncRun(SinkLoad, "success")
		}
	}()
	logger := b.log.WithFields(logrus.Fields{"table": ref.String(), "run_id": runID})
	retry := retrier{policy: b.cfg.Retry, log: logger, metrics: b.metrics}

	before, err := b.tableRows(ctx, retry)
	if err != nil {
		return res, err
	}
	res.RowsBefore = before

	err = retry.do(ctx, StepStageUpload, func(ctx context.Context) error {
		return b.stage.Upload(ctx, path, res.Object)
	})
	if err != nil {
		return res, err
	}
	if info, statErr := os.Stat(path); statErr == nil {
		b.metrics.AddStagedBytes(info.Size())
	}
	logger.WithField("object", b.stage.URI(res.Object)).Debug("record file staged")

	req := warehouse.LoadRequest{
		Table:            ref,
		Object:           res.Object,
		Format:           warehouse.SourceNDJSON,
		Compression:      c,
		WriteDisposition: warehouse.WriteAppend,
		Autodetect:       false,
	}
	var job warehouse.Job
	err = retry.do(ctx, StepSubmitLoad, func(ctx context.Context) error {
		var submitErr error
		job, submitErr = b.client.SubmitLoad(ctx, req)
		return submitErr
	})
	if err != nil {
		return res, err
	}
	res.JobID = job.ID()
	logger = logger.WithField("job_id", job.ID())
	logger.Info("load job started")
	if b.onJobStarted != nil {
		b.onJobStarted(job.ID())
	}

	// Never retried: a job that timed out may still commit.
	started := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.JobTimeout)
	st, err := warehouse.Wait(waitCtx, job, b.cfg.PollInterval)
	cancel()
	if err != nil {
		b.metrics.ObserveLoadJob(outcome(err), time.Since(started))
		logger.WithError(err).Error("load job did not succeed")
		return res, err
	}
	b.metrics.ObserveLoadJob("success", time.Since(started))
	b.metrics.AddRowsLoaded(ref.String(), st.OutputRows)
	res.RowsLoaded = st.OutputRows

	// The job has committed; a failed read-back only loses the row count.
	after, readErr := b.tableRows(ctx, retry)
	if readErr != nil {
		after = -1
		logger.WithError(readErr).Warn("load committed but the table row count could not be read")
	}
	res.RowsInTable = after
	logger.WithFields(logrus.Fields{"rows": st.OutputRows, "rows_in_table": after}).Info("load job done")

	if !b.cfg.KeepStaged {
		if delErr := b.stage.Delete(ctx, res.Object); delErr != nil {
			logger.WithError(delErr).Warn("failed to delete staged object")
		}
	}
	return res, nil
}

func (b *BulkLoader) tableRows(ctx context.Context, retry retrier) (int64, error) {
	var n int64
	err := retry.do(ctx, StepTableRead, func(ctx context.Context) error {
		meta, err := b.client.Table(ctx, b.cfg.Table)
		if err != nil {
			return err
		}
		n = meta.NumRows
		return nil
	})
	return n, err
}

func outcome(err error) string {
	switch apperrors.GetCode(err) {
	case apperrors.CodeJobTimeout:
		return "timeout"
	case apperrors.CodeJobFailed:
		return "failed"
	default:
		return "error"
	}
}
