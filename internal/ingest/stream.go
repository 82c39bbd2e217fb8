package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
	"github.com/jobmatch/eventgen/internal/observability"
	"github.com/jobmatch/eventgen/internal/warehouse"
	"github.com/jobmatch/eventgen/pkg/types"
)

// StreamConfig configures the streaming insert path.
type StreamConfig struct {
	Table types.TableRef

	// RequestTimeout bounds one insert call including retries.
	RequestTimeout time.Duration

	Retry RetryPolicy

	// Policy decides the run outcome when rows are rejected. Defaults to
	// FailOnAnyRowError.
	Policy RowFailurePolicy
}

// DefaultStreamConfig returns the defaults for table.
func DefaultStreamConfig(table types.TableRef) StreamConfig {
	return StreamConfig{
		Table:          table,
		RequestTimeout: 2 * time.Minute,
		Retry:          DefaultRetryPolicy(),
		Policy:         FailOnAnyRowError,
	}
}

// InsertResult is the per-row outcome of one insert call.
type InsertResult struct {
	RowsAttempted int
	RowsInserted  int
	RowErrors     []warehouse.RowError
}

// StreamInserter runs the streaming insert path.
type StreamInserter struct {
	client  warehouse.Client
	cfg     StreamConfig
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

var _ Sink = (*StreamInserter)(nil)

// StreamOption configures a StreamInserter.
type StreamOption func(*StreamInserter)

// WithStreamLogger sets the logger.
func WithStreamLogger(l logrus.FieldLogger) StreamOption {
	return func(s *StreamInserter) { s.log = l }
}

// WithStreamMetrics records insert outcomes on m.
func WithStreamMetrics(m *observability.Metrics) StreamOption {
	return func(s *StreamInserter) { s.metrics = m }
}

// NewStreamInserter creates an inserter.
func NewStreamInserter(client warehouse.Client, cfg StreamConfig, opts ...StreamOption) *StreamInserter {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.Policy == nil {
		cfg.Policy = FailOnAnyRowError
	}
	s := &StreamInserter{
		client: client,
		cfg:    cfg,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Sink.
func (s *StreamInserter) Name() string { return SinkInsert }

// Ingest implements Sink. RowsInTable is not read back.
func (s *StreamInserter) Ingest(ctx context.Context, batch types.Batch) (Report, error) {
	res, err := s.Insert(ctx, batch)
	return Report{
		Sink:          SinkInsert,
		Table:         s.cfg.Table,
		RowsAttempted: res.RowsAttempted,
		RowsWritten:   int64(res.RowsInserted),
		RowsBefore:    -1,
		RowsInTable:   -1,
		RowErrors:     res.RowErrors,
	}, err
}

// Insert encodes batch and inserts it in one call.
func (s *StreamInserter) Insert(ctx context.Context, batch types.Batch) (InsertResult, error) {
	if len(batch) == 0 {
		return InsertResult{}, emptyBatchError()
	}
	rows, err := EncodeRows(batch)
	if err != nil {
		return InsertResult{}, err
	}
	return s.InsertRows(ctx, rows)
}

// InsertRows inserts pre-encoded rows in one call. Rejected rows are listed
// in the result; if the policy escalates them, the result is returned
// together with the policy error and accepted rows remain written.
func (s *StreamInserter) InsertRows(ctx context.Context, rows []warehouse.Row) (InsertResult, error) {
	if len(rows) == 0 {
		return InsertResult{}, emptyBatchError()
	}
	ref := s.cfg.Table
	logger := s.log.WithFields(logrus.Fields{"table": ref.String(), "rows": len(rows)})
	retry := retrier{policy: s.cfg.Retry, log: logger, metrics: s.metrics}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	var rowErrs []warehouse.RowError
	err := retry.do(reqCtx, StepInsertRows, func(ctx context.Context) error {
		var insertErr error
		rowErrs, insertErr = s.client.InsertRows(ctx, ref, rows)
		return insertErr
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = apperrors.NewWarehouseError(apperrors.CodeUnavailable,
				fmt.Sprintf("insert call exceeded %s", s.cfg.RequestTimeout), err)
		}
		s.metrics.IncRun(SinkInsert, "failure")
		logger.WithError(err).Error("insert call failed")
		return InsertResult{RowsAttempted: len(rows)}, err
	}

	res := InsertResult{
		RowsAttempted: len(rows),
		RowsInserted:  len(rows) - len(rowErrs),
		RowErrors:     rowErrs,
	}
	s.metrics.AddInsertOutcome(ref.String(), res.RowsInserted, len(rowErrs))

	if perr := s.cfg.Policy.Evaluate(res); perr != nil {
		s.metrics.IncRun(SinkInsert, "failure")
		logger.WithFields(logrus.Fields{
			"inserted": res.RowsInserted,
			"rejected": len(rowErrs),
			"policy":   s.cfg.Policy.String(),
		}).Error("insert had row errors")
		return res, perr
	}
	s.metrics.IncRun(SinkInsert, "success")
	logger.WithField("inserted", res.RowsInserted).Info("insert done")
	return res, nil
}
