package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
	"github.com/jobmatch/eventgen/internal/ndjson"
	"github.com/jobmatch/eventgen/internal/observability"
	"github.com/jobmatch/eventgen/internal/warehouse"
	"github.com/jobmatch/eventgen/pkg/types"
)

func newBulkLoader(env *testEnv, cfg BulkConfig, opts ...BulkOption) *BulkLoader {
	if cfg.WorkDir == "" {
		cfg.WorkDir = env.dir
	}
	cfg.PollInterval = 10 * time.Millisecond
	opts = append([]BulkOption{WithLogger(quietLogger())}, opts...)
	return NewBulkLoader(env.client, env.staging, cfg, opts...)
}

func TestBulkLoader_Load(t *testing.T) {
	for _, c := range []ndjson.Compression{ndjson.CompressionNone, ndjson.CompressionSnappy} {
		t.Run(string(c), func(t *testing.T) {
			env := newTestEnv(t)
			m := observability.New()
			cfg := DefaultBulkConfig(testTable)
			cfg.Compression = c
			var started string
			loader := newBulkLoader(env, cfg,
				WithMetrics(m),
				WithRunIDFunc(func() string { return "run-1" }),
				WithJobStarted(func(id string) { started = id }))

			batch := genBatch(t, 40, 7)
			res, err := loader.Load(context.Background(), batch)
			require.NoError(t, err)

			assert.NotEmpty(t, res.JobID)
			assert.Equal(t, res.JobID, started)
			assert.Equal(t, int64(40), res.RowsLoaded)
			assert.Equal(t, int64(0), res.RowsBefore)
			assert.Equal(t, int64(40), res.RowsInTable)
			assert.Equal(t, "loads/job_matching_bronze/events_raw/run-1"+ndjson.ExtensionFor(c), res.Object)
			assert.Equal(t, 40.0, testutil.ToFloat64(m.RowsLoaded.WithLabelValues(testTable.String())))
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues(SinkLoad, "success")))

			// The kept file is re-readable as the same batch.
			reread, err := ndjson.ReadFile(res.File)
			require.NoError(t, err)
			require.Len(t, reread, len(batch))
			for i := range batch {
				assert.Equal(t, batch[i].EventID, reread[i].EventID)
				assert.True(t, batch[i].EventTS.Equal(reread[i].EventTS))
			}

			// Staged object is removed after success by default.
			ok, err := env.staging.Exists(context.Background(), res.Object)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBulkLoader_AppendsAcrossRuns(t *testing.T) {
	env := newTestEnv(t)
	loader := newBulkLoader(env, DefaultBulkConfig(testTable))

	_, err := loader.Load(context.Background(), genBatch(t, 10, 1))
	require.NoError(t, err)
	res, err := loader.Load(context.Background(), genBatch(t, 15, 2))
	require.NoError(t, err)

	assert.Equal(t, int64(10), res.RowsBefore)
	assert.Equal(t, int64(15), res.RowsLoaded)
	assert.Equal(t, int64(25), res.RowsInTable)
}

func TestBulkLoader_AtomicOnSchemaMismatch(t *testing.T) {
	env := newTestEnv(t)
	loader := newBulkLoader(env, DefaultBulkConfig(testTable))

	_, err := loader.Load(context.Background(), genBatch(t, 5, 3))
	require.NoError(t, err)
	before := env.rows(t)

	// 50 valid records plus one with a wrong-typed field.
	batch := genBatch(t, 50, 4)
	path := filepath.Join(env.dir, "mixed.ndjson")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := ndjson.NewWriter(f, ndjson.CompressionNone)
	require.NoError(t, w.WriteBatch(batch))
	require.NoError(t, w.WriteLine(wrongTypedRow(t, batch[0])))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	res, err := loader.LoadFile(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeJobFailed, apperrors.GetCode(err))
	assert.ErrorIs(t, err, apperrors.New(apperrors.ErrCategoryValidation, apperrors.CodeSchemaMismatch, ""))
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, int64(0), res.RowsLoaded)
	assert.Equal(t, before, env.rows(t))

	// Staged object of a failed job is kept.
	ok, err := env.staging.Exists(context.Background(), res.Object)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBulkLoader_MissingTable(t *testing.T) {
	env := newTestEnv(t)
	cfg := DefaultBulkConfig(types.TableRef{Project: "p", Dataset: "d", Table: "missing"})
	loader := newBulkLoader(env, cfg)

	_, err := loader.Load(context.Background(), genBatch(t, 3, 5))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTableNotFound, apperrors.GetCode(err))
}

func TestBulkLoader_EmptyBatch(t *testing.T) {
	env := newTestEnv(t)
	loader := newBulkLoader(env, DefaultBulkConfig(testTable))

	_, err := loader.Load(context.Background(), nil)
	assert.Equal(t, apperrors.CodeEmptyBatch, apperrors.GetCode(err))
}

func TestBulkLoader_RemovesFileWhenNotKept(t *testing.T) {
	env := newTestEnv(t)
	cfg := DefaultBulkConfig(testTable)
	cfg.KeepFile = false
	cfg.WorkDir = filepath.Join(env.dir, "work")
	require.NoError(t, os.MkdirAll(cfg.WorkDir, 0o755))
	loader := newBulkLoader(env, cfg)

	res, err := loader.Load(context.Background(), genBatch(t, 3, 6))
	require.NoError(t, err)
	assert.Empty(t, res.File)

	entries, err := os.ReadDir(cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBulkLoader_JobTimeout(t *testing.T) {
	env := newTestEnv(t)
	client := &fakeClient{
		submitFn: func(context.Context, int, warehouse.LoadRequest) (warehouse.Job, error) {
			return stuckJob{id: "job-stuck"}, nil
		},
	}
	cfg := DefaultBulkConfig(testTable)
	cfg.WorkDir = env.dir
	cfg.JobTimeout = 50 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	loader := NewBulkLoader(client, env.staging, cfg, WithLogger(quietLogger()))

	res, err := loader.Load(context.Background(), genBatch(t, 3, 8))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeJobTimeout, apperrors.GetCode(err))
	assert.Equal(t, "job-stuck", apperrors.GetDetails(err)["job_id"])
	assert.Equal(t, "job-stuck", res.JobID)
	assert.Equal(t, 1, client.submitCalls, "a started job is never resubmitted")
}

func TestBulkLoader_RetriesTransientSubmit(t *testing.T) {
	env := newTestEnv(t)
	m := observability.New()
	client := &fakeClient{
		submitFn: func(_ context.Context, call int, req warehouse.LoadRequest) (warehouse.Job, error) {
			if call < 3 {
				return nil, apperrors.NewWarehouseError(apperrors.CodeUnavailable, "busy", nil)
			}
			assert.Equal(t, warehouse.WriteAppend, req.WriteDisposition)
			assert.False(t, req.Autodetect)
			return stuckJob{id: "job-after-retry"}, nil
		},
	}
	cfg := DefaultBulkConfig(testTable)
	cfg.WorkDir = env.dir
	cfg.Retry = fastRetry()
	cfg.JobTimeout = 20 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	loader := NewBulkLoader(client, env.staging, cfg, WithLogger(quietLogger()), WithMetrics(m))

	res, err := loader.Load(context.Background(), genBatch(t, 2, 9))
	assert.Equal(t, apperrors.CodeJobTimeout, apperrors.GetCode(err))
	assert.Equal(t, "job-after-retry", res.JobID)
	assert.Equal(t, 3, client.submitCalls)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retries.WithLabelValues(StepSubmitLoad)))
}

func TestBulkLoader_CommittedLoadSurvivesFailedRowCount(t *testing.T) {
	env := newTestEnv(t)
	m := observability.New()
	client := &fakeClient{
		numRows: 10,
		tableFn: func(call int) error {
			if call > 1 {
				return apperrors.NewWarehouseError(apperrors.CodeTableNotFound, "gone", nil)
			}
			return nil
		},
		submitFn: func(context.Context, int, warehouse.LoadRequest) (warehouse.Job, error) {
			return doneJob{id: "job-done", rows: 2}, nil
		},
	}
	cfg := DefaultBulkConfig(testTable)
	cfg.WorkDir = env.dir
	loader := NewBulkLoader(client, env.staging, cfg, WithLogger(quietLogger()), WithMetrics(m))

	res, err := loader.Load(context.Background(), genBatch(t, 2, 11))
	require.NoError(t, err)
	assert.Equal(t, "job-done", res.JobID)
	assert.Equal(t, int64(2), res.RowsLoaded)
	assert.Equal(t, int64(10), res.RowsBefore)
	assert.Equal(t, int64(-1), res.RowsInTable)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues(SinkLoad, "success")))
}

func TestBulkLoader_CountsFailedRuns(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
	}{
		{
			name: "table read",
			client: &fakeClient{tableFn: func(int) error {
				return apperrors.NewWarehouseError(apperrors.CodeTableNotFound, "missing", nil)
			}},
		},
		{
			name: "submit",
			client: &fakeClient{submitFn: func(context.Context, int, warehouse.LoadRequest) (warehouse.Job, error) {
				return nil, apperrors.NewWarehouseError(apperrors.CodeUnsupportedConfig, "no", nil)
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			m := observability.New()
			cfg := DefaultBulkConfig(testTable)
			cfg.WorkDir = env.dir
			loader := NewBulkLoader(tt.client, env.staging, cfg, WithLogger(quietLogger()), WithMetrics(m))

			_, err := loader.Load(context.Background(), genBatch(t, 2, 12))
			require.Error(t, err)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues(SinkLoad, "failure")))
			assert.Equal(t, 0.0, testutil.ToFloat64(m.Runs.WithLabelValues(SinkLoad, "success")))
		})
	}
}

func TestBulkLoader_LoadFileFromStaging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "earlier.ndjson.sz")
	_, err := ndjson.WriteFile(local, genBatch(t, 7, 13), ndjson.CompressionSnappy)
	require.NoError(t, err)
	require.NoError(t, env.staging.Upload(ctx, local, "incoming/earlier.ndjson.sz"))

	loader := newBulkLoader(env, DefaultBulkConfig(testTable))
	uri := env.staging.URI("incoming/earlier.ndjson.sz")
	res, err := loader.LoadFile(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.RowsLoaded)
	assert.Equal(t, int64(7), env.rows(t))
	assert.Equal(t, uri, res.File)

	entries, err := os.ReadDir(env.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "earlier", "downloaded copy is removed")
	}
}

func TestBulkLoader_LoadFileRejectsForeignURI(t *testing.T) {
	env := newTestEnv(t)
	loader := newBulkLoader(env, DefaultBulkConfig(testTable))

	_, err := loader.LoadFile(context.Background(), "s3://elsewhere/loads/x.ndjson")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCategoryValidation, apperrors.GetCategory(err))
	assert.Equal(t, int64(0), env.rows(t))
}

func TestBulkLoader_Ingest(t *testing.T) {
	env := newTestEnv(t)
	var sink Sink = newBulkLoader(env, DefaultBulkConfig(testTable))
	assert.Equal(t, SinkLoad, sink.Name())

	rep, err := sink.Ingest(context.Background(), genBatch(t, 12, 10))
	require.NoError(t, err)
	assert.Equal(t, 12, rep.RowsAttempted)
	assert.Equal(t, int64(12), rep.RowsWritten)
	assert.Equal(t, int64(12), rep.RowsInTable)
	assert.NotEmpty(t, rep.JobID)
}

func TestStagingObject(t *testing.T) {
	ref := types.TableRef{Project: "p", Dataset: "d", Table: "t"}
	assert.Equal(t, "loads/d/t/r.ndjson", StagingObject(ref, "r", ndjson.CompressionNone))
	assert.Equal(t, "loads/d/t/r.ndjson.sz", StagingObject(ref, "r", ndjson.CompressionSnappy))
}
