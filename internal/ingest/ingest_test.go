package ingest

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/jobmatch/eventgen/internal/catalog"
	"github.com/jobmatch/eventgen/internal/population"
	"github.com/jobmatch/eventgen/internal/storage"
	"github.com/jobmatch/eventgen/internal/synth"
	"github.com/jobmatch/eventgen/internal/warehouse"
	"github.com/jobmatch/eventgen/pkg/types"
)

var testTable = types.TableRef{Project: "event-driven-job-matching", Dataset: "job_matching_bronze", Table: "events_raw"}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type testEnv struct {
	client  *warehouse.SQLClient
	staging *storage.LocalStorage
	dir     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	staging, err := storage.NewLocalStorage(filepath.Join(dir, "staging"))
	require.NoError(t, err)

	client, err := warehouse.Open(context.Background(),
		warehouse.Config{Driver: "sqlite3", DSN: filepath.Join(dir, "warehouse.db")},
		staging, warehouse.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.CreateTable(context.Background(), testTable, types.EventsSchema()))
	return &testEnv{client: client, staging: staging, dir: dir}
}

func (e *testEnv) rows(t *testing.T) int64 {
	t.Helper()
	meta, err := e.client.Table(context.Background(), testTable)
	require.NoError(t, err)
	return meta.NumRows
}

// genBatch generates exactly n records from a seeded population.
func genBatch(t *testing.T, n int, seed int64) types.Batch {
	t.Helper()
	f := gofakeit.New(seed)
	s := synth.New(catalog.Default(), f)
	g, err := population.New(s, f, population.Config{
		Users:     n,
		MinEvents: 1,
		MaxEvents: 1,
		Lookback:  time.Hour,
		Now:       time.Now().UTC(),
	})
	require.NoError(t, err)
	b, err := g.Generate(context.Background())
	require.NoError(t, err)
	require.Len(t, b, n)
	return b
}

// wrongTypedRow is a record whose rank_position is a string.
func wrongTypedRow(t *testing.T, base types.EventRecord) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(&base)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	m["event_id"] = "bad-row"
	m["rank_position"] = "top"
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return out
}

// fakeClient scripts warehouse.Client for failure-path tests.
type fakeClient struct {
	mu          sync.Mutex
	insertCalls int
	submitCalls int
	tableCalls  int

	insertFn func(ctx context.Context, call int, rows []warehouse.Row) ([]warehouse.RowError, error)
	submitFn func(ctx context.Context, call int, req warehouse.LoadRequest) (warehouse.Job, error)
	tableFn  func(call int) error
	numRows  int64
}

func (f *fakeClient) Table(ctx context.Context, ref types.TableRef) (warehouse.TableMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tableCalls++
	if f.tableFn != nil {
		if err := f.tableFn(f.tableCalls); err != nil {
			return warehouse.TableMetadata{}, err
		}
	}
	return warehouse.TableMetadata{Ref: ref, Schema: types.EventsSchema(), NumRows: f.numRows}, nil
}

func (f *fakeClient) SubmitLoad(ctx context.Context, req warehouse.LoadRequest) (warehouse.Job, error) {
	f.mu.Lock()
	f.submitCalls++
	call := f.submitCalls
	f.mu.Unlock()
	return f.submitFn(ctx, call, req)
}

func (f *fakeClient) InsertRows(ctx context.Context, ref types.TableRef, rows []warehouse.Row) ([]warehouse.RowError, error) {
	f.mu.Lock()
	f.insertCalls++
	call := f.insertCalls
	f.mu.Unlock()
	return f.insertFn(ctx, call, rows)
}

func (f *fakeClient) CountByEventName(context.Context, types.TableRef, time.Time) ([]warehouse.EventCount, error) {
	return nil, nil
}

func (f *fakeClient) Close() error { return nil }

// stuckJob never leaves RUNNING.
type stuckJob struct{ id string }

func (j stuckJob) ID() string { return j.id }

func (j stuckJob) Status(ctx context.Context) (warehouse.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return warehouse.JobStatus{}, err
	}
	return warehouse.JobStatus{ID: j.id, State: warehouse.JobRunning}, nil
}

// doneJob has already succeeded with rows rows.
type doneJob struct {
	id   string
	rows int64
}

func (j doneJob) ID() string { return j.id }

func (j doneJob) Status(context.Context) (warehouse.JobStatus, error) {
	return warehouse.JobStatus{ID: j.id, State: warehouse.JobDone, OutputRows: j.rows}, nil
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}
