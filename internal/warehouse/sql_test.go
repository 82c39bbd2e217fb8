package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
	"github.com/jobmatch/eventgen/internal/ndjson"
	"github.com/jobmatch/eventgen/internal/storage"
	"github.com/jobmatch/eventgen/pkg/types"
)

var testTable = types.TableRef{Project: "event-driven-job-matching", Dataset: "job_matching_bronze", Table: "events_raw"}

type testEnv struct {
	client  *SQLClient
	staging *storage.LocalStorage
	dir     string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	staging, err := storage.NewLocalStorage(filepath.Join(dir, "staging"))
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	opts = append([]Option{WithLogger(logger)}, opts...)
	client, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: filepath.Join(dir, "warehouse.db")}, staging, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.CreateTable(context.Background(), testTable, types.EventsSchema()))
	return &testEnv{client: client, staging: staging, dir: dir}
}

// rowJSON returns a valid encoded row with the given event id and name.
func rowJSON(id string, name types.EventName) json.RawMessage {
	rec := types.EventRecord{
		EventID:       id,
		EventName:     name,
		EventTS:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		IngestedAt:    time.Date(2026, 1, 2, 3, 4, 9, 0, time.UTC),
		UserID:        "user_00001",
		SessionID:     "session_0123456789ab",
		Platform:      types.PlatformIOS,
		DeviceType:    types.DeviceMobile,
		Source:        "go_load_job",
		SchemaVersion: 1,
	}
	if name == types.EventSearch {
		q := "sre"
		rec.SearchQuery = &q
	}
	data, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	return data
}

func (e *testEnv) stage(t *testing.T, object string, lines []json.RawMessage) {
	t.Helper()
	path := filepath.Join(e.dir, "src-"+strings.ReplaceAll(object, "/", "_"))
	f, err := os.Create(path)
	require.NoError(t, err)
	w := ndjson.NewWriter(f, ndjson.DetectCompression(object))
	for _, line := range lines {
		require.NoError(t, w.WriteLine(line))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	require.NoError(t, e.staging.Upload(context.Background(), path, object))
}

func appendRequest(object string) LoadRequest {
	return LoadRequest{
		Table:            testTable,
		Object:           object,
		Format:           SourceNDJSON,
		Compression:      ndjson.DetectCompression(object),
		WriteDisposition: WriteAppend,
	}
}

func waitJob(t *testing.T, job Job) (JobStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return Wait(ctx, job, 10*time.Millisecond)
}

func numRows(t *testing.T, c *SQLClient) int64 {
	t.Helper()
	meta, err := c.Table(context.Background(), testTable)
	require.NoError(t, err)
	return meta.NumRows
}

func TestSQLClient_TableIntrospectsSchema(t *testing.T) {
	env := newTestEnv(t)
	meta, err := env.client.Table(context.Background(), testTable)
	require.NoError(t, err)

	assert.Equal(t, int64(0), meta.NumRows)
	assert.Equal(t, types.EventsSchema().Fields, meta.Schema.Fields)
}

func TestSQLClient_TableNotFound(t *testing.T) {
	env := newTestEnv(t)
	missing := testTable
	missing.Table = "nope"

	_, err := env.client.Table(context.Background(), missing)
	assert.Equal(t, apperrors.CodeTableNotFound, apperrors.GetCode(err))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestSQLClient_LoadAppends(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for run, object := range []string{"loads/a.ndjson", "loads/b.ndjson.sz"} {
		lines := []json.RawMessage{
			rowJSON("id-"+object+"-1", types.EventSearch),
			rowJSON("id-"+object+"-2", types.EventSessionStart),
		}
		env.stage(t, object, lines)

		job, err := env.client.SubmitLoad(ctx, appendRequest(object))
		require.NoError(t, err)
		st, err := waitJob(t, job)
		require.NoError(t, err)
		assert.Equal(t, JobDone, st.State)
		assert.Equal(t, int64(2), st.OutputRows)
		assert.Equal(t, int64(2*(run+1)), numRows(t, env.client))
	}
}

func TestSQLClient_LoadIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	lines := make([]json.RawMessage, 0, 51)
	for i := 0; i < 50; i++ {
		lines = append(lines, rowJSON(fmt.Sprintf("valid-%02d", i), types.EventSessionStart))
	}
	bad := strings.Replace(string(rowJSON("bad", types.EventSessionStart)), `"schema_version":1`, `"schema_version":"one"`, 1)
	lines = append(lines, json.RawMessage(bad))
	env.stage(t, "loads/mixed.ndjson", lines)

	job, err := env.client.SubmitLoad(ctx, appendRequest("loads/mixed.ndjson"))
	require.NoError(t, err)
	st, err := waitJob(t, job)
	require.Error(t, err)

	assert.Equal(t, JobDone, st.State)
	assert.Equal(t, int64(0), st.OutputRows)
	assert.Equal(t, apperrors.CodeJobFailed, apperrors.GetCode(err))
	assert.True(t, errors.Is(err, apperrors.New(apperrors.ErrCategoryValidation, apperrors.CodeSchemaMismatch, "")))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Equal(t, 51, verrs[0].RowIndex)
	assert.Equal(t, "schema_version", verrs[0].Field)

	assert.Equal(t, int64(0), numRows(t, env.client))
}

func TestSQLClient_SubmitLoadRejectsUnsupportedConfig(t *testing.T) {
	env := newTestEnv(t)
	env.stage(t, "loads/x.ndjson", []json.RawMessage{rowJSON("x", types.EventSignup)})
	ctx := context.Background()

	truncate := appendRequest("loads/x.ndjson")
	truncate.WriteDisposition = WriteTruncate
	_, err := env.client.SubmitLoad(ctx, truncate)
	assert.Equal(t, apperrors.CodeUnsupportedConfig, apperrors.GetCode(err))

	autodetect := appendRequest("loads/x.ndjson")
	autodetect.Autodetect = true
	_, err = env.client.SubmitLoad(ctx, autodetect)
	assert.Equal(t, apperrors.CodeUnsupportedConfig, apperrors.GetCode(err))

	missingTable := appendRequest("loads/x.ndjson")
	missingTable.Table.Table = "other"
	_, err = env.client.SubmitLoad(ctx, missingTable)
	assert.Equal(t, apperrors.CodeTableNotFound, apperrors.GetCode(err))

	_, err = env.client.SubmitLoad(ctx, appendRequest("loads/absent.ndjson"))
	assert.Equal(t, apperrors.CodeObjectNotFound, apperrors.GetCode(err))

	assert.Equal(t, int64(0), numRows(t, env.client))
}

func TestSQLClient_InsertRowsPartialDurability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rows := []Row{
		{InsertID: "a", JSON: rowJSON("a", types.EventSearch)},
		{InsertID: "b", JSON: json.RawMessage(strings.Replace(string(rowJSON("b", types.EventSearch)), `"platform":"ios"`, `"platform":null`, 1))},
		{InsertID: "c", JSON: rowJSON("c", types.EventSignup)},
	}
	rowErrs, err := env.client.InsertRows(ctx, testTable, rows)
	require.NoError(t, err)
	require.Len(t, rowErrs, 1)
	assert.Equal(t, 1, rowErrs[0].Index)
	assert.Equal(t, "b", rowErrs[0].InsertID)
	assert.Contains(t, rowErrs[0].Reason, "platform")
	assert.Contains(t, rowErrs[0].Error(), "insert id b")

	assert.Equal(t, int64(2), numRows(t, env.client))
}

func TestSQLClient_InsertRowsMissingTableFailsWholeCall(t *testing.T) {
	env := newTestEnv(t)
	missing := testTable
	missing.Dataset = "other"

	rowErrs, err := env.client.InsertRows(context.Background(), missing, []Row{{InsertID: "a", JSON: rowJSON("a", types.EventSignup)}})
	assert.Nil(t, rowErrs)
	assert.Equal(t, apperrors.CodeTableNotFound, apperrors.GetCode(err))
}

func TestSQLClient_CountByEventName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var rows []Row
	for i, name := range []types.EventName{
		types.EventSearch, types.EventSearch, types.EventSearch,
		types.EventSessionStart, types.EventSessionStart,
		types.EventSignup,
	} {
		id := fmt.Sprintf("row-%d", i)
		rows = append(rows, Row{InsertID: id, JSON: rowJSON(id, name)})
	}
	rowErrs, err := env.client.InsertRows(ctx, testTable, rows)
	require.NoError(t, err)
	require.Empty(t, rowErrs)

	counts, err := env.client.CountByEventName(ctx, testTable, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []EventCount{
		{EventName: "search", Count: 3},
		{EventName: "session_start", Count: 2},
		{EventName: "signup", Count: 1},
	}, counts)

	counts, err = env.client.CountByEventName(ctx, testTable, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestSQLClient_CloseWaitsForJobs(t *testing.T) {
	env := newTestEnv(t)
	env.stage(t, "loads/y.ndjson", []json.RawMessage{rowJSON("y", types.EventSignup)})

	job, err := env.client.SubmitLoad(context.Background(), appendRequest("loads/y.ndjson"))
	require.NoError(t, err)
	require.NoError(t, env.client.Close())

	<-job.(*loadJob).Done()
	_, err = env.client.SubmitLoad(context.Background(), appendRequest("loads/y.ndjson"))
	assert.Error(t, err)
}

func TestSQLClient_JobTimestampsUseClock(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	env := newTestEnv(t, WithClock(func() time.Time { return fixed }))
	env.stage(t, "loads/clock.ndjson", []json.RawMessage{rowJSON("clock", types.EventSignup)})

	job, err := env.client.SubmitLoad(context.Background(), appendRequest("loads/clock.ndjson"))
	require.NoError(t, err)
	st, err := waitJob(t, job)
	require.NoError(t, err)
	assert.Equal(t, fixed, st.Created)
	assert.Equal(t, fixed, st.Ended)
}
