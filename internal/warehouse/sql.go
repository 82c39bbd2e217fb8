package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
	"github.com/jobmatch/eventgen/internal/ndjson"
	"github.com/jobmatch/eventgen/internal/storage"
	"github.com/jobmatch/eventgen/pkg/types"
)

// maxReportedErrors caps the validation errors kept on a failed load job.
const maxReportedErrors = 100

// Config selects the SQL engine backing the emulator.
type Config struct {
	// Driver is sqlite3 or postgres.
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the data source name. SQLite paths get WAL and a busy timeout
	// unless the DSN carries its own parameters.
	DSN string `json:"dsn" yaml:"dsn"`

	// MaxOpenConns bounds the PostgreSQL pool. SQLite always uses one.
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`
}

// SQLClient implements Client on database/sql. Load jobs read their source
// from staging and run in the background; Close waits for them.
type SQLClient struct {
	db      *sql.DB
	dialect Dialect
	staging storage.ObjectStorage
	log     logrus.FieldLogger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ Client = (*SQLClient)(nil)

// Option configures an SQLClient.
type Option func(*SQLClient)

// WithLogger sets the logger for job lifecycle messages.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *SQLClient) { c.log = l }
}

// WithClock replaces the wall clock used for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *SQLClient) { c.now = now }
}

// Open connects to the configured engine and verifies the connection.
func Open(ctx context.Context, cfg Config, staging storage.ObjectStorage, opts ...Option) (*SQLClient, error) {
	d, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, apperrors.NewConfigError("invalid warehouse driver", err)
	}

	dsn := cfg.DSN
	if d.Name() == "sqlite3" && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open(d.Name(), dsn)
	if err != nil {
		return nil, apperrors.NewWarehouseError(apperrors.CodeUnavailable, "failed to open warehouse", err)
	}
	if d.Name() == "sqlite3" {
		db.SetMaxOpenConns(1) // Single writer
		db.SetMaxIdleConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.NewWarehouseError(apperrors.CodeUnavailable, "failed to connect to warehouse", err)
	}
	return NewSQLClient(db, d, staging, opts...), nil
}

// NewSQLClient wraps an open database.
func NewSQLClient(db *sql.DB, d Dialect, staging storage.ObjectStorage, opts ...Option) *SQLClient {
	c := &SQLClient{
		db:      db,
		dialect: d,
		staging: staging,
		log:     logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dialect returns the engine dialect.
func (c *SQLClient) Dialect() Dialect { return c.dialect }

// CreateTable creates ref with schema if it does not exist. It is emulator
// setup; the ingestion paths never call it.
func (c *SQLClient) CreateTable(ctx context.Context, ref types.TableRef, schema types.TableSchema) error {
	if err := schema.Validate(); err != nil {
		return apperrors.NewConfigError("invalid table schema", err)
	}
	if stmt := c.dialect.CreateNamespace(ref); stmt != "" {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return c.classify(err, apperrors.CodeSubmitFailed, "failed to create dataset")
		}
	}

	cols := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		col := quoteIdent(f.Name) + " " + c.dialect.ColumnType(f.Type)
		if f.Required() {
			col += " NOT NULL"
		}
		cols[i] = col
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", c.dialect.TableName(ref), strings.Join(cols, ", "))
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return c.classify(err, apperrors.CodeSubmitFailed, "failed to create table")
	}
	return nil
}

// Table returns the schema and row count of ref.
func (c *SQLClient) Table(ctx context.Context, ref types.TableRef) (TableMetadata, error) {
	schema, err := c.schemaOf(ctx, ref)
	if err != nil {
		return TableMetadata{}, err
	}
	var n int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.dialect.TableName(ref)).Scan(&n); err != nil {
		return TableMetadata{}, c.classify(err, apperrors.CodeUnavailable, "failed to count rows")
	}
	return TableMetadata{Ref: ref, Schema: schema, NumRows: n}, nil
}

// SubmitLoad validates the request and starts the job in the background.
// Only WRITE_APPEND loads into existing tables without autodetect are
// accepted.
func (c *SQLClient) SubmitLoad(ctx context.Context, req LoadRequest) (Job, error) {
	if req.Format == "" {
		req.Format = SourceNDJSON
	}
	switch {
	case req.Format != SourceNDJSON:
		return nil, apperrors.NewWarehouseError(apperrors.CodeUnsupportedConfig,
			fmt.Sprintf("unsupported source format %s", req.Format), nil)
	case req.WriteDisposition != WriteAppend:
		return nil, apperrors.NewWarehouseError(apperrors.CodeUnsupportedConfig,
			fmt.Sprintf("unsupported write disposition %q", req.WriteDisposition), nil)
	case req.Autodetect:
		return nil, apperrors.NewWarehouseError(apperrors.CodeUnsupportedConfig,
			"schema autodetection is not supported", nil)
	}

	schema, err := c.schemaOf(ctx, req.Table)
	if err != nil {
		return nil, err
	}

	ok, err := c.staging.Exists(ctx, req.Object)
	if err != nil {
		return nil, apperrors.NewWarehouseError(apperrors.CodeSubmitFailed, "failed to stat load source", err)
	}
	if !ok {
		return nil, apperrors.NewStorageError(apperrors.CodeObjectNotFound,
			fmt.Sprintf("load source %s not found", c.staging.URI(req.Object)), nil)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.NewWarehouseError(apperrors.CodeUnavailable, "client is closed", nil)
	}
	job := newLoadJob(uuid.NewString(), c.now().UTC())
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"job_id": job.ID(),
		"table":  req.Table.String(),
		"source": c.staging.URI(req.Object),
	}).Debug("load job submitted")

	go func() {
		defer c.wg.Done()
		c.runLoad(context.WithoutCancel(ctx), job, req, schema)
	}()
	return job, nil
}

func (c *SQLClient) runLoad(ctx context.Context, job *loadJob, req LoadRequest, schema types.TableSchema) {
	job.start()
	logger := c.log.WithFields(logrus.Fields{"job_id": job.ID(), "table": req.Table.String()})

	rows, err := c.readLoadSource(ctx, req, schema)
	if err == nil {
		err = c.insertAll(ctx, req.Table, schema, rows)
	}
	if err != nil {
		logger.WithError(err).Warn("load job failed")
		job.finish(0, apperrors.NewWarehouseError(apperrors.CodeJobFailed,
			fmt.Sprintf("load job %s failed", job.ID()), err).
			WithDetails(map[string]interface{}{"job_id": job.ID()}), c.now().UTC())
		return
	}

	logger.WithField("rows", len(rows)).Debug("load job done")
	job.finish(int64(len(rows)), nil, c.now().UTC())
}

// readLoadSource decodes and validates the whole source before anything is
// written.
func (c *SQLClient) readLoadSource(ctx context.Context, req LoadRequest, schema types.TableSchema) ([][]Value, error) {
	rc, err := c.staging.Open(ctx, req.Object)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	validator := NewRowValidator(schema)
	reader := ndjson.NewReader(rc, req.Compression)

	var (
		rows    [][]Value
		invalid ValidationErrors
		bad     int
	)
	for {
		raw, line, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		values, verrs := validator.ParseRow(raw, line)
		if len(verrs) > 0 {
			bad++
			if len(invalid) < maxReportedErrors {
				invalid = append(invalid, verrs...)
			}
			continue
		}
		rows = append(rows, values)
	}

	if bad > 0 {
		return nil, apperrors.Wrap(apperrors.ErrCategoryValidation, apperrors.CodeSchemaMismatch,
			fmt.Sprintf("%d of %d rows do not match the table schema", bad, bad+len(rows)), invalid)
	}
	return rows, nil
}

// insertAll appends rows in one transaction.
func (c *SQLClient) insertAll(ctx context.Context, ref types.TableRef, schema types.TableSchema, rows [][]Value) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return c.classify(err, apperrors.CodeJobFailed, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, c.insertSQL(ref, schema))
	if err != nil {
		return c.classify(err, apperrors.CodeJobFailed, "failed to prepare insert")
	}
	defer stmt.Close()

	for i, values := range rows {
		if _, err := stmt.ExecContext(ctx, c.bindArgs(values)...); err != nil {
			return c.classify(err, apperrors.CodeJobFailed, fmt.Sprintf("failed to insert row %d", i))
		}
	}
	if err := tx.Commit(); err != nil {
		return c.classify(err, apperrors.CodeJobFailed, "failed to commit load")
	}
	return nil
}

// InsertRows validates and inserts every row independently. The call fails
// as a whole only before the first row is written.
func (c *SQLClient) InsertRows(ctx context.Context, ref types.TableRef, rows []Row) ([]RowError, error) {
	schema, err := c.schemaOf(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	stmt, err := c.db.PrepareContext(ctx, c.insertSQL(ref, schema))
	if err != nil {
		return nil, c.classify(err, apperrors.CodeSubmitFailed, "failed to prepare insert")
	}
	defer stmt.Close()

	validator := NewRowValidator(schema)
	var rowErrs []RowError
	for i, row := range rows {
		values, verrs := validator.ParseRow(row.JSON, i)
		if len(verrs) > 0 {
			rowErrs = append(rowErrs, RowError{Index: i, InsertID: row.InsertID, Reason: reason(verrs)})
			continue
		}
		if err := ctx.Err(); err != nil {
			rowErrs = append(rowErrs, RowError{Index: i, InsertID: row.InsertID, Reason: "stopped: " + err.Error()})
			continue
		}
		if _, err := stmt.ExecContext(ctx, c.bindArgs(values)...); err != nil {
			rowErrs = append(rowErrs, RowError{Index: i, InsertID: row.InsertID, Reason: "backend error: " + err.Error()})
		}
	}
	return rowErrs, nil
}

// CountByEventName counts rows per event name ingested at or after since.
func (c *SQLClient) CountByEventName(ctx context.Context, ref types.TableRef, since time.Time) ([]EventCount, error) {
	if _, err := c.schemaOf(ctx, ref); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT event_name, COUNT(*) AS c FROM %s
		WHERE ingested_at >= %s
		GROUP BY event_name
		ORDER BY c DESC, event_name`, c.dialect.TableName(ref), c.dialect.Placeholder(1))

	rows, err := c.db.QueryContext(ctx, query, c.dialect.EncodeTimestamp(since))
	if err != nil {
		return nil, c.classify(err, apperrors.CodeUnavailable, "validation query failed")
	}
	defer rows.Close()

	var counts []EventCount
	for rows.Next() {
		var ec EventCount
		if err := rows.Scan(&ec.EventName, &ec.Count); err != nil {
			return nil, apperrors.NewInternalError("failed to scan validation row", err)
		}
		counts = append(counts, ec)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(err, apperrors.CodeUnavailable, "validation query failed")
	}
	return counts, nil
}

// Close waits for in-flight load jobs and closes the database.
func (c *SQLClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	return c.db.Close()
}

func (c *SQLClient) schemaOf(ctx context.Context, ref types.TableRef) (types.TableSchema, error) {
	query, args := c.dialect.ColumnsQuery(ref)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return types.TableSchema{}, c.classify(err, apperrors.CodeUnavailable, "failed to read table metadata")
	}
	defer rows.Close()

	schema := types.TableSchema{Version: types.SchemaVersion}
	for rows.Next() {
		var (
			name, sqlType string
			notNull       int
		)
		if err := rows.Scan(&name, &sqlType, &notNull); err != nil {
			return types.TableSchema{}, apperrors.NewInternalError("failed to scan column metadata", err)
		}
		ft, ok := c.dialect.FieldType(sqlType)
		if !ok {
			return types.TableSchema{}, apperrors.NewValidationError(apperrors.CodeSchemaMismatch,
				fmt.Sprintf("table %s column %s has unsupported type %s", ref, name, sqlType))
		}
		mode := types.ModeNullable
		if notNull != 0 {
			mode = types.ModeRequired
		}
		schema.Fields = append(schema.Fields, types.FieldSchema{Name: name, Type: ft, Mode: mode})
	}
	if err := rows.Err(); err != nil {
		return types.TableSchema{}, c.classify(err, apperrors.CodeUnavailable, "failed to read table metadata")
	}
	if len(schema.Fields) == 0 {
		return types.TableSchema{}, apperrors.NewWarehouseError(apperrors.CodeTableNotFound,
			fmt.Sprintf("table %s not found", ref), nil)
	}
	return schema, nil
}

func (c *SQLClient) insertSQL(ref types.TableRef, schema types.TableSchema) string {
	cols := make([]string, len(schema.Fields))
	params := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = quoteIdent(f.Name)
		params[i] = c.dialect.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.dialect.TableName(ref), strings.Join(cols, ", "), strings.Join(params, ", "))
}

func (c *SQLClient) bindArgs(values []Value) []any {
	args := make([]any, len(values))
	for i, v := range values {
		if ts, ok := v.(time.Time); ok {
			args[i] = c.dialect.EncodeTimestamp(ts)
			continue
		}
		args[i] = v
	}
	return args
}

// classify wraps err as UNAVAILABLE when the engine reports a transient
// condition and as code otherwise.
func (c *SQLClient) classify(err error, code, message string) error {
	if c.dialect.IsUnavailable(err) {
		code = apperrors.CodeUnavailable
	}
	return apperrors.NewWarehouseError(code, message, err)
}

func reason(verrs ValidationErrors) string {
	parts := make([]string, len(verrs))
	for i, e := range verrs {
		if e.Field == "" {
			parts[i] = e.Message
		} else {
			parts[i] = e.Field + ": " + e.Message
		}
	}
	return strings.Join(parts, "; ")
}
