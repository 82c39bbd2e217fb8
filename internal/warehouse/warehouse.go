// Package warehouse is the analytical event table both ingestion paths
// deliver into. Client abstracts the warehouse; SQLClient implements it on
// database/sql against SQLite or PostgreSQL and behaves like a columnar
// warehouse: fixed table schemas, atomic append-only load jobs read from
// staging storage, and row inserts accepted or rejected one by one.
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jobmatch/eventgen/internal/ndjson"
	"github.com/jobmatch/eventgen/pkg/types"
)

// WriteDisposition controls how a load job treats existing table data.
type WriteDisposition string

const (
	WriteAppend   WriteDisposition = "WRITE_APPEND"
	WriteTruncate WriteDisposition = "WRITE_TRUNCATE"
	WriteEmpty    WriteDisposition = "WRITE_EMPTY"
)

// SourceFormat is the file format of a load job source.
type SourceFormat string

const SourceNDJSON SourceFormat = "NEWLINE_DELIMITED_JSON"

// LoadRequest describes one load job. Object is a path in the staging
// storage the client was built with.
type LoadRequest struct {
	Table            types.TableRef
	Object           string
	Format           SourceFormat
	Compression      ndjson.Compression
	WriteDisposition WriteDisposition
	Autodetect       bool
}

// Row is one pre-encoded row of a streaming insert. InsertID identifies the
// row in error reports.
type Row struct {
	InsertID string
	JSON     json.RawMessage
}

// RowError reports why one row of an insert call was rejected.
type RowError struct {
	Index    int
	InsertID string
	Reason   string
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d (insert id %s): %s", e.Index, e.InsertID, e.Reason)
}

// TableMetadata describes an existing table.
type TableMetadata struct {
	Ref     types.TableRef
	Schema  types.TableSchema
	NumRows int64
}

// EventCount is one row of the read-side validation query.
type EventCount struct {
	EventName string
	Count     int64
}

// Client is the warehouse as seen by the ingestion paths.
type Client interface {
	// Table returns metadata for an existing table.
	Table(ctx context.Context, ref types.TableRef) (TableMetadata, error)

	// SubmitLoad starts a load job and returns without waiting for it.
	SubmitLoad(ctx context.Context, req LoadRequest) (Job, error)

	// InsertRows inserts every row independently in one call. A non-nil
	// error means no row was inserted; otherwise rejected rows are listed.
	InsertRows(ctx context.Context, ref types.TableRef, rows []Row) ([]RowError, error)

	// CountByEventName counts rows per event_name ingested since the given
	// instant, largest count first.
	CountByEventName(ctx context.Context, ref types.TableRef, since time.Time) ([]EventCount, error)

	// Close releases the client after in-flight jobs settle.
	Close() error
}
