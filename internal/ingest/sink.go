// Package ingest delivers generated batches to the warehouse. BulkLoader
// stages a record file and runs one atomic load job; StreamInserter sends
// rows in one insert call and applies a RowFailurePolicy to the per-row
// outcome. Both implement Sink so a run can pick either.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
	"github.com/jobmatch/eventgen/internal/warehouse"
	"github.com/jobmatch/eventgen/pkg/types"
)

// Sink names.
const (
	SinkLoad   = "load"
	SinkInsert = "insert"
)

// Report is the outcome of one Sink.Ingest call. RowsInTable is -1 when the
// sink does not read it back.
type Report struct {
	Sink          string
	Table         types.TableRef
	RowsAttempted int
	RowsWritten   int64
	JobID         string
	RowsBefore    int64
	RowsInTable   int64
	RowErrors     []warehouse.RowError

	// File is the local record file a bulk load kept, if any.
	File string
}

// Sink is one ingestion discipline.
type Sink interface {
	Name() string
	Ingest(ctx context.Context, batch types.Batch) (Report, error)
}

// EncodeRows encodes every record as an insert row keyed by its event id.
func EncodeRows(batch types.Batch) ([]warehouse.Row, error) {
	rows := make([]warehouse.Row, len(batch))
	for i := range batch {
		data, err := json.Marshal(&batch[i])
		if err != nil {
			return nil, apperrors.NewInternalError(fmt.Sprintf("failed to encode record %d", i), err)
		}
		rows[i] = warehouse.Row{InsertID: batch[i].EventID, JSON: data}
	}
	return rows, nil
}

func emptyBatchError() error {
	return apperrors.NewValidationError(apperrors.CodeEmptyBatch, "batch has no records")
}
