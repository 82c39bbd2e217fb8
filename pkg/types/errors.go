package types

import "errors"

var (
	// ErrInvalidTableRef is returned when a table name is not of the form project.dataset.table
	ErrInvalidTableRef = errors.New("invalid table reference: want project.dataset.table")
)
