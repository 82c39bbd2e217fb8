package types

import "strings"

// TableRef is the three-part name of a destination table.
type TableRef struct {
	Project string `json:"project" yaml:"project"`
	Dataset string `json:"dataset" yaml:"dataset"`
	Table   string `json:"table" yaml:"table"`
}

// ParseTableRef parses "project.dataset.table".
func ParseTableRef(s string) (TableRef, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return TableRef{}, ErrInvalidTableRef
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t\"`") {
			return TableRef{}, ErrInvalidTableRef
		}
	}
	return TableRef{Project: parts[0], Dataset: parts[1], Table: parts[2]}, nil
}

// String returns the dotted form of the reference.
func (r TableRef) String() string {
	return r.Project + "." + r.Dataset + "." + r.Table
}
