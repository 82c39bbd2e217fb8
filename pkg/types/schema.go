package types

import "fmt"

// FieldType is the warehouse column type of a destination field.
type FieldType string

const (
	FieldString    FieldType = "STRING"
	FieldInteger   FieldType = "INTEGER"
	FieldTimestamp FieldType = "TIMESTAMP"
)

// FieldMode declares whether a destination field accepts nulls.
type FieldMode string

const (
	ModeRequired FieldMode = "REQUIRED"
	ModeNullable FieldMode = "NULLABLE"
)

// TableSchema describes the columns of a destination table.
type TableSchema struct {
	// Version tracks the record schema_version the table was designed for
	Version int `json:"version" yaml:"version"`

	// Fields defines the columns in declaration order
	Fields []FieldSchema `json:"fields" yaml:"fields"`
}

// FieldSchema defines a single destination column.
type FieldSchema struct {
	// Name is the column name
	Name string `json:"name" yaml:"name"`

	// Type is the column type: STRING, INTEGER, TIMESTAMP
	Type FieldType `json:"type" yaml:"type"`

	// Mode is REQUIRED or NULLABLE
	Mode FieldMode `json:"mode" yaml:"mode"`
}

// Required reports whether the field rejects nulls.
func (f FieldSchema) Required() bool {
	return f.Mode == ModeRequired
}

// Field looks up a field by name.
func (s TableSchema) Field(name string) (FieldSchema, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// Names returns the field names in declaration order.
func (s TableSchema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Validate validates the schema definition itself.
func (s TableSchema) Validate() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be >= 1, got %d", s.Version)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema must have at least one field")
	}

	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field name cannot be empty")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field name: %s", f.Name)
		}
		seen[f.Name] = true

		switch f.Type {
		case FieldString, FieldInteger, FieldTimestamp:
		default:
			return fmt.Errorf("invalid type %q for field %q", f.Type, f.Name)
		}
		switch f.Mode {
		case ModeRequired, ModeNullable:
		default:
			return fmt.Errorf("invalid mode %q for field %q", f.Mode, f.Name)
		}
	}
	return nil
}

// EventsSchema returns the fixed schema of the events_raw destination table.
func EventsSchema() TableSchema {
	return TableSchema{
		Version: SchemaVersion,
		Fields: []FieldSchema{
			{Name: "event_id", Type: FieldString, Mode: ModeRequired},
			{Name: "event_name", Type: FieldString, Mode: ModeRequired},
			{Name: "event_ts", Type: FieldTimestamp, Mode: ModeRequired},
			{Name: "ingested_at", Type: FieldTimestamp, Mode: ModeRequired},
			{Name: "user_id", Type: FieldString, Mode: ModeRequired},
			{Name: "session_id", Type: FieldString, Mode: ModeRequired},
			{Name: "job_id", Type: FieldString, Mode: ModeNullable},
			{Name: "search_query", Type: FieldString, Mode: ModeNullable},
			{Name: "rank_position", Type: FieldInteger, Mode: ModeNullable},
			{Name: "experiment_id", Type: FieldString, Mode: ModeNullable},
			{Name: "variant", Type: FieldString, Mode: ModeNullable},
			{Name: "platform", Type: FieldString, Mode: ModeRequired},
			{Name: "device_type", Type: FieldString, Mode: ModeRequired},
			{Name: "source", Type: FieldString, Mode: ModeRequired},
			{Name: "schema_version", Type: FieldInteger, Mode: ModeRequired},
		},
	}
}
