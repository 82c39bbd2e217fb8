package warehouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jobmatch/eventgen/pkg/types"
)

// ValidationError represents a row that does not match the table schema.
type ValidationError struct {
	RowIndex int
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.RowIndex, e.Message)
	}
	return fmt.Sprintf("row %d, field %q: %s", e.RowIndex, e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Value is one decoded column value: string, int64, time.Time or nil.
type Value = any

// RowValidator decodes JSON rows against a table schema the way the
// warehouse does: unknown fields, nulls in REQUIRED fields and wrong JSON
// types are rejected. Integers must be JSON numbers; timestamps must be
// RFC3339 strings.
type RowValidator struct {
	schema types.TableSchema
	index  map[string]int
}

// NewRowValidator creates a validator for schema.
func NewRowValidator(schema types.TableSchema) *RowValidator {
	index := make(map[string]int, len(schema.Fields))
	for i, f := range schema.Fields {
		index[f.Name] = i
	}
	return &RowValidator{schema: schema, index: index}
}

// ParseRow decodes raw and returns its values in schema field order.
func (v *RowValidator) ParseRow(raw []byte, rowIndex int) ([]Value, ValidationErrors) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, ValidationErrors{{RowIndex: rowIndex, Message: fmt.Sprintf("invalid JSON: %v", err)}}
	}
	if obj == nil {
		return nil, ValidationErrors{{RowIndex: rowIndex, Message: "row must be a JSON object"}}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ValidationErrors{{RowIndex: rowIndex, Message: "unexpected data after JSON object"}}
	}

	var errs ValidationErrors

	unknown := make([]string, 0)
	for name := range obj {
		if _, ok := v.index[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, &ValidationError{RowIndex: rowIndex, Field: name, Message: "no such field"})
	}

	values := make([]Value, len(v.schema.Fields))
	for i, field := range v.schema.Fields {
		raw, present := obj[field.Name]
		if !present || raw == nil {
			if field.Mode == types.ModeRequired {
				errs = append(errs, &ValidationError{RowIndex: rowIndex, Field: field.Name, Message: "missing required field"})
			}
			continue
		}
		val, err := convert(field.Type, raw)
		if err != nil {
			errs = append(errs, &ValidationError{RowIndex: rowIndex, Field: field.Name, Message: err.Error()})
			continue
		}
		values[i] = val
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return values, nil
}

func convert(ft types.FieldType, raw any) (Value, error) {
	switch ft {
	case types.FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected STRING, got %s", jsonKind(raw))
		}
		return s, nil
	case types.FieldInteger:
		n, ok := raw.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected INTEGER, got %s", jsonKind(raw))
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected INTEGER, got %s", n.String())
		}
		return i, nil
	case types.FieldTimestamp:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected TIMESTAMP, got %s", jsonKind(raw))
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as TIMESTAMP", s)
		}
		return ts.UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported field type %s", ft)
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "STRING"
	case json.Number:
		return "NUMBER"
	case bool:
		return "BOOLEAN"
	case map[string]any:
		return "OBJECT"
	case []any:
		return "ARRAY"
	default:
		return fmt.Sprintf("%T", v)
	}
}
