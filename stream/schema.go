package stream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/c360/streambus/errors"
)

// FieldType enumerates the coercion targets a schema field may declare.
type FieldType string

// Schema field types.
const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// Field declares one schema field: its coercion target, whether it must be
// present, and an optional substitute when it is absent.
type Field struct {
	Name         string    `json:"name"`
	Type         FieldType `json:"type"`
	Required     bool      `json:"required"`
	DefaultValue any       `json:"defaultValue,omitempty"`
}

// Schema is a per-stream field contract. When Strict is false the schema is
// a passthrough; validation and coercion apply only in strict mode.
type Schema struct {
	Fields  []Field `json:"fields"`
	Version int     `json:"version"`
	Strict  bool    `json:"strict"`
}

// Apply validates and coerces value against the schema. In strict mode the
// output contains only declared fields; undeclared input fields are
// dropped. Coercion failures are reported as ValidationErrors, never
// silently swallowed.
func (s *Schema) Apply(value map[string]any) (map[string]any, error) {
	if s == nil || !s.Strict {
		return value, nil
	}

	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, present := value[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, errors.NewValidation(f.Name, "required field missing")
			}
			if f.DefaultValue != nil {
				out[f.Name] = f.DefaultValue
			}
			continue
		}

		coerced, err := coerce(v, f.Type)
		if err != nil {
			return nil, errors.NewValidation(f.Name, err.Error())
		}
		out[f.Name] = coerced
	}

	return out, nil
}

// coerce converts v to the declared field type. Unknown field types pass
// the value through unchanged.
func coerce(v any, t FieldType) (any, error) {
	switch t {
	case FieldNumber:
		return toNumber(v)
	case FieldBoolean:
		return truthy(v), nil
	case FieldDate:
		return toTime(v)
	case FieldArray:
		if arr, ok := v.([]any); ok {
			return arr, nil
		}
		return []any{v}, nil
	case FieldObject:
		if obj, ok := v.(map[string]any); ok {
			return obj, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to object", v)
	case FieldString:
		return toString(v), nil
	default:
		return v, nil
	}
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot coerce %q to number", n)
		}
		return parsed, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to number", v)
	}
}

// truthy follows loose truthiness: zero numbers, empty strings and false
// are false; everything else present is true.
func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != ""
	case float64:
		return b != 0
	case float32:
		return b != 0
	case int:
		return b != 0
	case int64:
		return b != 0
	case nil:
		return false
	default:
		return true
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, d); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as date", d)
	case float64:
		// JSON numbers arrive as float64; interpret as unix milliseconds.
		return time.UnixMilli(int64(d)).UTC(), nil
	case int64:
		return time.UnixMilli(d).UTC(), nil
	case int:
		return time.UnixMilli(int64(d)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot coerce %T to date", v)
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
