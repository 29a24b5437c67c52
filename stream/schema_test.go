package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
)

func strictSchema(fields ...Field) *Schema {
	return &Schema{Fields: fields, Version: 1, Strict: true}
}

func TestSchema_NilAndNonStrictPassthrough(t *testing.T) {
	in := map[string]any{"anything": 1, "extra": true}

	var s *Schema
	out, err := s.Apply(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	lax := &Schema{Fields: []Field{{Name: "id", Type: FieldString, Required: true}}, Strict: false}
	out, err = lax.Apply(map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSchema_RequiredMissing(t *testing.T) {
	s := strictSchema(Field{Name: "poNumber", Type: FieldString, Required: true})

	_, err := s.Apply(map[string]any{})
	require.Error(t, err)

	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "poNumber", ve.Field)
	assert.Equal(t, "required field missing", ve.Reason)
}

func TestSchema_NilValueCountsAsMissing(t *testing.T) {
	s := strictSchema(Field{Name: "id", Type: FieldString, Required: true})

	_, err := s.Apply(map[string]any{"id": nil})
	assert.Error(t, err)
}

func TestSchema_DefaultSubstitution(t *testing.T) {
	s := strictSchema(Field{Name: "currency", Type: FieldString, DefaultValue: "USD"})

	out, err := s.Apply(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "USD", out["currency"])
}

func TestSchema_DropsUndeclaredFields(t *testing.T) {
	s := strictSchema(Field{Name: "id", Type: FieldString, Required: true})

	out, err := s.Apply(map[string]any{"id": "o1", "debug": true, "internal": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "o1"}, out)
}

func TestSchema_NumberCoercion(t *testing.T) {
	s := strictSchema(Field{Name: "amount", Type: FieldNumber, Required: true})

	tests := []struct {
		name    string
		in      any
		want    float64
		wantErr bool
	}{
		{"float64", 150.5, 150.5, false},
		{"int", 42, 42, false},
		{"numeric string", "19.99", 19.99, false},
		{"bool true", true, 1, false},
		{"non-numeric string", "abc", 0, true},
		{"object", map[string]any{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Apply(map[string]any{"amount": tt.in})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out["amount"])
		})
	}
}

func TestSchema_BooleanTruthiness(t *testing.T) {
	s := strictSchema(Field{Name: "active", Type: FieldBoolean, Required: true})

	tests := []struct {
		in   any
		want bool
	}{
		{true, true},
		{false, false},
		{"yes", true},
		{"", false},
		{0, false},
		{1, true},
		{0.0, false},
		{map[string]any{}, true},
	}

	for _, tt := range tests {
		out, err := s.Apply(map[string]any{"active": tt.in})
		require.NoError(t, err)
		assert.Equal(t, tt.want, out["active"], "input %#v", tt.in)
	}
}

func TestSchema_DateCoercion(t *testing.T) {
	s := strictSchema(Field{Name: "orderedAt", Type: FieldDate, Required: true})

	out, err := s.Apply(map[string]any{"orderedAt": "2024-06-01T10:30:00Z"})
	require.NoError(t, err)
	got, ok := out["orderedAt"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, 2024, got.Year())

	out, err = s.Apply(map[string]any{"orderedAt": float64(1717237800000)})
	require.NoError(t, err)
	_, ok = out["orderedAt"].(time.Time)
	assert.True(t, ok)

	_, err = s.Apply(map[string]any{"orderedAt": "not a date"})
	assert.Error(t, err)
}

func TestSchema_ArrayWrapsScalar(t *testing.T) {
	s := strictSchema(Field{Name: "items", Type: FieldArray, Required: true})

	out, err := s.Apply(map[string]any{"items": "single"})
	require.NoError(t, err)
	assert.Equal(t, []any{"single"}, out["items"])

	out, err = s.Apply(map[string]any{"items": []any{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, out["items"])
}

func TestSchema_ObjectRejectsScalar(t *testing.T) {
	s := strictSchema(Field{Name: "meta", Type: FieldObject, Required: true})

	_, err := s.Apply(map[string]any{"meta": "scalar"})
	assert.Error(t, err)

	out, err := s.Apply(map[string]any{"meta": map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out["meta"])
}

func TestSchema_StringStringifies(t *testing.T) {
	s := strictSchema(Field{Name: "ref", Type: FieldString, Required: true})

	out, err := s.Apply(map[string]any{"ref": 12345})
	require.NoError(t, err)
	assert.Equal(t, "12345", out["ref"])
}
