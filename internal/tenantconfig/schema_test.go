package tenantconfig

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modkit/internal/api"
)

func floatPtr(f float64) *float64 { return &f }

func TestValidateAgainstSchema_Types(t *testing.T) {
	tests := []struct {
		name  string
		spec  api.FieldSpec
		value interface{}
		ok    bool
	}{
		{"string ok", api.FieldSpec{Type: api.FieldString}, "hello", true},
		{"string wrong type", api.FieldSpec{Type: api.FieldString}, 42, false},
		{"number ok", api.FieldSpec{Type: api.FieldNumber}, 3.14, true},
		{"number from int", api.FieldSpec{Type: api.FieldNumber}, 7, true},
		{"number wrong type", api.FieldSpec{Type: api.FieldNumber}, "7", false},
		{"boolean ok", api.FieldSpec{Type: api.FieldBoolean}, true, true},
		{"array ok", api.FieldSpec{Type: api.FieldArray}, []interface{}{1, 2}, true},
		{"object ok", api.FieldSpec{Type: api.FieldObject}, map[string]interface{}{"a": 1}, true},
		{"date rfc3339", api.FieldSpec{Type: api.FieldDate}, "2024-06-01T12:00:00Z", true},
		{"date plain", api.FieldSpec{Type: api.FieldDate}, "2024-06-01", true},
		{"date invalid", api.FieldSpec{Type: api.FieldDate}, "yesterday", false},
		{"url ok", api.FieldSpec{Type: api.FieldURL}, "https://example.com/x", true},
		{"url no scheme", api.FieldSpec{Type: api.FieldURL}, "example.com", false},
		{"email ok", api.FieldSpec{Type: api.FieldEmail}, "a@example.com", true},
		{"email invalid", api.FieldSpec{Type: api.FieldEmail}, "not-an-email", false},
		{"json string ok", api.FieldSpec{Type: api.FieldJSON}, `{"a":1}`, true},
		{"json string invalid", api.FieldSpec{Type: api.FieldJSON}, `{broken`, false},
		{"untyped accepts anything", api.FieldSpec{}, struct{}{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := api.ConfigSchema{"field": tt.spec}
			err := ValidateAgainstSchema(schema, map[string]interface{}{"field": tt.value})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, api.IsKind(err, api.KindConfigValidation), "got %v", err)
			}
		})
	}
}

func TestValidateAgainstSchema_Constraints(t *testing.T) {
	tests := []struct {
		name  string
		spec  api.FieldSpec
		value interface{}
		ok    bool
	}{
		{"number in range", api.FieldSpec{Type: api.FieldNumber, Min: floatPtr(1), Max: floatPtr(10)}, 5, true},
		{"number below min", api.FieldSpec{Type: api.FieldNumber, Min: floatPtr(1)}, 0, false},
		{"number above max", api.FieldSpec{Type: api.FieldNumber, Max: floatPtr(10)}, 11, false},
		{"string length bounds", api.FieldSpec{Type: api.FieldString, Min: floatPtr(2), Max: floatPtr(4)}, "abc", true},
		{"string too long", api.FieldSpec{Type: api.FieldString, Max: floatPtr(4)}, "abcdef", false},
		{"pattern match", api.FieldSpec{Type: api.FieldString, Pattern: `^[a-z]+$`}, "abc", true},
		{"pattern mismatch", api.FieldSpec{Type: api.FieldString, Pattern: `^[a-z]+$`}, "ABC", false},
		{"enum match", api.FieldSpec{Type: api.FieldString, Enum: []interface{}{"red", "blue"}}, "red", true},
		{"enum mismatch", api.FieldSpec{Type: api.FieldString, Enum: []interface{}{"red", "blue"}}, "green", false},
		{"numeric enum across types", api.FieldSpec{Type: api.FieldNumber, Enum: []interface{}{1, 2}}, 2.0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := api.ConfigSchema{"field": tt.spec}
			err := ValidateAgainstSchema(schema, map[string]interface{}{"field": tt.value})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateAgainstSchema_RequiredAndDefaults(t *testing.T) {
	schema := api.ConfigSchema{
		"title":    {Type: api.FieldString, Required: true},
		"pageSize": {Type: api.FieldNumber, Required: true, Default: 20},
	}

	// A required field with a declared default is never "missing".
	err := ValidateAgainstSchema(schema, map[string]interface{}{"title": "x"})
	assert.NoError(t, err)

	err = ValidateAgainstSchema(schema, map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title")
}

func TestValidateAgainstSchema_CollectsAllProblems(t *testing.T) {
	schema := api.ConfigSchema{
		"a": {Type: api.FieldString},
		"b": {Type: api.FieldNumber},
	}
	err := ValidateAgainstSchema(schema, map[string]interface{}{"a": 1, "b": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a:")
	assert.Contains(t, err.Error(), "b:")
}

func TestValidateAgainstSchema_CustomValidator(t *testing.T) {
	schema := api.ConfigSchema{
		"slug": {Type: api.FieldString, Custom: func(value interface{}) error {
			if value == "reserved" {
				return errors.New("slug is reserved")
			}
			return nil
		}},
	}

	assert.NoError(t, ValidateAgainstSchema(schema, map[string]interface{}{"slug": "ok"}))
	assert.Error(t, ValidateAgainstSchema(schema, map[string]interface{}{"slug": "reserved"}))
}

func TestApplyDefaults(t *testing.T) {
	schema := api.ConfigSchema{
		"pageSize": {Type: api.FieldNumber, Default: 20},
		"theme":    {Type: api.FieldString, Default: "light"},
		"title":    {Type: api.FieldString},
	}
	values := map[string]interface{}{"theme": "dark"}

	result := ApplyDefaults(schema, values)
	assert.Equal(t, 20, result["pageSize"])
	assert.Equal(t, "dark", result["theme"])
	assert.NotContains(t, result, "title")

	// The input map is never mutated.
	assert.NotContains(t, values, "pageSize")
}
