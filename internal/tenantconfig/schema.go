package tenantconfig

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"time"

	"modkit/internal/api"
)

// ValidateAgainstSchema checks a configuration map against a declared
// schema. All error-level findings are collected so callers can report
// every broken field at once; the first api.Error wraps the full list.
func ValidateAgainstSchema(schema api.ConfigSchema, values map[string]interface{}) error {
	var problems []string

	for field, spec := range schema {
		value, present := values[field]
		if !present {
			if spec.Required && spec.Default == nil {
				problems = append(problems, fmt.Sprintf("%s: required field is missing", field))
			}
			continue
		}
		if err := validateField(field, spec, value); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		err := api.NewConfigValidationError(problems[0][:indexOfColon(problems[0])],
			"configuration failed schema validation: %v", problems)
		return err.WithContext("problems", problems)
	}
	return nil
}

func indexOfColon(s string) int {
	for i, r := range s {
		if r == ':' {
			return i
		}
	}
	return len(s)
}

// ApplyDefaults returns a copy of values with schema defaults filled in
// for absent fields.
func ApplyDefaults(schema api.ConfigSchema, values map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(values))
	for k, v := range values {
		result[k] = v
	}
	for field, spec := range schema {
		if _, present := result[field]; !present && spec.Default != nil {
			result[field] = spec.Default
		}
	}
	return result
}

func validateField(field string, spec api.FieldSpec, value interface{}) error {
	if err := validateType(field, spec, value); err != nil {
		return err
	}
	if err := validateConstraints(field, spec, value); err != nil {
		return err
	}
	if spec.Custom != nil {
		if err := spec.Custom(value); err != nil {
			return fmt.Errorf("%s: %v", field, err)
		}
	}
	return nil
}

func validateType(field string, spec api.FieldSpec, value interface{}) error {
	switch spec.Type {
	case api.FieldString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%s: expected string, got %T", field, value)
		}
	case api.FieldNumber:
		if _, ok := asNumber(value); !ok {
			return fmt.Errorf("%s: expected number, got %T", field, value)
		}
	case api.FieldBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", field, value)
		}
	case api.FieldArray:
		if _, ok := value.([]interface{}); !ok {
			return fmt.Errorf("%s: expected array, got %T", field, value)
		}
	case api.FieldObject:
		if _, ok := value.(map[string]interface{}); !ok {
			return fmt.Errorf("%s: expected object, got %T", field, value)
		}
	case api.FieldDate:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected RFC3339 date string, got %T", field, value)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			if _, err := time.Parse("2006-01-02", s); err != nil {
				return fmt.Errorf("%s: %q is not a valid date", field, s)
			}
		}
	case api.FieldURL:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected URL string, got %T", field, value)
		}
		parsed, err := url.Parse(s)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%s: %q is not a valid URL", field, s)
		}
	case api.FieldEmail:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected email string, got %T", field, value)
		}
		if _, err := mail.ParseAddress(s); err != nil {
			return fmt.Errorf("%s: %q is not a valid email address", field, s)
		}
	case api.FieldJSON:
		s, ok := value.(string)
		if !ok {
			// Already-decoded structures count as valid JSON values.
			return nil
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return fmt.Errorf("%s: value is not valid JSON: %v", field, err)
		}
	case "":
		// Untyped fields accept anything.
	default:
		return fmt.Errorf("%s: schema declares unknown type %q", field, spec.Type)
	}
	return nil
}

func validateConstraints(field string, spec api.FieldSpec, value interface{}) error {
	if spec.Min != nil || spec.Max != nil {
		var magnitude float64
		switch v := value.(type) {
		case string:
			magnitude = float64(len(v))
		case []interface{}:
			magnitude = float64(len(v))
		default:
			if n, ok := asNumber(value); ok {
				magnitude = n
			}
		}
		if spec.Min != nil && magnitude < *spec.Min {
			return fmt.Errorf("%s: value %v is below minimum %v", field, magnitude, *spec.Min)
		}
		if spec.Max != nil && magnitude > *spec.Max {
			return fmt.Errorf("%s: value %v is above maximum %v", field, magnitude, *spec.Max)
		}
	}

	if spec.Pattern != "" {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: pattern constraint requires a string value", field)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return fmt.Errorf("%s: schema pattern %q is invalid: %v", field, spec.Pattern, err)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("%s: value does not match pattern %q", field, spec.Pattern)
		}
	}

	if len(spec.Enum) > 0 {
		matched := false
		for _, allowed := range spec.Enum {
			if equalValues(allowed, value) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%s: value %v is not one of the allowed values", field, value)
		}
	}
	return nil
}

func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func equalValues(a, b interface{}) bool {
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na == nb
		}
	}
	return a == b
}
