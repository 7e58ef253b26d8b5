package security

import (
	"strings"
	"unicode/utf8"
)

// RedactedSentinel replaces sensitive values. Redaction never removes
// entries, only substitutes their values.
const RedactedSentinel = "[REDACTED]"

// maxStringLength bounds string values crossing a tenant boundary.
const maxStringLength = 1000

// sensitiveKeyFragments flags keys whose values must be redacted.
var sensitiveKeyFragments = []string{
	"password", "secret", "token", "apikey", "api_key", "credential",
	"private", "authorization",
}

// internalOnlyFields are stripped from any structure crossing a tenant
// boundary.
var internalOnlyFields = map[string]bool{
	"_internal":     true,
	"_system":       true,
	"_storage":      true,
	"internalNotes": true,
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// redactSensitive returns a copy of details with sensitive keys replaced
// by the sentinel. Nested maps are walked recursively.
func redactSensitive(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	result := make(map[string]interface{}, len(details))
	for key, value := range details {
		if isSensitiveKey(key) {
			result[key] = RedactedSentinel
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			result[key] = redactSensitive(nested)
			continue
		}
		result[key] = value
	}
	return result
}

// Sanitize walks data recursively and applies the tenant-boundary rules:
// entries tagged with a foreign tenantId are dropped (or flagged as
// cross-tenant references when the policy allows), internal-only fields
// are stripped, long strings are truncated, and sensitive keys are
// redacted. The input is never mutated.
func (m *Manager) Sanitize(tenantID string, data interface{}) interface{} {
	policy := m.PolicyFor(tenantID)
	return sanitizeValue(tenantID, policy.AllowCrossTenantAccess, data)
}

func sanitizeValue(tenantID string, allowCross bool, value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return sanitizeMap(tenantID, allowCross, v)
	case []interface{}:
		var result []interface{}
		for _, item := range v {
			sanitized := sanitizeValue(tenantID, allowCross, item)
			if sanitized == nil {
				if m, ok := item.(map[string]interface{}); ok && foreignTenant(tenantID, m) && !allowCross {
					// Dropped cross-tenant record.
					continue
				}
			}
			result = append(result, sanitized)
		}
		return result
	case string:
		return truncateString(v, maxStringLength)
	default:
		return value
	}
}

// truncateString cuts s to at most max bytes without splitting a UTF-8
// rune.
func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func foreignTenant(tenantID string, m map[string]interface{}) bool {
	owner, ok := m["tenantId"].(string)
	return ok && owner != "" && owner != tenantID
}

func sanitizeMap(tenantID string, allowCross bool, m map[string]interface{}) interface{} {
	if foreignTenant(tenantID, m) {
		if !allowCross {
			// Fail closed: foreign-tenant data never crosses the boundary.
			return nil
		}
		result := sanitizeOwnMap(tenantID, allowCross, m)
		result["crossTenantReference"] = true
		return result
	}
	return sanitizeOwnMap(tenantID, allowCross, m)
}

func sanitizeOwnMap(tenantID string, allowCross bool, m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for key, value := range m {
		if internalOnlyFields[key] {
			continue
		}
		if isSensitiveKey(key) {
			result[key] = RedactedSentinel
			continue
		}
		sanitized := sanitizeValue(tenantID, allowCross, value)
		if sanitized == nil {
			if nested, ok := value.(map[string]interface{}); ok && foreignTenant(tenantID, nested) {
				// Dropped cross-tenant record.
				continue
			}
		}
		result[key] = sanitized
	}
	return result
}
