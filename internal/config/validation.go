package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors.
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error.
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{Field: field, Value: val, Message: message})
}

// Validate checks the configuration for inconsistent or out-of-range
// values. Zero values fall back to defaults and are not errors.
func (c *Config) Validate() error {
	var errs ValidationErrors

	switch c.Activation.Strategy {
	case "", StrategyGradual, StrategyInstant, StrategyBlueGreen:
	default:
		errs.Add("activation.strategy", fmt.Sprintf("unknown strategy %q", c.Activation.Strategy), c.Activation.Strategy)
	}
	if c.Activation.Timeout < 0 {
		errs.Add("activation.timeoutMs", "must not be negative", c.Activation.Timeout)
	}
	if c.Validation.Parallelism < 0 {
		errs.Add("validation.parallelism", "must be a positive integer", c.Validation.Parallelism)
	}
	if c.Validation.Retry.MaxAttempts < 0 {
		errs.Add("validation.retry.maxAttempts", "must not be negative", c.Validation.Retry.MaxAttempts)
	}
	if c.Validation.Retry.Multiplier < 0 {
		errs.Add("validation.retry.multiplier", "must not be negative", c.Validation.Retry.Multiplier)
	}
	if c.Audit.RetentionDays < 0 {
		errs.Add("audit.retentionDays", "must not be negative", c.Audit.RetentionDays)
	}
	if c.History.MaxPerTenant < 0 {
		errs.Add("config.history.maxPerTenant", "must not be negative", c.History.MaxPerTenant)
	}
	if c.Security.MaxAuditLogSize < 0 {
		errs.Add("security.maxAuditLogSize", "must not be negative", c.Security.MaxAuditLogSize)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Normalize fills zero values with defaults so downstream code never
// checks for zeroes.
func (c *Config) Normalize() {
	def := Default()
	if c.Activation.Strategy == "" {
		c.Activation.Strategy = def.Activation.Strategy
	}
	if c.Activation.Timeout == 0 {
		c.Activation.Timeout = def.Activation.Timeout
	}
	if c.Validation.Parallelism == 0 {
		c.Validation.Parallelism = def.Validation.Parallelism
	}
	if c.Validation.Retry.MaxAttempts == 0 {
		c.Validation.Retry = def.Validation.Retry
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = def.Audit.RetentionDays
	}
	if c.History.MaxPerTenant == 0 {
		c.History.MaxPerTenant = def.History.MaxPerTenant
	}
	if c.Operation.CacheDefaultTTL == 0 {
		c.Operation.CacheDefaultTTL = def.Operation.CacheDefaultTTL
	}
	if c.Security.MaxAuditLogSize == 0 {
		c.Security.MaxAuditLogSize = def.Security.MaxAuditLogSize
	}
}
