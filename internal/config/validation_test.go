package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"default is valid", func(*Config) {}, ""},
		{"zero config is valid", func(c *Config) { *c = Config{} }, ""},
		{"unknown strategy", func(c *Config) { c.Activation.Strategy = "sideways" }, "activation.strategy"},
		{"negative timeout", func(c *Config) { c.Activation.Timeout = -time.Second }, "activation.timeoutMs"},
		{"negative parallelism", func(c *Config) { c.Validation.Parallelism = -1 }, "validation.parallelism"},
		{"negative retry attempts", func(c *Config) { c.Validation.Retry.MaxAttempts = -1 }, "validation.retry.maxAttempts"},
		{"negative retention", func(c *Config) { c.Audit.RetentionDays = -1 }, "audit.retentionDays"},
		{"negative history cap", func(c *Config) { c.History.MaxPerTenant = -1 }, "config.history.maxPerTenant"},
		{"negative audit log size", func(c *Config) { c.Security.MaxAuditLogSize = -1 }, "security.maxAuditLogSize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Activation.Timeout = -time.Second
	cfg.Validation.Parallelism = -1

	err := cfg.Validate()
	require.Error(t, err)

	errs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.Len(t, errs, 2)
}

func TestNormalize_FillsZeroValues(t *testing.T) {
	var cfg Config
	cfg.Normalize()

	assert.Equal(t, StrategyInstant, cfg.Activation.Strategy)
	assert.Equal(t, DefaultActivationTimeout, cfg.Activation.Timeout)
	assert.Equal(t, DefaultValidationParallelism, cfg.Validation.Parallelism)
	assert.Equal(t, 3, cfg.Validation.Retry.MaxAttempts)
	assert.Equal(t, DefaultHistoryMaxPerTenant, cfg.History.MaxPerTenant)
	assert.Equal(t, DefaultMaxAuditLogSize, cfg.Security.MaxAuditLogSize)
}

func TestNormalize_KeepsExplicitValues(t *testing.T) {
	cfg := Config{}
	cfg.Validation.Parallelism = 16
	cfg.Normalize()
	assert.Equal(t, 16, cfg.Validation.Parallelism)
}

func TestAuditEnabled_TriState(t *testing.T) {
	var a AuditConfig
	assert.True(t, a.AuditEnabled())

	off := false
	a.Enabled = &off
	assert.False(t, a.AuditEnabled())

	on := true
	a.Enabled = &on
	assert.True(t, a.AuditEnabled())
}
