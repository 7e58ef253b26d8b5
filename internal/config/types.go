package config

import "time"

// ActivationStrategy controls how the orchestrator schedules plan steps.
type ActivationStrategy string

const (
	// StrategyGradual runs plan steps strictly sequentially.
	StrategyGradual ActivationStrategy = "gradual"
	// StrategyInstant runs independent plan steps in parallel chunks.
	StrategyInstant ActivationStrategy = "instant"
	// StrategyBlueGreen executes against a staging scope and commits on
	// success.
	StrategyBlueGreen ActivationStrategy = "blue-green"
)

// Config is the top-level runtime configuration recognized by the core.
type Config struct {
	Activation ActivationConfig `yaml:"activation,omitempty"`
	Validation ValidationConfig `yaml:"validation,omitempty"`
	Audit      AuditConfig      `yaml:"audit,omitempty"`
	History    HistoryConfig    `yaml:"config,omitempty"`
	Operation  OperationConfig  `yaml:"operation,omitempty"`
	Security   SecurityConfig   `yaml:"security,omitempty"`
}

// ActivationConfig tunes the activation orchestrator.
type ActivationConfig struct {
	Strategy ActivationStrategy `yaml:"strategy,omitempty"` // default: instant
	Timeout  time.Duration      `yaml:"timeoutMs,omitempty"`
}

// RetryConfig is the shared retry envelope.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts,omitempty"`
	Delay       time.Duration `yaml:"delayMs,omitempty"`
	Multiplier  float64       `yaml:"multiplier,omitempty"`
	MaxDelay    time.Duration `yaml:"maxDelayMs,omitempty"`
}

// ValidationConfig tunes the pre-activation validator.
type ValidationConfig struct {
	Parallelism int         `yaml:"parallelism,omitempty"`
	Retry       RetryConfig `yaml:"retry,omitempty"`
}

// AuditConfig tunes the audit subsystem.
type AuditConfig struct {
	Enabled          *bool `yaml:"enabled,omitempty"` // default: true
	RetentionDays    int   `yaml:"retentionDays,omitempty"`
	LogDataAccess    bool  `yaml:"logDataAccess,omitempty"`
	LogConfigChanges bool  `yaml:"logConfigChanges,omitempty"`
	LogThemeChanges  bool  `yaml:"logThemeChanges,omitempty"`
}

// HistoryConfig bounds retained configuration versions.
type HistoryConfig struct {
	MaxPerTenant int `yaml:"history.maxPerTenant,omitempty"`
}

// OperationConfig tunes the idempotent operation engine.
type OperationConfig struct {
	CacheDefaultTTL time.Duration `yaml:"cache.defaultTtlMs,omitempty"`
}

// SecurityConfig tunes tenant security and the audit log bound.
type SecurityConfig struct {
	MaxAuditLogSize int `yaml:"maxAuditLogSize,omitempty"`

	// EncryptionKey is the 32-byte key (hex or raw) the encrypt sanitizer
	// uses. Empty disables the encrypt sanitizer.
	EncryptionKey string `yaml:"encryptionKey,omitempty"`
}

// AuditEnabled resolves the tri-state enabled flag (default true).
func (a AuditConfig) AuditEnabled() bool {
	if a.Enabled == nil {
		return true
	}
	return *a.Enabled
}
