package config

import "time"

const (
	// DefaultActivationTimeout bounds a whole activation attempt.
	DefaultActivationTimeout = 60 * time.Second

	// DefaultValidationParallelism bounds concurrent rule evaluation.
	DefaultValidationParallelism = 4

	// DefaultAuditRetentionDays is used when a tenant policy does not set
	// its own retention.
	DefaultAuditRetentionDays = 90

	// DefaultHistoryMaxPerTenant caps retained config versions per tenant.
	DefaultHistoryMaxPerTenant = 100

	// DefaultOperationCacheTTL is the fallback when a cache policy omits
	// its TTL.
	DefaultOperationCacheTTL = 5 * time.Minute

	// DefaultMaxAuditLogSize is the in-memory hard cap on audit entries.
	DefaultMaxAuditLogSize = 10000
)

// Default returns the default core configuration.
func Default() Config {
	return Config{
		Activation: ActivationConfig{
			Strategy: StrategyInstant,
			Timeout:  DefaultActivationTimeout,
		},
		Validation: ValidationConfig{
			Parallelism: DefaultValidationParallelism,
			Retry: RetryConfig{
				MaxAttempts: 3,
				Delay:       100 * time.Millisecond,
				Multiplier:  2.0,
				MaxDelay:    5 * time.Second,
			},
		},
		Audit: AuditConfig{
			RetentionDays:    DefaultAuditRetentionDays,
			LogDataAccess:    true,
			LogConfigChanges: true,
			LogThemeChanges:  true,
		},
		History: HistoryConfig{
			MaxPerTenant: DefaultHistoryMaxPerTenant,
		},
		Operation: OperationConfig{
			CacheDefaultTTL: DefaultOperationCacheTTL,
		},
		Security: SecurityConfig{
			MaxAuditLogSize: DefaultMaxAuditLogSize,
		},
	}
}
