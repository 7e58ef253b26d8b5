package api

import (
	"context"
	"time"
)

// ModuleDefinition is the immutable descriptor a module ships with. The
// registry validates it once at registration and never mutates it.
type ModuleDefinition struct {
	ID          string `json:"id" yaml:"id"`
	Version     string `json:"version" yaml:"version"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	License     string `json:"license,omitempty" yaml:"license,omitempty"`

	Capabilities []Capability `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Reservable integration points. Each is an exclusive claim.
	Routes     []string `json:"routes,omitempty" yaml:"routes,omitempty"`
	APIs       []string `json:"apis,omitempty" yaml:"apis,omitempty"`
	Components []string `json:"components,omitempty" yaml:"components,omitempty"`
	NavItems   []string `json:"navItems,omitempty" yaml:"navItems,omitempty"`

	ConfigSchema  ConfigSchema           `json:"configSchema,omitempty" yaml:"configSchema,omitempty"`
	DefaultConfig map[string]interface{} `json:"defaultConfig,omitempty" yaml:"defaultConfig,omitempty"`
	Sanitizers    []SanitizeRule         `json:"sanitizers,omitempty" yaml:"sanitizers,omitempty"`

	Migrations         []MigrationSpec `json:"migrations,omitempty" yaml:"migrations,omitempty"`
	RollbackOperations []string        `json:"rollbackOperations,omitempty" yaml:"rollbackOperations,omitempty"`
}

// Capability describes one declared capability of a module.
type Capability struct {
	ID         string   `json:"id" yaml:"id"`
	Category   string   `json:"category,omitempty" yaml:"category,omitempty"`
	Requires   []string `json:"requires,omitempty" yaml:"requires,omitempty"`
	Methods    []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	Events     []string `json:"events,omitempty" yaml:"events,omitempty"`
	Properties []string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// DependencyKind classifies a declared dependency edge.
type DependencyKind string

const (
	DependencyRequired    DependencyKind = "required"
	DependencyOptional    DependencyKind = "optional"
	DependencyConflicting DependencyKind = "conflicting"
)

// Dependency declares a relationship to another module, with an optional
// semver constraint such as ">=1.2.0".
type Dependency struct {
	ModuleID   string         `json:"moduleId" yaml:"moduleId"`
	Constraint string         `json:"constraint,omitempty" yaml:"constraint,omitempty"`
	Kind       DependencyKind `json:"kind" yaml:"kind"`
}

// FieldType enumerates the value types a config schema field may declare.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
	FieldDate    FieldType = "date"
	FieldURL     FieldType = "url"
	FieldEmail   FieldType = "email"
	FieldJSON    FieldType = "json"
)

// FieldSpec is the declared schema for a single configuration field.
type FieldSpec struct {
	Type        FieldType     `json:"type" yaml:"type"`
	Required    bool          `json:"required,omitempty" yaml:"required,omitempty"`
	Min         *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64      `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern     string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Enum        []interface{} `json:"enum,omitempty" yaml:"enum,omitempty"`
	Sensitive   bool          `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
	Inheritable bool          `json:"inheritable,omitempty" yaml:"inheritable,omitempty"`
	Default     interface{}   `json:"default,omitempty" yaml:"default,omitempty"`

	// Custom is an optional programmatic validator; it cannot be expressed
	// in serialized manifests and is attached by code.
	Custom func(value interface{}) error `json:"-" yaml:"-"`
}

// ConfigSchema maps field names to their declared specs.
type ConfigSchema map[string]FieldSpec

// SanitizeKind enumerates the declared sanitization transforms.
type SanitizeKind string

const (
	SanitizeTrim        SanitizeKind = "trim"
	SanitizeLowercase   SanitizeKind = "lowercase"
	SanitizeUppercase   SanitizeKind = "uppercase"
	SanitizeStripMarkup SanitizeKind = "strip_markup"
	SanitizeEncrypt     SanitizeKind = "encrypt"
	SanitizeHash        SanitizeKind = "hash"
)

// SanitizeRule applies a transform to one field, or to every string field
// when Field is "*". Rules run in declared order after schema validation.
type SanitizeRule struct {
	Field string       `json:"field" yaml:"field"`
	Kind  SanitizeKind `json:"kind" yaml:"kind"`
}

// MigrationOpKind classifies a migration operation. Forward operations must
// come from the additive set; destructive kinds are rejected at
// registration.
type MigrationOpKind string

const (
	MigAddTable      MigrationOpKind = "add_table"
	MigAddColumn     MigrationOpKind = "add_column"
	MigAddIndex      MigrationOpKind = "add_index"
	MigAddConstraint MigrationOpKind = "add_constraint"
	MigAddView       MigrationOpKind = "add_view"
	MigAddFunction   MigrationOpKind = "add_function"
	MigAddTrigger    MigrationOpKind = "add_trigger"
	MigInsertRows    MigrationOpKind = "insert_rows"
	MigWidenType     MigrationOpKind = "widen_type"
	MigUpdateRows    MigrationOpKind = "update_rows"

	// Destructive kinds. Valid only as declared reverses.
	MigDropTable     MigrationOpKind = "drop_table"
	MigDropColumn    MigrationOpKind = "drop_column"
	MigNarrowType    MigrationOpKind = "narrow_type"
	MigDeleteRows    MigrationOpKind = "delete_rows"
	MigTruncateTable MigrationOpKind = "truncate_table"
)

// MigrationOp is one step of a migration, expressed as a tagged variant.
// The payload is interpreted by the executor bound to the kind.
type MigrationOp struct {
	ID      string                 `json:"id" yaml:"id"`
	Kind    MigrationOpKind        `json:"kind" yaml:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`

	// PreChecks must hold before the step executes; PostChecks must hold
	// after it. A failed check aborts the migration.
	PreChecks  []IntegrityCheck `json:"preChecks,omitempty" yaml:"preChecks,omitempty"`
	PostChecks []IntegrityCheck `json:"postChecks,omitempty" yaml:"postChecks,omitempty"`

	// Critical steps abort the whole migration when they fail.
	Critical bool `json:"critical,omitempty" yaml:"critical,omitempty"`
}

// IntegrityCheck runs a predicate query whose result must stay within
// Tolerance of Expected.
type IntegrityCheck struct {
	ID        string  `json:"id" yaml:"id"`
	Query     string  `json:"query" yaml:"query"`
	Expected  float64 `json:"expected" yaml:"expected"`
	Tolerance float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
}

// PerformanceEnvelope bounds migration and operation execution.
type PerformanceEnvelope struct {
	MaxExecution  time.Duration `json:"maxExecutionMs,omitempty" yaml:"maxExecutionMs,omitempty"`
	MaxLock       time.Duration `json:"maxLockMs,omitempty" yaml:"maxLockMs,omitempty"`
	WarnThreshold time.Duration `json:"warnThresholdMs,omitempty" yaml:"warnThresholdMs,omitempty"`
}

// MigrationSpec declares one versioned, additive migration together with
// its reverses and validation sets.
type MigrationSpec struct {
	ID           string              `json:"id" yaml:"id"`
	Version      string              `json:"version" yaml:"version"`
	Description  string              `json:"description,omitempty" yaml:"description,omitempty"`
	Dependencies []Dependency        `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Forward      []MigrationOp       `json:"forward" yaml:"forward"`
	Reverse      []MigrationOp       `json:"reverse,omitempty" yaml:"reverse,omitempty"`
	Integrity    []IntegrityCheck    `json:"integrity,omitempty" yaml:"integrity,omitempty"`
	Envelope     PerformanceEnvelope `json:"envelope,omitempty" yaml:"envelope,omitempty"`

	// PreChecks gate the run before any operation executes. PostChecks
	// verify the end state after the integrity checks. RollbackChecks
	// verify that a completed automatic rollback restored the baseline.
	PreChecks      []IntegrityCheck `json:"preChecks,omitempty" yaml:"preChecks,omitempty"`
	PostChecks     []IntegrityCheck `json:"postChecks,omitempty" yaml:"postChecks,omitempty"`
	RollbackChecks []IntegrityCheck `json:"rollbackChecks,omitempty" yaml:"rollbackChecks,omitempty"`
}

// ModuleContract is the minimal behavioral surface the core requires from
// a module implementation at registration time.
type ModuleContract interface {
	Initialize(ctx context.Context, tenantID string, config map[string]interface{}) error
	Cleanup(ctx context.Context, tenantID string) error
	HealthStatus(ctx context.Context) (HealthReport, error)
	ConfigurationSchema() ConfigSchema
	ValidateConfiguration(config map[string]interface{}) error
}

// HealthReport is the result of a module health probe.
type HealthReport struct {
	Healthy bool                   `json:"healthy"`
	Score   int                    `json:"score"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Warning is a non-fatal finding accumulated on results.
type Warning struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StateTransition is one entry of the append-only per-record transition log.
type StateTransition struct {
	From        LifecycleState `json:"from"`
	To          LifecycleState `json:"to"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"executionId,omitempty"`
	Cause       string         `json:"cause,omitempty"`
}

// ActivationRecord tracks the lifecycle of one (moduleId, tenantId) pair.
type ActivationRecord struct {
	ModuleID    string            `json:"moduleId"`
	TenantID    string            `json:"tenantId"`
	State       LifecycleState    `json:"state"`
	Substate    string            `json:"substate,omitempty"`
	Transitions []StateTransition `json:"transitions"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// ActivationResult is the structured outcome of an activate call.
type ActivationResult struct {
	Success       bool           `json:"success"`
	ModuleID      string         `json:"moduleId"`
	TenantID      string         `json:"tenantId"`
	State         LifecycleState `json:"state"`
	Errors        []*Error       `json:"errors,omitempty"`
	Warnings      []Warning      `json:"warnings,omitempty"`
	ExecutionIDs  []string       `json:"executionIds,omitempty"`
	WasIdempotent bool           `json:"wasIdempotent,omitempty"`
	RolledBack    bool           `json:"rolledBack,omitempty"`
	Duration      time.Duration  `json:"duration"`
}

// DeactivationResult is the structured outcome of a deactivate call.
type DeactivationResult struct {
	Success  bool           `json:"success"`
	ModuleID string         `json:"moduleId"`
	TenantID string         `json:"tenantId"`
	State    LifecycleState `json:"state"`
	Errors   []*Error       `json:"errors,omitempty"`
	Warnings []Warning      `json:"warnings,omitempty"`
	Duration time.Duration  `json:"duration"`
}
