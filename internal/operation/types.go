package operation

import (
	"context"
	"time"

	"modkit/internal/api"
)

// Context carries everything an operation body needs. Params have already
// passed schema validation when Execute runs.
type Context struct {
	Ctx      context.Context
	ModuleID string
	TenantID string
	Params   map[string]interface{}
}

// ValidationRule is one pre- or post-validation check. Non-critical
// failures become warnings on the result; critical ones abort.
type ValidationRule struct {
	ID       string
	Critical bool
	Check    func(opCtx Context) error
}

// StateCheck reports the operation's current state and, for completed
// states, the stored output to short-circuit with.
type StateCheck func(opCtx Context) (api.OperationState, map[string]interface{}, error)

// CachePolicy enables result caching for an operation.
type CachePolicy struct {
	TTL time.Duration
	// Key derives the cache key from the invocation context.
	Key func(opCtx Context) string
	// Invalidate predicates run under the cache lock; any firing predicate
	// discards the cached result.
	Invalidate []func(opCtx Context) bool
}

// Dependency requires another operation to be in a given state before
// this one runs. Optional dependencies produce warnings instead of
// aborting.
type Dependency struct {
	OperationID   string
	RequiredState api.OperationState
	Optional      bool
}

// Operation is a named idempotent unit of work dispatched by the engine.
type Operation struct {
	ID          string
	Description string

	ParamSchema api.ConfigSchema

	PreValidation  []ValidationRule
	PostValidation []ValidationRule
	Dependencies   []Dependency

	Execute    func(opCtx Context) (map[string]interface{}, error)
	CheckState StateCheck
	Cleanup    func(opCtx Context) error

	Timeout time.Duration
	Cache   *CachePolicy

	// Critical operations abort the enclosing sequence on failure.
	Critical bool
}

// Result is the structured outcome of one engine run.
type Result struct {
	ExecutionID   string                 `json:"executionId"`
	OperationID   string                 `json:"operationId"`
	ModuleID      string                 `json:"moduleId"`
	State         api.OperationState     `json:"state"`
	Output        map[string]interface{} `json:"output,omitempty"`
	WasIdempotent bool                   `json:"wasIdempotent,omitempty"`
	WasCached     bool                   `json:"wasCached,omitempty"`
	Warnings      []api.Warning          `json:"warnings,omitempty"`
	Err           *api.Error             `json:"error,omitempty"`
	StartedAt     time.Time              `json:"startedAt"`
	Duration      time.Duration          `json:"duration"`
}

// Succeeded reports whether the run reached a success state.
func (r Result) Succeeded() bool {
	switch r.State {
	case api.OpCompleted, api.OpSkipped, api.OpCached:
		return true
	default:
		return false
	}
}

// StateRecord is the persisted per-(operation, module) state snapshot.
type StateRecord struct {
	OperationID string                 `json:"operationId"`
	ModuleID    string                 `json:"moduleId"`
	State       api.OperationState     `json:"state"`
	Checksum    string                 `json:"checksum,omitempty"`
	Timestamp   string                 `json:"timestamp"`
	LastOutput  map[string]interface{} `json:"lastOutput,omitempty"`
}
