package api

// LifecycleState is the per-(module, tenant) lifecycle state driven by the
// activation orchestrator. Transitions are validated; see
// ValidTransition.
type LifecycleState string

const (
	StateUnregistered LifecycleState = "unregistered"
	StateRegistered   LifecycleState = "registered"
	StateValidating   LifecycleState = "validating"
	StateReady        LifecycleState = "ready"
	StateActivating   LifecycleState = "activating"
	StateActive       LifecycleState = "active"
	StateDeactivating LifecycleState = "deactivating"
	StateInactive     LifecycleState = "inactive"
	StateError        LifecycleState = "error"

	// StateRollbackRequired pins a pair after a failed rollback. No further
	// activation is accepted until an operator intervenes.
	StateRollbackRequired LifecycleState = "rollback_required"
)

// lifecycleTransitions enumerates the legal edges of the state machine.
var lifecycleTransitions = map[LifecycleState][]LifecycleState{
	StateUnregistered: {StateRegistered},
	StateRegistered:   {StateValidating, StateError, StateUnregistered},
	StateValidating:   {StateReady, StateError},
	StateReady:        {StateActivating, StateValidating, StateError},
	StateActivating:   {StateActive, StateError, StateRollbackRequired},
	StateActive:       {StateDeactivating, StateError, StateRollbackRequired},
	StateDeactivating: {StateInactive, StateError, StateRollbackRequired},
	StateInactive:     {StateValidating, StateUnregistered},
	// error is recoverable: it transitions back through validating.
	StateError:            {StateValidating, StateUnregistered},
	StateRollbackRequired: {},
}

// ValidTransition reports whether moving from one lifecycle state to
// another is a legal edge of the state machine.
func ValidTransition(from, to LifecycleState) bool {
	for _, next := range lifecycleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state accepts no further transitions
// without external intervention.
func (s LifecycleState) Terminal() bool {
	return s == StateRollbackRequired
}

// OperationState tracks the execution state of a single idempotent
// operation for a module.
type OperationState string

const (
	OpNotExecuted      OperationState = "not_executed"
	OpExecuting        OperationState = "executing"
	OpCompleted        OperationState = "completed"
	OpFailed           OperationState = "failed"
	OpSkipped          OperationState = "skipped"
	OpCached           OperationState = "cached"
	OpRollbackRequired OperationState = "rollback_required"
)

// RegistrationStatus is the status of a registry entry.
type RegistrationStatus string

const (
	RegistrationActive       RegistrationStatus = "active"
	RegistrationError        RegistrationStatus = "error"
	RegistrationUnregistered RegistrationStatus = "unregistered"
)

// RegistrationSource records how a module definition entered the registry.
type RegistrationSource string

const (
	SourceManual      RegistrationSource = "manual"
	SourceAutomatic   RegistrationSource = "automatic"
	SourceMarketplace RegistrationSource = "marketplace"
	SourceSystem      RegistrationSource = "system"
)
