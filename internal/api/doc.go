// Package api holds the shared contract types of the modkit core: module
// definitions, lifecycle states, result shapes, and the structured error
// taxonomy every subsystem surfaces across its boundary.
//
// Subsystem packages (registry, orchestrator, operation, migration,
// rollback, validation, tenantconfig, security) depend on this package for
// their shared vocabulary; api depends on nothing but the standard
// library. This keeps the dependency graph acyclic without resorting to
// ambient globals: composition happens explicitly in internal/core.
//
// # Error Handling
//
// Every fallible path returns a structured *Error with an ErrorKind from
// the fixed taxonomy (ValidationError, PermissionDenied, DependencyError,
// MigrationError, RollbackError, TimeoutError, ConflictError, StateError,
// RollbackRequired, ...). Callers branch with IsKind / KindOf, never on
// message text. No panic crosses a package boundary.
package api
