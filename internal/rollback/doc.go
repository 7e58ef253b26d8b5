// Package rollback composes and executes compensating plans. A plan is
// the reverse topological order of the completed forward steps, each
// mapped to its declared reverse operation; forward steps without a
// reverse fail construction unless the caller opts into best-effort.
// Execution gates on safety checks, runs every step through the
// operation engine with per-step timeouts and retry policies, and
// asserts post-rollback state within declared tolerances.
package rollback
