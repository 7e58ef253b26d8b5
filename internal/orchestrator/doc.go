// Package orchestrator drives modules through the per-tenant lifecycle
// state machine. Activation runs a fixed phase sequence: resolution,
// authorization, config merge, pre-activation validation, dependency
// gate, plan construction, execution, post-activation validation, and
// commit. Any phase may abort the whole; failed plan execution triggers
// a compensating rollback, and a failed rollback pins the pair to
// rollback_required until an operator intervenes. Work on the same
// (module, tenant) pair is serialized; different pairs proceed in
// parallel.
package orchestrator
