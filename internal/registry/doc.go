// Package registry is the single source of truth for module definitions
// and the ownership of integration points (routes, api paths, component
// ids, nav entries).
//
// Registration validates the module contract (required fields, semver
// version and dependency constraints, the five required capabilities) and
// detects conflicts against existing owners. A conflicting registration
// fails with a ConflictError naming the current owner; callers can retry
// with override or rename resolution. Reservations are claimed atomically
// as a group.
//
// Discovery optionally watches a manifest directory via fsnotify and
// registers every YAML manifest it finds with source "automatic".
// Discovery never activates a module.
package registry
