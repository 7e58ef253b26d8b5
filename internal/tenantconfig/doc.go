// Package tenantconfig manages per-tenant, per-module configuration.
//
// Every successful mutation emits a new immutable version whose metadata
// chains to its predecessor by id and checksum; history is append-only and
// pruned only by the retention cap. Update is atomic: the write path works
// on a snapshot of the current values and commits a single version, so a
// failing batch changes nothing. Rollback restores a historical payload by
// emitting a new forward version.
//
// Validation interprets the module's declared schema (types, min/max,
// pattern, enum, custom); sanitization runs the module's declared rule
// pipeline (trim, case-normalization, markup stripping, hash, encrypt)
// after validation. Inheritance resolves parent scopes (global,
// tenant-group, module-default, environment) per the pair's declared
// strategy: cascade, merge, strict, or isolated.
//
// Export and import go through format adapters keyed by tag; JSON is the
// baseline and YAML ships in the box. Imports run the full
// validate+sanitize pipeline and reject atomically.
package tenantconfig
