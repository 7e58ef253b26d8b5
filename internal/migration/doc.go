// Package migration runs ordered, dependency-aware, additive-only data
// and schema transformations. Forward operations must come from the
// additive allow-list; registration rejects destructive kinds outright,
// so a drop or narrow has to ship as a new additive migration with a
// compensating reverse in a later release window. Execution is driven
// through the operation engine, completed versions are tracked per scope
// (global, tenant, module), and integrity checks assert query results
// within declared tolerances.
package migration
