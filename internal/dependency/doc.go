// Package dependency provides the arena-style dependency graph shared by
// the registry (module dependencies), the migration manager (migration
// ordering), the validator (rule ordering), and the rollback engine
// (reverse plan ordering).
//
// Nodes live in a map indexed by id; edges are stored separately as
// (from, to, kind) tuples. Topological sorting is Kahn's algorithm with a
// lexicographic tie-break inside each level, so every ordering the graph
// produces is deterministic. Cycles never wedge the sort: the smallest id
// in the cycle is promoted first, and Cycles/Validate report them to
// callers that must reject cyclic input.
package dependency
