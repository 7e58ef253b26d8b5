// Package storage defines the persistence contract the core consumes and
// ships two implementations: an in-memory store for tests and embedding,
// and a YAML file store for CLI usage. The core treats values as opaque
// bytes; encoding decisions stay with the callers.
package storage
