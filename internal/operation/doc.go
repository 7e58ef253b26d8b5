// Package operation runs idempotent units of work. Every run checks the
// operation's declared state before executing; completed work is skipped
// (WasIdempotent) and cache-eligible outputs are served from a TTL cache
// (WasCached). Results persist to the operation_state namespace with a
// checksum over the canonical output, and the engine keeps a capped
// per-operation result history for diagnostics.
package operation
