// Package security enforces tenant isolation for the modkit core.
//
// It owns three concerns:
//
//   - Authorization: every cross-resource access goes through
//     Manager.Authorize, which checks the caller's tenant policy
//     (cross-tenant flag, per-operation allow flags, active-module caps)
//     and records the attempt in the audit trail. Absent policies fail
//     closed.
//
//   - Boundary sanitization: Manager.Sanitize recursively filters data
//     structures crossing a tenant boundary. Records tagged with a foreign
//     tenantId are dropped (or flagged as cross-tenant references when the
//     policy allows), internal-only fields are stripped, long strings are
//     truncated, and sensitive keys are replaced with a fixed sentinel.
//
//   - Audit: AuditLog is append-only. Entries are never modified or
//     removed except by lazy retention eviction, and a hard in-memory cap
//     guards runaway growth before eviction catches up. Details undergo
//     the same sensitive-key redaction as boundary data.
package security
