package storage

import (
	"context"
)

// Namespaces used by the core. A Store implementation must isolate them
// from each other.
const (
	NamespaceRegistry       = "registry"
	NamespaceActivation     = "activation"
	NamespaceConfig         = "config"
	NamespaceConfigHistory  = "config_history"
	NamespaceOperationState = "operation_state"
	NamespaceMigrationState = "migration_state"
	NamespaceAudit          = "audit"
)

// Store is the durable persistence collaborator consumed by the core. The
// core never assumes storage mechanics beyond this contract: values are
// opaque byte slices, Put is atomic per key, and AppendLog is append-only.
type Store interface {
	// Get returns the value for key, or found=false when absent.
	Get(ctx context.Context, namespace, key string) (value []byte, found bool, err error)

	// Put stores value under key. Atomic per key.
	Put(ctx context.Context, namespace, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// List returns all keys in the namespace with the given prefix, sorted.
	List(ctx context.Context, namespace, prefix string) ([]string, error)

	// AppendLog appends an entry to the named append-only log.
	AppendLog(ctx context.Context, namespace string, entry []byte) error

	// ReadLog returns all entries of the named log in append order.
	ReadLog(ctx context.Context, namespace string) ([][]byte, error)
}

// Transactional is an optional extension. When a Store does not implement
// it, callers simulate atomic multi-key writes by snapshotting the prior
// state and restoring it on error.
type Transactional interface {
	// Txn runs fn; when fn returns an error all writes made through the
	// passed Store are discarded.
	Txn(ctx context.Context, fn func(s Store) error) error
}
