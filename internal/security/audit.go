package security

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"modkit/internal/storage"
	"modkit/pkg/logging"
)

// ResourceType categorizes the resource an audit entry refers to.
type ResourceType string

const (
	ResourceTheme  ResourceType = "theme"
	ResourceConfig ResourceType = "config"
	ResourceModule ResourceType = "module"
	ResourceData   ResourceType = "data"
)

// Action categorizes what was done to the resource.
type Action string

const (
	ActionRead       Action = "read"
	ActionWrite      Action = "write"
	ActionDelete     Action = "delete"
	ActionActivate   Action = "activate"
	ActionDeactivate Action = "deactivate"
)

// Entry is one immutable audit record.
type Entry struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenantId"`
	ActorID      string                 `json:"actorId,omitempty"`
	Operation    string                 `json:"operation"`
	ResourceType ResourceType           `json:"resourceType"`
	ResourceID   string                 `json:"resourceId,omitempty"`
	Action       Action                 `json:"action"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	SessionID    string                 `json:"sessionId,omitempty"`
	Source       string                 `json:"source,omitempty"`
}

// QueryFilter narrows an audit query. Zero fields match everything.
type QueryFilter struct {
	TenantID     string
	ResourceType ResourceType
	Action       Action
	Since        time.Time
	Until        time.Time
	Limit        int
}

// AuditLog is the append-only audit trail. Entries are held in memory up
// to a hard cap and mirrored to the persistence log. Retention eviction is
// lazy: expired entries are dropped on append and on query.
type AuditLog struct {
	mu       sync.RWMutex
	entries  []Entry
	maxSize  int
	store    storage.Store
	policies func(tenantID string) Policy
	clock    func() time.Time
}

// NewAuditLog creates an audit log bounded at maxSize entries, persisting
// to store. policies resolves the retention policy per tenant.
func NewAuditLog(store storage.Store, maxSize int, policies func(tenantID string) Policy) *AuditLog {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &AuditLog{
		maxSize:  maxSize,
		store:    store,
		policies: policies,
		clock:    time.Now,
	}
}

// Append records a new entry. The entry id and timestamp are assigned
// here; details are redacted before storage. Append never mutates or
// removes prior entries.
func (l *AuditLog) Append(ctx context.Context, entry Entry) error {
	entry.ID = uuid.New().String()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock()
	}
	entry.Details = redactSensitive(entry.Details)

	l.mu.Lock()
	l.evictLocked()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxSize {
		// Hard cap: drop oldest first.
		overflow := len(l.entries) - l.maxSize
		l.entries = append([]Entry(nil), l.entries[overflow:]...)
	}
	l.mu.Unlock()

	if l.store != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := l.store.AppendLog(ctx, storage.NamespaceAudit, data); err != nil {
			logging.Warn("Audit", "Failed to persist audit entry %s: %v", entry.ID, err)
		}
	}
	return nil
}

// Query returns entries matching the filter, in append order.
func (l *AuditLog) Query(filter QueryFilter) []Entry {
	l.mu.Lock()
	l.evictLocked()
	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	var result []Entry
	for _, e := range entries {
		if filter.TenantID != "" && e.TenantID != filter.TenantID {
			continue
		}
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result
}

// Size returns the number of retained in-memory entries.
func (l *AuditLog) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// evictLocked drops entries past their tenant's retention cutoff. Caller
// holds the write lock.
func (l *AuditLog) evictLocked() {
	if l.policies == nil || len(l.entries) == 0 {
		return
	}
	now := l.clock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		retention := l.policies(e.TenantID).Audit.RetentionDays
		if retention <= 0 {
			retention = 90
		}
		cutoff := now.AddDate(0, 0, -retention)
		if e.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
}
