package security

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modkit/internal/storage"
)

func appendEntry(t *testing.T, log *AuditLog, entry Entry) {
	t.Helper()
	require.NoError(t, log.Append(context.Background(), entry))
}

func TestAppend_AssignsIdentityAndRedacts(t *testing.T) {
	log := NewAuditLog(storage.NewMemoryStore(), 100, nil)

	appendEntry(t, log, Entry{
		TenantID:     "tenant-a",
		Operation:    OpModuleConfigure,
		ResourceType: ResourceConfig,
		Action:       ActionWrite,
		Success:      true,
		Details: map[string]interface{}{
			"setting":  "theme",
			"apiToken": "abc123",
			"nested": map[string]interface{}{
				"password": "hunter2",
				"note":     "kept",
			},
		},
	})

	entries := log.Query(QueryFilter{})
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.Equal(t, "theme", entry.Details["setting"])
	assert.Equal(t, RedactedSentinel, entry.Details["apiToken"])

	nested, ok := entry.Details["nested"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, RedactedSentinel, nested["password"])
	assert.Equal(t, "kept", nested["note"])
}

func TestAppend_PersistsToStore(t *testing.T) {
	store := storage.NewMemoryStore()
	log := NewAuditLog(store, 100, nil)

	appendEntry(t, log, Entry{TenantID: "tenant-a", Action: ActionRead, Success: true})
	appendEntry(t, log, Entry{TenantID: "tenant-a", Action: ActionWrite, Success: true})

	persisted, err := store.ReadLog(context.Background(), storage.NamespaceAudit)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestAppend_HardCapDropsOldest(t *testing.T) {
	log := NewAuditLog(storage.NewMemoryStore(), 5, nil)

	for i := 0; i < 8; i++ {
		appendEntry(t, log, Entry{
			TenantID:   "tenant-a",
			ResourceID: fmt.Sprintf("mod-%d", i),
			Action:     ActionWrite,
			Success:    true,
		})
	}

	assert.Equal(t, 5, log.Size())

	entries := log.Query(QueryFilter{})
	require.Len(t, entries, 5)
	assert.Equal(t, "mod-3", entries[0].ResourceID)
	assert.Equal(t, "mod-7", entries[4].ResourceID)
}

func TestQuery_Filters(t *testing.T) {
	log := NewAuditLog(storage.NewMemoryStore(), 100, nil)

	appendEntry(t, log, Entry{TenantID: "tenant-a", ResourceType: ResourceConfig, Action: ActionWrite, Success: true})
	appendEntry(t, log, Entry{TenantID: "tenant-a", ResourceType: ResourceModule, Action: ActionActivate, Success: true})
	appendEntry(t, log, Entry{TenantID: "tenant-b", ResourceType: ResourceConfig, Action: ActionWrite, Success: true})
	appendEntry(t, log, Entry{TenantID: "tenant-a", ResourceType: ResourceConfig, Action: ActionDelete, Success: false})

	assert.Len(t, log.Query(QueryFilter{TenantID: "tenant-a"}), 3)
	assert.Len(t, log.Query(QueryFilter{ResourceType: ResourceConfig}), 3)
	assert.Len(t, log.Query(QueryFilter{TenantID: "tenant-a", Action: ActionWrite}), 1)
	assert.Len(t, log.Query(QueryFilter{TenantID: "tenant-a", Limit: 2}), 2)
	assert.Empty(t, log.Query(QueryFilter{TenantID: "tenant-c"}))
}

func TestQuery_AppendOrderPreserved(t *testing.T) {
	log := NewAuditLog(storage.NewMemoryStore(), 100, nil)

	for i := 0; i < 4; i++ {
		appendEntry(t, log, Entry{
			TenantID:   "tenant-a",
			ResourceID: fmt.Sprintf("mod-%d", i),
			Action:     ActionWrite,
			Success:    true,
		})
	}

	entries := log.Query(QueryFilter{TenantID: "tenant-a"})
	require.Len(t, entries, 4)
	for i, entry := range entries {
		assert.Equal(t, fmt.Sprintf("mod-%d", i), entry.ResourceID)
	}
}
