package tenantconfig

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"modkit/internal/api"
	"modkit/internal/events"
	"modkit/internal/security"
	"modkit/internal/storage"
	"modkit/pkg/logging"
)

// VersionMeta describes one immutable configuration version. Versions form
// a hash chain: each records its predecessor's id and checksum.
type VersionMeta struct {
	ID               string    `json:"id"`
	Number           int       `json:"number"`
	Checksum         string    `json:"checksum"`
	PreviousID       string    `json:"previousVersionId,omitempty"`
	PreviousChecksum string    `json:"previousChecksum,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	Editor           string    `json:"editor,omitempty"`
}

// Metadata is the mutable bookkeeping attached to a config entry.
type Metadata struct {
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastEditor  string    `json:"lastEditor,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Environment string    `json:"environment,omitempty"`
	Locked      bool      `json:"locked,omitempty"`
	Encrypted   bool      `json:"encrypted,omitempty"`
}

// Entry is the stored configuration for one (tenant, module) pair.
type Entry struct {
	TenantID    string                 `json:"tenantId"`
	ModuleID    string                 `json:"moduleId"`
	Values      map[string]interface{} `json:"values"`
	Metadata    Metadata               `json:"metadata"`
	Version     VersionMeta            `json:"version"`
	Inheritance InheritancePolicy      `json:"inheritance,omitempty"`
}

// SchemaProvider resolves a module's declared config schema and sanitize
// rules. The registry supplies this; the manager stays decoupled from it.
type SchemaProvider func(moduleID string) (api.ConfigSchema, []api.SanitizeRule, bool)

// Manager is the per-tenant, per-module configuration manager: versioned
// history, schema validation, sanitization, inheritance, and
// format-agnostic export/import.
//
// Reads are lock-free against the store; writes serialize per
// (tenant, module) pair.
type Manager struct {
	store     storage.Store
	schemas   SchemaProvider
	sanitizer *Sanitizer
	security  *security.Manager
	bus       *events.Bus

	maxHistory int

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	providers ScopeProvider
	adapters  map[string]FormatAdapter
	adapterMu sync.RWMutex
}

// NewManager creates a configuration manager.
func NewManager(store storage.Store, schemas SchemaProvider, sanitizer *Sanitizer, sec *security.Manager, bus *events.Bus, maxHistory int) *Manager {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	m := &Manager{
		store:      store,
		schemas:    schemas,
		sanitizer:  sanitizer,
		security:   sec,
		bus:        bus,
		maxHistory: maxHistory,
		locks:      make(map[string]*sync.Mutex),
		adapters:   make(map[string]FormatAdapter),
	}
	m.RegisterFormat(JSONAdapter{})
	m.RegisterFormat(YAMLAdapter{})
	return m
}

// RegisterFormat installs a format adapter under its tag.
func (m *Manager) RegisterFormat(adapter FormatAdapter) {
	m.adapterMu.Lock()
	defer m.adapterMu.Unlock()
	m.adapters[adapter.Tag()] = adapter
}

// SetScopeProvider wires the resolver for inheritance parent scopes.
func (m *Manager) SetScopeProvider(provider ScopeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = provider
}

func (m *Manager) pairLock(tenantID, moduleID string) *sync.Mutex {
	key := tenantID + "|" + moduleID
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

func entryKey(tenantID, moduleID string) string {
	return tenantID + "|" + moduleID
}

func historyKey(tenantID, moduleID string, number int) string {
	return fmt.Sprintf("%s|%s|%08d", tenantID, moduleID, number)
}

func (m *Manager) loadEntry(ctx context.Context, tenantID, moduleID string) (*Entry, error) {
	data, found, err := m.store.Get(ctx, storage.NamespaceConfig, entryKey(tenantID, moduleID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt config entry for %s/%s: %w", tenantID, moduleID, err)
	}
	return &entry, nil
}

func (m *Manager) saveEntry(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, storage.NamespaceConfig, entryKey(entry.TenantID, entry.ModuleID), data)
}

// checksumValues produces the content hash used for version chaining.
// Keys are sorted so the hash is canonical.
func checksumValues(values map[string]interface{}) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		encoded, _ := json.Marshal(values[k])
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(encoded)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the effective value for key, falling back to def when the
// key is absent. Inheritance is applied.
func (m *Manager) Get(ctx context.Context, tenantID, moduleID, key string, def interface{}) (interface{}, error) {
	effective, err := m.GetAll(ctx, tenantID, moduleID)
	if err != nil {
		return nil, err
	}
	if value, ok := effective[key]; ok {
		return value, nil
	}
	return def, nil
}

// GetAll returns the effective configuration map for the pair, with
// inheritance resolved and schema defaults applied.
func (m *Manager) GetAll(ctx context.Context, tenantID, moduleID string) (map[string]interface{}, error) {
	entry, err := m.loadEntry(ctx, tenantID, moduleID)
	if err != nil {
		return nil, err
	}

	var own map[string]interface{}
	policy := InheritancePolicy{Strategy: StrategyIsolated}
	if entry != nil {
		own = entry.Values
		if entry.Inheritance.Strategy != "" {
			policy = entry.Inheritance
		}
	}

	var schema api.ConfigSchema
	if m.schemas != nil {
		schema, _, _ = m.schemas(moduleID)
	}

	m.mu.Lock()
	provider := m.providers
	m.mu.Unlock()

	effective := ResolveEffective(policy, provider, tenantID, moduleID, own, schema)
	return ApplyDefaults(schema, effective), nil
}

// Validate checks values against the module's declared schema without
// writing anything.
func (m *Manager) Validate(tenantID, moduleID string, values map[string]interface{}) error {
	if m.schemas == nil {
		return nil
	}
	schema, _, ok := m.schemas(moduleID)
	if !ok {
		return nil
	}
	return ValidateAgainstSchema(schema, values)
}

// Set writes one key and emits a new immutable version.
func (m *Manager) Set(ctx context.Context, access security.AccessContext, tenantID, moduleID, key string, value interface{}) error {
	return m.mutate(ctx, access, tenantID, moduleID, "config-set", func(values map[string]interface{}) error {
		values[key] = value
		return nil
	})
}

// Delete removes one key and emits a new immutable version. Deleting an
// absent key is a ConfigNotFoundError.
func (m *Manager) Delete(ctx context.Context, access security.AccessContext, tenantID, moduleID, key string) error {
	return m.mutate(ctx, access, tenantID, moduleID, "config-delete", func(values map[string]interface{}) error {
		if _, ok := values[key]; !ok {
			return api.NewError(api.KindConfigNotFound, "config key %s not found for %s/%s", key, tenantID, moduleID)
		}
		delete(values, key)
		return nil
	})
}

// Update applies all supplied keys as one atomic version step: either
// every key validates and a single version is emitted, or nothing changes.
func (m *Manager) Update(ctx context.Context, access security.AccessContext, tenantID, moduleID string, updates map[string]interface{}) error {
	return m.mutate(ctx, access, tenantID, moduleID, "config-update", func(values map[string]interface{}) error {
		for key, value := range updates {
			values[key] = value
		}
		return nil
	})
}

// SetInheritancePolicy declares how the pair inherits from parent scopes.
func (m *Manager) SetInheritancePolicy(ctx context.Context, access security.AccessContext, tenantID, moduleID string, policy InheritancePolicy) error {
	lock := m.pairLock(tenantID, moduleID)
	lock.Lock()
	defer lock.Unlock()

	entry, err := m.loadEntry(ctx, tenantID, moduleID)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = m.newEntry(tenantID, moduleID)
	}
	entry.Inheritance = policy
	entry.Metadata.UpdatedAt = time.Now()
	entry.Metadata.LastEditor = access.ActorID
	return m.saveEntry(ctx, entry)
}

// mutate is the shared write path: it snapshots the current state, applies
// the mutation, validates and sanitizes the result, then commits exactly
// one new version. Any error leaves the stored state untouched.
func (m *Manager) mutate(ctx context.Context, access security.AccessContext, tenantID, moduleID, operation string, apply func(values map[string]interface{}) error) error {
	lock := m.pairLock(tenantID, moduleID)
	lock.Lock()
	defer lock.Unlock()

	entry, err := m.loadEntry(ctx, tenantID, moduleID)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = m.newEntry(tenantID, moduleID)
	}

	if entry.Metadata.Locked {
		err := api.NewError(api.KindState, "configuration for %s/%s is locked", tenantID, moduleID)
		m.recordConfigAudit(ctx, access, tenantID, moduleID, operation, err)
		return err
	}
	if entry.Inheritance.Strategy == StrategyStrict {
		err := api.NewError(api.KindConfigValidation,
			"configuration for %s/%s uses strict inheritance; child writes are rejected", tenantID, moduleID)
		m.recordConfigAudit(ctx, access, tenantID, moduleID, operation, err)
		return err
	}

	// Snapshot: the working copy is mutated, the entry is not.
	working := copyMap(entry.Values)
	if err := apply(working); err != nil {
		m.recordConfigAudit(ctx, access, tenantID, moduleID, operation, err)
		return err
	}

	if m.security != nil {
		if err := m.security.ValidateInheritance(tenantID, working); err != nil {
			m.recordConfigAudit(ctx, access, tenantID, moduleID, operation, err)
			return err
		}
	}

	var rules []api.SanitizeRule
	if m.schemas != nil {
		schema, declaredRules, ok := m.schemas(moduleID)
		if ok {
			if err := ValidateAgainstSchema(schema, working); err != nil {
				m.recordConfigAudit(ctx, access, tenantID, moduleID, operation, err)
				return err
			}
			rules = declaredRules
		}
	}

	if m.sanitizer != nil && len(rules) > 0 {
		sanitized, err := m.sanitizer.Apply(rules, working)
		if err != nil {
			m.recordConfigAudit(ctx, access, tenantID, moduleID, operation, err)
			return api.WrapError(api.KindConfigValidation, err, "sanitization failed for %s/%s", tenantID, moduleID)
		}
		working = sanitized
	}

	if err := m.commitVersion(ctx, access, entry, working); err != nil {
		m.recordConfigAudit(ctx, access, tenantID, moduleID, operation, err)
		return err
	}

	m.recordConfigAudit(ctx, access, tenantID, moduleID, operation, nil)
	if m.bus != nil {
		m.bus.Emit(events.Event{
			Kind:     events.ConfigChanged,
			ModuleID: moduleID,
			TenantID: tenantID,
			Payload:  map[string]interface{}{"version": entry.Version.Number, "operation": operation},
		})
	}
	return nil
}

func (m *Manager) newEntry(tenantID, moduleID string) *Entry {
	now := time.Now()
	return &Entry{
		TenantID: tenantID,
		ModuleID: moduleID,
		Values:   map[string]interface{}{},
		Metadata: Metadata{CreatedAt: now, UpdatedAt: now},
	}
}

// commitVersion writes the new values as version prev+1 and appends the
// prior version to history. Caller holds the pair lock.
func (m *Manager) commitVersion(ctx context.Context, access security.AccessContext, entry *Entry, values map[string]interface{}) error {
	now := time.Now()
	next := VersionMeta{
		ID:               uuid.New().String(),
		Number:           entry.Version.Number + 1,
		Checksum:         checksumValues(values),
		PreviousID:       entry.Version.ID,
		PreviousChecksum: entry.Version.Checksum,
		CreatedAt:        now,
		Editor:           access.ActorID,
	}

	entry.Values = values
	entry.Version = next
	entry.Metadata.UpdatedAt = now
	entry.Metadata.LastEditor = access.ActorID

	if err := m.saveEntry(ctx, entry); err != nil {
		return err
	}

	snapshot, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, storage.NamespaceConfigHistory,
		historyKey(entry.TenantID, entry.ModuleID, next.Number), snapshot); err != nil {
		return err
	}

	return m.pruneHistory(ctx, entry.TenantID, entry.ModuleID, next.Number)
}

// pruneHistory drops versions older than the retention cap. Caller holds
// the pair lock.
func (m *Manager) pruneHistory(ctx context.Context, tenantID, moduleID string, latest int) error {
	if latest <= m.maxHistory {
		return nil
	}
	cutoff := latest - m.maxHistory
	keys, err := m.store.List(ctx, storage.NamespaceConfigHistory, tenantID+"|"+moduleID+"|")
	if err != nil {
		return err
	}
	for _, key := range keys {
		var number int
		if _, err := fmt.Sscanf(key[len(tenantID)+len(moduleID)+2:], "%d", &number); err != nil {
			continue
		}
		if number <= cutoff {
			if err := m.store.Delete(ctx, storage.NamespaceConfigHistory, key); err != nil {
				logging.Warn("TenantConfig", "Failed to prune config version %s: %v", key, err)
			}
		}
	}
	return nil
}

// History returns the retained versions for the pair, oldest first.
func (m *Manager) History(ctx context.Context, tenantID, moduleID string) ([]Entry, error) {
	keys, err := m.store.List(ctx, storage.NamespaceConfigHistory, tenantID+"|"+moduleID+"|")
	if err != nil {
		return nil, err
	}
	var history []Entry
	for _, key := range keys {
		data, found, err := m.store.Get(ctx, storage.NamespaceConfigHistory, key)
		if err != nil || !found {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		history = append(history, entry)
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Version.Number < history[j].Version.Number })
	return history, nil
}

// RollbackTo restores the payload of a historical version by emitting a
// new forward version with that payload. History stays append-only.
func (m *Manager) RollbackTo(ctx context.Context, access security.AccessContext, tenantID, moduleID, versionID string) error {
	history, err := m.History(ctx, tenantID, moduleID)
	if err != nil {
		return err
	}
	var target *Entry
	for i := range history {
		if history[i].Version.ID == versionID {
			target = &history[i]
			break
		}
	}
	if target == nil {
		return api.NewError(api.KindConfigNotFound, "config version %s not found for %s/%s", versionID, tenantID, moduleID)
	}

	return m.mutate(ctx, access, tenantID, moduleID, "config-rollback", func(values map[string]interface{}) error {
		for key := range values {
			delete(values, key)
		}
		for key, value := range target.Values {
			values[key] = value
		}
		return nil
	})
}

// ExportConfig serializes the pair's stored configuration through the
// named format adapter. Sensitive fields are redacted.
func (m *Manager) ExportConfig(ctx context.Context, access security.AccessContext, tenantID, moduleID, format string) ([]byte, error) {
	if m.security != nil {
		if _, err := m.security.Authorize(ctx, access, tenantID, security.OpDataExport, security.ResourceData); err != nil {
			return nil, err
		}
	}

	adapter, err := m.adapter(format)
	if err != nil {
		return nil, err
	}

	entry, err := m.loadEntry(ctx, tenantID, moduleID)
	if err != nil {
		return nil, err
	}
	export := Export{TenantID: tenantID, ModuleID: moduleID, Values: map[string]interface{}{}, ExportedAt: time.Now()}
	if entry != nil {
		export.Values = copyMap(entry.Values)
		export.Version = entry.Version.Number
	}

	if m.schemas != nil {
		if schema, _, ok := m.schemas(moduleID); ok {
			for field, spec := range schema {
				if spec.Sensitive {
					if _, present := export.Values[field]; present {
						export.Values[field] = security.RedactedSentinel
					}
				}
			}
		}
	}

	return adapter.Marshal(export)
}

// ImportConfig parses data with the named adapter and applies it through
// the full validate+sanitize pipeline as one atomic update.
func (m *Manager) ImportConfig(ctx context.Context, access security.AccessContext, tenantID, moduleID string, data []byte, format string) error {
	if m.security != nil {
		if _, err := m.security.Authorize(ctx, access, tenantID, security.OpDataImport, security.ResourceData); err != nil {
			return err
		}
	}

	adapter, err := m.adapter(format)
	if err != nil {
		return err
	}
	export, err := adapter.Unmarshal(data)
	if err != nil {
		return api.WrapError(api.KindConfigValidation, err, "import payload could not be parsed as %s", format)
	}

	// Redacted sentinels never overwrite real values.
	values := make(map[string]interface{}, len(export.Values))
	for key, value := range export.Values {
		if s, ok := value.(string); ok && s == security.RedactedSentinel {
			continue
		}
		values[key] = value
	}

	return m.Update(ctx, access, tenantID, moduleID, values)
}

func (m *Manager) adapter(format string) (FormatAdapter, error) {
	m.adapterMu.RLock()
	defer m.adapterMu.RUnlock()
	adapter, ok := m.adapters[format]
	if !ok {
		return nil, api.NewValidationError("unknown export format %q", format)
	}
	return adapter, nil
}

func (m *Manager) recordConfigAudit(ctx context.Context, access security.AccessContext, tenantID, moduleID, operation string, opErr error) {
	if m.security == nil || m.security.Audit() == nil {
		return
	}
	entry := security.Entry{
		TenantID:     tenantID,
		ActorID:      access.ActorID,
		Operation:    operation,
		ResourceType: security.ResourceConfig,
		ResourceID:   moduleID,
		Action:       security.ActionWrite,
		Success:      opErr == nil,
		SessionID:    access.SessionID,
		Source:       access.Source,
	}
	if opErr != nil {
		entry.ErrorMessage = opErr.Error()
	}
	if err := m.security.Audit().Append(ctx, entry); err != nil {
		logging.Warn("TenantConfig", "Failed to audit %s for %s/%s: %v", operation, tenantID, moduleID, err)
	}
}
