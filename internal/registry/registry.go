package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"modkit/internal/api"
	"modkit/internal/dependency"
	"modkit/internal/events"
	"modkit/internal/storage"
	"modkit/pkg/logging"
)

// ReservationKind classifies an integration point.
type ReservationKind string

const (
	ReservationRoute     ReservationKind = "route"
	ReservationAPI       ReservationKind = "api"
	ReservationComponent ReservationKind = "component"
	ReservationNav       ReservationKind = "nav"
)

// Reservation is an exclusive claim on an integration point, owned by
// exactly one module.
type Reservation struct {
	Kind    ReservationKind `json:"kind"`
	Path    string          `json:"path"`
	OwnerID string          `json:"ownerId"`
}

// Transition records one registry status change.
type Transition struct {
	From      api.RegistrationStatus `json:"from"`
	To        api.RegistrationStatus `json:"to"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     string                 `json:"cause,omitempty"`
}

// Metrics is per-entry bookkeeping.
type Metrics struct {
	RegisteredAt         time.Time     `json:"registeredAt"`
	RegistrationDuration time.Duration `json:"registrationDuration"`
	AccessCount          int64         `json:"accessCount"`
}

// Entry pairs an immutable module definition with its registration
// metadata.
type Entry struct {
	Definition   api.ModuleDefinition   `json:"definition"`
	Source       api.RegistrationSource `json:"source"`
	Status       api.RegistrationStatus `json:"status"`
	Transitions  []Transition           `json:"transitions"`
	Integrations []Reservation          `json:"integrations"`
	Metrics      Metrics                `json:"metrics"`

	// Contract is the runtime binding; it is never persisted.
	Contract api.ModuleContract `json:"-"`
}

// ConflictResolution tells Register what to do when a definition collides
// with an existing owner.
type ConflictResolution string

const (
	// ResolveManual refuses the registration (the default).
	ResolveManual ConflictResolution = "manual"
	// ResolveOverride replaces the prior owner.
	ResolveOverride ConflictResolution = "override"
	// ResolveRename reserves colliding points under a renamed path.
	ResolveRename ConflictResolution = "rename"
)

// RegisterOptions tunes a single registration.
type RegisterOptions struct {
	OnConflict ConflictResolution
	// RenameSuffix is appended to colliding paths under ResolveRename.
	RenameSuffix string
}

// UnregisterHook is called after a module is removed so higher layers can
// invalidate dependent state (e.g. flip activation records to error).
type UnregisterHook func(ctx context.Context, moduleID string, cause string)

// Statistics is the registry-wide summary.
type Statistics struct {
	Total        int                            `json:"total"`
	ByStatus     map[api.RegistrationStatus]int `json:"byStatus"`
	BySource     map[api.RegistrationSource]int `json:"bySource"`
	Reservations int                            `json:"reservations"`
	AccessCount  int64                          `json:"accessCount"`
}

// Registry is the single source of truth for module definitions and the
// ownership of integration points. Writes for the same module are
// serialized by the registry lock; reads take the shared lock only long
// enough to copy out.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	// Secondary indexes.
	byCapability map[string]map[string]bool // capability id -> module ids
	owners       map[string]Reservation     // kind+"|"+path -> reservation

	store storage.Store
	bus   *events.Bus

	unregisterHooks []UnregisterHook
}

// New creates a registry persisting entries to store and emitting
// lifecycle events on bus.
func New(store storage.Store, bus *events.Bus) *Registry {
	return &Registry{
		entries:      make(map[string]*Entry),
		byCapability: make(map[string]map[string]bool),
		owners:       make(map[string]Reservation),
		store:        store,
		bus:          bus,
	}
}

// OnUnregister adds a hook invoked after every unregistration.
func (r *Registry) OnUnregister(hook UnregisterHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterHooks = append(r.unregisterHooks, hook)
}

func ownerKey(kind ReservationKind, path string) string {
	return string(kind) + "|" + path
}

// reservationsFor expands a definition's declared integration points.
func reservationsFor(def api.ModuleDefinition) []Reservation {
	var reservations []Reservation
	add := func(kind ReservationKind, paths []string) {
		for _, path := range paths {
			reservations = append(reservations, Reservation{Kind: kind, Path: path, OwnerID: def.ID})
		}
	}
	add(ReservationRoute, def.Routes)
	add(ReservationAPI, def.APIs)
	add(ReservationComponent, def.Components)
	add(ReservationNav, def.NavItems)
	return reservations
}

// Register validates the definition and contract, detects conflicts, and
// on success writes the entry, claims its integration points as a group,
// and rebuilds the secondary indexes.
//
// On a conflict the returned ConflictError names the current owner; the
// caller may retry with ResolveOverride or ResolveRename.
func (r *Registry) Register(ctx context.Context, def api.ModuleDefinition, contract api.ModuleContract, source api.RegistrationSource, opts RegisterOptions) (*Entry, error) {
	started := time.Now()

	if err := validateDefinition(def, contract); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[def.ID]; ok {
		if opts.OnConflict != ResolveOverride {
			return nil, api.NewConflictError("module id "+def.ID, existing.Definition.ID).
				WithHint("re-register with override to replace the existing module")
		}
		r.removeLocked(existing, "replaced by override registration")
	}

	reservations := reservationsFor(def)
	for i, res := range reservations {
		owner, taken := r.owners[ownerKey(res.Kind, res.Path)]
		if !taken || owner.OwnerID == def.ID {
			continue
		}
		switch opts.OnConflict {
		case ResolveOverride:
			r.releaseOwnerLocked(owner)
		case ResolveRename:
			suffix := opts.RenameSuffix
			if suffix == "" {
				suffix = "-" + def.ID
			}
			reservations[i].Path = res.Path + suffix
		default:
			return nil, api.NewConflictError(fmt.Sprintf("%s %s", res.Kind, res.Path), owner.OwnerID).
				WithHint("resolve via override or rename, or choose a different path")
		}
	}

	entry := &Entry{
		Definition:   def,
		Contract:     contract,
		Source:       source,
		Status:       api.RegistrationActive,
		Integrations: reservations,
		Transitions: []Transition{{
			From:      api.RegistrationUnregistered,
			To:        api.RegistrationActive,
			Timestamp: time.Now(),
			Cause:     "registered",
		}},
		Metrics: Metrics{
			RegisteredAt:         started,
			RegistrationDuration: time.Since(started),
		},
	}

	// Reservations are claimed atomically as a group: nothing above
	// returned, so all claims succeed together.
	for _, res := range reservations {
		r.owners[ownerKey(res.Kind, res.Path)] = res
	}
	r.entries[def.ID] = entry
	r.indexLocked(entry)

	if err := r.persistLocked(ctx, entry); err != nil {
		logging.Warn("Registry", "Failed to persist registry entry %s: %v", def.ID, err)
	}

	if r.bus != nil {
		r.bus.Emit(events.Event{
			Kind:     events.Registration,
			ModuleID: def.ID,
			Payload:  map[string]interface{}{"source": string(source), "version": def.Version},
		})
	}
	logging.Info("Registry", "Registered module %s@%s (source: %s)", def.ID, def.Version, source)
	return entry, nil
}

// Unregister removes a module, revokes every reservation it owns, and
// invokes the unregister hooks. Audit history is untouched.
func (r *Registry) Unregister(ctx context.Context, moduleID string) error {
	r.mu.Lock()
	entry, ok := r.entries[moduleID]
	if !ok {
		r.mu.Unlock()
		return api.NewError(api.KindState, "module %s is not registered", moduleID)
	}
	r.removeLocked(entry, "unregistered")
	hooks := make([]UnregisterHook, len(r.unregisterHooks))
	copy(hooks, r.unregisterHooks)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, storage.NamespaceRegistry, moduleID); err != nil {
			logging.Warn("Registry", "Failed to delete persisted entry %s: %v", moduleID, err)
		}
	}

	for _, hook := range hooks {
		hook(ctx, moduleID, "owner unregistered")
	}

	if r.bus != nil {
		r.bus.Emit(events.Event{Kind: events.Unregistration, ModuleID: moduleID})
	}
	logging.Info("Registry", "Unregistered module %s", moduleID)
	return nil
}

// removeLocked drops the entry and all of its index records. Caller holds
// the write lock.
func (r *Registry) removeLocked(entry *Entry, cause string) {
	for _, res := range entry.Integrations {
		r.releaseOwnerLocked(res)
	}
	for _, cap := range entry.Definition.Capabilities {
		if mods, ok := r.byCapability[cap.ID]; ok {
			delete(mods, entry.Definition.ID)
		}
	}
	entry.Transitions = append(entry.Transitions, Transition{
		From:      entry.Status,
		To:        api.RegistrationUnregistered,
		Timestamp: time.Now(),
		Cause:     cause,
	})
	entry.Status = api.RegistrationUnregistered
	delete(r.entries, entry.Definition.ID)
}

func (r *Registry) releaseOwnerLocked(res Reservation) {
	delete(r.owners, ownerKey(res.Kind, res.Path))
}

func (r *Registry) indexLocked(entry *Entry) {
	for _, cap := range entry.Definition.Capabilities {
		mods, ok := r.byCapability[cap.ID]
		if !ok {
			mods = make(map[string]bool)
			r.byCapability[cap.ID] = mods
		}
		mods[entry.Definition.ID] = true
	}
}

func (r *Registry) persistLocked(ctx context.Context, entry *Entry) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, storage.NamespaceRegistry, entry.Definition.ID, data)
}

// Get returns the entry for moduleID and counts the access.
func (r *Registry) Get(moduleID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[moduleID]
	if !ok {
		return nil, false
	}
	entry.Metrics.AccessCount++
	copied := *entry
	return &copied, true
}

// List returns all entries sorted by module id.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		copied := *entry
		entries = append(entries, &copied)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Definition.ID < entries[j].Definition.ID
	})
	return entries
}

// ListByCapability returns all modules declaring the capability.
func (r *Registry) ListByCapability(capabilityID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*Entry
	for moduleID := range r.byCapability[capabilityID] {
		if entry, ok := r.entries[moduleID]; ok {
			copied := *entry
			entries = append(entries, &copied)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Definition.ID < entries[j].Definition.ID
	})
	return entries
}

// ListByStatus returns all modules in the given registration status.
func (r *Registry) ListByStatus(status api.RegistrationStatus) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*Entry
	for _, entry := range r.entries {
		if entry.Status == status {
			copied := *entry
			entries = append(entries, &copied)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Definition.ID < entries[j].Definition.ID
	})
	return entries
}

// Owner returns the reservation currently owning the integration point.
func (r *Registry) Owner(kind ReservationKind, path string) (Reservation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.owners[ownerKey(kind, path)]
	return res, ok
}

// Statistics summarizes the registry.
func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		Total:        len(r.entries),
		ByStatus:     make(map[api.RegistrationStatus]int),
		BySource:     make(map[api.RegistrationSource]int),
		Reservations: len(r.owners),
	}
	for _, entry := range r.entries {
		stats.ByStatus[entry.Status]++
		stats.BySource[entry.Source]++
		stats.AccessCount += entry.Metrics.AccessCount
	}
	return stats
}

// DependencyGraph builds the module dependency graph over all registered
// entries.
func (r *Registry) DependencyGraph() *dependency.Graph {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g := dependency.New()
	for id, entry := range r.entries {
		g.AddNode(dependency.Node{ID: dependency.NodeID(id), Label: entry.Definition.Name})
		for _, dep := range entry.Definition.Dependencies {
			kind := dependency.EdgeRequired
			switch dep.Kind {
			case api.DependencyOptional:
				kind = dependency.EdgeOptional
			case api.DependencyConflicting:
				kind = dependency.EdgeConflicting
			}
			g.AddEdge(dependency.NodeID(id), dependency.NodeID(dep.ModuleID), kind)
		}
	}
	return g
}
