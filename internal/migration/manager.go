package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"modkit/internal/api"
	"modkit/internal/operation"
	"modkit/internal/storage"
	"modkit/pkg/logging"
)

// additiveKinds is the forward operation allow-list. Everything else is
// destructive and valid only as a declared reverse.
var additiveKinds = map[api.MigrationOpKind]bool{
	api.MigAddTable:      true,
	api.MigAddColumn:     true,
	api.MigAddIndex:      true,
	api.MigAddConstraint: true,
	api.MigAddView:       true,
	api.MigAddFunction:   true,
	api.MigAddTrigger:    true,
	api.MigInsertRows:    true,
	api.MigWidenType:     true,
	api.MigUpdateRows:    true,
}

// Additive reports whether a kind belongs to the forward allow-list.
func Additive(kind api.MigrationOpKind) bool {
	return additiveKinds[kind]
}

// ScopeLevel selects the granularity at which completed versions are
// tracked.
type ScopeLevel string

const (
	ScopeGlobal ScopeLevel = "global"
	ScopeTenant ScopeLevel = "tenant"
	ScopeModule ScopeLevel = "module"
)

// Scope identifies the tracking scope of a migration run.
type Scope struct {
	Level    ScopeLevel
	TenantID string
	ModuleID string
}

func (s Scope) key() string {
	switch s.Level {
	case ScopeGlobal:
		return "global"
	case ScopeTenant:
		return "tenant|" + s.TenantID
	default:
		return "module|" + s.ModuleID + "|" + s.TenantID
	}
}

// Executor applies one migration operation kind. The default executor
// records applied objects in storage; deployments bind real DDL
// executors per kind.
type Executor func(ctx context.Context, op api.MigrationOp, scope Scope) (map[string]interface{}, error)

// QueryFunc evaluates an integrity-check query to a numeric result.
type QueryFunc func(ctx context.Context, query string, scope Scope) (float64, error)

// RollbackFunc reverses the completed forward operations. Wired to the
// rollback engine by the composition root.
type RollbackFunc func(ctx context.Context, spec api.MigrationSpec, completed []api.MigrationOp, scope Scope) error

// RunOptions tunes a single migration run.
type RunOptions struct {
	// AutomaticRollback reverses completed forward operations when the run
	// aborts.
	AutomaticRollback bool
}

// Result summarizes a migration run.
type Result struct {
	MigrationID string        `json:"migrationId"`
	Version     string        `json:"version"`
	Scope       string        `json:"scope"`
	Completed   []string      `json:"completed,omitempty"`
	Skipped     bool          `json:"skipped,omitempty"`
	RolledBack  bool          `json:"rolledBack,omitempty"`
	Warnings    []api.Warning `json:"warnings,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Manager registers and runs additive-only migrations through the
// operation engine.
type Manager struct {
	mu sync.Mutex

	engine    *operation.Engine
	store     storage.Store
	executors map[api.MigrationOpKind]Executor
	queryFn   QueryFunc
	rollback  RollbackFunc

	// specs holds registered migrations per module, sorted by version.
	specs map[string][]api.MigrationSpec
}

// NewManager creates a migration manager running through engine.
func NewManager(engine *operation.Engine, store storage.Store) *Manager {
	m := &Manager{
		engine:    engine,
		store:     store,
		executors: make(map[api.MigrationOpKind]Executor),
		specs:     make(map[string][]api.MigrationSpec),
	}
	m.queryFn = m.defaultQuery
	return m
}

// BindExecutor installs the executor for an operation kind, replacing
// any previous binding.
func (m *Manager) BindExecutor(kind api.MigrationOpKind, exec Executor) {
	m.mu.Lock()
	m.executors[kind] = exec
	m.mu.Unlock()
}

// BindQuery installs the integrity-check query evaluator.
func (m *Manager) BindQuery(fn QueryFunc) {
	m.mu.Lock()
	m.queryFn = fn
	m.mu.Unlock()
}

// BindRollback installs the compensating executor invoked on abort when
// the caller requested automatic rollback.
func (m *Manager) BindRollback(fn RollbackFunc) {
	m.mu.Lock()
	m.rollback = fn
	m.mu.Unlock()
}

// Register validates and stores a module's migration. The additive
// discipline is enforced mechanically here: any forward operation with a
// destructive kind rejects the whole registration.
func (m *Manager) Register(moduleID string, spec api.MigrationSpec) error {
	if spec.ID == "" {
		return api.NewValidationError("migration needs an id")
	}
	if spec.Version == "" {
		return api.NewValidationError("migration %s needs a version", spec.ID)
	}
	if _, err := semver.NewVersion(spec.Version); err != nil {
		return api.NewValidationError("migration %s version %q is not valid semver: %v", spec.ID, spec.Version, err)
	}

	seen := make(map[string]bool, len(spec.Forward))
	for _, op := range spec.Forward {
		if op.ID == "" {
			return api.NewValidationError("migration %s has a forward operation with no id", spec.ID)
		}
		if seen[op.ID] {
			return api.NewValidationError("migration %s declares operation %s twice", spec.ID, op.ID)
		}
		seen[op.ID] = true
		if !Additive(op.Kind) {
			return api.NewError(api.KindMigration,
				"migration %s forward operation %s uses destructive kind %s; encode it as a new additive migration with a later compensating reverse",
				spec.ID, op.ID, op.Kind).
				WithHint("destructive changes are only valid as declared reverses")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.specs[moduleID] {
		if existing.ID == spec.ID {
			return api.NewConflictError("migration "+spec.ID, moduleID)
		}
	}
	m.specs[moduleID] = append(m.specs[moduleID], spec)
	sort.Slice(m.specs[moduleID], func(i, j int) bool {
		vi, erri := semver.NewVersion(m.specs[moduleID][i].Version)
		vj, errj := semver.NewVersion(m.specs[moduleID][j].Version)
		if erri != nil || errj != nil {
			return m.specs[moduleID][i].Version < m.specs[moduleID][j].Version
		}
		return vi.LessThan(vj)
	})
	return nil
}

// Pending returns the registered migrations for a module that are not
// yet completed for the scope, in version order.
func (m *Manager) Pending(ctx context.Context, moduleID string, scope Scope) ([]api.MigrationSpec, error) {
	m.mu.Lock()
	specs := make([]api.MigrationSpec, len(m.specs[moduleID]))
	copy(specs, m.specs[moduleID])
	m.mu.Unlock()

	var pending []api.MigrationSpec
	for _, spec := range specs {
		state, err := m.stateFor(ctx, spec.ID, scope)
		if err != nil {
			return nil, err
		}
		if state != api.OpCompleted {
			pending = append(pending, spec)
		}
	}
	return pending, nil
}

// Run executes one migration for the scope. A version already completed
// for the scope is a no-op.
func (m *Manager) Run(ctx context.Context, spec api.MigrationSpec, scope Scope, opts RunOptions) (Result, error) {
	started := time.Now()
	result := Result{
		MigrationID: spec.ID,
		Version:     spec.Version,
		Scope:       scope.key(),
	}

	state, err := m.stateFor(ctx, spec.ID, scope)
	if err != nil {
		return result, err
	}
	if state == api.OpCompleted {
		result.Skipped = true
		result.Duration = time.Since(started)
		logging.Debug("Migration", "Migration %s version %s already completed for %s", spec.ID, spec.Version, scope.key())
		return result, nil
	}

	// Pre-migration checks gate the run before anything executes.
	if err := m.runChecks(ctx, spec.PreChecks, scope); err != nil {
		return result, api.WrapError(api.KindMigration, err, "migration %s pre-checks failed for %s", spec.ID, scope.key())
	}

	warnings, err := m.resolveDependencies(ctx, spec, scope)
	result.Warnings = append(result.Warnings, warnings...)
	if err != nil {
		return result, err
	}

	runCtx := ctx
	if spec.Envelope.MaxExecution > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Envelope.MaxExecution)
		defer cancel()
	}

	ops := make([]operation.Operation, 0, len(spec.Forward))
	for _, forward := range spec.Forward {
		ops = append(ops, m.asOperation(spec, forward, scope))
	}

	base := operation.Context{
		Ctx:      runCtx,
		ModuleID: scope.ModuleID,
		TenantID: scope.TenantID,
	}
	results, err := m.engine.RunSequence(runCtx, ops, base)
	for _, r := range results {
		if r.Succeeded() {
			result.Completed = append(result.Completed, r.OperationID)
		}
		result.Warnings = append(result.Warnings, r.Warnings...)
	}
	if err == nil {
		err = firstFailure(results)
	}
	if err == nil {
		err = m.runChecks(runCtx, spec.Integrity, scope)
	}
	if err == nil {
		err = m.runChecks(runCtx, spec.PostChecks, scope)
	}

	if err != nil {
		result.Duration = time.Since(started)
		m.persistState(ctx, spec, scope, api.OpFailed)
		if opts.AutomaticRollback {
			result.RolledBack = m.rollbackCompleted(ctx, spec, result.Completed, scope)
			if result.RolledBack {
				if checkErr := m.runChecks(ctx, spec.RollbackChecks, scope); checkErr != nil {
					logging.Error("Migration", checkErr, "Rollback verification of %s failed for %s", spec.ID, scope.key())
					result.RolledBack = false
				}
			}
		}
		return result, api.WrapError(api.KindMigration, err, "migration %s failed for %s", spec.ID, scope.key())
	}

	if spec.Envelope.WarnThreshold > 0 && time.Since(started) > spec.Envelope.WarnThreshold {
		result.Warnings = append(result.Warnings, api.Warning{
			Code: "migration-slow",
			Message: fmt.Sprintf("migration %s took %s, warn threshold %s",
				spec.ID, time.Since(started).Round(time.Millisecond), spec.Envelope.WarnThreshold),
		})
	}

	m.persistState(ctx, spec, scope, api.OpCompleted)
	result.Duration = time.Since(started)
	logging.Info("Migration", "Completed migration %s version %s for %s (%d operations)",
		spec.ID, spec.Version, scope.key(), len(result.Completed))
	return result, nil
}

// RunAll runs every pending migration for a module in version order,
// stopping at the first failure.
func (m *Manager) RunAll(ctx context.Context, moduleID string, scope Scope, opts RunOptions) ([]Result, error) {
	pending, err := m.Pending(ctx, moduleID, scope)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, spec := range pending {
		result, err := m.Run(ctx, spec, scope, opts)
		results = append(results, result)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// CompletedVersions returns the versions completed for the scope, in
// version order.
func (m *Manager) CompletedVersions(ctx context.Context, moduleID string, scope Scope) ([]string, error) {
	m.mu.Lock()
	specs := make([]api.MigrationSpec, len(m.specs[moduleID]))
	copy(specs, m.specs[moduleID])
	m.mu.Unlock()

	var versions []string
	for _, spec := range specs {
		state, err := m.stateFor(ctx, spec.ID, scope)
		if err != nil {
			return nil, err
		}
		if state == api.OpCompleted {
			versions = append(versions, spec.Version)
		}
	}
	return versions, nil
}

func (m *Manager) resolveDependencies(ctx context.Context, spec api.MigrationSpec, scope Scope) ([]api.Warning, error) {
	var warnings []api.Warning
	for _, dep := range spec.Dependencies {
		state, err := m.stateFor(ctx, dep.ModuleID, scope)
		if err != nil {
			return warnings, err
		}
		switch dep.Kind {
		case api.DependencyRequired:
			if state != api.OpCompleted {
				return warnings, api.NewError(api.KindDependency,
					"migration %s requires %s completed for %s, found %s",
					spec.ID, dep.ModuleID, scope.key(), state)
			}
		case api.DependencyOptional:
			if state != api.OpCompleted {
				warnings = append(warnings, api.Warning{
					Code:    "optional-migration-missing",
					Message: fmt.Sprintf("optional dependency %s is %s", dep.ModuleID, state),
				})
			}
		case api.DependencyConflicting:
			if state != api.OpNotExecuted {
				return warnings, api.NewError(api.KindDependency,
					"migration %s conflicts with %s which is %s for %s",
					spec.ID, dep.ModuleID, state, scope.key())
			}
		}
	}
	return warnings, nil
}

// asOperation wraps one forward step as an engine operation. The state
// check consults the applied-object record so re-runs short-circuit.
// The envelope's max lock time bounds each step; a step holding its
// locks past the bound is aborted.
func (m *Manager) asOperation(spec api.MigrationSpec, forward api.MigrationOp, scope Scope) operation.Operation {
	opID := spec.ID + "/" + forward.ID
	return operation.Operation{
		ID:             opID,
		Description:    fmt.Sprintf("%s %s", forward.Kind, forward.ID),
		Critical:       forward.Critical,
		Timeout:        spec.Envelope.MaxLock,
		PreValidation:  m.checkRules(forward.PreChecks, scope),
		PostValidation: m.checkRules(forward.PostChecks, scope),
		Execute: func(opCtx operation.Context) (map[string]interface{}, error) {
			return m.apply(opCtx.Ctx, forward, scope)
		},
		CheckState: func(opCtx operation.Context) (api.OperationState, map[string]interface{}, error) {
			record, err := m.engine.State(opCtx.Ctx, opID, scope.ModuleID)
			if err != nil {
				return api.OpNotExecuted, nil, err
			}
			return record.State, record.LastOutput, nil
		},
	}
}

// checkRules adapts integrity checks into critical engine validation
// rules, so per-step checks bracket execution inside the engine pipeline.
func (m *Manager) checkRules(checks []api.IntegrityCheck, scope Scope) []operation.ValidationRule {
	if len(checks) == 0 {
		return nil
	}
	rules := make([]operation.ValidationRule, 0, len(checks))
	for _, check := range checks {
		check := check
		rules = append(rules, operation.ValidationRule{
			ID:       check.ID,
			Critical: true,
			Check: func(opCtx operation.Context) error {
				return m.evalCheck(opCtx.Ctx, check, scope)
			},
		})
	}
	return rules
}

func (m *Manager) apply(ctx context.Context, op api.MigrationOp, scope Scope) (map[string]interface{}, error) {
	m.mu.Lock()
	exec := m.executors[op.Kind]
	m.mu.Unlock()
	if exec == nil {
		exec = m.defaultExecute
	}
	return exec(ctx, op, scope)
}

// defaultExecute records the applied object in storage. It stands in for
// a real DDL executor and keeps the applied-object ledger that integrity
// checks and reverses consult.
func (m *Manager) defaultExecute(ctx context.Context, op api.MigrationOp, scope Scope) (map[string]interface{}, error) {
	key := "applied|" + scope.key() + "|" + op.ID
	record := map[string]interface{}{
		"id":        op.ID,
		"kind":      string(op.Kind),
		"payload":   op.Payload,
		"appliedAt": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, storage.NamespaceMigrationState, key, data); err != nil {
		return nil, err
	}
	return map[string]interface{}{"applied": op.ID}, nil
}

// runChecks evaluates a check set in order, stopping at the first
// failure.
func (m *Manager) runChecks(ctx context.Context, checks []api.IntegrityCheck, scope Scope) error {
	for _, check := range checks {
		if err := m.evalCheck(ctx, check, scope); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) evalCheck(ctx context.Context, check api.IntegrityCheck, scope Scope) error {
	m.mu.Lock()
	queryFn := m.queryFn
	m.mu.Unlock()

	actual, err := queryFn(ctx, check.Query, scope)
	if err != nil {
		return api.WrapError(api.KindMigration, err, "integrity check %s failed to run", check.ID)
	}
	if math.Abs(actual-check.Expected) > check.Tolerance {
		return api.NewError(api.KindMigration,
			"integrity check %s: got %g, expected %g (tolerance %g)",
			check.ID, actual, check.Expected, check.Tolerance).
			WithContext("check", check.ID).
			WithContext("actual", actual)
	}
	return nil
}

// defaultQuery counts applied objects for the scope; queries are treated
// as prefixes over operation ids. Deployments bind a real evaluator.
func (m *Manager) defaultQuery(ctx context.Context, query string, scope Scope) (float64, error) {
	prefix := "applied|" + scope.key() + "|" + query
	keys, err := m.store.List(ctx, storage.NamespaceMigrationState, prefix)
	if err != nil {
		return 0, err
	}
	return float64(len(keys)), nil
}

func (m *Manager) rollbackCompleted(ctx context.Context, spec api.MigrationSpec, completedIDs []string, scope Scope) bool {
	m.mu.Lock()
	rollback := m.rollback
	m.mu.Unlock()
	if rollback == nil || len(completedIDs) == 0 {
		return false
	}

	completed := make([]api.MigrationOp, 0, len(completedIDs))
	for _, id := range completedIDs {
		for _, forward := range spec.Forward {
			if spec.ID+"/"+forward.ID == id {
				completed = append(completed, forward)
			}
		}
	}
	if err := rollback(ctx, spec, completed, scope); err != nil {
		logging.Error("Migration", err, "Automatic rollback of %s failed for %s", spec.ID, scope.key())
		return false
	}
	logging.Info("Migration", "Rolled back %d operations of %s for %s", len(completed), spec.ID, scope.key())
	return true
}

type stateRecord struct {
	MigrationID string `json:"migrationId"`
	Version     string `json:"version"`
	State       string `json:"state"`
	Scope       string `json:"scope"`
	Timestamp   string `json:"timestamp"`
}

func (m *Manager) stateFor(ctx context.Context, migrationID string, scope Scope) (api.OperationState, error) {
	data, found, err := m.store.Get(ctx, storage.NamespaceMigrationState, migrationID+"|"+scope.key())
	if err != nil {
		return api.OpNotExecuted, err
	}
	if !found {
		return api.OpNotExecuted, nil
	}
	var record stateRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return api.OpNotExecuted, api.WrapError(api.KindMigration, err, "corrupt migration state for %s", migrationID)
	}
	if record.State == "" {
		return api.OpNotExecuted, nil
	}
	return api.OperationState(record.State), nil
}

func (m *Manager) persistState(ctx context.Context, spec api.MigrationSpec, scope Scope, state api.OperationState) {
	record := stateRecord{
		MigrationID: spec.ID,
		Version:     spec.Version,
		State:       string(state),
		Scope:       scope.key(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(record)
	if err != nil {
		logging.Warn("Migration", "Failed to encode state for %s: %v", spec.ID, err)
		return
	}
	if err := m.store.Put(ctx, storage.NamespaceMigrationState, spec.ID+"|"+scope.key(), data); err != nil {
		logging.Warn("Migration", "Failed to persist state for %s: %v", spec.ID, err)
	}
}

func firstFailure(results []operation.Result) error {
	for _, r := range results {
		if !r.Succeeded() && r.Err != nil {
			return r.Err
		}
	}
	return nil
}
