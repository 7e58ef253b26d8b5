package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modkit/internal/api"
	"modkit/internal/config"
	"modkit/internal/events"
	"modkit/internal/migration"
	"modkit/internal/operation"
	"modkit/internal/registry"
	"modkit/internal/rollback"
	"modkit/internal/security"
	"modkit/internal/storage"
	"modkit/internal/tenantconfig"
	"modkit/internal/validation"
	"modkit/pkg/logging"
)

// stagingSuffix is appended to the tenant id while a blue-green
// activation executes against the staging scope.
const stagingSuffix = "-staging"

// ActivateOptions tunes one activation request.
type ActivateOptions struct {
	Access   security.AccessContext
	Strategy config.ActivationStrategy
	Timeout  time.Duration

	// Rules supplements the registered validator rules for phase 4.
	Rules []validation.Rule
	// PostRules run after plan execution; a failed verdict triggers
	// rollback.
	PostRules []validation.Rule

	// Operations are module-supplied custom activation steps, run after
	// migrations and reservations.
	Operations []operation.Operation
	// Reverses maps a forward step id to its compensating step.
	Reverses map[string]rollback.Step

	// BestEffortRollback rolls back the covered steps even when some
	// completed steps have no declared reverse.
	BestEffortRollback bool
}

// DeactivateOptions tunes one deactivation request.
type DeactivateOptions struct {
	Access security.AccessContext

	// Operations are module-supplied deactivation steps.
	Operations []operation.Operation
}

// Orchestrator drives modules through the lifecycle state machine for
// each tenant. Activation, deactivation, and migration on the same
// (module, tenant) pair are serialized; different pairs proceed
// independently.
type Orchestrator struct {
	cfg        config.Config
	registry   *registry.Registry
	configs    *tenantconfig.Manager
	security   *security.Manager
	validator  *validation.Validator
	engine     *operation.Engine
	migrations *migration.Manager
	rollbacks  *rollback.Engine
	store      storage.Store
	bus        *events.Bus

	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

// New wires an orchestrator over its collaborators.
func New(cfg config.Config, reg *registry.Registry, configs *tenantconfig.Manager, sec *security.Manager,
	validator *validation.Validator, engine *operation.Engine, migrations *migration.Manager,
	rollbacks *rollback.Engine, store storage.Store, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		registry:   reg,
		configs:    configs,
		security:   sec,
		validator:  validator,
		engine:     engine,
		migrations: migrations,
		rollbacks:  rollbacks,
		store:      store,
		bus:        bus,
		pairs:      make(map[string]*sync.Mutex),
	}
}

func pairKey(tenantID, moduleID string) string {
	return tenantID + "|" + moduleID
}

func (o *Orchestrator) pairLock(tenantID, moduleID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := pairKey(tenantID, moduleID)
	lock, ok := o.pairs[key]
	if !ok {
		lock = &sync.Mutex{}
		o.pairs[key] = lock
	}
	return lock
}

// Status returns the lifecycle state for a pair; unregistered when the
// pair has never been referenced.
func (o *Orchestrator) Status(ctx context.Context, moduleID, tenantID string) (api.LifecycleState, error) {
	record, err := o.loadRecord(ctx, tenantID, moduleID)
	if err != nil {
		return "", err
	}
	return record.State, nil
}

// Record returns the full activation record for a pair.
func (o *Orchestrator) Record(ctx context.Context, moduleID, tenantID string) (api.ActivationRecord, error) {
	record, err := o.loadRecord(ctx, tenantID, moduleID)
	if err != nil {
		return api.ActivationRecord{}, err
	}
	return *record, nil
}

// ActiveCount counts active modules for a tenant. Wired into tenant
// security as the module-cap counter.
func (o *Orchestrator) ActiveCount(ctx context.Context, tenantID string) int {
	keys, err := o.store.List(ctx, storage.NamespaceActivation, tenantID+"|")
	if err != nil {
		return 0
	}
	count := 0
	for _, key := range keys {
		data, found, err := o.store.Get(ctx, storage.NamespaceActivation, key)
		if err != nil || !found {
			continue
		}
		var record api.ActivationRecord
		if json.Unmarshal(data, &record) == nil && record.State == api.StateActive {
			count++
		}
	}
	return count
}

// Activate drives the pair from its current state to active through the
// phase sequence. Re-activating an already-active pair is an idempotent
// success.
func (o *Orchestrator) Activate(ctx context.Context, moduleID, tenantID string, values map[string]interface{}, opts ActivateOptions) api.ActivationResult {
	started := time.Now()
	result := api.ActivationResult{ModuleID: moduleID, TenantID: tenantID}

	lock := o.pairLock(tenantID, moduleID)
	lock.Lock()
	defer lock.Unlock()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = o.cfg.Activation.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	record, err := o.loadRecord(ctx, tenantID, moduleID)
	if err != nil {
		return o.finish(result, started, record, err)
	}
	if record.State == api.StateRollbackRequired {
		return o.finish(result, started, record, api.NewError(api.KindRollbackRequired,
			"module %s is pinned for tenant %s after a failed rollback; operator intervention required",
			moduleID, tenantID))
	}
	if record.State == api.StateActive {
		result.Success = true
		result.State = api.StateActive
		result.WasIdempotent = true
		result.Duration = time.Since(started)
		return result
	}

	o.emit(events.BeforeActivate, moduleID, tenantID, nil)

	// Phase 1: resolution.
	entry, ok := o.registry.Get(moduleID)
	if !ok {
		return o.finish(result, started, record, api.NewError(api.KindState,
			"module %s is not registered", moduleID))
	}
	if entry.Status != api.RegistrationActive {
		return o.finish(result, started, record, api.NewStateError(string(entry.Status), "activate"))
	}
	if record.State == api.StateUnregistered {
		if err := o.transition(ctx, record, api.StateRegistered, "resolved", ""); err != nil {
			return o.finish(result, started, record, err)
		}
	}
	if err := o.transition(ctx, record, api.StateValidating, "activation requested", ""); err != nil {
		return o.finish(result, started, record, err)
	}

	// Phase 2: authorization.
	warnings, err := o.security.Authorize(ctx, opts.Access, tenantID, security.OpModuleActivate, security.ResourceModule)
	result.Warnings = append(result.Warnings, warnings...)
	if err != nil {
		return o.failActivation(ctx, result, started, record, err)
	}

	// Phase 3: config merge.
	if err := o.mergeConfig(ctx, entry, tenantID, values, opts.Access); err != nil {
		return o.failActivation(ctx, result, started, record, err)
	}
	effective, err := o.configs.GetAll(ctx, tenantID, moduleID)
	if err != nil {
		return o.failActivation(ctx, result, started, record, err)
	}

	// Phase 4: pre-activation validation.
	report, err := o.validator.RunRules(ctx, append(o.validator.Rules(), opts.Rules...),
		validation.Target{ModuleID: moduleID, TenantID: tenantID, Config: effective},
		validation.Options{AbortOnCritical: true})
	if err != nil {
		return o.failActivation(ctx, result, started, record, err)
	}
	for _, failure := range report.Failures() {
		result.Warnings = append(result.Warnings, api.Warning{
			Code:    "validation-" + string(failure.Severity),
			Message: failure.RuleID + ": " + failure.Message,
		})
	}
	if report.Verdict == validation.VerdictFail {
		return o.failActivation(ctx, result, started, record, api.NewValidationError(
			"pre-activation validation failed with score %.0f", report.Score))
	}

	// Phase 5: dependency gate.
	depWarnings, err := o.dependencyGate(ctx, entry.Definition, tenantID)
	result.Warnings = append(result.Warnings, depWarnings...)
	if err != nil {
		return o.failActivation(ctx, result, started, record, err)
	}
	o.emit(events.DependencyResolved, moduleID, tenantID, nil)

	if err := o.transition(ctx, record, api.StateReady, "validation passed", ""); err != nil {
		return o.finish(result, started, record, err)
	}
	if err := o.transition(ctx, record, api.StateActivating, "plan execution", ""); err != nil {
		return o.finish(result, started, record, err)
	}

	// Phases 6-7: plan construction and execution.
	completed, execErr := o.executePlan(ctx, entry, tenantID, opts, &result)

	// Phase 8: post-activation validation.
	if execErr == nil && len(opts.PostRules) > 0 {
		postReport, err := o.validator.RunRules(ctx, opts.PostRules,
			validation.Target{ModuleID: moduleID, TenantID: tenantID, Config: effective},
			validation.Options{AbortOnCritical: true})
		if err != nil {
			execErr = err
		} else if postReport.Verdict == validation.VerdictFail {
			execErr = api.NewValidationError("post-activation validation failed with score %.0f", postReport.Score)
		}
	}

	if execErr != nil {
		o.emit(events.ActivationFailed, moduleID, tenantID, map[string]interface{}{
			"error": execErr.Error(),
		})
		return o.rollbackActivation(ctx, result, started, record, entry, tenantID, completed, opts, execErr)
	}

	// Phase 9: commit.
	execID := ""
	if len(result.ExecutionIDs) > 0 {
		execID = result.ExecutionIDs[len(result.ExecutionIDs)-1]
	}
	if err := o.transition(ctx, record, api.StateActive, "commit", execID); err != nil {
		return o.finish(result, started, record, err)
	}

	result.Success = true
	result.State = api.StateActive
	result.Duration = time.Since(started)
	o.emit(events.AfterActivate, moduleID, tenantID, map[string]interface{}{
		"duration": result.Duration.String(),
	})
	logging.Info("Orchestrator", "Activated module %s for tenant %s in %s",
		moduleID, tenantID, result.Duration.Round(time.Millisecond))
	return result
}

// Deactivate drives an active pair to inactive. Rejected while another
// active module declares this one as a required dependency for the
// tenant.
func (o *Orchestrator) Deactivate(ctx context.Context, moduleID, tenantID string, opts DeactivateOptions) api.DeactivationResult {
	started := time.Now()
	result := api.DeactivationResult{ModuleID: moduleID, TenantID: tenantID}

	lock := o.pairLock(tenantID, moduleID)
	lock.Lock()
	defer lock.Unlock()

	record, err := o.loadRecord(ctx, tenantID, moduleID)
	if err != nil {
		result.Errors = append(result.Errors, toAPIError(err))
		result.Duration = time.Since(started)
		return result
	}
	result.State = record.State

	if record.State == api.StateInactive {
		result.Success = true
		result.Duration = time.Since(started)
		return result
	}
	if record.State != api.StateActive {
		result.Errors = append(result.Errors, api.NewStateError(string(record.State), "deactivate"))
		result.Duration = time.Since(started)
		return result
	}

	if _, err := o.security.Authorize(ctx, opts.Access, tenantID, security.OpModuleActivate, security.ResourceModule); err != nil {
		result.Errors = append(result.Errors, toAPIError(err))
		result.Duration = time.Since(started)
		return result
	}

	if dependents := o.activeDependents(ctx, moduleID, tenantID); len(dependents) > 0 {
		result.Errors = append(result.Errors, api.NewError(api.KindDependency,
			"modules %v require %s and are still active for tenant %s", dependents, moduleID, tenantID))
		result.Duration = time.Since(started)
		return result
	}

	o.emit(events.BeforeDeactivate, moduleID, tenantID, nil)
	if err := o.transition(ctx, record, api.StateDeactivating, "deactivation requested", ""); err != nil {
		result.Errors = append(result.Errors, toAPIError(err))
		result.Duration = time.Since(started)
		return result
	}

	base := operation.Context{Ctx: ctx, ModuleID: moduleID, TenantID: tenantID}
	results, err := o.engine.RunSequence(ctx, opts.Operations, base)
	for _, r := range results {
		result.Warnings = append(result.Warnings, r.Warnings...)
	}
	if err == nil {
		if entry, ok := o.registry.Get(moduleID); ok && entry.Contract != nil {
			err = entry.Contract.Cleanup(ctx, tenantID)
		}
	}
	if err != nil {
		_ = o.transition(ctx, record, api.StateError, "deactivation failed: "+err.Error(), "")
		result.State = record.State
		result.Errors = append(result.Errors, toAPIError(err))
		result.Duration = time.Since(started)
		return result
	}

	if err := o.transition(ctx, record, api.StateInactive, "deactivated", ""); err != nil {
		result.Errors = append(result.Errors, toAPIError(err))
		result.Duration = time.Since(started)
		return result
	}

	result.Success = true
	result.State = api.StateInactive
	result.Duration = time.Since(started)
	o.emit(events.AfterDeactivate, moduleID, tenantID, nil)
	logging.Info("Orchestrator", "Deactivated module %s for tenant %s", moduleID, tenantID)
	return result
}

// Recover moves an error-state pair back to validating so activation can
// be retried. rollback_required pairs additionally need ClearPin.
func (o *Orchestrator) Recover(ctx context.Context, moduleID, tenantID string) error {
	lock := o.pairLock(tenantID, moduleID)
	lock.Lock()
	defer lock.Unlock()

	record, err := o.loadRecord(ctx, tenantID, moduleID)
	if err != nil {
		return err
	}
	if record.State != api.StateError {
		return api.NewStateError(string(record.State), "recover")
	}
	return o.transition(ctx, record, api.StateValidating, "operator recovery", "")
}

// ClearPin releases a rollback_required pin, returning the pair to
// error so Recover can pick it up. Operator-only path.
func (o *Orchestrator) ClearPin(ctx context.Context, moduleID, tenantID, operator string) error {
	lock := o.pairLock(tenantID, moduleID)
	lock.Lock()
	defer lock.Unlock()

	record, err := o.loadRecord(ctx, tenantID, moduleID)
	if err != nil {
		return err
	}
	if record.State != api.StateRollbackRequired {
		return api.NewStateError(string(record.State), "clear-pin")
	}
	// The only way out of the pin is a forced transition, recorded with
	// the intervening operator.
	record.Transitions = append(record.Transitions, api.StateTransition{
		From:      record.State,
		To:        api.StateError,
		Timestamp: time.Now(),
		Cause:     "pin cleared by " + operator,
	})
	record.State = api.StateError
	record.UpdatedAt = time.Now()
	return o.saveRecord(ctx, record)
}

// HandleUnregistered flips every active record of the module to error.
// Wired as a registry unregister hook.
func (o *Orchestrator) HandleUnregistered(ctx context.Context, moduleID, cause string) {
	keys, err := o.store.List(ctx, storage.NamespaceActivation, "")
	if err != nil {
		logging.Warn("Orchestrator", "Cannot list activation records: %v", err)
		return
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, "|"+moduleID) {
			continue
		}
		tenantID := strings.TrimSuffix(key, "|"+moduleID)

		lock := o.pairLock(tenantID, moduleID)
		lock.Lock()
		record, err := o.loadRecord(ctx, tenantID, moduleID)
		if err == nil && record.State == api.StateActive {
			if err := o.transition(ctx, record, api.StateError, cause, ""); err != nil {
				logging.Warn("Orchestrator", "Cannot flip record %s: %v", key, err)
			}
		}
		lock.Unlock()
	}
}

// mergeConfig overlays the supplied values on the tenant's existing
// config and validates the result; the write itself runs through the
// config manager so sanitization, versioning, and audit all apply.
func (o *Orchestrator) mergeConfig(ctx context.Context, entry *registry.Entry, tenantID string, values map[string]interface{}, access security.AccessContext) error {
	moduleID := entry.Definition.ID

	existing, err := o.configs.GetAll(ctx, tenantID, moduleID)
	if err != nil {
		return err
	}
	merged := make(map[string]interface{}, len(existing)+len(values))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	merged = tenantconfig.ApplyDefaults(entry.Definition.ConfigSchema, merged)

	if err := o.configs.Validate(tenantID, moduleID, merged); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	return o.configs.Update(ctx, access, tenantID, moduleID, values)
}

// dependencyGate enforces declared module dependencies against the
// tenant's current activation states.
func (o *Orchestrator) dependencyGate(ctx context.Context, def api.ModuleDefinition, tenantID string) ([]api.Warning, error) {
	var warnings []api.Warning
	var missing []string

	for _, dep := range def.Dependencies {
		state, err := o.Status(ctx, dep.ModuleID, tenantID)
		if err != nil {
			return warnings, err
		}

		switch dep.Kind {
		case api.DependencyRequired:
			if state != api.StateActive {
				missing = append(missing, fmt.Sprintf("%s (state %s)", dep.ModuleID, state))
				continue
			}
			if dep.Constraint != "" {
				depEntry, ok := o.registry.Get(dep.ModuleID)
				if !ok {
					missing = append(missing, dep.ModuleID+" (unregistered)")
					continue
				}
				satisfied, err := registry.SatisfiesConstraint(depEntry.Definition.Version, dep.Constraint)
				if err != nil {
					return warnings, api.WrapError(api.KindDependency, err,
						"cannot evaluate constraint %q on %s", dep.Constraint, dep.ModuleID)
				}
				if !satisfied {
					missing = append(missing, fmt.Sprintf("%s (version %s does not satisfy %s)",
						dep.ModuleID, depEntry.Definition.Version, dep.Constraint))
				}
			}
		case api.DependencyOptional:
			if state != api.StateActive {
				warnings = append(warnings, api.Warning{
					Code:    "optional-dependency-inactive",
					Message: fmt.Sprintf("optional dependency %s is %s", dep.ModuleID, state),
				})
			}
		case api.DependencyConflicting:
			if state == api.StateActive {
				return warnings, api.NewError(api.KindDependency,
					"conflicting module %s is active for tenant %s", dep.ModuleID, tenantID)
			}
		}
	}

	if len(missing) > 0 {
		return warnings, api.NewDependencyError(missing)
	}
	return warnings, nil
}

// executePlan runs migrations, the reservation check, and the custom
// operations under the requested strategy. It returns the forward
// records of every completed step for rollback planning.
func (o *Orchestrator) executePlan(ctx context.Context, entry *registry.Entry, tenantID string, opts ActivateOptions, result *api.ActivationResult) ([]rollback.ForwardRecord, error) {
	moduleID := entry.Definition.ID
	var completed []rollback.ForwardRecord
	var prior string

	markCompleted := func(stepID string) {
		record := rollback.ForwardRecord{StepID: stepID}
		if prior != "" {
			record.DependsOn = []string{prior}
		}
		completed = append(completed, record)
		prior = stepID
	}

	// Migrations run first, in version order, always sequentially.
	scope := migration.Scope{Level: migration.ScopeModule, TenantID: tenantID, ModuleID: moduleID}
	migResults, migErr := o.migrations.RunAll(ctx, moduleID, scope, migration.RunOptions{})
	for _, mr := range migResults {
		result.Warnings = append(result.Warnings, mr.Warnings...)
		for _, stepID := range mr.Completed {
			markCompleted(stepID)
		}
	}
	if migErr != nil {
		return completed, migErr
	}

	// Reservation check: every declared integration point must still be
	// owned by this module at activation time.
	reserveOp := o.reservationOperation(entry)
	plan := append([]operation.Operation{reserveOp}, opts.Operations...)

	strategy := opts.Strategy
	if strategy == "" {
		strategy = o.cfg.Activation.Strategy
	}

	switch strategy {
	case config.StrategyBlueGreen:
		// Execute against the staging scope first; the second pass against
		// the live tenant is the commit.
		stagingBase := operation.Context{Ctx: ctx, ModuleID: moduleID, TenantID: tenantID + stagingSuffix}
		if err := o.runSteps(ctx, plan, stagingBase, false, result, func(string) {}); err != nil {
			return completed, err
		}
		liveBase := operation.Context{Ctx: ctx, ModuleID: moduleID, TenantID: tenantID}
		return completed, o.runSteps(ctx, plan, liveBase, false, result, markCompleted)
	case config.StrategyInstant:
		base := operation.Context{Ctx: ctx, ModuleID: moduleID, TenantID: tenantID}
		return completed, o.runSteps(ctx, plan, base, true, result, markCompleted)
	default: // gradual
		base := operation.Context{Ctx: ctx, ModuleID: moduleID, TenantID: tenantID}
		return completed, o.runSteps(ctx, plan, base, false, result, markCompleted)
	}
}

// runSteps executes plan steps sequentially or in a parallel chunk,
// collecting execution ids and completed step ids.
func (o *Orchestrator) runSteps(ctx context.Context, plan []operation.Operation, base operation.Context, parallel bool, result *api.ActivationResult, markCompleted func(string)) error {
	var (
		results []operation.Result
		err     error
	)
	if parallel && len(plan) > 1 {
		// The reservation check still runs first; only the custom steps
		// are independent.
		head, tail := plan[:1], plan[1:]
		results, err = o.engine.RunSequence(ctx, head, base)
		if err == nil {
			var tailResults []operation.Result
			tailResults, err = o.engine.RunParallel(ctx, [][]operation.Operation{tail}, base)
			results = append(results, tailResults...)
		}
	} else {
		results, err = o.engine.RunSequence(ctx, plan, base)
	}

	for _, r := range results {
		result.ExecutionIDs = append(result.ExecutionIDs, r.ExecutionID)
		result.Warnings = append(result.Warnings, r.Warnings...)
		if r.Succeeded() {
			markCompleted(r.OperationID)
		} else if err == nil && r.Err != nil {
			err = r.Err
		}
	}
	return err
}

// reservationOperation verifies the module still owns every declared
// integration point. Ownership is claimed at registration; activation
// re-checks it so an override between the two is caught.
func (o *Orchestrator) reservationOperation(entry *registry.Entry) operation.Operation {
	moduleID := entry.Definition.ID
	return operation.Operation{
		ID:          "reserve-integrations/" + moduleID,
		Description: "verify integration-point ownership",
		Critical:    true,
		Execute: func(opCtx operation.Context) (map[string]interface{}, error) {
			for _, res := range entry.Integrations {
				owner, ok := o.registry.Owner(res.Kind, res.Path)
				if !ok || owner.OwnerID != moduleID {
					current := "nobody"
					if ok {
						current = owner.OwnerID
					}
					return nil, api.NewConflictError(string(res.Kind)+" "+res.Path, current)
				}
			}
			return map[string]interface{}{"reservations": len(entry.Integrations)}, nil
		},
	}
}

// rollbackActivation reverses the completed plan steps and settles the
// pair into error, or pins it to rollback_required when the rollback
// itself fails.
func (o *Orchestrator) rollbackActivation(ctx context.Context, result api.ActivationResult, started time.Time, record *api.ActivationRecord, entry *registry.Entry, tenantID string, completed []rollback.ForwardRecord, opts ActivateOptions, cause error) api.ActivationResult {
	result.Errors = append(result.Errors, toAPIError(cause))
	moduleID := entry.Definition.ID

	resolver := o.reverseResolver(entry, tenantID, opts.Reverses)
	plan, err := o.rollbacks.BuildPlan(completed, resolver, opts.BestEffortRollback)
	if err == nil {
		base := operation.Context{Ctx: ctx, ModuleID: moduleID, TenantID: tenantID}
		var rbResult rollback.Result
		rbResult, err = o.rollbacks.Execute(ctx, plan, base, nil, nil)
		result.Warnings = append(result.Warnings, rbResult.Warnings...)
	}

	if err != nil {
		result.Errors = append(result.Errors, toAPIError(err))
		if terr := o.transition(ctx, record, api.StateRollbackRequired, "rollback failed: "+err.Error(), ""); terr != nil {
			result.Errors = append(result.Errors, toAPIError(terr))
		}
		result.State = api.StateRollbackRequired
		result.Duration = time.Since(started)
		logging.Error("Orchestrator", err, "Rollback failed for module %s tenant %s; pair is pinned", moduleID, tenantID)
		return result
	}

	result.RolledBack = true
	if terr := o.transition(ctx, record, api.StateError, "activation failed: "+cause.Error(), ""); terr != nil {
		result.Errors = append(result.Errors, toAPIError(terr))
	}
	result.State = record.State
	result.Duration = time.Since(started)
	return result
}

// reverseResolver maps completed forward steps to compensating steps:
// caller-supplied reverses first, then declared migration reverses.
func (o *Orchestrator) reverseResolver(entry *registry.Entry, tenantID string, extra map[string]rollback.Step) rollback.ReverseResolver {
	moduleID := entry.Definition.ID
	scope := migration.Scope{Level: migration.ScopeModule, TenantID: tenantID, ModuleID: moduleID}

	return func(stepID string) (rollback.Step, bool) {
		if step, ok := extra[stepID]; ok {
			return step, true
		}
		// The reservation check has no side effects; reversing it is a
		// no-op.
		if stepID == "reserve-integrations/"+moduleID {
			return rollback.Step{
				ID:       "release-integrations/" + moduleID,
				Reverses: stepID,
				Op: operation.Operation{
					ID: "release-integrations/" + moduleID,
					Execute: func(operation.Context) (map[string]interface{}, error) {
						return nil, nil
					},
				},
			}, true
		}
		for _, spec := range entry.Definition.Migrations {
			for _, forward := range spec.Forward {
				if spec.ID+"/"+forward.ID != stepID {
					continue
				}
				for _, reverse := range spec.Reverse {
					if reverse.ID == forward.ID || strings.HasPrefix(reverse.ID, forward.ID+"-") {
						return o.migrationReverseStep(spec, reverse, scope, stepID), true
					}
				}
			}
		}
		return rollback.Step{}, false
	}
}

func (o *Orchestrator) migrationReverseStep(spec api.MigrationSpec, reverse api.MigrationOp, scope migration.Scope, forwardID string) rollback.Step {
	opID := spec.ID + "/reverse/" + reverse.ID
	return rollback.Step{
		ID:       opID,
		Reverses: forwardID,
		Critical: reverse.Critical,
		Op: operation.Operation{
			ID: opID,
			Execute: func(opCtx operation.Context) (map[string]interface{}, error) {
				if err := o.engine.ResetState(opCtx.Ctx, forwardID, scope.ModuleID); err != nil {
					return nil, err
				}
				return map[string]interface{}{"reversed": forwardID}, nil
			},
		},
	}
}

// activeDependents returns modules that declare moduleID as a required
// dependency and are active for the tenant.
func (o *Orchestrator) activeDependents(ctx context.Context, moduleID, tenantID string) []string {
	var dependents []string
	for _, entry := range o.registry.List() {
		for _, dep := range entry.Definition.Dependencies {
			if dep.ModuleID != moduleID || dep.Kind != api.DependencyRequired {
				continue
			}
			state, err := o.Status(ctx, entry.Definition.ID, tenantID)
			if err == nil && state == api.StateActive {
				dependents = append(dependents, entry.Definition.ID)
			}
		}
	}
	return dependents
}

// failActivation settles the pair into error with the causing problem.
func (o *Orchestrator) failActivation(ctx context.Context, result api.ActivationResult, started time.Time, record *api.ActivationRecord, cause error) api.ActivationResult {
	if api.ValidTransition(record.State, api.StateError) {
		if err := o.transition(ctx, record, api.StateError, cause.Error(), ""); err != nil {
			logging.Warn("Orchestrator", "Cannot record error state for %s/%s: %v",
				record.ModuleID, record.TenantID, err)
		}
	}
	return o.finish(result, started, record, cause)
}

func (o *Orchestrator) finish(result api.ActivationResult, started time.Time, record *api.ActivationRecord, cause error) api.ActivationResult {
	if cause != nil {
		result.Errors = append(result.Errors, toAPIError(cause))
	}
	if record != nil {
		result.State = record.State
	}
	result.Duration = time.Since(started)
	return result
}

// transition applies one legal state-machine edge and persists the
// record with its appended transition log entry.
func (o *Orchestrator) transition(ctx context.Context, record *api.ActivationRecord, to api.LifecycleState, cause, executionID string) error {
	if record.State == to {
		return nil
	}
	if !api.ValidTransition(record.State, to) {
		return api.NewStateError(string(record.State), string(to))
	}
	record.Transitions = append(record.Transitions, api.StateTransition{
		From:        record.State,
		To:          to,
		Timestamp:   time.Now(),
		Cause:       cause,
		ExecutionID: executionID,
	})
	record.State = to
	record.UpdatedAt = time.Now()

	logging.Debug("Orchestrator", "Module %s tenant %s: %s -> %s (%s)",
		record.ModuleID, record.TenantID,
		record.Transitions[len(record.Transitions)-1].From, to, cause)
	return o.saveRecord(ctx, record)
}

func (o *Orchestrator) loadRecord(ctx context.Context, tenantID, moduleID string) (*api.ActivationRecord, error) {
	data, found, err := o.store.Get(ctx, storage.NamespaceActivation, pairKey(tenantID, moduleID))
	if err != nil {
		return nil, err
	}
	if !found {
		return &api.ActivationRecord{
			ModuleID: moduleID,
			TenantID: tenantID,
			State:    api.StateUnregistered,
		}, nil
	}
	var record api.ActivationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, api.WrapError(api.KindState, err, "corrupt activation record for %s/%s", moduleID, tenantID)
	}
	return &record, nil
}

func (o *Orchestrator) saveRecord(ctx context.Context, record *api.ActivationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return o.store.Put(ctx, storage.NamespaceActivation, pairKey(record.TenantID, record.ModuleID), data)
}

func (o *Orchestrator) emit(kind events.Kind, moduleID, tenantID string, payload map[string]interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(events.Event{Kind: kind, ModuleID: moduleID, TenantID: tenantID, Payload: payload})
}

func toAPIError(err error) *api.Error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return api.WrapError(api.KindState, err, "operation failed")
}
