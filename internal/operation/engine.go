package operation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"modkit/internal/api"
	"modkit/internal/storage"
	"modkit/internal/tenantconfig"
	"modkit/pkg/logging"
)

const (
	// maxHistoryPerOperation bounds the in-memory result history kept for
	// each (operation, module) pair.
	maxHistoryPerOperation = 20

	defaultCacheTTL = 5 * time.Minute
)

type cacheEntry struct {
	output    map[string]interface{}
	expiresAt time.Time
}

// Engine runs operations idempotently. Every run consults the
// operation's CheckState; work that is already done is skipped and
// reported with WasIdempotent set. Completed outputs can additionally be
// cached under a policy-derived key.
type Engine struct {
	mu sync.Mutex

	store       storage.Store
	parallelism int
	cacheTTL    time.Duration

	cache   map[string]cacheEntry
	history map[string][]Result
}

// NewEngine creates an engine persisting state through store.
// parallelism bounds RunParallel; values below 1 mean unbounded.
// cacheTTL is the fallback for cache policies that omit their TTL;
// values of zero or below fall back to five minutes.
func NewEngine(store storage.Store, parallelism int, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Engine{
		store:       store,
		parallelism: parallelism,
		cacheTTL:    cacheTTL,
		cache:       make(map[string]cacheEntry),
		history:     make(map[string][]Result),
	}
}

// Run executes a single operation through the full pipeline: parameter
// validation, pre-validation, state short-circuit, cache lookup,
// dependency gates, execution with timeout, post-validation and state
// re-check, then persistence.
func (e *Engine) Run(ctx context.Context, op Operation, opCtx Context) Result {
	started := time.Now()
	result := Result{
		ExecutionID: uuid.New().String(),
		OperationID: op.ID,
		ModuleID:    opCtx.ModuleID,
		StartedAt:   started,
	}
	if opCtx.Ctx == nil {
		opCtx.Ctx = ctx
	}

	defer func() {
		result.Duration = time.Since(started)
		e.record(op, result)
	}()

	if op.Execute == nil {
		result.State = api.OpFailed
		result.Err = api.NewValidationError("operation %s has no execute body", op.ID)
		return result
	}

	if err := e.validateParams(op, opCtx); err != nil {
		result.State = api.OpFailed
		result.Err = asAPIError(err, api.KindValidation, op.ID)
		return result
	}

	if err := e.runRules(op.PreValidation, opCtx, &result); err != nil {
		result.State = api.OpFailed
		result.Err = asAPIError(err, api.KindValidation, op.ID)
		return result
	}

	// Idempotency short-circuit: work that is already done or was
	// deliberately skipped is not repeated.
	if op.CheckState != nil {
		state, output, err := op.CheckState(opCtx)
		if err != nil {
			logging.Warn("Operation", "State check for %s failed, proceeding with execution: %v", op.ID, err)
		} else if state == api.OpCompleted || state == api.OpSkipped {
			result.State = api.OpSkipped
			result.Output = output
			result.WasIdempotent = true
			logging.Debug("Operation", "Operation %s already %s for module %s, skipping", op.ID, state, opCtx.ModuleID)
			return result
		}
	}

	if output, ok := e.cachedOutput(op, opCtx); ok {
		result.State = api.OpCached
		result.Output = output
		result.WasCached = true
		return result
	}

	if warnings, err := e.checkDependencies(op, opCtx); err != nil {
		result.State = api.OpFailed
		result.Err = asAPIError(err, api.KindDependency, op.ID)
		return result
	} else if len(warnings) > 0 {
		result.Warnings = append(result.Warnings, warnings...)
	}

	output, err := e.execute(op, opCtx)
	if err != nil {
		result.State = api.OpFailed
		result.Err = asAPIError(err, api.KindState, op.ID)
		e.cleanup(op, opCtx)
		e.persistState(ctx, opCtx, op, api.OpFailed, nil)
		return result
	}
	result.Output = output

	if err := e.runRules(op.PostValidation, opCtx, &result); err != nil {
		result.State = api.OpFailed
		result.Err = asAPIError(err, api.KindValidation, op.ID)
		e.cleanup(op, opCtx)
		e.persistState(ctx, opCtx, op, api.OpFailed, nil)
		return result
	}

	// Re-check state after execution so the persisted record reflects
	// what the system actually looks like, not what Execute claimed.
	if op.CheckState != nil {
		state, _, err := op.CheckState(opCtx)
		if err == nil && state != api.OpCompleted && state != api.OpNotExecuted {
			result.State = api.OpFailed
			result.Err = api.NewError(api.KindState,
				"operation %s reported success but state check found %s", op.ID, state)
			e.persistState(ctx, opCtx, op, api.OpFailed, nil)
			return result
		}
	}

	result.State = api.OpCompleted
	e.storeCache(op, opCtx, output)
	e.persistState(ctx, opCtx, op, api.OpCompleted, output)
	return result
}

// RunSequence executes operations in order. A failed critical operation
// stops the sequence; non-critical failures are recorded and execution
// continues.
func (e *Engine) RunSequence(ctx context.Context, ops []Operation, base Context) ([]Result, error) {
	results := make([]Result, 0, len(ops))
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return results, api.WrapError(api.KindTimeout, err, "operation sequence cancelled")
		}
		result := e.Run(ctx, op, base)
		results = append(results, result)
		if !result.Succeeded() && op.Critical {
			return results, result.Err
		}
	}
	return results, nil
}

// RunParallel executes each level concurrently, levels in order.
// Operations within a level must not depend on each other; callers
// derive levels from the dependency graph.
func (e *Engine) RunParallel(ctx context.Context, levels [][]Operation, base Context) ([]Result, error) {
	var (
		mu      sync.Mutex
		results []Result
	)
	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		if e.parallelism > 0 {
			g.SetLimit(e.parallelism)
		}
		for _, op := range level {
			op := op
			g.Go(func() error {
				result := e.Run(gctx, op, base)
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
				if !result.Succeeded() && op.Critical {
					return result.Err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}
	}
	return results, nil
}

// State returns the persisted state for an (operation, module) pair,
// OpNotExecuted when nothing was recorded.
func (e *Engine) State(ctx context.Context, opID, moduleID string) (StateRecord, error) {
	empty := StateRecord{OperationID: opID, ModuleID: moduleID, State: api.OpNotExecuted}
	data, found, err := e.store.Get(ctx, storage.NamespaceOperationState, stateKey(opID, moduleID))
	if err != nil {
		return empty, err
	}
	if !found {
		return empty, nil
	}
	var record StateRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return empty, api.WrapError(api.KindState, err, "corrupt state record for %s", opID)
	}
	return record, nil
}

// History returns the most recent results for an operation, newest last.
func (e *Engine) History(opID, moduleID string) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.history[stateKey(opID, moduleID)]
	out := make([]Result, len(entries))
	copy(out, entries)
	return out
}

// ResetState clears the persisted state so the next run executes fresh.
// Used by the rollback engine after reversing an operation.
func (e *Engine) ResetState(ctx context.Context, opID, moduleID string) error {
	e.mu.Lock()
	for key := range e.cache {
		delete(e.cache, key)
	}
	e.mu.Unlock()
	return e.store.Delete(ctx, storage.NamespaceOperationState, stateKey(opID, moduleID))
}

func (e *Engine) validateParams(op Operation, opCtx Context) error {
	if len(op.ParamSchema) == 0 {
		return nil
	}
	params := opCtx.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return tenantconfig.ValidateAgainstSchema(op.ParamSchema, params)
}

func (e *Engine) checkDependencies(op Operation, opCtx Context) ([]api.Warning, error) {
	var warnings []api.Warning
	for _, dep := range op.Dependencies {
		record, err := e.State(opCtx.Ctx, dep.OperationID, opCtx.ModuleID)
		if err != nil {
			return warnings, err
		}
		required := dep.RequiredState
		if required == "" {
			required = api.OpCompleted
		}
		if record.State == required {
			continue
		}
		if dep.Optional {
			warnings = append(warnings, api.Warning{
				Code: "optional-dependency-unmet",
				Message: fmt.Sprintf("optional dependency %s is %s, wanted %s",
					dep.OperationID, record.State, required),
			})
			continue
		}
		return warnings, api.NewError(api.KindDependency,
			"operation %s requires %s in state %s, found %s",
			op.ID, dep.OperationID, required, record.State)
	}
	return warnings, nil
}

func (e *Engine) runRules(rules []ValidationRule, opCtx Context, result *Result) error {
	for _, rule := range rules {
		if rule.Check == nil {
			continue
		}
		if err := rule.Check(opCtx); err != nil {
			if rule.Critical {
				return api.WrapError(api.KindValidation, err, "validation rule %s failed", rule.ID)
			}
			result.Warnings = append(result.Warnings, api.Warning{
				Code:    "validation-rule-failed",
				Message: fmt.Sprintf("rule %s: %v", rule.ID, err),
			})
		}
	}
	return nil
}

func (e *Engine) execute(op Operation, opCtx Context) (map[string]interface{}, error) {
	runCtx := opCtx.Ctx
	if op.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, op.Timeout)
		defer cancel()
	}

	type outcome struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	execCtx := opCtx
	execCtx.Ctx = runCtx
	go func() {
		output, err := op.Execute(execCtx)
		done <- outcome{output, err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-runCtx.Done():
		return nil, api.NewTimeoutError(op.ID).WithContext("timeout", op.Timeout.String())
	}
}

func (e *Engine) cleanup(op Operation, opCtx Context) {
	if op.Cleanup == nil {
		return
	}
	if err := op.Cleanup(opCtx); err != nil {
		logging.Warn("Operation", "Cleanup for %s failed: %v", op.ID, err)
	}
}

func (e *Engine) cachedOutput(op Operation, opCtx Context) (map[string]interface{}, bool) {
	if op.Cache == nil || op.Cache.Key == nil {
		return nil, false
	}
	key := op.ID + "|" + op.Cache.Key(opCtx)

	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(e.cache, key)
		return nil, false
	}
	for _, invalidate := range op.Cache.Invalidate {
		if invalidate != nil && invalidate(opCtx) {
			delete(e.cache, key)
			return nil, false
		}
	}
	return entry.output, true
}

func (e *Engine) storeCache(op Operation, opCtx Context, output map[string]interface{}) {
	if op.Cache == nil || op.Cache.Key == nil {
		return
	}
	ttl := op.Cache.TTL
	if ttl <= 0 {
		ttl = e.cacheTTL
	}
	key := op.ID + "|" + op.Cache.Key(opCtx)

	e.mu.Lock()
	e.cache[key] = cacheEntry{output: output, expiresAt: time.Now().Add(ttl)}
	e.mu.Unlock()
}

func (e *Engine) persistState(ctx context.Context, opCtx Context, op Operation, state api.OperationState, output map[string]interface{}) {
	record := StateRecord{
		OperationID: op.ID,
		ModuleID:    opCtx.ModuleID,
		State:       state,
		Checksum:    checksumOutput(output),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		LastOutput:  output,
	}
	data, err := json.Marshal(record)
	if err != nil {
		logging.Warn("Operation", "Failed to encode state for %s: %v", op.ID, err)
		return
	}
	if err := e.store.Put(ctx, storage.NamespaceOperationState, stateKey(op.ID, opCtx.ModuleID), data); err != nil {
		logging.Warn("Operation", "Failed to persist state for %s: %v", op.ID, err)
	}
}

func (e *Engine) record(op Operation, result Result) {
	key := stateKey(op.ID, result.ModuleID)
	e.mu.Lock()
	entries := append(e.history[key], result)
	if len(entries) > maxHistoryPerOperation {
		entries = entries[len(entries)-maxHistoryPerOperation:]
	}
	e.history[key] = entries
	e.mu.Unlock()
}

func stateKey(opID, moduleID string) string {
	return opID + "|" + moduleID
}

// checksumOutput hashes the output under a stable key order so identical
// outputs always produce identical checksums.
func checksumOutput(output map[string]interface{}) string {
	if len(output) == 0 {
		return ""
	}
	keys := make([]string, 0, len(output))
	for k := range output {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		encoded, _ := json.Marshal(output[k])
		fmt.Fprintf(h, "%s=%s;", k, encoded)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func asAPIError(err error, kind api.ErrorKind, opID string) *api.Error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return api.WrapError(kind, err, "operation %s failed", opID)
}
