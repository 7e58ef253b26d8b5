package operation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modkit/internal/api"
	"modkit/internal/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(storage.NewMemoryStore(), 4, 0)
}

func testContext(moduleID string) Context {
	return Context{Ctx: context.Background(), ModuleID: moduleID, TenantID: "tenant-a"}
}

func TestRun_CompletesAndPersistsState(t *testing.T) {
	e := newTestEngine(t)
	op := Operation{
		ID: "create-index",
		Execute: func(Context) (map[string]interface{}, error) {
			return map[string]interface{}{"index": "users_by_email"}, nil
		},
	}

	result := e.Run(context.Background(), op, testContext("mod"))
	require.Nil(t, result.Err)
	assert.Equal(t, api.OpCompleted, result.State)
	assert.NotEmpty(t, result.ExecutionID)

	record, err := e.State(context.Background(), "create-index", "mod")
	require.NoError(t, err)
	assert.Equal(t, api.OpCompleted, record.State)
	assert.NotEmpty(t, record.Checksum)
}

func TestRun_IdempotentShortCircuit(t *testing.T) {
	e := newTestEngine(t)
	var executions atomic.Int32
	op := Operation{
		ID: "create-table",
		Execute: func(Context) (map[string]interface{}, error) {
			executions.Add(1)
			return map[string]interface{}{"table": "orders"}, nil
		},
		CheckState: func(opCtx Context) (api.OperationState, map[string]interface{}, error) {
			record, err := e.State(opCtx.Ctx, "create-table", opCtx.ModuleID)
			if err != nil {
				return api.OpNotExecuted, nil, err
			}
			return record.State, record.LastOutput, nil
		},
	}

	first := e.Run(context.Background(), op, testContext("mod"))
	require.Equal(t, api.OpCompleted, first.State)
	assert.False(t, first.WasIdempotent)

	second := e.Run(context.Background(), op, testContext("mod"))
	assert.Equal(t, api.OpSkipped, second.State)
	assert.True(t, second.WasIdempotent)
	assert.Equal(t, "orders", second.Output["table"])
	assert.Equal(t, int32(1), executions.Load())
}

func TestRun_SkippedStateShortCircuits(t *testing.T) {
	e := newTestEngine(t)
	var executions atomic.Int32
	op := Operation{
		ID: "already-skipped",
		Execute: func(Context) (map[string]interface{}, error) {
			executions.Add(1)
			return nil, nil
		},
		CheckState: func(Context) (api.OperationState, map[string]interface{}, error) {
			return api.OpSkipped, map[string]interface{}{"reason": "handled elsewhere"}, nil
		},
	}

	result := e.Run(context.Background(), op, testContext("mod"))
	assert.Equal(t, api.OpSkipped, result.State)
	assert.True(t, result.WasIdempotent)
	assert.Equal(t, "handled elsewhere", result.Output["reason"])
	assert.Zero(t, executions.Load())
}

func TestRun_PreValidationRunsBeforeShortCircuit(t *testing.T) {
	e := newTestEngine(t)
	var ruleRan atomic.Bool
	op := Operation{
		ID: "gated",
		PreValidation: []ValidationRule{
			{ID: "precondition", Critical: true, Check: func(Context) error {
				ruleRan.Store(true)
				return errors.New("precondition violated")
			}},
		},
		Execute: func(Context) (map[string]interface{}, error) { return nil, nil },
		CheckState: func(Context) (api.OperationState, map[string]interface{}, error) {
			return api.OpCompleted, nil, nil
		},
	}

	result := e.Run(context.Background(), op, testContext("mod"))
	// The critical pre-validation rule aborts the run even though the
	// state check would have reported the work as done.
	assert.Equal(t, api.OpFailed, result.State)
	assert.True(t, ruleRan.Load())
	require.NotNil(t, result.Err)
	assert.Equal(t, api.KindValidation, result.Err.Kind)
}

func TestRun_CacheHitPrecedesDependencyGate(t *testing.T) {
	e := newTestEngine(t)
	var executions atomic.Int32
	dep := Operation{
		ID:      "first",
		Execute: func(Context) (map[string]interface{}, error) { return nil, nil },
	}
	cached := Operation{
		ID:           "second",
		Dependencies: []Dependency{{OperationID: "first"}},
		Execute: func(Context) (map[string]interface{}, error) {
			executions.Add(1)
			return map[string]interface{}{"v": 1}, nil
		},
		Cache: &CachePolicy{
			TTL: time.Minute,
			Key: func(Context) string { return "k" },
		},
	}

	require.Equal(t, api.OpCompleted, e.Run(context.Background(), dep, testContext("mod")).State)
	require.Equal(t, api.OpCompleted, e.Run(context.Background(), cached, testContext("mod")).State)

	// Remove the dependency's persisted state; the cached output must
	// still be served without re-checking dependencies.
	require.NoError(t, e.store.Delete(context.Background(), storage.NamespaceOperationState, stateKey("first", "mod")))
	result := e.Run(context.Background(), cached, testContext("mod"))
	assert.Equal(t, api.OpCached, result.State)
	assert.True(t, result.WasCached)
	assert.Equal(t, int32(1), executions.Load())
}

func TestNewEngine_CacheTTLFallback(t *testing.T) {
	e := NewEngine(storage.NewMemoryStore(), 4, 50*time.Millisecond)
	var executions atomic.Int32
	op := Operation{
		ID: "no-ttl-policy",
		Execute: func(Context) (map[string]interface{}, error) {
			executions.Add(1)
			return nil, nil
		},
		Cache: &CachePolicy{
			Key: func(Context) string { return "k" },
		},
	}

	e.Run(context.Background(), op, testContext("mod"))
	e.Run(context.Background(), op, testContext("mod"))
	assert.Equal(t, int32(1), executions.Load())

	time.Sleep(80 * time.Millisecond)
	e.Run(context.Background(), op, testContext("mod"))
	assert.Equal(t, int32(2), executions.Load())
}

func TestNewEngine_NonPositiveTTLDefaultsToFiveMinutes(t *testing.T) {
	e := NewEngine(storage.NewMemoryStore(), 4, 0)
	assert.Equal(t, defaultCacheTTL, e.cacheTTL)
}

func TestRun_ChecksumStableAcrossIdenticalOutputs(t *testing.T) {
	e := newTestEngine(t)
	output := map[string]interface{}{"b": 2, "a": "one"}
	op := Operation{
		ID: "stable",
		Execute: func(Context) (map[string]interface{}, error) {
			return map[string]interface{}{"a": "one", "b": 2}, nil
		},
	}

	first := e.Run(context.Background(), op, testContext("mod"))
	require.Equal(t, api.OpCompleted, first.State)
	record1, err := e.State(context.Background(), "stable", "mod")
	require.NoError(t, err)

	require.NoError(t, e.ResetState(context.Background(), "stable", "mod"))
	second := e.Run(context.Background(), op, testContext("mod"))
	require.Equal(t, api.OpCompleted, second.State)
	record2, err := e.State(context.Background(), "stable", "mod")
	require.NoError(t, err)

	assert.Equal(t, record1.Checksum, record2.Checksum)
	assert.Equal(t, checksumOutput(output), record1.Checksum)
}

func TestRun_CachedResult(t *testing.T) {
	e := newTestEngine(t)
	var executions atomic.Int32
	op := Operation{
		ID: "expensive",
		Execute: func(Context) (map[string]interface{}, error) {
			executions.Add(1)
			return map[string]interface{}{"answer": 42}, nil
		},
		Cache: &CachePolicy{
			TTL: time.Minute,
			Key: func(opCtx Context) string { return opCtx.TenantID },
		},
	}

	first := e.Run(context.Background(), op, testContext("mod"))
	require.Equal(t, api.OpCompleted, first.State)

	second := e.Run(context.Background(), op, testContext("mod"))
	assert.Equal(t, api.OpCached, second.State)
	assert.True(t, second.WasCached)
	assert.Equal(t, int32(1), executions.Load())
}

func TestRun_CacheInvalidationPredicate(t *testing.T) {
	e := newTestEngine(t)
	var executions atomic.Int32
	invalidate := false
	op := Operation{
		ID: "invalidating",
		Execute: func(Context) (map[string]interface{}, error) {
			executions.Add(1)
			return nil, nil
		},
		Cache: &CachePolicy{
			TTL:        time.Minute,
			Key:        func(Context) string { return "k" },
			Invalidate: []func(Context) bool{func(Context) bool { return invalidate }},
		},
	}

	e.Run(context.Background(), op, testContext("mod"))
	invalidate = true
	e.Run(context.Background(), op, testContext("mod"))
	assert.Equal(t, int32(2), executions.Load())
}

func TestRun_ParamSchemaRejection(t *testing.T) {
	e := newTestEngine(t)
	op := Operation{
		ID: "typed",
		ParamSchema: api.ConfigSchema{
			"count": {Type: api.FieldNumber, Required: true},
		},
		Execute: func(Context) (map[string]interface{}, error) { return nil, nil },
	}

	opCtx := testContext("mod")
	opCtx.Params = map[string]interface{}{"count": "not-a-number"}
	result := e.Run(context.Background(), op, opCtx)

	assert.Equal(t, api.OpFailed, result.State)
	require.NotNil(t, result.Err)
	assert.Equal(t, api.KindConfigValidation, result.Err.Kind)
}

func TestRun_DependencyGate(t *testing.T) {
	e := newTestEngine(t)

	dependent := Operation{
		ID:           "second",
		Dependencies: []Dependency{{OperationID: "first"}},
		Execute:      func(Context) (map[string]interface{}, error) { return nil, nil },
	}

	// Required dependency not executed yet: the run fails.
	result := e.Run(context.Background(), dependent, testContext("mod"))
	assert.Equal(t, api.OpFailed, result.State)
	require.NotNil(t, result.Err)
	assert.Equal(t, api.KindDependency, result.Err.Kind)

	// Complete the dependency, then the dependent runs.
	first := Operation{
		ID:      "first",
		Execute: func(Context) (map[string]interface{}, error) { return nil, nil },
	}
	require.Equal(t, api.OpCompleted, e.Run(context.Background(), first, testContext("mod")).State)
	result = e.Run(context.Background(), dependent, testContext("mod"))
	assert.Equal(t, api.OpCompleted, result.State)
}

func TestRun_OptionalDependencyWarns(t *testing.T) {
	e := newTestEngine(t)
	op := Operation{
		ID:           "tolerant",
		Dependencies: []Dependency{{OperationID: "missing", Optional: true}},
		Execute:      func(Context) (map[string]interface{}, error) { return nil, nil },
	}

	result := e.Run(context.Background(), op, testContext("mod"))
	assert.Equal(t, api.OpCompleted, result.State)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "optional-dependency-unmet", result.Warnings[0].Code)
}

func TestRun_CleanupRunsOnFailure(t *testing.T) {
	e := newTestEngine(t)
	cleaned := false
	op := Operation{
		ID: "failing",
		Execute: func(Context) (map[string]interface{}, error) {
			return nil, errors.New("disk full")
		},
		Cleanup: func(Context) error {
			cleaned = true
			return nil
		},
	}

	result := e.Run(context.Background(), op, testContext("mod"))
	assert.Equal(t, api.OpFailed, result.State)
	assert.True(t, cleaned)

	record, err := e.State(context.Background(), "failing", "mod")
	require.NoError(t, err)
	assert.Equal(t, api.OpFailed, record.State)
}

func TestRun_TimeoutAborts(t *testing.T) {
	e := newTestEngine(t)
	op := Operation{
		ID:      "slow",
		Timeout: 10 * time.Millisecond,
		Execute: func(opCtx Context) (map[string]interface{}, error) {
			select {
			case <-time.After(time.Second):
				return nil, nil
			case <-opCtx.Ctx.Done():
				return nil, opCtx.Ctx.Err()
			}
		},
	}

	result := e.Run(context.Background(), op, testContext("mod"))
	assert.Equal(t, api.OpFailed, result.State)
	require.NotNil(t, result.Err)
	assert.Equal(t, api.KindTimeout, result.Err.Kind)
}

func TestRun_PreValidation(t *testing.T) {
	e := newTestEngine(t)
	op := Operation{
		ID: "guarded",
		PreValidation: []ValidationRule{
			{ID: "soft", Critical: false, Check: func(Context) error { return errors.New("meh") }},
			{ID: "hard", Critical: true, Check: func(Context) error { return errors.New("nope") }},
		},
		Execute: func(Context) (map[string]interface{}, error) { return nil, nil },
	}

	result := e.Run(context.Background(), op, testContext("mod"))
	assert.Equal(t, api.OpFailed, result.State)
	// The non-critical rule became a warning before the critical one aborted.
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "validation-rule-failed", result.Warnings[0].Code)
}

func TestRunSequence_StopsOnCriticalFailure(t *testing.T) {
	e := newTestEngine(t)
	var ran []string
	mk := func(id string, critical bool, fail bool) Operation {
		return Operation{
			ID:       id,
			Critical: critical,
			Execute: func(Context) (map[string]interface{}, error) {
				ran = append(ran, id)
				if fail {
					return nil, errors.New("fail")
				}
				return nil, nil
			},
		}
	}

	results, err := e.RunSequence(context.Background(), []Operation{
		mk("a", false, false),
		mk("b", true, true),
		mk("c", false, false),
	}, testContext("mod"))

	require.Error(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestRunSequence_ContinuesPastNonCriticalFailure(t *testing.T) {
	e := newTestEngine(t)
	ops := []Operation{
		{ID: "a", Execute: func(Context) (map[string]interface{}, error) { return nil, errors.New("fail") }},
		{ID: "b", Execute: func(Context) (map[string]interface{}, error) { return nil, nil }},
	}

	results, err := e.RunSequence(context.Background(), ops, testContext("mod"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, api.OpFailed, results[0].State)
	assert.Equal(t, api.OpCompleted, results[1].State)
}

func TestRunParallel_LevelsInOrder(t *testing.T) {
	e := newTestEngine(t)
	var firstLevelDone atomic.Bool
	var violated atomic.Bool

	level1 := []Operation{
		{ID: "l1a", Execute: func(Context) (map[string]interface{}, error) {
			time.Sleep(20 * time.Millisecond)
			firstLevelDone.Store(true)
			return nil, nil
		}},
	}
	level2 := []Operation{
		{ID: "l2a", Execute: func(Context) (map[string]interface{}, error) {
			if !firstLevelDone.Load() {
				violated.Store(true)
			}
			return nil, nil
		}},
	}

	results, err := e.RunParallel(context.Background(), [][]Operation{level1, level2}, testContext("mod"))
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.False(t, violated.Load())
}

func TestHistory_CapsAtTwenty(t *testing.T) {
	e := newTestEngine(t)
	op := Operation{
		ID:      "chatty",
		Execute: func(Context) (map[string]interface{}, error) { return nil, nil },
	}

	for i := 0; i < 25; i++ {
		e.Run(context.Background(), op, testContext("mod"))
	}
	assert.Len(t, e.History("chatty", "mod"), 20)
}
