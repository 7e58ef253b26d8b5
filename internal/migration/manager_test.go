package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modkit/internal/api"
	"modkit/internal/operation"
	"modkit/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewManager(operation.NewEngine(store, 4, 0), store)
}

func addOp(id string) api.MigrationOp {
	return api.MigrationOp{ID: id, Kind: api.MigAddTable, Payload: map[string]interface{}{"table": id}}
}

func spec(id, version string, ops ...api.MigrationOp) api.MigrationSpec {
	return api.MigrationSpec{ID: id, Version: version, Forward: ops}
}

func moduleScope(moduleID string) Scope {
	return Scope{Level: ScopeModule, ModuleID: moduleID, TenantID: "tenant-a"}
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name string
		spec api.MigrationSpec
		kind api.ErrorKind
	}{
		{
			name: "missing id",
			spec: api.MigrationSpec{Version: "1.0.0"},
			kind: api.KindValidation,
		},
		{
			name: "missing version",
			spec: api.MigrationSpec{ID: "m1"},
			kind: api.KindValidation,
		},
		{
			name: "bad semver",
			spec: api.MigrationSpec{ID: "m1", Version: "one-dot-oh"},
			kind: api.KindValidation,
		},
		{
			name: "forward op without id",
			spec: spec("m1", "1.0.0", api.MigrationOp{Kind: api.MigAddTable}),
			kind: api.KindValidation,
		},
		{
			name: "duplicate forward op",
			spec: spec("m1", "1.0.0", addOp("a"), addOp("a")),
			kind: api.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			err := m.Register("mod", tt.spec)
			assert.True(t, api.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestRegister_RejectsDestructiveForwardKinds(t *testing.T) {
	destructive := []api.MigrationOpKind{
		api.MigDropTable,
		api.MigDropColumn,
		api.MigNarrowType,
		api.MigDeleteRows,
		api.MigTruncateTable,
	}

	for _, kind := range destructive {
		t.Run(string(kind), func(t *testing.T) {
			m := newTestManager(t)
			err := m.Register("mod", spec("m1", "1.0.0", api.MigrationOp{ID: "bad", Kind: kind}))
			assert.True(t, api.IsKind(err, api.KindMigration), "got %v", err)
		})
	}
}

func TestRegister_DestructiveReverseAllowed(t *testing.T) {
	m := newTestManager(t)
	s := spec("m1", "1.0.0", addOp("create-orders"))
	s.Reverse = []api.MigrationOp{{ID: "drop-orders", Kind: api.MigDropTable}}
	assert.NoError(t, m.Register("mod", s))
}

func TestRegister_DuplicateIDConflicts(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Register("mod", spec("m1", "1.0.0", addOp("a"))))
	err := m.Register("mod", spec("m1", "2.0.0", addOp("b")))
	assert.True(t, api.IsKind(err, api.KindConflict))
}

func TestRun_CompletesAndRecordsVersion(t *testing.T) {
	m := newTestManager(t)
	scope := moduleScope("mod")

	result, err := m.Run(context.Background(), spec("m1", "1.0.0", addOp("a"), addOp("b")), scope, RunOptions{})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Len(t, result.Completed, 2)

	require.NoError(t, m.Register("mod", spec("m1", "1.0.0", addOp("a"), addOp("b"))))
	versions, err := m.CompletedVersions(context.Background(), "mod", scope)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, versions)
}

func TestRun_CompletedVersionIsNoOp(t *testing.T) {
	m := newTestManager(t)
	scope := moduleScope("mod")
	var applied int
	m.BindExecutor(api.MigAddTable, func(context.Context, api.MigrationOp, Scope) (map[string]interface{}, error) {
		applied++
		return nil, nil
	})
	s := spec("m1", "1.0.0", addOp("a"))

	_, err := m.Run(context.Background(), s, scope, RunOptions{})
	require.NoError(t, err)

	result, err := m.Run(context.Background(), s, scope, RunOptions{})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 1, applied)
}

func TestRun_ScopesTrackVersionsIndependently(t *testing.T) {
	m := newTestManager(t)
	s := spec("m1", "1.0.0", addOp("a"))

	_, err := m.Run(context.Background(), s, Scope{Level: ScopeModule, ModuleID: "mod", TenantID: "tenant-a"}, RunOptions{})
	require.NoError(t, err)

	result, err := m.Run(context.Background(), s, Scope{Level: ScopeModule, ModuleID: "mod", TenantID: "tenant-b"}, RunOptions{})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
}

func TestRun_DependencyResolution(t *testing.T) {
	scope := moduleScope("mod")
	base := spec("base", "1.0.0", addOp("a"))

	t.Run("required missing fails", func(t *testing.T) {
		m := newTestManager(t)
		s := spec("m2", "1.0.0", addOp("b"))
		s.Dependencies = []api.Dependency{{ModuleID: "base", Kind: api.DependencyRequired}}
		_, err := m.Run(context.Background(), s, scope, RunOptions{})
		assert.True(t, api.IsKind(err, api.KindDependency))
	})

	t.Run("required completed passes", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.Run(context.Background(), base, scope, RunOptions{})
		require.NoError(t, err)

		s := spec("m2", "1.0.0", addOp("b"))
		s.Dependencies = []api.Dependency{{ModuleID: "base", Kind: api.DependencyRequired}}
		_, err = m.Run(context.Background(), s, scope, RunOptions{})
		assert.NoError(t, err)
	})

	t.Run("optional missing warns", func(t *testing.T) {
		m := newTestManager(t)
		s := spec("m2", "1.0.0", addOp("b"))
		s.Dependencies = []api.Dependency{{ModuleID: "base", Kind: api.DependencyOptional}}
		result, err := m.Run(context.Background(), s, scope, RunOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, result.Warnings)
		assert.Equal(t, "optional-migration-missing", result.Warnings[0].Code)
	})

	t.Run("conflicting executed fails", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.Run(context.Background(), base, scope, RunOptions{})
		require.NoError(t, err)

		s := spec("m2", "1.0.0", addOp("b"))
		s.Dependencies = []api.Dependency{{ModuleID: "base", Kind: api.DependencyConflicting}}
		_, err = m.Run(context.Background(), s, scope, RunOptions{})
		assert.True(t, api.IsKind(err, api.KindDependency))
	})
}

func TestRun_IntegrityCheckTolerance(t *testing.T) {
	m := newTestManager(t)
	m.BindQuery(func(context.Context, string, Scope) (float64, error) {
		return 97, nil
	})

	s := spec("m1", "1.0.0", addOp("a"))
	s.Integrity = []api.IntegrityCheck{{ID: "row-count", Query: "count", Expected: 100, Tolerance: 5}}
	_, err := m.Run(context.Background(), s, moduleScope("mod"), RunOptions{})
	assert.NoError(t, err)

	s2 := spec("m2", "1.1.0", addOp("b"))
	s2.Integrity = []api.IntegrityCheck{{ID: "row-count", Query: "count", Expected: 100, Tolerance: 2}}
	_, err = m.Run(context.Background(), s2, moduleScope("mod"), RunOptions{})
	assert.True(t, api.IsKind(err, api.KindMigration))
}

func TestRun_FailureTriggersAutomaticRollback(t *testing.T) {
	m := newTestManager(t)
	m.BindExecutor(api.MigAddIndex, func(context.Context, api.MigrationOp, Scope) (map[string]interface{}, error) {
		return nil, errors.New("index build failed")
	})
	var reversed []string
	m.BindRollback(func(_ context.Context, _ api.MigrationSpec, completed []api.MigrationOp, _ Scope) error {
		for _, op := range completed {
			reversed = append(reversed, op.ID)
		}
		return nil
	})

	s := spec("m1", "1.0.0",
		addOp("create-table"),
		api.MigrationOp{ID: "build-index", Kind: api.MigAddIndex, Critical: true},
	)
	result, err := m.Run(context.Background(), s, moduleScope("mod"), RunOptions{AutomaticRollback: true})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindMigration))
	assert.True(t, result.RolledBack)
	assert.Equal(t, []string{"create-table"}, reversed)
}

func TestRun_PreChecksGateTheRun(t *testing.T) {
	m := newTestManager(t)
	var applied int
	m.BindExecutor(api.MigAddTable, func(context.Context, api.MigrationOp, Scope) (map[string]interface{}, error) {
		applied++
		return nil, nil
	})
	m.BindQuery(func(context.Context, string, Scope) (float64, error) { return 0, nil })

	s := spec("m1", "1.0.0", addOp("a"))
	s.PreChecks = []api.IntegrityCheck{{ID: "baseline", Query: "rows", Expected: 10}}

	_, err := m.Run(context.Background(), s, moduleScope("mod"), RunOptions{})
	assert.True(t, api.IsKind(err, api.KindMigration), "got %v", err)
	assert.Zero(t, applied)
}

func TestRun_PerOperationChecksBracketExecution(t *testing.T) {
	m := newTestManager(t)
	var trace []string
	m.BindExecutor(api.MigAddTable, func(_ context.Context, op api.MigrationOp, _ Scope) (map[string]interface{}, error) {
		trace = append(trace, "execute:"+op.ID)
		return nil, nil
	})
	m.BindQuery(func(_ context.Context, query string, _ Scope) (float64, error) {
		trace = append(trace, "query:"+query)
		return 1, nil
	})

	op := addOp("a")
	op.PreChecks = []api.IntegrityCheck{{ID: "pre", Query: "before", Expected: 1}}
	op.PostChecks = []api.IntegrityCheck{{ID: "post", Query: "after", Expected: 1}}

	_, err := m.Run(context.Background(), spec("m1", "1.0.0", op), moduleScope("mod"), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"query:before", "execute:a", "query:after"}, trace)
}

func TestRun_FailedPostOperationCheckAborts(t *testing.T) {
	m := newTestManager(t)
	m.BindQuery(func(context.Context, string, Scope) (float64, error) { return 0, nil })

	op := addOp("a")
	op.Critical = true
	op.PostChecks = []api.IntegrityCheck{{ID: "post", Query: "after", Expected: 1}}

	_, err := m.Run(context.Background(), spec("m1", "1.0.0", op), moduleScope("mod"), RunOptions{})
	assert.True(t, api.IsKind(err, api.KindMigration), "got %v", err)
}

func TestRun_PostChecksVerifyEndState(t *testing.T) {
	m := newTestManager(t)
	m.BindQuery(func(_ context.Context, query string, _ Scope) (float64, error) {
		if query == "views" {
			return 3, nil
		}
		return 1, nil
	})

	s := spec("m1", "1.0.0", addOp("a"))
	s.PostChecks = []api.IntegrityCheck{{ID: "views", Query: "views", Expected: 4}}

	result, err := m.Run(context.Background(), s, moduleScope("mod"), RunOptions{})
	assert.True(t, api.IsKind(err, api.KindMigration), "got %v", err)
	// The forward operation itself completed before the end-state check
	// failed.
	assert.Len(t, result.Completed, 1)
}

func TestRun_RollbackChecksGateRollbackSuccess(t *testing.T) {
	failingSpec := func(m *Manager) api.MigrationSpec {
		m.BindExecutor(api.MigAddIndex, func(context.Context, api.MigrationOp, Scope) (map[string]interface{}, error) {
			return nil, errors.New("index build failed")
		})
		m.BindRollback(func(context.Context, api.MigrationSpec, []api.MigrationOp, Scope) error { return nil })
		s := spec("m1", "1.0.0",
			addOp("create-table"),
			api.MigrationOp{ID: "build-index", Kind: api.MigAddIndex, Critical: true},
		)
		s.RollbackChecks = []api.IntegrityCheck{{ID: "restored", Query: "baseline", Expected: 5}}
		return s
	}

	t.Run("verification passes", func(t *testing.T) {
		m := newTestManager(t)
		s := failingSpec(m)
		m.BindQuery(func(context.Context, string, Scope) (float64, error) { return 5, nil })

		result, err := m.Run(context.Background(), s, moduleScope("mod"), RunOptions{AutomaticRollback: true})
		require.Error(t, err)
		assert.True(t, result.RolledBack)
	})

	t.Run("verification fails", func(t *testing.T) {
		m := newTestManager(t)
		s := failingSpec(m)
		m.BindQuery(func(context.Context, string, Scope) (float64, error) { return 0, nil })

		result, err := m.Run(context.Background(), s, moduleScope("mod"), RunOptions{AutomaticRollback: true})
		require.Error(t, err)
		assert.False(t, result.RolledBack)
	})
}

func TestRun_MaxLockBoundsEachOperation(t *testing.T) {
	m := newTestManager(t)
	m.BindExecutor(api.MigAddTable, func(ctx context.Context, _ api.MigrationOp, _ Scope) (map[string]interface{}, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	op := addOp("slow")
	op.Critical = true
	s := spec("m1", "1.0.0", op)
	s.Envelope.MaxLock = 10 * time.Millisecond

	_, err := m.Run(context.Background(), s, moduleScope("mod"), RunOptions{})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindMigration), "got %v", err)
}

func TestRunAll_VersionOrderStopsOnFailure(t *testing.T) {
	m := newTestManager(t)
	var order []string
	m.BindExecutor(api.MigAddTable, func(_ context.Context, op api.MigrationOp, _ Scope) (map[string]interface{}, error) {
		order = append(order, op.ID)
		if op.ID == "boom" {
			return nil, errors.New("fail")
		}
		return nil, nil
	})

	// Registered out of version order on purpose.
	require.NoError(t, m.Register("mod", spec("m3", "1.2.0", addOp("third"))))
	require.NoError(t, m.Register("mod", spec("m1", "1.0.0", addOp("first"))))
	require.NoError(t, m.Register("mod", func() api.MigrationSpec {
		s := spec("m2", "1.1.0", api.MigrationOp{ID: "boom", Kind: api.MigAddTable, Critical: true})
		return s
	}()))

	results, err := m.RunAll(context.Background(), "mod", moduleScope("mod"), RunOptions{})
	require.Error(t, err)
	assert.Equal(t, []string{"first", "boom"}, order)
	assert.Len(t, results, 2)
}

func TestPending_ExcludesCompleted(t *testing.T) {
	m := newTestManager(t)
	scope := moduleScope("mod")
	require.NoError(t, m.Register("mod", spec("m1", "1.0.0", addOp("a"))))
	require.NoError(t, m.Register("mod", spec("m2", "1.1.0", addOp("b"))))

	pending, err := m.Pending(context.Background(), "mod", scope)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = m.Run(context.Background(), spec("m1", "1.0.0", addOp("a")), scope, RunOptions{})
	require.NoError(t, err)

	pending, err = m.Pending(context.Background(), "mod", scope)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m2", pending[0].ID)
}
