package validation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modkit/internal/api"
	"modkit/internal/probe"
)

func passRule(id string) Rule {
	return Rule{
		ID:       id,
		Category: CategoryConfiguration,
		Severity: SeverityError,
		Evaluate: func(context.Context, Target) error { return nil },
	}
}

func failRule(id string, severity Severity) Rule {
	return Rule{
		ID:       id,
		Category: CategoryConfiguration,
		Severity: severity,
		Evaluate: func(context.Context, Target) error { return errors.New("boom") },
	}
}

func TestRunRules_EmptySetPassesWithFullScore(t *testing.T) {
	v := New(4, nil)

	report, err := v.RunRules(context.Background(), nil, Target{ModuleID: "m"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, VerdictPass, report.Verdict)
	assert.Equal(t, 100.0, report.Score)
	assert.Zero(t, report.Total)
}

func TestRunRules_AllPassing(t *testing.T) {
	v := New(4, nil)
	rules := []Rule{passRule("a"), passRule("b"), passRule("c")}

	report, err := v.RunRules(context.Background(), rules, Target{ModuleID: "m"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, VerdictPass, report.Verdict)
	assert.Equal(t, 100.0, report.Score)
	assert.Equal(t, 3, report.Passed)
}

func TestRunRules_Verdicts(t *testing.T) {
	tests := []struct {
		name    string
		rules   []Rule
		verdict Verdict
	}{
		{
			name:    "warning severity degrades to warning",
			rules:   []Rule{passRule("a"), failRule("b", SeverityWarning)},
			verdict: VerdictWarning,
		},
		{
			name:    "optional error degrades to warning",
			rules:   []Rule{passRule("a"), failRule("b", SeverityError)},
			verdict: VerdictWarning,
		},
		{
			name:    "critical fails",
			rules:   []Rule{passRule("a"), failRule("b", SeverityCritical)},
			verdict: VerdictFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(2, nil)
			report, err := v.RunRules(context.Background(), tt.rules, Target{ModuleID: "m"}, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, report.Verdict)
		})
	}
}

func TestRunRules_RequiredErrorRuleFails(t *testing.T) {
	v := New(2, nil)
	required := failRule("b", SeverityError)
	required.Required = true

	report, err := v.RunRules(context.Background(), []Rule{passRule("a"), required}, Target{ModuleID: "m"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, report.Verdict)
}

func TestRunRules_DependencyOrderAndSkip(t *testing.T) {
	var order []string
	base := Rule{
		ID:       "base",
		Severity: SeverityError,
		Evaluate: func(context.Context, Target) error {
			order = append(order, "base")
			return errors.New("base failed")
		},
	}
	dependent := Rule{
		ID:        "dependent",
		Severity:  SeverityError,
		DependsOn: []string{"base"},
		Evaluate: func(context.Context, Target) error {
			order = append(order, "dependent")
			return nil
		},
	}

	v := New(1, nil)
	report, err := v.RunRules(context.Background(), []Rule{dependent, base}, Target{ModuleID: "m"}, Options{})
	require.NoError(t, err)

	// base ran, dependent was skipped because its dependency failed.
	assert.Equal(t, []string{"base"}, order)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
}

func TestRunRules_AbortOnCriticalSkipsLaterLevels(t *testing.T) {
	var ran atomic.Int32
	critical := failRule("a-critical", SeverityCritical)
	later := Rule{
		ID:        "b-later",
		Severity:  SeverityError,
		DependsOn: []string{"a-critical"},
		Evaluate: func(context.Context, Target) error {
			ran.Add(1)
			return nil
		},
	}

	v := New(2, nil)
	report, err := v.RunRules(context.Background(), []Rule{critical, later}, Target{ModuleID: "m"}, Options{AbortOnCritical: true})
	require.NoError(t, err)

	assert.Equal(t, VerdictFail, report.Verdict)
	assert.Zero(t, ran.Load())
	assert.Equal(t, 1, report.Skipped)
}

func TestRunRules_TimeoutCountsAsCritical(t *testing.T) {
	slow := Rule{
		ID:       "slow",
		Severity: SeverityWarning,
		Timeout:  10 * time.Millisecond,
		Evaluate: func(ctx context.Context, _ Target) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	v := New(1, nil)
	report, err := v.RunRules(context.Background(), []Rule{slow}, Target{ModuleID: "m"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, VerdictFail, report.Verdict)
	require.Len(t, report.Results, 1)
	assert.Equal(t, SeverityCritical, report.Results[0].Severity)
}

func TestRunRules_ScoreIsFractionPassed(t *testing.T) {
	v := New(4, nil)
	rules := []Rule{passRule("a"), passRule("b"), passRule("c"), failRule("d", SeverityWarning)}

	report, err := v.RunRules(context.Background(), rules, Target{ModuleID: "m"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 75.0, report.Score)
}

func TestHistory_CappedAtTen(t *testing.T) {
	v := New(1, nil)
	for i := 0; i < 15; i++ {
		_, err := v.RunRules(context.Background(), []Rule{passRule("a")}, Target{ModuleID: "m"}, Options{})
		require.NoError(t, err)
	}
	assert.Len(t, v.History("m"), 10)
}

func TestAddRule_Validation(t *testing.T) {
	v := New(1, nil)

	err := v.AddRule(Rule{Evaluate: func(context.Context, Target) error { return nil }})
	assert.True(t, api.IsKind(err, api.KindValidation))

	err = v.AddRule(Rule{ID: "no-body"})
	assert.True(t, api.IsKind(err, api.KindValidation))

	require.NoError(t, v.AddRule(passRule("ok")))
	assert.Len(t, v.Rules(), 1)
}

func TestRunRules_RulesSeeProbeSnapshot(t *testing.T) {
	sysProbe := &probe.StaticProbe{Value: probe.Snapshot{
		Resources: probe.ResourceUsage{MemoryPercent: 92},
		Network:   probe.Network{Connected: false},
	}}
	v := New(2, sysProbe)

	var seen probe.Snapshot
	memory := Rule{
		ID:       "memory-headroom",
		Category: CategoryResources,
		Severity: SeverityCritical,
		Evaluate: func(_ context.Context, target Target) error {
			seen = target.System
			if target.System.Resources.MemoryPercent > 90 {
				return fmt.Errorf("memory at %.0f%%", target.System.Resources.MemoryPercent)
			}
			return nil
		},
	}

	report, err := v.RunRules(context.Background(), []Rule{memory}, Target{ModuleID: "m", TenantID: "t"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, VerdictFail, report.Verdict)
	assert.Equal(t, 92.0, seen.Resources.MemoryPercent)
	assert.False(t, seen.Network.Connected)
}

type offlineProbe struct{}

func (offlineProbe) Snapshot(context.Context) (probe.Snapshot, error) {
	return probe.Snapshot{}, errors.New("probe offline")
}

func TestRunRules_ProbeFailureFailsTheRun(t *testing.T) {
	v := New(1, offlineProbe{})

	_, err := v.RunRules(context.Background(), []Rule{passRule("a")}, Target{ModuleID: "m"}, Options{})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindValidation))
}

func TestRunRules_NilProbeDefaultsToHealthySnapshot(t *testing.T) {
	v := New(1, nil)

	var seen probe.Snapshot
	capture := Rule{
		ID:       "capture",
		Category: CategoryNetwork,
		Severity: SeverityError,
		Evaluate: func(_ context.Context, target Target) error {
			seen = target.System
			return nil
		},
	}

	_, err := v.RunRules(context.Background(), []Rule{capture}, Target{ModuleID: "m"}, Options{})
	require.NoError(t, err)
	assert.True(t, seen.Network.Connected)
	assert.Equal(t, 100, seen.Health.Score)
}

func TestRetry_FlakyRulePassesOnLaterAttempt(t *testing.T) {
	v := New(1, nil)
	v.SetRetry(Retry{MaxAttempts: 3, Delay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond})

	var attempts atomic.Int32
	flaky := Rule{
		ID:       "flaky",
		Severity: SeverityError,
		Evaluate: func(context.Context, Target) error {
			if attempts.Add(1) < 2 {
				return errors.New("transient")
			}
			return nil
		},
	}

	report, err := v.RunRules(context.Background(), []Rule{flaky}, Target{ModuleID: "m"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, VerdictPass, report.Verdict)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRetry_ExhaustedAttemptsReportFailure(t *testing.T) {
	v := New(1, nil)
	v.SetRetry(Retry{MaxAttempts: 2, Delay: time.Millisecond})

	var attempts atomic.Int32
	down := Rule{
		ID:       "down",
		Severity: SeverityCritical,
		Evaluate: func(context.Context, Target) error {
			attempts.Add(1)
			return errors.New("still down")
		},
	}

	report, err := v.RunRules(context.Background(), []Rule{down}, Target{ModuleID: "m"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, VerdictFail, report.Verdict)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRetry_TimeoutIsNotRetried(t *testing.T) {
	v := New(1, nil)
	v.SetRetry(Retry{MaxAttempts: 3, Delay: time.Millisecond})

	var attempts atomic.Int32
	slow := Rule{
		ID:       "slow",
		Severity: SeverityWarning,
		Timeout:  10 * time.Millisecond,
		Evaluate: func(ctx context.Context, _ Target) error {
			attempts.Add(1)
			<-ctx.Done()
			return ctx.Err()
		},
	}

	report, err := v.RunRules(context.Background(), []Rule{slow}, Target{ModuleID: "m"}, Options{})
	require.NoError(t, err)

	assert.Equal(t, VerdictFail, report.Verdict)
	assert.Equal(t, int32(1), attempts.Load())
}
