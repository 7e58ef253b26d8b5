package rollback

import (
	"context"
	"fmt"
	"math"
	"time"

	"modkit/internal/api"
	"modkit/internal/dependency"
	"modkit/internal/events"
	"modkit/internal/operation"
	"modkit/pkg/logging"
)

// SafetyCheckKind classifies a pre-rollback gate.
type SafetyCheckKind string

const (
	SafetyDataBackup    SafetyCheckKind = "data_backup"
	SafetyServiceHealth SafetyCheckKind = "service_health"
	SafetyResources     SafetyCheckKind = "resources"
	SafetyDependencies  SafetyCheckKind = "dependencies"
)

// SafetyCheck is a gate evaluated before any compensating step runs. A
// required critical check that fails aborts the rollback as unsafe;
// anything else degrades to a warning.
type SafetyCheck struct {
	ID       string
	Kind     SafetyCheckKind
	Required bool
	Critical bool
	Check    func(ctx context.Context) error
}

// RetryPolicy bounds re-attempts of a single compensating step. The
// allow list restricts retries to the named error kinds; the deny list
// always wins over the allow list.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	RetryOn     []api.ErrorKind
	NoRetryOn   []api.ErrorKind
}

func (p RetryPolicy) retryable(err error) bool {
	kind := api.KindOf(err)
	for _, deny := range p.NoRetryOn {
		if kind == deny {
			return false
		}
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, allow := range p.RetryOn {
		if kind == allow {
			return true
		}
	}
	return false
}

// Step is one compensating operation of a plan.
type Step struct {
	ID       string
	Reverses string // forward step id this step compensates
	Op       operation.Operation
	Timeout  time.Duration
	Critical bool
	Retry    *RetryPolicy
}

// ForwardRecord describes one completed forward step when building a
// plan. DependsOn lists forward step ids that ran before this one.
type ForwardRecord struct {
	StepID    string
	DependsOn []string
}

// ReverseResolver maps a completed forward step to its declared reverse.
type ReverseResolver func(stepID string) (Step, bool)

// Plan is an ordered compensating sequence. Missing lists forward steps
// with no declared reverse; a plan with missing reverses only exists
// when built best-effort.
type Plan struct {
	Steps      []Step
	Missing    []string
	BestEffort bool
}

// StepResult is the outcome of one executed compensating step.
type StepResult struct {
	StepID   string        `json:"stepId"`
	Reverses string        `json:"reverses,omitempty"`
	Attempts int           `json:"attempts"`
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result summarizes a rollback run.
type Result struct {
	Success  bool          `json:"success"`
	Unsafe   bool          `json:"unsafe,omitempty"`
	Steps    []StepResult  `json:"steps,omitempty"`
	Warnings []api.Warning `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

// PostCheck asserts the post-rollback state matches the pre-forward
// baseline within a tolerance.
type PostCheck struct {
	ID        string
	Measure   func(ctx context.Context) (float64, error)
	Expected  float64
	Tolerance float64
}

// Engine builds and executes compensating plans through the operation
// engine.
type Engine struct {
	ops *operation.Engine
	bus *events.Bus
}

// NewEngine creates a rollback engine.
func NewEngine(ops *operation.Engine, bus *events.Bus) *Engine {
	return &Engine{ops: ops, bus: bus}
}

// BuildPlan orders the completed forward steps in reverse topological
// order and maps each to its declared reverse. A forward step without a
// reverse fails construction — partial rollback is possible but the
// caller must opt into it with bestEffort.
func (e *Engine) BuildPlan(records []ForwardRecord, resolve ReverseResolver, bestEffort bool) (Plan, error) {
	graph := dependency.New()
	for _, record := range records {
		graph.AddNode(dependency.Node{ID: dependency.NodeID(record.StepID)})
		for _, dep := range record.DependsOn {
			graph.AddEdge(dependency.NodeID(record.StepID), dependency.NodeID(dep), dependency.EdgeRequired)
		}
	}

	plan := Plan{BestEffort: bestEffort}
	for _, id := range graph.ReverseOrder() {
		step, ok := resolve(string(id))
		if !ok {
			plan.Missing = append(plan.Missing, string(id))
			continue
		}
		if step.Reverses == "" {
			step.Reverses = string(id)
		}
		plan.Steps = append(plan.Steps, step)
	}

	if len(plan.Missing) > 0 && !bestEffort {
		return Plan{}, api.NewError(api.KindRollback,
			"partial rollback possible: no declared reverse for steps %v", plan.Missing).
			WithContext("missing", plan.Missing).
			WithHint("retry with best-effort to roll back the covered steps only")
	}
	return plan, nil
}

// Execute runs the plan: safety checks, then each compensating step
// with its own timeout and retry policy, then post-rollback validation.
// A failed critical step or a failed post check fails the rollback; the
// caller pins the pair to rollback_required.
func (e *Engine) Execute(ctx context.Context, plan Plan, base operation.Context, safety []SafetyCheck, post []PostCheck) (Result, error) {
	started := time.Now()
	result := Result{}

	e.emit(events.RollbackStarted, base, map[string]interface{}{"steps": len(plan.Steps)})

	for _, missing := range plan.Missing {
		result.Warnings = append(result.Warnings, api.Warning{
			Code:    "no-declared-reverse",
			Message: fmt.Sprintf("forward step %s has no reverse and was not compensated", missing),
		})
	}

	if unsafe, err := e.runSafetyChecks(ctx, safety, &result); unsafe {
		result.Unsafe = true
		result.Duration = time.Since(started)
		e.emit(events.Error, base, map[string]interface{}{"cause": "rollback_unsafe"})
		return result, err
	}

	for _, step := range plan.Steps {
		stepResult := e.runStep(ctx, step, base)
		result.Steps = append(result.Steps, stepResult)
		if !stepResult.Success {
			if step.Critical {
				result.Duration = time.Since(started)
				return result, api.NewError(api.KindRollback,
					"compensating step %s failed after %d attempts: %s",
					step.ID, stepResult.Attempts, stepResult.Message)
			}
			result.Warnings = append(result.Warnings, api.Warning{
				Code:    "rollback-step-failed",
				Message: fmt.Sprintf("non-critical step %s failed: %s", step.ID, stepResult.Message),
			})
		}
	}

	for _, check := range post {
		actual, err := check.Measure(ctx)
		if err != nil {
			result.Duration = time.Since(started)
			return result, api.WrapError(api.KindRollback, err, "post-rollback check %s failed to run", check.ID)
		}
		if math.Abs(actual-check.Expected) > check.Tolerance {
			result.Duration = time.Since(started)
			return result, api.NewError(api.KindRollback,
				"post-rollback check %s: got %g, expected %g (tolerance %g)",
				check.ID, actual, check.Expected, check.Tolerance)
		}
	}

	result.Success = true
	result.Duration = time.Since(started)
	e.emit(events.RollbackCompleted, base, map[string]interface{}{
		"steps":    len(result.Steps),
		"duration": result.Duration.String(),
	})
	logging.Info("Rollback", "Rolled back %d steps for module %s tenant %s",
		len(result.Steps), base.ModuleID, base.TenantID)
	return result, nil
}

func (e *Engine) runSafetyChecks(ctx context.Context, checks []SafetyCheck, result *Result) (bool, error) {
	for _, check := range checks {
		if check.Check == nil {
			continue
		}
		err := check.Check(ctx)
		if err == nil {
			continue
		}
		if check.Required && check.Critical {
			return true, api.NewError(api.KindRollback, "rollback_unsafe: safety check %s (%s) failed: %v",
				check.ID, check.Kind, err).
				WithContext("check", check.ID).
				WithContext("kind", string(check.Kind))
		}
		result.Warnings = append(result.Warnings, api.Warning{
			Code:    "safety-check-failed",
			Message: fmt.Sprintf("%s (%s): %v", check.ID, check.Kind, err),
		})
	}
	return false, nil
}

// runStep executes one compensating step with retries inside the step's
// own timeout budget.
func (e *Engine) runStep(ctx context.Context, step Step, base operation.Context) StepResult {
	started := time.Now()
	result := StepResult{StepID: step.ID, Reverses: step.Reverses}

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	policy := RetryPolicy{MaxAttempts: 1}
	if step.Retry != nil {
		policy = *step.Retry
		if policy.MaxAttempts < 1 {
			policy.MaxAttempts = 1
		}
	}

	delay := policy.Delay
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result.Attempts = attempt

		runCtx := base
		runCtx.Ctx = stepCtx
		opResult := e.ops.Run(stepCtx, step.Op, runCtx)
		if opResult.Succeeded() {
			result.Success = true
			break
		}
		if opResult.Err != nil {
			result.Message = opResult.Err.Error()
		}

		if attempt == policy.MaxAttempts || !policy.retryable(opResult.Err) {
			break
		}
		if stepCtx.Err() != nil {
			result.Message = "step timeout exhausted"
			break
		}

		logging.Debug("Rollback", "Retrying step %s (attempt %d/%d) after %s",
			step.ID, attempt+1, policy.MaxAttempts, delay)
		select {
		case <-time.After(delay):
		case <-stepCtx.Done():
			result.Message = "step timeout exhausted"
			return result
		}
		if policy.Multiplier > 1 {
			delay = time.Duration(float64(delay) * policy.Multiplier)
		}
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	result.Duration = time.Since(started)
	return result
}

func (e *Engine) emit(kind events.Kind, base operation.Context, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(events.Event{
		Kind:     kind,
		ModuleID: base.ModuleID,
		TenantID: base.TenantID,
		Payload:  payload,
	})
}
