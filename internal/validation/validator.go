package validation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"modkit/internal/api"
	"modkit/internal/dependency"
	"modkit/internal/probe"
	"modkit/pkg/logging"
)

// Severity ranks a failed rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Category groups rules for reporting.
type Category string

const (
	CategoryCompatibility Category = "compatibility"
	CategoryResources     Category = "resources"
	CategorySecurity      Category = "security"
	CategoryPerformance   Category = "performance"
	CategoryDependencies  Category = "dependencies"
	CategoryConfiguration Category = "configuration"
	CategoryDataIntegrity Category = "data_integrity"
	CategoryNetwork       Category = "network"
	CategoryStorage       Category = "storage"
	CategoryPermissions   Category = "permissions"
)

// Verdict is the overall outcome of a validation run.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictWarning Verdict = "warning"
	VerdictFail    Verdict = "fail"
)

const maxReportHistory = 10

// Target describes what is being validated.
type Target struct {
	ModuleID string
	TenantID string
	Config   map[string]interface{}

	// System is the probe snapshot taken when the run started. Every
	// rule in a run sees the same snapshot.
	System probe.Snapshot
}

// Retry controls re-evaluation of failed rules. Timed-out rules are
// never retried. The zero value disables retries.
type Retry struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Rule is one validation check. Rules may declare dependencies on other
// rules; a rule only runs after its dependencies have run, and is skipped
// when a dependency failed. Required rules gate the verdict harder than
// optional ones of the same severity.
type Rule struct {
	ID        string
	Category  Category
	Severity  Severity
	DependsOn []string
	Timeout   time.Duration
	Required  bool
	Evaluate  func(ctx context.Context, target Target) error
}

// Options tunes a single validation run.
type Options struct {
	// AbortOnCritical stops scheduling further levels once a critical
	// failure is observed.
	AbortOnCritical bool
}

// RuleResult is the outcome of a single rule.
type RuleResult struct {
	RuleID   string        `json:"ruleId"`
	Category Category      `json:"category"`
	Severity Severity      `json:"severity"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped,omitempty"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report summarizes a validation run.
type Report struct {
	ModuleID   string           `json:"moduleId"`
	TenantID   string           `json:"tenantId"`
	Verdict    Verdict          `json:"verdict"`
	Score      float64          `json:"score"`
	Total      int              `json:"total"`
	Passed     int              `json:"passed"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	ByCategory map[Category]int `json:"byCategory,omitempty"`
	BySeverity map[Severity]int `json:"bySeverity,omitempty"`
	Results    []RuleResult     `json:"results"`
	StartedAt  time.Time        `json:"startedAt"`
	Duration   time.Duration    `json:"duration"`
}

// Failures returns the failed, non-skipped results, highest severity
// first.
func (r Report) Failures() []RuleResult {
	var out []RuleResult
	for _, res := range r.Results {
		if !res.Passed && !res.Skipped {
			out = append(out, res)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return severityRank(out[i].Severity) < severityRank(out[j].Severity)
	})
	return out
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityError:
		return 1
	case SeverityWarning:
		return 2
	default:
		return 3
	}
}

// Validator runs rule sets in dependency order with bounded parallelism.
// Every run starts from a fresh system probe snapshot that rules read
// through their Target.
type Validator struct {
	mu sync.Mutex

	parallelism int
	sysProbe    probe.Probe
	retry       Retry
	rules       map[string]Rule
	history     map[string][]Report
}

// New creates a validator. parallelism bounds concurrent rule
// evaluation; values below 1 mean unbounded. A nil sysProbe falls back
// to a static healthy snapshot.
func New(parallelism int, sysProbe probe.Probe) *Validator {
	if sysProbe == nil {
		sysProbe = probe.NewHealthyProbe()
	}
	return &Validator{
		parallelism: parallelism,
		sysProbe:    sysProbe,
		rules:       make(map[string]Rule),
		history:     make(map[string][]Report),
	}
}

// SetRetry installs the retry envelope applied to every rule evaluation.
func (v *Validator) SetRetry(r Retry) {
	v.mu.Lock()
	v.retry = r
	v.mu.Unlock()
}

// AddRule registers a reusable rule. A rule with a duplicate id replaces
// the previous registration.
func (v *Validator) AddRule(rule Rule) error {
	if rule.ID == "" {
		return api.NewValidationError("validation rule needs an id")
	}
	if rule.Evaluate == nil {
		return api.NewValidationError("validation rule %s has no evaluate body", rule.ID)
	}
	v.mu.Lock()
	v.rules[rule.ID] = rule
	v.mu.Unlock()
	return nil
}

// Rules returns the registered rules, sorted by id.
func (v *Validator) Rules() []Rule {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Rule, 0, len(v.rules))
	for _, rule := range v.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run evaluates all registered rules against the target, aborting on
// critical failures.
func (v *Validator) Run(ctx context.Context, target Target) (Report, error) {
	return v.RunRules(ctx, v.Rules(), target, Options{AbortOnCritical: true})
}

// RunRules evaluates an explicit rule set against the target. Rules are
// grouped into dependency levels; each level runs in parallel, levels in
// order. With AbortOnCritical, a critical failure stops execution after
// its level completes and the remaining rules are reported as skipped.
//
// An empty rule set passes with a score of 100.
func (v *Validator) RunRules(ctx context.Context, rules []Rule, target Target, opts Options) (Report, error) {
	started := time.Now()
	report := Report{
		ModuleID:  target.ModuleID,
		TenantID:  target.TenantID,
		StartedAt: started,
	}

	if len(rules) == 0 {
		report.Verdict = VerdictPass
		report.Score = 100
		v.record(target.ModuleID, report)
		return report, nil
	}

	snapshot, err := v.sysProbe.Snapshot(ctx)
	if err != nil {
		return report, api.WrapError(api.KindValidation, err, "system probe snapshot failed")
	}
	target.System = snapshot

	levels := ruleLevels(rules)
	byID := make(map[string]Rule, len(rules))
	for _, rule := range rules {
		byID[rule.ID] = rule
	}

	results := make(map[string]RuleResult, len(rules))
	var resultsMu sync.Mutex
	aborted := false

	for _, level := range levels {
		if aborted {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		if v.parallelism > 0 {
			g.SetLimit(v.parallelism)
		}
		for _, id := range level {
			rule, ok := byID[id]
			if !ok {
				// Dependency on a rule outside this set; nothing to run.
				continue
			}
			g.Go(func() error {
				result := v.evaluate(gctx, rule, target, results, &resultsMu)
				resultsMu.Lock()
				results[rule.ID] = result
				resultsMu.Unlock()
				return nil
			})
		}
		// Rule failures are reported, not returned, so Wait only sees
		// context cancellation.
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return report, api.WrapError(api.KindTimeout, err, "validation cancelled")
		}

		if opts.AbortOnCritical {
			for _, id := range level {
				if res, ok := results[id]; ok && !res.Passed && !res.Skipped && res.Severity == SeverityCritical {
					aborted = true
				}
			}
		}
	}

	// Anything never evaluated (abort, or downstream of a failure) counts
	// as skipped.
	for _, rule := range rules {
		if _, ok := results[rule.ID]; !ok {
			results[rule.ID] = RuleResult{
				RuleID:   rule.ID,
				Category: rule.Category,
				Severity: rule.Severity,
				Skipped:  true,
				Message:  "not evaluated",
			}
		}
	}

	report.ByCategory = make(map[Category]int)
	report.BySeverity = make(map[Severity]int)
	for _, rule := range rules {
		res := results[rule.ID]
		report.Results = append(report.Results, res)
		report.Total++
		switch {
		case res.Skipped:
			report.Skipped++
		case res.Passed:
			report.Passed++
		default:
			report.Failed++
			report.ByCategory[res.Category]++
			report.BySeverity[res.Severity]++
		}
	}

	report.Score = 100 * float64(report.Passed) / float64(report.Total)
	report.Verdict = verdict(rules, results)
	report.Duration = time.Since(started)

	logging.Debug("Validation", "Validated %s for tenant %s: %s (score %.0f, %d/%d passed)",
		target.ModuleID, target.TenantID, report.Verdict, report.Score, report.Passed, report.Total)

	v.record(target.ModuleID, report)
	return report, nil
}

// History returns the retained reports for a module, oldest first.
func (v *Validator) History(moduleID string) []Report {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.history[moduleID]
	out := make([]Report, len(entries))
	copy(out, entries)
	return out
}

func (v *Validator) evaluate(ctx context.Context, rule Rule, target Target, results map[string]RuleResult, resultsMu *sync.Mutex) RuleResult {
	result := RuleResult{
		RuleID:   rule.ID,
		Category: rule.Category,
		Severity: rule.Severity,
	}

	// Skip when any dependency failed or was itself skipped.
	resultsMu.Lock()
	for _, dep := range rule.DependsOn {
		if depRes, ok := results[dep]; ok && (!depRes.Passed || depRes.Skipped) {
			resultsMu.Unlock()
			result.Skipped = true
			result.Message = fmt.Sprintf("dependency %s did not pass", dep)
			return result
		}
	}
	resultsMu.Unlock()

	runCtx := ctx
	if rule.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, rule.Timeout)
		defer cancel()
	}

	v.mu.Lock()
	retry := v.retry
	v.mu.Unlock()
	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	multiplier := retry.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := retry.Delay

	started := time.Now()
	var err error
	for attempt := 1; ; attempt++ {
		var timedOut bool
		timedOut, err = v.invoke(runCtx, rule, target)
		if timedOut {
			// A timed-out rule counts as a critical failure regardless
			// of its declared severity, and is never retried.
			result.Severity = SeverityCritical
			break
		}
		if err == nil || attempt >= attempts {
			break
		}
		logging.Debug("Validation", "Rule %s attempt %d/%d failed, retrying in %s: %v",
			rule.ID, attempt, attempts, delay, err)
		select {
		case <-time.After(delay):
		case <-runCtx.Done():
		}
		if runCtx.Err() != nil {
			result.Severity = SeverityCritical
			err = api.NewTimeoutError("validation rule " + rule.ID)
			break
		}
		delay = time.Duration(float64(delay) * multiplier)
		if retry.MaxDelay > 0 && delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}
	}
	result.Duration = time.Since(started)

	if err != nil {
		result.Message = err.Error()
		return result
	}
	result.Passed = true
	return result
}

// invoke runs the rule body once, reporting expiry of the
// deadline-bound context as a timeout.
func (v *Validator) invoke(ctx context.Context, rule Rule, target Target) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- rule.Evaluate(ctx, target)
	}()
	select {
	case err := <-done:
		return false, err
	case <-ctx.Done():
		return true, api.NewTimeoutError("validation rule " + rule.ID)
	}
}

// verdict derives the overall outcome: any critical failure fails the
// run, as does an error-severity failure on a required rule. Every other
// failure degrades the verdict to warning.
func verdict(rules []Rule, results map[string]RuleResult) Verdict {
	out := VerdictPass
	for _, rule := range rules {
		res := results[rule.ID]
		if res.Passed || res.Skipped {
			continue
		}
		switch {
		case res.Severity == SeverityCritical:
			return VerdictFail
		case res.Severity == SeverityError && rule.Required:
			return VerdictFail
		default:
			out = VerdictWarning
		}
	}
	return out
}

func (v *Validator) record(moduleID string, report Report) {
	v.mu.Lock()
	entries := append(v.history[moduleID], report)
	if len(entries) > maxReportHistory {
		entries = entries[len(entries)-maxReportHistory:]
	}
	v.history[moduleID] = entries
	v.mu.Unlock()
}

// ruleLevels orders rules by their DependsOn edges using the dependency
// graph's level computation. Cycles are broken by the graph's
// deterministic smallest-id promotion, so every rule still runs.
func ruleLevels(rules []Rule) [][]string {
	graph := dependency.New()
	for _, rule := range rules {
		graph.AddNode(dependency.Node{ID: dependency.NodeID(rule.ID), Label: string(rule.Category)})
		for _, dep := range rule.DependsOn {
			graph.AddEdge(dependency.NodeID(rule.ID), dependency.NodeID(dep), dependency.EdgeRequired)
		}
	}
	levels := graph.Levels()
	out := make([][]string, len(levels))
	for i, level := range levels {
		ids := make([]string, len(level))
		for j, id := range level {
			ids[j] = string(id)
		}
		out[i] = ids
	}
	return out
}
