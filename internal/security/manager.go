package security

import (
	"context"
	"fmt"
	"sync"

	"modkit/internal/api"
	"modkit/pkg/logging"
)

// AccessContext identifies the caller of a guarded operation.
type AccessContext struct {
	TenantID  string
	ActorID   string
	SessionID string
	Source    string
}

// ActiveCounter reports how many modules are currently active for a
// tenant. The orchestrator provides this so the security manager can
// enforce the max-active-modules cap without depending on it.
type ActiveCounter func(tenantID string) int

// Manager enforces tenant isolation: authorization of cross-resource
// access, boundary sanitization, inheritance policy checks, and audit
// recording.
type Manager struct {
	mu       sync.RWMutex
	policies map[string]Policy

	audit         *AuditLog
	activeCounter ActiveCounter
	defaultAudit  *AuditSettings
}

// NewManager creates a security manager over the given audit log.
func NewManager(audit *AuditLog) *Manager {
	return &Manager{
		policies: make(map[string]Policy),
		audit:    audit,
	}
}

// SetActiveCounter wires the active-module counter used for cap warnings.
func (m *Manager) SetActiveCounter(counter ActiveCounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeCounter = counter
}

// SetPolicy installs or replaces the policy for a tenant.
func (m *Manager) SetPolicy(policy Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[policy.TenantID] = policy
}

// SetDefaultAudit replaces the audit block of the fail-closed default
// policy with operator-configured settings. Tenants with an explicit
// policy are unaffected.
func (m *Manager) SetDefaultAudit(settings AuditSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultAudit = &settings
}

// PolicyFor returns the tenant's policy, falling back to the fail-closed
// default.
func (m *Manager) PolicyFor(tenantID string) Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if policy, ok := m.policies[tenantID]; ok {
		return policy
	}
	policy := DefaultPolicy(tenantID)
	if m.defaultAudit != nil {
		policy.Audit = *m.defaultAudit
	}
	return policy
}

// Audit exposes the audit log for query access.
func (m *Manager) Audit() *AuditLog {
	return m.audit
}

// Authorize checks whether ctx may perform operation on resourceType data
// belonging to targetTenant. It records an audit entry for the attempt and
// returns PermissionDenied with a cause on rejection. Warnings (e.g. near
// the active-module cap) are returned alongside a nil error.
func (m *Manager) Authorize(ctx context.Context, access AccessContext, targetTenant, operation string, resourceType ResourceType) ([]api.Warning, error) {
	policy := m.PolicyFor(access.TenantID)

	var warnings []api.Warning
	var denyCause string

	if access.TenantID != targetTenant && !policy.AllowCrossTenantAccess {
		denyCause = fmt.Sprintf("cross-tenant access from %s to %s is not permitted", access.TenantID, targetTenant)
	}

	if denyCause == "" {
		if allowed, known := policy.allows(operation); known && !allowed {
			denyCause = fmt.Sprintf("operation %s is disabled for tenant %s", operation, access.TenantID)
		}
	}

	if denyCause == "" && operation == OpModuleActivate && policy.MaxActiveModules > 0 {
		m.mu.RLock()
		counter := m.activeCounter
		m.mu.RUnlock()
		if counter != nil {
			active := counter(access.TenantID)
			if active >= policy.MaxActiveModules {
				denyCause = fmt.Sprintf("tenant %s reached its active module cap (%d)", access.TenantID, policy.MaxActiveModules)
			} else if active >= policy.MaxActiveModules*9/10 {
				warnings = append(warnings, api.Warning{
					Code:    "near-module-cap",
					Message: fmt.Sprintf("tenant %s has %d of %d allowed active modules", access.TenantID, active, policy.MaxActiveModules),
				})
			}
		}
	}

	m.recordAuthAttempt(ctx, access, targetTenant, operation, resourceType, denyCause)

	if denyCause != "" {
		logging.Warn("Security", "Denied %s for tenant %s: %s", operation, access.TenantID, denyCause)
		return warnings, api.NewPermissionDenied(denyCause).
			WithContext("operation", operation).
			WithContext("tenantId", access.TenantID).
			WithContext("targetTenant", targetTenant)
	}
	return warnings, nil
}

func (m *Manager) recordAuthAttempt(ctx context.Context, access AccessContext, targetTenant, operation string, resourceType ResourceType, denyCause string) {
	if m.audit == nil {
		return
	}
	policy := m.PolicyFor(access.TenantID)
	if !policy.Audit.Enabled {
		return
	}
	switch resourceType {
	case ResourceData:
		if !policy.Audit.LogDataAccess {
			return
		}
	case ResourceConfig:
		if !policy.Audit.LogConfigChanges {
			return
		}
	case ResourceTheme:
		if !policy.Audit.LogThemeChanges {
			return
		}
	}

	entry := Entry{
		TenantID:     access.TenantID,
		ActorID:      access.ActorID,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   targetTenant,
		Action:       actionFor(operation),
		Success:      denyCause == "",
		ErrorMessage: denyCause,
		SessionID:    access.SessionID,
		Source:       access.Source,
	}
	if err := m.audit.Append(ctx, entry); err != nil {
		logging.Warn("Security", "Failed to record audit entry for %s: %v", operation, err)
	}
}

func actionFor(operation string) Action {
	switch operation {
	case OpModuleActivate:
		return ActionActivate
	case OpDataExport:
		return ActionRead
	case OpDataImport, OpModuleConfigure, OpThemeCustomize:
		return ActionWrite
	default:
		return ActionRead
	}
}

// ValidateInheritance rejects configuration writes whose inheritance
// pointers are incompatible with the tenant's configured inheritance mode.
func (m *Manager) ValidateInheritance(tenantID string, config map[string]interface{}) error {
	policy := m.PolicyFor(tenantID)

	source, hasPointer := config["inheritFromTenant"].(string)
	if !hasPointer || source == "" {
		return nil
	}

	switch policy.Inheritance {
	case InheritanceNone:
		return api.NewError(api.KindConfigValidation,
			"tenant %s does not allow configuration inheritance", tenantID).
			WithContext("inheritFromTenant", source)
	case InheritanceDefaultOnly:
		if source != "default" {
			return api.NewError(api.KindConfigValidation,
				"tenant %s may inherit only from the default tenant, not %s", tenantID, source).
				WithContext("inheritFromTenant", source)
		}
	case InheritanceFull, "":
		// Any source allowed.
	}
	return nil
}

// HealthIssue describes one finding of the security health check.
type HealthIssue struct {
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// HealthReport is the outcome of the security health check for a tenant.
type HealthReport struct {
	Score  int           `json:"score"`
	Issues []HealthIssue `json:"issues,omitempty"`
}

// HealthCheck scores a tenant's security posture from 100 down: -30 per
// critical issue, -15 per medium, -5 per low.
func (m *Manager) HealthCheck(tenantID string) HealthReport {
	policy := m.PolicyFor(tenantID)
	report := HealthReport{Score: 100}

	addIssue := func(severity, description, recommendation string) {
		report.Issues = append(report.Issues, HealthIssue{
			Severity:       severity,
			Description:    description,
			Recommendation: recommendation,
		})
		switch severity {
		case "critical":
			report.Score -= 30
		case "medium":
			report.Score -= 15
		case "low":
			report.Score -= 5
		}
	}

	if policy.AllowCrossTenantAccess {
		addIssue("critical", "cross-tenant access is enabled",
			"disable allowCrossTenantAccess unless this tenant administers others")
	}
	if !policy.Audit.Enabled {
		addIssue("medium", "audit logging is disabled",
			"enable audit logging to retain a forensic trail")
	}
	if policy.Audit.RetentionDays > 3650 {
		addIssue("medium", "audit retention exceeds ten years",
			"reduce audit.retentionDays to a defensible window")
	}
	if policy.Audit.RetentionDays > 0 && policy.Audit.RetentionDays < 7 {
		addIssue("low", "audit retention is shorter than seven days",
			"raise audit.retentionDays to at least 7")
	}

	if report.Score < 0 {
		report.Score = 0
	}
	return report
}
