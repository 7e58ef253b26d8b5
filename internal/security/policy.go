package security

// InheritanceMode controls how far a tenant's configuration may inherit.
type InheritanceMode string

const (
	// InheritanceNone forbids any configuration inheritance.
	InheritanceNone InheritanceMode = "none"
	// InheritanceDefaultOnly allows inheriting only from the default tenant.
	InheritanceDefaultOnly InheritanceMode = "default-only"
	// InheritanceFull allows inheriting from any declared parent scope.
	InheritanceFull InheritanceMode = "full"
)

// Operation names recognized by the authorization check.
const (
	OpThemeCustomize  = "theme-customize"
	OpModuleConfigure = "module-configure"
	OpModuleActivate  = "module-activate"
	OpDataExport      = "data-export"
	OpDataImport      = "data-import"
)

// AuditSettings is the per-tenant audit policy.
type AuditSettings struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	LogDataAccess    bool `json:"logDataAccess" yaml:"logDataAccess"`
	LogConfigChanges bool `json:"logConfigChanges" yaml:"logConfigChanges"`
	LogThemeChanges  bool `json:"logThemeChanges" yaml:"logThemeChanges"`
	RetentionDays    int  `json:"retentionDays" yaml:"retentionDays"`
}

// Policy is the per-tenant security policy. Absent policies fall back to
// DefaultPolicy, which fails closed on cross-tenant access.
type Policy struct {
	TenantID               string          `json:"tenantId" yaml:"tenantId"`
	AllowCrossTenantAccess bool            `json:"allowCrossTenantAccess" yaml:"allowCrossTenantAccess"`
	DataRetentionDays      int             `json:"dataRetentionDays" yaml:"dataRetentionDays"`
	Inheritance            InheritanceMode `json:"configurationInheritance" yaml:"configurationInheritance"`

	AllowThemeCustomize  bool `json:"allowThemeCustomize" yaml:"allowThemeCustomize"`
	AllowModuleConfigure bool `json:"allowModuleConfigure" yaml:"allowModuleConfigure"`
	AllowModuleActivate  bool `json:"allowModuleActivate" yaml:"allowModuleActivate"`
	AllowDataExport      bool `json:"allowDataExport" yaml:"allowDataExport"`
	AllowDataImport      bool `json:"allowDataImport" yaml:"allowDataImport"`

	MaxActiveModules int `json:"maxActiveModules" yaml:"maxActiveModules"`
	MaxStorageMB     int `json:"maxStorageMb" yaml:"maxStorageMb"`

	Audit AuditSettings `json:"audit" yaml:"audit"`
}

// DefaultPolicy returns the fail-closed policy applied to tenants without
// an explicit one.
func DefaultPolicy(tenantID string) Policy {
	return Policy{
		TenantID:               tenantID,
		AllowCrossTenantAccess: false,
		DataRetentionDays:      90,
		Inheritance:            InheritanceDefaultOnly,
		AllowThemeCustomize:    true,
		AllowModuleConfigure:   true,
		AllowModuleActivate:    true,
		AllowDataExport:        true,
		AllowDataImport:        true,
		MaxActiveModules:       50,
		MaxStorageMB:           1024,
		Audit: AuditSettings{
			Enabled:          true,
			LogDataAccess:    true,
			LogConfigChanges: true,
			LogThemeChanges:  true,
			RetentionDays:    90,
		},
	}
}

// allows maps an operation name to the policy's allow flag.
func (p Policy) allows(operation string) (bool, bool) {
	switch operation {
	case OpThemeCustomize:
		return p.AllowThemeCustomize, true
	case OpModuleConfigure:
		return p.AllowModuleConfigure, true
	case OpModuleActivate:
		return p.AllowModuleActivate, true
	case OpDataExport:
		return p.AllowDataExport, true
	case OpDataImport:
		return p.AllowDataImport, true
	default:
		return false, false
	}
}
