package core

import (
	"context"

	"modkit/internal/api"
	"modkit/internal/config"
	"modkit/internal/events"
	"modkit/internal/migration"
	"modkit/internal/operation"
	"modkit/internal/orchestrator"
	"modkit/internal/probe"
	"modkit/internal/registry"
	"modkit/internal/rollback"
	"modkit/internal/security"
	"modkit/internal/storage"
	"modkit/internal/tenantconfig"
	"modkit/internal/validation"
	"modkit/pkg/logging"
)

// Options overrides the default collaborators.
type Options struct {
	// Store defaults to an in-memory store.
	Store storage.Store
	// Probe defaults to a static healthy probe.
	Probe probe.Probe
}

// Core composes every subsystem of the platform. There are no
// package-level singletons; tests build as many cores as they need.
type Core struct {
	cfg   config.Config
	store storage.Store
	probe probe.Probe
	bus   *events.Bus

	audit        *security.AuditLog
	security     *security.Manager
	configs      *tenantconfig.Manager
	registry     *registry.Registry
	validator    *validation.Validator
	engine       *operation.Engine
	migrations   *migration.Manager
	rollbacks    *rollback.Engine
	orchestrator *orchestrator.Orchestrator
}

// New wires a core from the configuration. The wiring order follows the
// dependency chain: storage and events first, then audit and security,
// then configuration, registry, and the execution engines.
func New(cfg config.Config, opts Options) (*Core, error) {
	cfg.Normalize()
	c := &Core{cfg: cfg}

	c.store = opts.Store
	if c.store == nil {
		c.store = storage.NewMemoryStore()
	}
	c.probe = opts.Probe
	if c.probe == nil {
		c.probe = probe.NewHealthyProbe()
	}
	c.bus = events.NewBus()

	sec := (*security.Manager)(nil)
	c.audit = security.NewAuditLog(c.store, cfg.Security.MaxAuditLogSize, func(tenantID string) security.Policy {
		if sec == nil {
			return security.DefaultPolicy(tenantID)
		}
		return sec.PolicyFor(tenantID)
	})
	c.security = security.NewManager(c.audit)
	c.security.SetDefaultAudit(security.AuditSettings{
		Enabled:          cfg.Audit.AuditEnabled(),
		LogDataAccess:    cfg.Audit.LogDataAccess,
		LogConfigChanges: cfg.Audit.LogConfigChanges,
		LogThemeChanges:  cfg.Audit.LogThemeChanges,
		RetentionDays:    cfg.Audit.RetentionDays,
	})
	sec = c.security

	sanitizer, err := tenantconfig.NewSanitizer(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, err
	}

	c.registry = registry.New(c.store, c.bus)
	c.configs = tenantconfig.NewManager(c.store, c.schemaProvider, sanitizer, c.security, c.bus, cfg.History.MaxPerTenant)
	c.validator = validation.New(cfg.Validation.Parallelism, c.probe)
	c.validator.SetRetry(validation.Retry{
		MaxAttempts: cfg.Validation.Retry.MaxAttempts,
		Delay:       cfg.Validation.Retry.Delay,
		Multiplier:  cfg.Validation.Retry.Multiplier,
		MaxDelay:    cfg.Validation.Retry.MaxDelay,
	})
	c.engine = operation.NewEngine(c.store, cfg.Validation.Parallelism, cfg.Operation.CacheDefaultTTL)
	c.migrations = migration.NewManager(c.engine, c.store)
	c.rollbacks = rollback.NewEngine(c.engine, c.bus)
	c.orchestrator = orchestrator.New(cfg, c.registry, c.configs, c.security,
		c.validator, c.engine, c.migrations, c.rollbacks, c.store, c.bus)

	c.security.SetActiveCounter(func(tenantID string) int {
		return c.orchestrator.ActiveCount(context.Background(), tenantID)
	})
	c.registry.OnUnregister(func(ctx context.Context, moduleID, cause string) {
		c.orchestrator.HandleUnregistered(ctx, moduleID, cause)
	})

	logging.Info("Core", "Core assembled (store=%T, parallelism=%d)", c.store, cfg.Validation.Parallelism)
	return c, nil
}

// schemaProvider resolves module config schemas from the registry so the
// config manager stays decoupled from registration.
func (c *Core) schemaProvider(moduleID string) (api.ConfigSchema, []api.SanitizeRule, bool) {
	entry, found := c.registry.Get(moduleID)
	if !found {
		return nil, nil, false
	}
	return entry.Definition.ConfigSchema, entry.Definition.Sanitizers, true
}

// Accessors. The CLI and tests reach subsystems through these.

func (c *Core) Config() config.Config { return c.cfg }
func (c *Core) Store() storage.Store { return c.store }
func (c *Core) Bus() *events.Bus { return c.bus }
func (c *Core) Audit() *security.AuditLog { return c.audit }
func (c *Core) Security() *security.Manager { return c.security }
func (c *Core) Configs() *tenantconfig.Manager { return c.configs }
func (c *Core) Registry() *registry.Registry { return c.registry }
func (c *Core) Validator() *validation.Validator { return c.validator }
func (c *Core) Operations() *operation.Engine { return c.engine }
func (c *Core) Migrations() *migration.Manager { return c.migrations }
func (c *Core) Rollbacks() *rollback.Engine { return c.rollbacks }
func (c *Core) Orchestrator() *orchestrator.Orchestrator { return c.orchestrator }

// HealthCheck aggregates the probe snapshot and the tenant's security
// posture into one report.
type HealthCheck struct {
	Healthy  bool                  `json:"healthy"`
	Probe    probe.Snapshot        `json:"probe"`
	Security security.HealthReport `json:"security"`
}

// Health snapshots system and tenant health.
func (c *Core) Health(ctx context.Context, tenantID string) (HealthCheck, error) {
	snapshot, err := c.probe.Snapshot(ctx)
	if err != nil {
		return HealthCheck{}, err
	}
	secReport := c.security.HealthCheck(tenantID)
	return HealthCheck{
		Healthy:  snapshot.Health.Score >= 50 && secReport.Score >= 50,
		Probe:    snapshot,
		Security: secReport,
	}, nil
}

// RegisterModule registers a definition and its declared migrations.
func (c *Core) RegisterModule(ctx context.Context, def api.ModuleDefinition, contract api.ModuleContract, source api.RegistrationSource, opts registry.RegisterOptions) (*registry.Entry, error) {
	entry, err := c.registry.Register(ctx, def, contract, source, opts)
	if err != nil {
		return nil, err
	}
	for _, spec := range def.Migrations {
		if err := c.migrations.Register(def.ID, spec); err != nil {
			// Undo the registration so the registry and migration manager
			// never disagree about a module.
			_ = c.registry.Unregister(ctx, def.ID)
			return nil, err
		}
	}
	return entry, nil
}
