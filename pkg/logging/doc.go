// Package logging provides a structured logging system for modkit with
// unified log handling and level filtering.
//
// The package wraps Go's standard slog package. All log entries carry a
// subsystem identifier so that output can be filtered per component:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Info("Registry", "Registered module %s", id)
//	logging.Error("Orchestrator", err, "Activation of %s failed for tenant %s", moduleID, tenantID)
//
// Subsystems used across the codebase: Core, Registry, Orchestrator,
// Operations, Migrations, Rollback, Validator, TenantConfig, Security,
// Audit, Storage, Discovery, Events.
//
// Level filtering happens at the handler, so messages below the configured
// level cost no allocations.
package logging
