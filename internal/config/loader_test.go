package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(content), 0644))
	return dir
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
activation:
  strategy: gradual
validation:
  parallelism: 8
security:
  maxAuditLogSize: 500
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, StrategyGradual, cfg.Activation.Strategy)
	assert.Equal(t, 8, cfg.Validation.Parallelism)
	assert.Equal(t, 500, cfg.Security.MaxAuditLogSize)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultActivationTimeout, cfg.Activation.Timeout)
	assert.Equal(t, DefaultAuditRetentionDays, cfg.Audit.RetentionDays)
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := writeConfig(t, "activation: [broken")
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := writeConfig(t, `
activation:
  strategy: sideways
`)
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activation.strategy")
}
