package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9080, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5000.0, cfg.Rules.AutoApproveThreshold)
	assert.Equal(t, 10000.0, cfg.Rules.RequirePOOver)
	assert.Contains(t, cfg.Rules.TrustedVendors, "Acme Corporation")
	assert.Equal(t, 0.85, cfg.Rules.VendorSimilarityThreshold)
	assert.Equal(t, 0.05, cfg.Memory.RecencyLambda)
	assert.Equal(t, 0.70, cfg.Decision.EscalationCutoff)
	assert.Equal(t, 100, cfg.Meta.FitnessWindow)
	assert.Equal(t, 0.5, cfg.Meta.EfficiencyWeight)
	assert.Equal(t, "resolverd.resolutions", cfg.Events.Subject)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "grpc", cfg.Telemetry.Protocol)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRate)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
rules:
  auto_approve_threshold: 2500
  require_po_over: 20000
  trusted_vendors:
    - "Initech LLC"
memory:
  recency_lambda: 0.1
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 2500.0, cfg.Rules.AutoApproveThreshold)
	assert.Equal(t, 20000.0, cfg.Rules.RequirePOOver)
	assert.Equal(t, []string{"Initech LLC"}, cfg.Rules.TrustedVendors)
	assert.Equal(t, 0.1, cfg.Memory.RecencyLambda)
	// Unset fields keep their defaults.
	assert.Equal(t, 0.70, cfg.Decision.EscalationCutoff)
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9999\n", 0644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9080, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"threshold ordering", func(c *Config) { c.Rules.RequirePOOver = 100 }, "require_po_over"},
		{"similarity range", func(c *Config) { c.Rules.VendorSimilarityThreshold = 1.5 }, "vendor_similarity_threshold"},
		{"negative lambda", func(c *Config) { c.Memory.RecencyLambda = -1 }, "recency_lambda"},
		{"cutoff range", func(c *Config) { c.Decision.EscalationCutoff = 2 }, "escalation_cutoff"},
		{"zero window", func(c *Config) { c.Meta.FitnessWindow = -1 }, "fitness_window"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
