package config_test

import (
	"testing"
	"time"

	"github.com/mindburn-labs/agentkernel/internal/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies Load returns development-friendly defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AGENTKERNEL_LISTEN_ADDR", "")
	t.Setenv("AGENTKERNEL_LOG_LEVEL", "")
	t.Setenv("AGENTKERNEL_DATA_DIR", "")
	t.Setenv("AGENTKERNEL_SNAPSHOT_INTERVAL", "")
	t.Setenv("AGENTKERNEL_RECEIPT_TIMEOUT", "")
	t.Setenv("AGENTKERNEL_GOVERNANCE_QUORUM", "")
	t.Setenv("AGENTKERNEL_SHADOW_MODE", "")

	cfg := config.Load()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, uint64(1000), cfg.SnapshotInterval)
	assert.Equal(t, 30*time.Second, cfg.ReceiptTimeout)
	assert.Equal(t, 1, cfg.GovernanceQuorum)
	assert.False(t, cfg.ShadowMode)
}

// TestLoad_Overrides verifies environment variables override defaults.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AGENTKERNEL_LISTEN_ADDR", ":9090")
	t.Setenv("AGENTKERNEL_LOG_LEVEL", "debug")
	t.Setenv("AGENTKERNEL_DATA_DIR", "/var/lib/agentkernel")
	t.Setenv("AGENTKERNEL_SNAPSHOT_INTERVAL", "5000")
	t.Setenv("AGENTKERNEL_RECEIPT_TIMEOUT", "2m")
	t.Setenv("AGENTKERNEL_GOVERNANCE_QUORUM", "3")
	t.Setenv("AGENTKERNEL_SHADOW_MODE", "true")

	cfg := config.Load()

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/agentkernel", cfg.DataDir)
	assert.Equal(t, uint64(5000), cfg.SnapshotInterval)
	assert.Equal(t, 2*time.Minute, cfg.ReceiptTimeout)
	assert.Equal(t, 3, cfg.GovernanceQuorum)
	assert.True(t, cfg.ShadowMode)
}

// TestLoad_InvalidNumericOverridesFallBackToDefaults verifies malformed
// numeric/duration env values don't abort Load, they just fall back.
func TestLoad_InvalidNumericOverridesFallBackToDefaults(t *testing.T) {
	t.Setenv("AGENTKERNEL_SNAPSHOT_INTERVAL", "not-a-number")
	t.Setenv("AGENTKERNEL_RECEIPT_TIMEOUT", "not-a-duration")
	t.Setenv("AGENTKERNEL_GOVERNANCE_QUORUM", "not-an-int")

	cfg := config.Load()

	assert.Equal(t, uint64(1000), cfg.SnapshotInterval)
	assert.Equal(t, 30*time.Second, cfg.ReceiptTimeout)
	assert.Equal(t, 1, cfg.GovernanceQuorum)
}
