// Package config loads kernel configuration from environment variables,
// following the teacher's flat env-var-with-defaults style
// (pkg/config/config.go).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the settings needed to start a kernel process.
type Config struct {
	ListenAddr string
	LogLevel   string
	DataDir    string

	// SnapshotInterval is loaded from AGENTKERNEL_SNAPSHOT_INTERVAL. No
	// component reads it: the kernel takes no automatic snapshots.
	SnapshotInterval uint64

	// ReceiptTimeout is loaded from AGENTKERNEL_RECEIPT_TIMEOUT. No
	// component reads it: pending intents are never marked stalled.
	ReceiptTimeout time.Duration

	// GovernanceQuorum is the default number of distinct approvers required
	// to approve a proposal.
	GovernanceQuorum int

	// ShadowMode is loaded from AGENTKERNEL_SHADOW_MODE and reported by the
	// doctor command. No component reads it: Apply is not refused when set.
	ShadowMode bool
}

// Load reads configuration from the environment, falling back to
// development-friendly defaults for anything unset.
func Load() *Config {
	return &Config{
		ListenAddr:       envOr("AGENTKERNEL_LISTEN_ADDR", ":8080"),
		LogLevel:         envOr("AGENTKERNEL_LOG_LEVEL", "info"),
		DataDir:          envOr("AGENTKERNEL_DATA_DIR", "./data"),
		SnapshotInterval: envUint(envOr("AGENTKERNEL_SNAPSHOT_INTERVAL", "1000")),
		ReceiptTimeout:   envDuration(envOr("AGENTKERNEL_RECEIPT_TIMEOUT", "30s")),
		GovernanceQuorum: envInt(envOr("AGENTKERNEL_GOVERNANCE_QUORUM", "1")),
		ShadowMode:       os.Getenv("AGENTKERNEL_SHADOW_MODE") == "true",
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 1000
	}
	return v
}

func envInt(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return v
}

func envDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
