package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "relay.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:877"})

	// Run (execution engine) defaults
	v.SetDefault("run.max_concurrent", 4)
	v.SetDefault("run.timeout_seconds", 1800)      // 30 minute hard limit per execution
	v.SetDefault("run.kill_grace_seconds", 10)     // SIGTERM -> SIGKILL grace
	v.SetDefault("run.triggers_per_minute", 60)    // Admission rate limit
	v.SetDefault("run.trigger_burst", 10)          // Burst allowance for webhook floods
	v.SetDefault("run.sweep_interval_seconds", 60) // Sweeper cadence
	v.SetDefault("run.retention_grace_seconds", 300)

	// Stream defaults
	v.SetDefault("stream.buffer_lines", 2000)
	v.SetDefault("stream.subscriber_buffer", 256)
	v.SetDefault("stream.heartbeat_seconds", 30)

	// Dedup defaults
	v.SetDefault("dedup.window_hours", 24)
}
