package config

import "time"

// Config represents the core relay configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Run      RunConfig      `mapstructure:"run"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the relay HTTP/WebSocket server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultServerPort is used when no port is configured
const DefaultServerPort = 877

// RunConfig configures execution admission and process lifecycle.
// These are the operator-tunable knobs for the execution engine.
type RunConfig struct {
	// MaxConcurrent caps simultaneous in-flight executions. Admission
	// beyond the cap is rejected synchronously with reason "capacity".
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// TimeoutSeconds is the hard wall-clock limit per execution. The
	// process is force-killed and the execution recorded as timed_out.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// KillGraceSeconds is how long a signaled process may keep running
	// before it is force-killed.
	KillGraceSeconds int `mapstructure:"kill_grace_seconds"`

	// TriggersPerMinute rate-limits trigger admission (0 = unlimited).
	TriggersPerMinute int `mapstructure:"triggers_per_minute"`

	// TriggerBurst is the admission rate limiter burst size.
	TriggerBurst int `mapstructure:"trigger_burst"`

	// SweepIntervalSeconds is how often the retention sweeper runs.
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`

	// RetentionGraceSeconds is how long terminal executions stay in
	// live memory before eviction.
	RetentionGraceSeconds int `mapstructure:"retention_grace_seconds"`
}

// Timeout returns the per-execution wall-clock limit
func (c RunConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// KillGrace returns the SIGTERM-to-SIGKILL grace period
func (c RunConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSeconds) * time.Second
}

// SweepInterval returns the sweeper cadence
func (c RunConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// RetentionGrace returns the post-completion in-memory retention window
func (c RunConfig) RetentionGrace() time.Duration {
	return time.Duration(c.RetentionGraceSeconds) * time.Second
}

// StreamConfig configures the per-execution log buffer and live delivery
type StreamConfig struct {
	// BufferLines is the ring buffer capacity per execution. Once full,
	// the oldest lines are evicted and replay across the eviction
	// boundary reports a gap.
	BufferLines int `mapstructure:"buffer_lines"`

	// SubscriberBuffer is the per-subscriber delivery channel size.
	// A full channel drops the subscriber's oldest undelivered event
	// rather than stalling the producer.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`

	// HeartbeatSeconds is the interval between heartbeat events on a
	// quiet stream. Clients should treat 2x this interval without any
	// delivery as a dead connection.
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// Heartbeat returns the heartbeat interval
func (c StreamConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// DedupConfig configures webhook delivery deduplication
type DedupConfig struct {
	// WindowHours is how long a delivery fingerprint stays effective.
	// Duplicates inside the window resolve to the original execution.
	WindowHours int `mapstructure:"window_hours"`
}

// Window returns the dedup window
func (c DedupConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}
