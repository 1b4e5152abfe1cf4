// Package config provides daemon and client configuration loaded from
// environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Upper/lower bounds that Validate clamps out-of-range values to.
const (
	maxGlobalActiveLanes = 256
	maxLaneDepthCap      = 10000
	maxWaitBudget        = 5 * time.Minute
	minWaitBudget        = 10 * time.Millisecond
	maxIdleTimeout       = 10 * time.Minute
	minIdleTimeout       = 1 * time.Second
	maxRuntimeEntries    = 2000
)

// Config holds daemon-wide configuration. Field comments name the spec.md
// §6 environment variable each is sourced from.
type Config struct {
	// Agent namespace / state layout.
	StateDir string // SURFWRIGHT_STATE_DIR
	AgentID  string // SURFWRIGHT_AGENT_ID

	// Request-context defaults.
	WorkspaceDir string // SURFWRIGHT_WORKSPACE_DIR
	OutputShape  string // SURFWRIGHT_OUTPUT_SHAPE
	DebugLogs    bool   // SURFWRIGHT_DEBUG_LOGS

	// Daemon enablement: "1"|"true"|"on"|"auto"|""|"0"|"false"|"off".
	DaemonMode string // SURFWRIGHT_DAEMON

	// Daemon lifecycle.
	IdleTimeout       time.Duration // SURFWRIGHT_DAEMON_IDLE_MS
	StartupDeadline   time.Duration
	ShutdownGrace     time.Duration
	StartLockDeadline time.Duration
	StartLockRetry    time.Duration
	StaleLockWindow   time.Duration

	// Lane scheduler defaults, overridable scheduler-wide by internal/policy.
	GlobalActiveLanes int
	LaneDepthCap      int
	LaneWaitBudget    time.Duration

	// Session runtime pool.
	MaxRuntimeEntries  int
	TimeoutBurnLimit   int
	RuntimeAcquireWait time.Duration

	// RPC transport.
	MaxConnections int
	MaxFrameBytes  int
	ChunkSize      int

	// Client proxy retry policy.
	QueueRetryAttempts int
	QueueRetryDelay    time.Duration

	LogLevel string
}

// Load reads configuration from the environment, falling back to defaults
// the same way the teacher's Load does.
func Load() *Config {
	return &Config{
		StateDir:     getEnvString("SURFWRIGHT_STATE_DIR", defaultStateDir()),
		AgentID:      getEnvString("SURFWRIGHT_AGENT_ID", ""),
		WorkspaceDir: getEnvString("SURFWRIGHT_WORKSPACE_DIR", ""),
		OutputShape:  getEnvString("SURFWRIGHT_OUTPUT_SHAPE", "full"),
		DebugLogs:    getEnvBool("SURFWRIGHT_DEBUG_LOGS", false),
		DaemonMode:   getEnvString("SURFWRIGHT_DAEMON", "auto"),

		IdleTimeout:       getEnvDurationMillis("SURFWRIGHT_DAEMON_IDLE_MS", 15*time.Second),
		StartupDeadline:   10 * time.Second,
		ShutdownGrace:     2 * time.Second,
		StartLockDeadline: 8 * time.Second,
		StartLockRetry:    50 * time.Millisecond,
		StaleLockWindow:   5 * time.Second,

		GlobalActiveLanes: getEnvInt("SURFWRIGHT_GLOBAL_ACTIVE_LANES", 8),
		LaneDepthCap:      getEnvInt("SURFWRIGHT_LANE_DEPTH_CAP", 32),
		LaneWaitBudget:    getEnvDuration("SURFWRIGHT_LANE_WAIT_BUDGET", 30*time.Second),

		MaxRuntimeEntries:  getEnvInt("SURFWRIGHT_MAX_RUNTIME_ENTRIES", 32),
		TimeoutBurnLimit:   getEnvInt("SURFWRIGHT_TIMEOUT_BURN_LIMIT", 3),
		RuntimeAcquireWait: getEnvDuration("SURFWRIGHT_RUNTIME_ACQUIRE_WAIT", 30*time.Second),

		MaxConnections: getEnvInt("SURFWRIGHT_MAX_CONNECTIONS", 64),
		MaxFrameBytes:  4 * 1024 * 1024,
		ChunkSize:      64 * 1024,

		QueueRetryAttempts: getEnvInt("SURFWRIGHT_QUEUE_RETRY_ATTEMPTS", 2),
		QueueRetryDelay:    getEnvDuration("SURFWRIGHT_QUEUE_RETRY_DELAY", 60*time.Millisecond),

		LogLevel: getEnvString("SURFWRIGHT_LOG_LEVEL", "info"),
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".surfwright"
	}
	return home + "/.surfwright"
}

// Namespace returns the state-dir root for the configured agent, the
// "agents/<agentId>/..." sub-namespace layout from spec.md §6.
func (c *Config) Namespace() string {
	if c.AgentID == "" {
		return c.StateDir
	}
	return c.StateDir + "/agents/" + c.AgentID
}

// DaemonHardOff reports whether DaemonMode explicitly disables the daemon
// (spec.md §4.8 "hard-off" via DAEMON=0|false|off).
func (c *Config) DaemonHardOff() bool {
	switch strings.ToLower(c.DaemonMode) {
	case "0", "false", "off":
		return true
	default:
		return false
	}
}

// Validate clamps out-of-range values and logs a warning rather than
// failing hard, the same posture as the teacher's Config.Validate.
func (c *Config) Validate() {
	if c.GlobalActiveLanes < 1 {
		log.Warn().Int("value", c.GlobalActiveLanes).Msg("invalid globalActiveLanes, using 8")
		c.GlobalActiveLanes = 8
	} else if c.GlobalActiveLanes > maxGlobalActiveLanes {
		log.Warn().Int("value", c.GlobalActiveLanes).Int("max", maxGlobalActiveLanes).Msg("globalActiveLanes too high, capping")
		c.GlobalActiveLanes = maxGlobalActiveLanes
	}

	if c.LaneDepthCap < 1 {
		log.Warn().Int("value", c.LaneDepthCap).Msg("invalid laneDepthCap, using 32")
		c.LaneDepthCap = 32
	} else if c.LaneDepthCap > maxLaneDepthCap {
		log.Warn().Int("value", c.LaneDepthCap).Int("max", maxLaneDepthCap).Msg("laneDepthCap too high, capping")
		c.LaneDepthCap = maxLaneDepthCap
	}

	if c.LaneWaitBudget < minWaitBudget {
		log.Warn().Dur("value", c.LaneWaitBudget).Msg("waitBudget too short, using minimum")
		c.LaneWaitBudget = minWaitBudget
	} else if c.LaneWaitBudget > maxWaitBudget {
		log.Warn().Dur("value", c.LaneWaitBudget).Msg("waitBudget too long, capping")
		c.LaneWaitBudget = maxWaitBudget
	}

	if c.IdleTimeout < minIdleTimeout {
		log.Warn().Dur("value", c.IdleTimeout).Msg("idle timeout too short, using minimum")
		c.IdleTimeout = minIdleTimeout
	} else if c.IdleTimeout > maxIdleTimeout {
		log.Warn().Dur("value", c.IdleTimeout).Msg("idle timeout too long, capping")
		c.IdleTimeout = maxIdleTimeout
	}

	if c.MaxRuntimeEntries < 1 {
		log.Warn().Int("value", c.MaxRuntimeEntries).Msg("invalid maxRuntimeEntries, using 32")
		c.MaxRuntimeEntries = 32
	} else if c.MaxRuntimeEntries > maxRuntimeEntries {
		log.Warn().Int("value", c.MaxRuntimeEntries).Msg("maxRuntimeEntries too high, capping")
		c.MaxRuntimeEntries = maxRuntimeEntries
	}

	if c.QueueRetryAttempts < 0 {
		c.QueueRetryAttempts = 0
	}

	validShapes := map[string]bool{"full": true, "compact": true, "proof": true}
	if !validShapes[c.OutputShape] {
		log.Warn().Str("value", c.OutputShape).Msg("invalid output shape, using 'full'")
		c.OutputShape = "full"
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("value", c.LogLevel).Msg("invalid log level, using 'info'")
		c.LogLevel = "info"
	}
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Err(err).Int("default", defaultValue).Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Err(err).Bool("default", defaultValue).Msg("invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil && d > 0 {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment variable, using default")
	}
	return defaultValue
}

// getEnvDurationMillis parses a positive integer count of milliseconds, the
// shape spec.md §6 documents for SURFWRIGHT_DAEMON_IDLE_MS.
func getEnvDurationMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid positive integer in environment variable, using default")
	}
	return defaultValue
}
