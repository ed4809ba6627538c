// Package config loads the task-queue core's configuration via viper,
// layering defaults, an optional YAML file, and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok
}

// StateStoreConfig controls the embedded relational store (spec §4.1, §6.5).
type StateStoreConfig struct {
	// DBPath overrides the per-workspace state.db location; primarily for
	// tests (ADS_STATE_DB_PATH).
	DBPath string `mapstructure:"dbPath"`
	// BusyTimeoutMS is the sqlite busy_timeout pragma in milliseconds.
	BusyTimeoutMS int `mapstructure:"busyTimeoutMs"`
}

// AgentConfig controls vendor CLI spawning (spec §4.4, §6.3, §6.5).
type AgentConfig struct {
	// BinPaths maps a vendor name ("codex", "gemini", "droid", "amp", ...)
	// to its CLI binary path.
	BinPaths map[string]string `mapstructure:"binPaths"`
	// ExecAllowlist is a comma-separated set of basenames permitted for
	// subprocess spawn; empty disables allow-listing.
	ExecAllowlist []string `mapstructure:"execAllowlist"`
	// StepTimeoutMS is the per-step timeout; 0 means unbounded (default).
	StepTimeoutMS int `mapstructure:"stepTimeoutMs"`
	// PlannerTimeoutMS defaults to 60000.
	PlannerTimeoutMS int `mapstructure:"plannerTimeoutMs"`
	// DrainTimeoutMS is the adapter connect+drain timeout, default 15min.
	DrainTimeoutMS int `mapstructure:"drainTimeoutMs"`
	// CancelGraceMS is the SIGTERM-to-SIGKILL grace period, default 2000.
	CancelGraceMS int `mapstructure:"cancelGraceMs"`
	// MaxOutputBytes bounds per-stream accumulated bytes, default 10MiB.
	MaxOutputBytes int64 `mapstructure:"maxOutputBytes"`
	// TTYVendors lists vendor names whose CLI refuses to run against plain
	// pipes and must be spawned behind a pseudo-terminal instead.
	TTYVendors []string `mapstructure:"ttyVendors"`
}

// QueueConfig controls the TaskQueue worker loop (spec §4.7).
type QueueConfig struct {
	// WakeTimerMS is the fallback poll interval when no wake signal fires.
	WakeTimerMS int `mapstructure:"wakeTimerMs"`
	// RetryBackoffMS is the capped backoff before a retried task is
	// reattempted, default 1000.
	RetryBackoffMS int `mapstructure:"retryBackoffMs"`
	// EventBufferSize is the EventBus per-session replay buffer, default 256.
	EventBufferSize int `mapstructure:"eventBufferSize"`
}

// LoggingConfig controls zap encoder/level selection.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the top-level configuration object for the task-queue core.
type Config struct {
	StateStore StateStoreConfig `mapstructure:"stateStore"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stateStore.dbPath", "")
	v.SetDefault("stateStore.busyTimeoutMs", 5000)

	v.SetDefault("agent.binPaths", map[string]string{})
	v.SetDefault("agent.execAllowlist", []string{})
	v.SetDefault("agent.stepTimeoutMs", 0)
	v.SetDefault("agent.plannerTimeoutMs", 60000)
	v.SetDefault("agent.drainTimeoutMs", 15*60*1000)
	v.SetDefault("agent.cancelGraceMs", 2000)
	v.SetDefault("agent.maxOutputBytes", 10*1024*1024)
	v.SetDefault("agent.ttyVendors", []string{})

	v.SetDefault("queue.wakeTimerMs", 1000)
	v.SetDefault("queue.retryBackoffMs", 1000)
	v.SetDefault("queue.eventBufferSize", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads configuration from ./config.yaml (if present) plus
// environment variables, falling back to defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath loads configuration with an explicit config file path
// (TASKCORE_CONFIG_PATH); an empty path searches the working directory.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The core's own env vars (spec §6.5) don't follow the nested
	// dot-path convention, so bind them explicitly.
	_ = v.BindEnv("stateStore.dbPath", "ADS_STATE_DB_PATH")
	_ = v.BindEnv("stateStore.busyTimeoutMs", "ADS_SQLITE_BUSY_TIMEOUT_MS")
	_ = v.BindEnv("agent.stepTimeoutMs", "AGENT_STEP_TIMEOUT_MS")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyVendorBinEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyVendorBinEnv resolves ADS_<VENDOR>_BIN overrides (spec §6.5); these
// are open-ended per-vendor names viper's static schema can't enumerate.
func applyVendorBinEnv(cfg *Config) {
	if cfg.Agent.BinPaths == nil {
		cfg.Agent.BinPaths = map[string]string{}
	}
	for _, vendor := range []string{"codex", "gemini", "droid", "amp"} {
		envName := "ADS_" + strings.ToUpper(vendor) + "_BIN"
		if v, ok := lookupEnv(envName); ok && v != "" {
			cfg.Agent.BinPaths[vendor] = v
		}
	}
	if v, ok := lookupEnv("AGENT_EXEC_ALLOWLIST"); ok && v != "" {
		cfg.Agent.ExecAllowlist = strings.Split(v, ",")
	}
}

func validate(cfg *Config) error {
	var problems []string
	if cfg.StateStore.BusyTimeoutMS < 0 {
		problems = append(problems, "stateStore.busyTimeoutMs must be >= 0")
	}
	if cfg.Agent.StepTimeoutMS < 0 {
		problems = append(problems, "agent.stepTimeoutMs must be >= 0")
	}
	if cfg.Queue.EventBufferSize <= 0 {
		problems = append(problems, "queue.eventBufferSize must be > 0")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "console", "json":
	default:
		problems = append(problems, "logging.format must be console or json")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
