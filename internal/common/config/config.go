// Package config provides configuration management for cc-executor.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cc-executor/cc-executor/internal/common/logger"
)

// Config holds all configuration sections for cc-executor.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Session   SessionConfig        `mapstructure:"session"`
	Execution ExecutionConfig      `mapstructure:"execution"`
	Hooks     HooksConfig          `mapstructure:"hooks"`
	Timing    TimingConfig         `mapstructure:"timing"`
	NATS      NATSConfig           `mapstructure:"nats"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the websocket server configuration.
type ServerConfig struct {
	ListenAddr      string `mapstructure:"listenAddr"`
	MaxMessageBytes int64  `mapstructure:"wsMaxMessageBytes"`
	PingIntervalS   int    `mapstructure:"wsPingIntervalS"`
	PongTimeoutS    int    `mapstructure:"wsPongTimeoutS"`
	WriteTimeoutS   int    `mapstructure:"wsWriteTimeoutS"`
}

// SessionConfig holds session admission and lifetime configuration.
type SessionConfig struct {
	MaxSessions  int `mapstructure:"maxSessions"`
	IdleTimeoutS int `mapstructure:"idleTimeoutS"`
}

// ExecutionConfig holds per-execution limits and timeout defaults.
type ExecutionConfig struct {
	DefaultTotalTimeoutS float64 `mapstructure:"defaultTotalTimeoutS"`
	DefaultStallTimeoutS float64 `mapstructure:"defaultStallTimeoutS"`
	ExtremeStallTimeoutS float64 `mapstructure:"extremeStallTimeoutS"`
	StallFractionOfTotal float64 `mapstructure:"stallFractionOfTotal"`
	GracefulShutdownS    float64 `mapstructure:"gracefulShutdownS"`
	MaxLineBytes         int64   `mapstructure:"maxLineBytes"`
	MaxTotalBytes        int64   `mapstructure:"maxTotalBytes"`
	// AllowedCommands is a comma-separated list of permitted first tokens.
	// Empty means every non-empty command is accepted.
	AllowedCommands string `mapstructure:"allowedCommands"`
	// SensitiveEnvKeys are substrings; any env key containing one is stripped
	// from child and hook environments.
	SensitiveEnvKeys []string `mapstructure:"sensitiveEnvKeys"`
}

// HooksConfig holds hook pipeline configuration.
type HooksConfig struct {
	ConfigPath      string  `mapstructure:"configPath"`
	DefaultTimeoutS float64 `mapstructure:"defaultTimeoutS"`
}

// TimingConfig holds timing-store configuration.
type TimingConfig struct {
	// DSN is a Redis URL (redis://host:port/db). Empty means in-memory only.
	DSN            string  `mapstructure:"dsn"`
	HistoryTTLS    int     `mapstructure:"historyTtlS"`
	SamplesCap     int     `mapstructure:"samplesCap"`
	MinStallS      float64 `mapstructure:"minStallS"`
	MaxStallS      float64 `mapstructure:"maxStallS"`
	RequestTimeout int     `mapstructure:"requestTimeoutMs"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// IdleTimeout returns the session idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutS) * time.Second
}

// PingInterval returns the websocket ping period as a time.Duration.
func (s *ServerConfig) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalS) * time.Second
}

// PongTimeout returns the websocket pong wait as a time.Duration.
func (s *ServerConfig) PongTimeout() time.Duration {
	return time.Duration(s.PongTimeoutS) * time.Second
}

// WriteTimeout returns the websocket write deadline as a time.Duration.
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutS) * time.Second
}

// GracefulShutdown returns the TERM-to-KILL grace window as a time.Duration.
func (e *ExecutionConfig) GracefulShutdown() time.Duration {
	return time.Duration(e.GracefulShutdownS * float64(time.Second))
}

// AllowList returns the parsed allow-list, or nil when every command is
// accepted.
func (e *ExecutionConfig) AllowList() []string {
	if strings.TrimSpace(e.AllowedCommands) == "" {
		return nil
	}
	parts := strings.Split(e.AllowedCommands, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if name := strings.TrimSpace(p); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// HistoryTTL returns the timing history TTL as a time.Duration.
func (t *TimingConfig) HistoryTTL() time.Duration {
	return time.Duration(t.HistoryTTLS) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listenAddr", "0.0.0.0:8003")
	v.SetDefault("server.wsMaxMessageBytes", 10*1024*1024)
	v.SetDefault("server.wsPingIntervalS", 20)
	v.SetDefault("server.wsPongTimeoutS", 30)
	v.SetDefault("server.wsWriteTimeoutS", 10)

	// Session defaults
	v.SetDefault("session.maxSessions", 100)
	v.SetDefault("session.idleTimeoutS", 3600)

	// Execution defaults
	v.SetDefault("execution.defaultTotalTimeoutS", 600)
	v.SetDefault("execution.defaultStallTimeoutS", 120)
	v.SetDefault("execution.extremeStallTimeoutS", 600)
	v.SetDefault("execution.stallFractionOfTotal", 0.5)
	v.SetDefault("execution.gracefulShutdownS", 10)
	v.SetDefault("execution.maxLineBytes", 8*1024)
	v.SetDefault("execution.maxTotalBytes", 10*1024*1024)
	v.SetDefault("execution.allowedCommands", "")
	v.SetDefault("execution.sensitiveEnvKeys", []string{"API_KEY", "TOKEN", "SECRET"})

	// Hooks defaults
	v.SetDefault("hooks.configPath", "")
	v.SetDefault("hooks.defaultTimeoutS", 60)

	// Timing defaults - empty DSN means in-memory history only
	v.SetDefault("timing.dsn", "")
	v.SetDefault("timing.historyTtlS", 7*24*3600)
	v.SetDefault("timing.samplesCap", 100)
	v.SetDefault("timing.minStallS", 30)
	v.SetDefault("timing.maxStallS", 600)
	v.SetDefault("timing.requestTimeoutMs", 500)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cc-executor")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CC_EXECUTOR with snake_case
// naming, e.g. CC_EXECUTOR_SESSION_MAXSESSIONS.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CC_EXECUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase config keys, so the documented
	// snake_case variables are bound explicitly.
	_ = v.BindEnv("server.listenAddr", "CC_EXECUTOR_LISTEN_ADDR")
	_ = v.BindEnv("server.wsMaxMessageBytes", "CC_EXECUTOR_WS_MAX_MESSAGE_BYTES")
	_ = v.BindEnv("server.wsPingIntervalS", "CC_EXECUTOR_WS_PING_INTERVAL_S")
	_ = v.BindEnv("server.wsPongTimeoutS", "CC_EXECUTOR_WS_PONG_TIMEOUT_S")
	_ = v.BindEnv("session.maxSessions", "CC_EXECUTOR_MAX_SESSIONS")
	_ = v.BindEnv("session.idleTimeoutS", "CC_EXECUTOR_SESSION_IDLE_TIMEOUT_S")
	_ = v.BindEnv("execution.defaultTotalTimeoutS", "CC_EXECUTOR_DEFAULT_TOTAL_TIMEOUT_S")
	_ = v.BindEnv("execution.defaultStallTimeoutS", "CC_EXECUTOR_DEFAULT_STALL_TIMEOUT_S")
	_ = v.BindEnv("execution.extremeStallTimeoutS", "CC_EXECUTOR_EXTREME_STALL_TIMEOUT_S")
	_ = v.BindEnv("execution.stallFractionOfTotal", "CC_EXECUTOR_STALL_FRACTION_OF_TOTAL")
	_ = v.BindEnv("execution.maxLineBytes", "CC_EXECUTOR_MAX_LINE_BYTES")
	_ = v.BindEnv("execution.maxTotalBytes", "CC_EXECUTOR_MAX_TOTAL_BYTES")
	_ = v.BindEnv("execution.allowedCommands", "CC_EXECUTOR_ALLOWED_COMMANDS")
	_ = v.BindEnv("hooks.configPath", "CC_EXECUTOR_HOOK_CONFIG_PATH")
	_ = v.BindEnv("timing.dsn", "CC_EXECUTOR_TIMING_STORE_DSN")
	_ = v.BindEnv("timing.historyTtlS", "CC_EXECUTOR_HISTORY_TTL_S")
	_ = v.BindEnv("timing.samplesCap", "CC_EXECUTOR_HISTORY_SAMPLES_CAP")
	_ = v.BindEnv("nats.url", "CC_EXECUTOR_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cc-executor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all configured bounds are coherent. Violations are
// fatal at startup.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, "server.listenAddr is required")
	}
	if cfg.Server.MaxMessageBytes <= 0 {
		errs = append(errs, "server.wsMaxMessageBytes must be positive")
	}
	if cfg.Server.PingIntervalS <= 0 || cfg.Server.PongTimeoutS <= 0 {
		errs = append(errs, "websocket keepalive intervals must be positive")
	}
	if cfg.Server.PingIntervalS >= cfg.Server.PongTimeoutS {
		errs = append(errs, "server.wsPingIntervalS must be less than server.wsPongTimeoutS")
	}

	if cfg.Session.MaxSessions <= 0 {
		errs = append(errs, "session.maxSessions must be positive")
	}
	if cfg.Session.IdleTimeoutS <= 0 {
		errs = append(errs, "session.idleTimeoutS must be positive")
	}

	if cfg.Execution.DefaultTotalTimeoutS <= 0 {
		errs = append(errs, "execution.defaultTotalTimeoutS must be positive")
	}
	if cfg.Execution.DefaultStallTimeoutS <= 0 {
		errs = append(errs, "execution.defaultStallTimeoutS must be positive")
	}
	if cfg.Execution.StallFractionOfTotal <= 0 || cfg.Execution.StallFractionOfTotal > 1 {
		errs = append(errs, "execution.stallFractionOfTotal must be in (0, 1]")
	}
	if cfg.Execution.GracefulShutdownS <= 0 {
		errs = append(errs, "execution.gracefulShutdownS must be positive")
	}
	if cfg.Execution.MaxLineBytes <= 0 {
		errs = append(errs, "execution.maxLineBytes must be positive")
	}
	if cfg.Execution.MaxTotalBytes < cfg.Execution.MaxLineBytes {
		errs = append(errs, "execution.maxTotalBytes must be at least execution.maxLineBytes")
	}

	if cfg.Hooks.DefaultTimeoutS <= 0 {
		errs = append(errs, "hooks.defaultTimeoutS must be positive")
	}

	if cfg.Timing.HistoryTTLS <= 0 {
		errs = append(errs, "timing.historyTtlS must be positive")
	}
	if cfg.Timing.SamplesCap <= 0 {
		errs = append(errs, "timing.samplesCap must be positive")
	}
	if cfg.Timing.MinStallS <= 0 || cfg.Timing.MaxStallS < cfg.Timing.MinStallS {
		errs = append(errs, "timing stall bounds must satisfy 0 < minStallS <= maxStallS")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
