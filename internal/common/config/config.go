// Package config provides configuration management for corrald.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the worker orchestration daemon.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Manager ManagerConfig `mapstructure:"manager"`
	Wrapper WrapperConfig `mapstructure:"wrapper"`
	Spawner SpawnerConfig `mapstructure:"spawner"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the ops HTTP listener configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RedisConfig holds broker connection configuration.
type RedisConfig struct {
	URL          string `mapstructure:"url"`
	StreamPrefix string `mapstructure:"streamPrefix"`
	MaxRetries   int    `mapstructure:"maxRetries"`
	RetryBackoff int    `mapstructure:"retryBackoff"` // initial backoff in milliseconds
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"` // empty means host networking
}

// ManagerConfig holds worker manager configuration.
type ManagerConfig struct {
	ContainerPrefix       string `mapstructure:"containerPrefix"`
	ImagePrefix           string `mapstructure:"imagePrefix"`
	IdleThresholdMinutes  int    `mapstructure:"idleThresholdMinutes"`
	ReaperIntervalSeconds int    `mapstructure:"reaperIntervalSeconds"`
	ImageRetentionHours   int    `mapstructure:"imageRetentionHours"`
	HostClaudeDir         string `mapstructure:"hostClaudeDir"` // host session directory for host_session auth
	DrainTimeoutSeconds   int    `mapstructure:"drainTimeoutSeconds"`
}

// WrapperConfig holds in-container wrapper configuration.
type WrapperConfig struct {
	SubprocessTimeoutSeconds int `mapstructure:"subprocessTimeoutSeconds"`
	SessionTTLHours          int `mapstructure:"sessionTTLHours"`
	ReadBlockSeconds         int `mapstructure:"readBlockSeconds"`
}

// SpawnerConfig holds the principal-to-worker mapping configuration.
type SpawnerConfig struct {
	MappingTTLHours int    `mapstructure:"mappingTTLHours"`
	WorkerTTLHours  int    `mapstructure:"workerTTLHours"`
	SessionTTLHours int    `mapstructure:"sessionTTLHours"`
	AgentType       string `mapstructure:"agentType"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleThreshold returns the idle-pause threshold as a time.Duration.
func (m *ManagerConfig) IdleThreshold() time.Duration {
	return time.Duration(m.IdleThresholdMinutes) * time.Minute
}

// ReaperInterval returns the reaper tick interval as a time.Duration.
func (m *ManagerConfig) ReaperInterval() time.Duration {
	return time.Duration(m.ReaperIntervalSeconds) * time.Second
}

// ImageRetention returns the image GC retention as a time.Duration.
func (m *ManagerConfig) ImageRetention() time.Duration {
	return time.Duration(m.ImageRetentionHours) * time.Hour
}

// DrainTimeout returns the shutdown drain budget as a time.Duration.
func (m *ManagerConfig) DrainTimeout() time.Duration {
	return time.Duration(m.DrainTimeoutSeconds) * time.Second
}

// SubprocessTimeout returns the per-task agent execution budget.
func (w *WrapperConfig) SubprocessTimeout() time.Duration {
	return time.Duration(w.SubprocessTimeoutSeconds) * time.Second
}

// SessionTTL returns the session key lifetime.
func (w *WrapperConfig) SessionTTL() time.Duration {
	return time.Duration(w.SessionTTLHours) * time.Hour
}

// ReadBlock returns how long a single blocking stream read may wait.
func (w *WrapperConfig) ReadBlock() time.Duration {
	return time.Duration(w.ReadBlockSeconds) * time.Second
}

// MappingTTL returns the principal mapping lifetime.
func (s *SpawnerConfig) MappingTTL() time.Duration {
	return time.Duration(s.MappingTTLHours) * time.Hour
}

// WorkerTTL returns the lifetime given to spawned workers.
func (s *SpawnerConfig) WorkerTTL() time.Duration {
	return time.Duration(s.WorkerTTLHours) * time.Hour
}

// SessionTTL returns the lifetime of session ids stored for spawned workers.
func (s *SpawnerConfig) SessionTTL() time.Duration {
	return time.Duration(s.SessionTTLHours) * time.Hour
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CORRAL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.streamPrefix", "worker")
	v.SetDefault("redis.maxRetries", 5)
	v.SetDefault("redis.retryBackoff", 200)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "")

	// Manager defaults
	v.SetDefault("manager.containerPrefix", "corral")
	v.SetDefault("manager.imagePrefix", "corral-agent")
	v.SetDefault("manager.idleThresholdMinutes", 30)
	v.SetDefault("manager.reaperIntervalSeconds", 60)
	v.SetDefault("manager.imageRetentionHours", 168) // one week
	v.SetDefault("manager.hostClaudeDir", "")
	v.SetDefault("manager.drainTimeoutSeconds", 15)

	// Wrapper defaults
	v.SetDefault("wrapper.subprocessTimeoutSeconds", 600)
	v.SetDefault("wrapper.sessionTTLHours", 72)
	v.SetDefault("wrapper.readBlockSeconds", 5)

	// Spawner defaults
	v.SetDefault("spawner.mappingTTLHours", 24)
	v.SetDefault("spawner.workerTTLHours", 24)
	v.SetDefault("spawner.sessionTTLHours", 72)
	v.SetDefault("spawner.agentType", "claude")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service", "corrald")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CORRAL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/corral/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CORRAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("redis.url", "CORRAL_REDIS_URL", "WORKER_REDIS_URL")
	_ = v.BindEnv("redis.streamPrefix", "CORRAL_REDIS_STREAM_PREFIX")
	_ = v.BindEnv("manager.containerPrefix", "CORRAL_MANAGER_CONTAINER_PREFIX")
	_ = v.BindEnv("manager.hostClaudeDir", "CORRAL_MANAGER_HOST_CLAUDE_DIR")
	_ = v.BindEnv("wrapper.subprocessTimeoutSeconds", "CORRAL_WRAPPER_SUBPROCESS_TIMEOUT_SECONDS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/corral/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Redis.URL == "" {
		errs = append(errs, "redis.url is required")
	}
	if cfg.Redis.StreamPrefix == "" {
		errs = append(errs, "redis.streamPrefix is required")
	}

	if cfg.Manager.ContainerPrefix == "" {
		errs = append(errs, "manager.containerPrefix is required")
	}
	if cfg.Manager.IdleThresholdMinutes <= 0 {
		errs = append(errs, "manager.idleThresholdMinutes must be positive")
	}
	if cfg.Manager.ReaperIntervalSeconds <= 0 {
		errs = append(errs, "manager.reaperIntervalSeconds must be positive")
	}

	if cfg.Wrapper.SubprocessTimeoutSeconds <= 0 {
		errs = append(errs, "wrapper.subprocessTimeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
