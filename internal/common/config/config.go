// Package config provides configuration management for the orchestration
// nucleus (OMS). It supports loading configuration from environment
// variables, a config file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for OMS.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	TaskStore TaskStoreConfig `mapstructure:"taskStore"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Roles     RolesConfig     `mapstructure:"roles"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds the admin/health HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// IPCConfig holds the unix-domain socket configuration for the router.
type IPCConfig struct {
	SocketPath     string `mapstructure:"socketPath"`
	WaitForAgentMS int    `mapstructure:"waitForAgentMs"` // long-poll bound for wait_for_agent
	ComplainMS     int    `mapstructure:"complainMs"`     // long-poll bound for complain
}

// TaskStoreConfig holds on-disk task store configuration.
type TaskStoreConfig struct {
	SessionDir        string `mapstructure:"sessionDir"`
	ActivityCap        int    `mapstructure:"activityCap"`
	AgentRecordCap     int    `mapstructure:"agentRecordCap"`
	AgentTTLSeconds    int    `mapstructure:"agentTtlSeconds"`
	FlushDebounceMS    int    `mapstructure:"flushDebounceMs"`
	EventBufferCap     int    `mapstructure:"eventBufferCap"`
	MessageHistoryCap  int    `mapstructure:"messageHistoryCap"`
}

// RegistryConfig holds agent registry tuning.
type RegistryConfig struct {
	HeartbeatIntervalMS int `mapstructure:"heartbeatIntervalMs"`
	EventBufferCap      int `mapstructure:"eventBufferCap"`
}

// NATSConfig holds NATS messaging configuration. An empty URL means the
// in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace is loaded from configuration; no component reads it.
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RolesConfig points at the role allowlist document (see internal/toolsurface).
type RolesConfig struct {
	ConfigPath string `mapstructure:"configPath"` // empty uses the embedded default
}

// TracingConfig controls OTel span export. An empty Endpoint means
// OTEL_EXPORTER_OTLP_ENDPOINT (if set) is used instead; tracing is a
// no-op when neither is set.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// WaitForAgentDuration returns the wait_for_agent long-poll bound.
func (i *IPCConfig) WaitForAgentDuration() time.Duration {
	return time.Duration(i.WaitForAgentMS) * time.Millisecond
}

// ComplainDuration returns the complain long-poll bound.
func (i *IPCConfig) ComplainDuration() time.Duration {
	return time.Duration(i.ComplainMS) * time.Millisecond
}

// AgentTTL returns the agent-issue staleness TTL.
func (t *TaskStoreConfig) AgentTTL() time.Duration {
	return time.Duration(t.AgentTTLSeconds) * time.Second
}

// FlushDebounce returns the deferred-flush coalescing window.
func (t *TaskStoreConfig) FlushDebounce() time.Duration {
	return time.Duration(t.FlushDebounceMS) * time.Millisecond
}

// HeartbeatInterval returns the registry heartbeat tick interval.
func (r *RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMS) * time.Millisecond
}

// detectDefaultLogFormat mirrors internal/common/logger's environment probe
// so the two stay consistent without importing each other.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OMS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("ipc.socketPath", defaultSocketPath())
	v.SetDefault("ipc.waitForAgentMs", 10*60*1000) // 10 minutes
	v.SetDefault("ipc.complainMs", 5*60*1000)      // 5 minutes

	v.SetDefault("taskStore.sessionDir", "./.oms/session")
	v.SetDefault("taskStore.activityCap", 5000)
	v.SetDefault("taskStore.agentRecordCap", 500)
	v.SetDefault("taskStore.agentTtlSeconds", 180)
	v.SetDefault("taskStore.flushDebounceMs", 250)
	v.SetDefault("taskStore.eventBufferCap", 200)
	v.SetDefault("taskStore.messageHistoryCap", 200)

	v.SetDefault("registry.heartbeatIntervalMs", 15000)
	v.SetDefault("registry.eventBufferCap", 200)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "oms-cluster")
	v.SetDefault("nats.clientId", "oms-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("roles.configPath", "")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampleRatio", 1.0)
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "oms.sock")
	}
	return filepath.Join(os.TempDir(), "oms.sock")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix OMS_ with snake_case
// naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("ipc.socketPath", "OMS_IPC_SOCKET")
	_ = v.BindEnv("taskStore.sessionDir", "OMS_SESSION_DIR")
	_ = v.BindEnv("logging.level", "OMS_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "OMS_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/oms/")

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

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.IPC.SocketPath == "" {
		errs = append(errs, "ipc.socketPath must be set")
	}
	if cfg.TaskStore.SessionDir == "" {
		errs = append(errs, "taskStore.sessionDir must be set")
	}
	if cfg.TaskStore.ActivityCap <= 0 {
		errs = append(errs, "taskStore.activityCap must be positive")
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
