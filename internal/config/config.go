// Package config loads the broker service's configuration from environment
// variables, a file, and defaults, in that precedence order (ambient
// stack, SPEC_FULL.md's expansion of spec.md §6 "CLI / environment").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"rdmnet-go/internal/rdm"
)

// Config is the broker service's full static configuration.
type Config struct {
	Listen    ListenConfig    `mapstructure:"listen"`
	Scope     string          `mapstructure:"scope"`
	MaxClients int            `mapstructure:"max_clients"`
	Queues    QueueConfig     `mapstructure:"queues"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ListenConfig configures the broker's TCP acceptor.
type ListenConfig struct {
	Addr string `mapstructure:"addr"`
}

// QueueConfig holds per-client/per-device outbound queue limits (spec.md
// §4.4's default caps of 500). They are loaded and validated only:
// cmd/broker does not pass them to broker.Service, whose queues always use
// DefaultControllerQueueLimit and DefaultDeviceQueueLimit.
type QueueConfig struct {
	ControllerLimit int `mapstructure:"controller_limit"`
	DeviceLimit     int `mapstructure:"device_limit"`
}

// DiscoveryConfig controls whether the broker advertises itself via mDNS
// (spec.md §6 DiscoveryAdapter).
type DiscoveryConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	ServiceInstanceName string `mapstructure:"service_instance_name"`
}

// LoggingConfig controls zerolog's global level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// MetricsConfig controls the Prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// defaults mirrors spec.md's stated defaults (500-message queue caps,
// well-known scope, standard broker port).
func defaults() Config {
	return Config{
		Listen:     ListenConfig{Addr: ":8888"},
		Scope:      string(rdm.DefaultScope),
		MaxClients: 20000,
		Queues:     QueueConfig{ControllerLimit: 500, DeviceLimit: 500},
		Discovery:  DiscoveryConfig{Enabled: true},
		Logging:    LoggingConfig{Level: "info", Format: "console"},
		Metrics:    MetricsConfig{Enabled: true, Addr: ":9090"},
	}
}

// Load reads configuration from configPath (if non-empty; a missing file is
// an error) and RDMNET_-prefixed environment variables, which take
// precedence over the file, layered over defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	cfg := defaults()
	setDefaultsOnViper(v, cfg)

	v.SetEnvPrefix("RDMNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config: file not found: %s", configPath)
			}
			return nil, fmt.Errorf("config: failed to read %s: %w", configPath, err)
		}
	}

	var out Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&out, hook); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	if err := validate(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func setDefaultsOnViper(v *viper.Viper, cfg Config) {
	v.SetDefault("listen.addr", cfg.Listen.Addr)
	v.SetDefault("scope", cfg.Scope)
	v.SetDefault("max_clients", cfg.MaxClients)
	v.SetDefault("queues.controller_limit", cfg.Queues.ControllerLimit)
	v.SetDefault("queues.device_limit", cfg.Queues.DeviceLimit)
	v.SetDefault("discovery.enabled", cfg.Discovery.Enabled)
	v.SetDefault("discovery.service_instance_name", cfg.Discovery.ServiceInstanceName)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

func validate(cfg *Config) error {
	if cfg.Scope == "" {
		return fmt.Errorf("config: scope must not be empty")
	}
	if cfg.MaxClients <= 0 {
		return fmt.Errorf("config: max_clients must be positive")
	}
	if cfg.Queues.ControllerLimit <= 0 || cfg.Queues.DeviceLimit <= 0 {
		return fmt.Errorf("config: queue limits must be positive")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q is not one of debug/info/warn/error", cfg.Logging.Level)
	}
	return nil
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/rdmnet/broker.yaml, falling
// back to ~/.config/rdmnet/broker.yaml.
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rdmnet", "broker.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "broker.yaml"
	}
	return filepath.Join(home, ".config", "rdmnet", "broker.yaml")
}

// ShutdownGrace is a drain period for in-flight connections on shutdown.
// cmd/broker does not read it: on SIGINT or SIGTERM it closes the
// discovery adapter, its PollCore and the broker service straight away.
const ShutdownGrace = 5 * time.Second
