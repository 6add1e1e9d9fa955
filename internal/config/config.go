package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models keepsake.yml.
type Config struct {
	Manager  ManagerConfig   `yaml:"manager" json:"manager"`
	Queue    QueueConfig     `yaml:"queue" json:"queue"`
	Log      LogConfig       `yaml:"log" json:"log"`
	API      APIConfig       `yaml:"api" json:"api"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type ManagerConfig struct {
	SocketPath           string        `yaml:"socket_path" json:"socket_path"`
	Delimiter            string        `yaml:"delimiter" json:"delimiter"`
	MaxMessageSize       int           `yaml:"max_message_size" json:"max_message_size"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	MessageTimeout       time.Duration `yaml:"message_timeout" json:"message_timeout"`
	CloseConnectionAfter time.Duration `yaml:"close_connection_after" json:"close_connection_after"`
}

type QueueConfig struct {
	PoolSize       int           `yaml:"pool_size" json:"pool_size"`
	PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval"`
	StatusInterval time.Duration `yaml:"status_interval" json:"status_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file,omitempty"`
}

type APIConfig struct {
	Addr     string `yaml:"addr" json:"addr,omitempty"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// DefaultSocketPath is the well-known manager socket under the system temp dir.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "keepsake-device-manager.sock")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Manager.SocketPath == "" {
		return fmt.Errorf("config.manager.socket_path is required")
	}
	if len(c.Manager.Delimiter) != 1 {
		return fmt.Errorf("config.manager.delimiter must be exactly one character, got %q", c.Manager.Delimiter)
	}
	if c.Manager.Delimiter == "\n" {
		return fmt.Errorf("config.manager.delimiter cannot be a newline")
	}
	if c.Manager.MaxMessageSize < 16 {
		return fmt.Errorf("config.manager.max_message_size must be at least 16")
	}
	for name, d := range map[string]time.Duration{
		"connection_timeout":     c.Manager.ConnectionTimeout,
		"message_timeout":        c.Manager.MessageTimeout,
		"close_connection_after": c.Manager.CloseConnectionAfter,
	} {
		if d <= 0 {
			return fmt.Errorf("config.manager.%s must be positive", name)
		}
	}
	if c.Queue.PoolSize < 0 {
		return fmt.Errorf("config.queue.pool_size cannot be negative")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("config.queue.poll_interval must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "keepsake.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return fmt.Sprintf(defaultTemplate, DefaultSocketPath())
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ks init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault())).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes layered over the defaults, then validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `manager:
  socket_path: %s
  delimiter: ","
  max_message_size: 1024
  connection_timeout: 1s
  message_timeout: 100ms
  close_connection_after: 300s

queue:
  pool_size: 2
  poll_interval: 250ms
  status_interval: 10s

log:
  level: info
  format: text

api:
  base_path: /v0
`
