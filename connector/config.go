package connector

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Konsultn-Engineering/poolguard/guard"
)

// Config represents database connection configuration.
type Config struct {
	Host           string            `json:"host" yaml:"host"`
	Port           int               `json:"port" yaml:"port"`
	Database       string            `json:"database" yaml:"database"`
	Username       string            `json:"username" yaml:"username"`
	Password       string            `json:"password" yaml:"password"`
	SSLMode        string            `json:"ssl_mode" yaml:"ssl_mode"`
	Params         map[string]string `json:"params" yaml:"params"`
	Pool           PoolConfig        `json:"pool" yaml:"pool"`
	Guard          GuardConfig       `json:"guard" yaml:"guard"`
	ConnectTimeout time.Duration     `json:"connect_timeout" yaml:"connect_timeout"`
	Retry          *RetryConfig      `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Logger is injected by the host, never serialized.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// PoolConfig defines connection pool settings.
type PoolConfig struct {
	MaxOpen     int           `json:"max_open" yaml:"max_open"`
	MaxIdle     int           `json:"max_idle" yaml:"max_idle"`
	MaxLifetime time.Duration `json:"max_lifetime" yaml:"max_lifetime"`
	MaxIdleTime time.Duration `json:"max_idle_time" yaml:"max_idle_time"`
}

// GuardConfig configures the pool lifecycle guard installed on every
// connection this config opens.
type GuardConfig struct {
	ReconnectTimeout time.Duration `json:"reconnect_timeout" yaml:"reconnect_timeout"`
	InitialBackoff   time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff       time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// RetryConfig defines connection establishment retry behavior. This covers
// the initial connect only; reconnection of an invalidated pooled
// connection is the guard's job.
type RetryConfig struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay"`
}

// LoadConfig reads and validates a YAML configuration file. Duration fields
// are integer nanoseconds.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Guard.ReconnectTimeout <= 0 {
		return fmt.Errorf("guard.reconnect_timeout is required")
	}
	return nil
}

// guardConfig translates the serialized guard settings into a guard.Config
// with the given classifier and logger.
func (gc GuardConfig) guardConfig(invalidated func(error) bool, logger *slog.Logger) guard.Config {
	return guard.Config{
		ReconnectTimeout: gc.ReconnectTimeout,
		InitialBackoff:   gc.InitialBackoff,
		MaxBackoff:       gc.MaxBackoff,
		Invalidated:      invalidated,
		Logger:           logger,
	}
}

func applyPoolDefaults(p *PoolConfig) {
	if p.MaxOpen <= 0 {
		p.MaxOpen = 10
	}
	if p.MaxIdle < 0 {
		p.MaxIdle = 5
	}
	if p.MaxLifetime == 0 {
		p.MaxLifetime = time.Hour
	}
	if p.MaxIdleTime == 0 {
		p.MaxIdleTime = 30 * time.Minute
	}
}
