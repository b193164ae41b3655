package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort        = 8080
	DefaultDocRoot     = "/var/www/html"
	DefaultWorkers     = 8
	DefaultMaxRequests = 1024
	DefaultMaxConns    = 65535
	DefaultMaxEvents   = 10000
	DefaultTick        = 5 * time.Second
	DefaultReadBuffer  = 2048
	DefaultWriteBuffer = 1024
)

// Environment variables read by FromEnv.
const (
	EnvConfigFile = "HTTPD_CONFIG"
	EnvDocRoot    = "HTTPD_DOC_ROOT"
)

var ErrInvalid = errors.New("invalid config")

// Metrics configures the OTLP metrics pipeline. An empty endpoint disables export.
type Metrics struct {
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Interval     time.Duration `yaml:"interval"`
}

// Config holds the engine configuration.
type Config struct {
	Port        int           `yaml:"port"`
	DocRoot     string        `yaml:"doc_root"`
	Workers     int           `yaml:"workers"`
	MaxRequests int           `yaml:"max_requests"` // bound of the worker queue
	MaxConns    int           `yaml:"max_conns"`
	MaxEvents   int           `yaml:"max_events"`
	Tick        time.Duration `yaml:"tick"` // idle connections are evicted after 3 ticks
	ReadBuffer  int           `yaml:"read_buffer"`
	WriteBuffer int           `yaml:"write_buffer"`
	LogLevel    string        `yaml:"log_level"`
	Metrics     Metrics       `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:        DefaultPort,
		DocRoot:     DefaultDocRoot,
		Workers:     DefaultWorkers,
		MaxRequests: DefaultMaxRequests,
		MaxConns:    DefaultMaxConns,
		MaxEvents:   DefaultMaxEvents,
		Tick:        DefaultTick,
		ReadBuffer:  DefaultReadBuffer,
		WriteBuffer: DefaultWriteBuffer,
		LogLevel:    "info",
		Metrics: Metrics{
			Interval: 10 * time.Second,
		},
	}
}

// Load overlays the YAML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// FromEnv loads the file named by HTTPD_CONFIG if set, then applies HTTPD_DOC_ROOT.
func FromEnv() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	if root := os.Getenv(EnvDocRoot); root != "" {
		cfg.DocRoot = root
	}
	return cfg, cfg.Validate()
}

// Validate reports every violated constraint at once.
func (c *Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Port >= 0 && c.Port <= 65535, "port %d out of range", c.Port) // 0 binds an ephemeral port
	check(c.DocRoot != "", "doc_root is empty")
	check(c.Workers > 0, "workers must be positive, got %d", c.Workers)
	check(c.MaxRequests > 0, "max_requests must be positive, got %d", c.MaxRequests)
	check(c.MaxConns > 0, "max_conns must be positive, got %d", c.MaxConns)
	check(c.MaxEvents > 0, "max_events must be positive, got %d", c.MaxEvents)
	check(c.Tick > 0, "tick must be positive, got %s", c.Tick)
	check(c.ReadBuffer >= 64, "read_buffer too small: %d", c.ReadBuffer)
	check(c.WriteBuffer >= 128, "write_buffer too small: %d", c.WriteBuffer)
	if c.Metrics.OTLPEndpoint != "" {
		check(c.Metrics.Interval > 0, "metrics.interval must be positive, got %s", c.Metrics.Interval)
	}
	return errs
}

// IdleTimeout is how long a connection may stay silent before eviction.
func (c *Config) IdleTimeout() time.Duration {
	return 3 * c.Tick
}
