// Package config loads proxy configuration from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/cacheproxy/pkg/cache"
	"github.com/Sternrassler/cacheproxy/pkg/header"
	"github.com/Sternrassler/cacheproxy/pkg/logging"
	"github.com/Sternrassler/cacheproxy/pkg/origin"
	"github.com/Sternrassler/cacheproxy/pkg/proxy"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds proxy configuration.
type Config struct {
	// Port is the TCP port the proxy listens on.
	Port int `yaml:"port"`

	MaxCacheSize  int64 `yaml:"max_cache_size"`
	MaxObjectSize int64 `yaml:"max_object_size"`

	// UserAgent replaces the client's User-Agent on every outbound request.
	UserAgent string `yaml:"user_agent"`

	// Upstream is a host:port for origin-form request targets.
	Upstream string `yaml:"upstream"`

	OriginTimeout  time.Duration `yaml:"origin_timeout"`
	ClientTimeout  time.Duration `yaml:"client_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`

	// MaxConns limits concurrently served connections (0 = unbounded).
	MaxConns int `yaml:"max_conns"`

	// AdminAddr enables the admin API when non-empty, e.g. "127.0.0.1:9090".
	AdminAddr string `yaml:"admin_addr"`

	// RedisURL selects a Redis-backed blocklist, e.g. "redis://localhost:6379/0".
	RedisURL string `yaml:"redis_url"`

	// Blocked hosts are added to the blocklist at startup.
	Blocked []string `yaml:"blocked"`

	Log LogConfig `yaml:"log"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// Default returns the default configuration. Port is left unset.
func Default() Config {
	return Config{
		MaxCacheSize:   cache.DefaultMaxCacheSize,
		MaxObjectSize:  cache.DefaultMaxObjectSize,
		UserAgent:      header.DefaultUserAgent,
		OriginTimeout:  origin.DefaultTimeout,
		ClientTimeout:  proxy.DefaultClientTimeout,
		MaxHeaderBytes: header.DefaultMaxHeaderBytes,
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up with
// getenv (usually os.Getenv). Empty variables are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int64) {
		if v := getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	integer("PROXY_MAX_CACHE_SIZE", &c.MaxCacheSize)
	integer("PROXY_MAX_OBJECT_SIZE", &c.MaxObjectSize)
	str("PROXY_USER_AGENT", &c.UserAgent)
	str("PROXY_UPSTREAM", &c.Upstream)
	duration("PROXY_ORIGIN_TIMEOUT", &c.OriginTimeout)
	duration("PROXY_CLIENT_TIMEOUT", &c.ClientTimeout)
	str("ADMIN_ADDR", &c.AdminAddr)
	str("REDIS_URL", &c.RedisURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)

	if v := getenv("PROXY_MAX_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PROXY_MAX_CONNS: %w", err))
		} else {
			c.MaxConns = n
		}
	}
	if v := getenv("LOG_PRETTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LOG_PRETTY: %w", err))
		} else {
			c.Log.Pretty = b
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ParsePort parses the positional port argument.
func ParsePort(arg string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: port %q", ErrInvalid, arg)
	}
	return port, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Port))
	}
	if c.MaxCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("max_cache_size must be positive"))
	}
	if c.MaxObjectSize <= 0 {
		errs = append(errs, fmt.Errorf("max_object_size must be positive"))
	}
	if c.MaxObjectSize > c.MaxCacheSize {
		errs = append(errs, fmt.Errorf("max_object_size %d exceeds max_cache_size %d", c.MaxObjectSize, c.MaxCacheSize))
	}
	if c.OriginTimeout < 0 || c.ClientTimeout < 0 {
		errs = append(errs, fmt.Errorf("timeouts must not be negative"))
	}
	if c.MaxHeaderBytes < 0 {
		errs = append(errs, fmt.Errorf("max_header_bytes must not be negative"))
	}
	if c.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("max_conns must not be negative"))
	}
	if c.Upstream != "" && !strings.Contains(c.Upstream, ":") {
		errs = append(errs, fmt.Errorf("upstream %q must be host:port", c.Upstream))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Logging converts the log settings to a logging.Config writing to
// stderr.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	cfg.File = c.Log.File
	return cfg
}
