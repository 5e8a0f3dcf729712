package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pokenerd configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Pokémon server connection
	Server ServerConfig `yaml:"server"`

	// Aggregate queries
	FanOut FanOutConfig `yaml:"fanout"`

	// Resource cache and query history
	Cache CacheConfig `yaml:"cache"`

	// Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the transport to the Pokémon server.
type ServerConfig struct {
	Transport    string      `yaml:"transport"` // stdio, http
	Command      string      `yaml:"command"`
	Args         []string    `yaml:"args"`
	Env          []string    `yaml:"env,omitempty"` // extra KEY=VALUE for the child
	Dir          string      `yaml:"dir"`
	BaseURL      string      `yaml:"base_url"`
	Timeout      string      `yaml:"timeout"`
	ReadyLine    string      `yaml:"ready_line"` // stderr marker awaited after spawn
	ReadyTimeout string      `yaml:"ready_timeout"`
	Tools        ToolsConfig `yaml:"tools"`
}

// ToolsConfig names the remote tools. Empty fields keep the client defaults.
type ToolsConfig struct {
	Battle            string `yaml:"battle"`
	TypeEffectiveness string `yaml:"type_effectiveness"`
	ListMoves         string `yaml:"list_moves"`
}

// FanOutConfig configures aggregate queries.
type FanOutConfig struct {
	Timeout     string `yaml:"timeout"`     // shared deadline for all sub-calls
	Concurrency int    `yaml:"concurrency"` // 0 = all at once
}

// CacheConfig configures the resource cache.
type CacheConfig struct {
	Backend   string `yaml:"backend"` // sqlite, redis, none
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	TTL       string `yaml:"ttl"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Transports and cache backends accepted by Validate.
var (
	ValidTransports    = []string{"stdio", "http"}
	ValidCacheBackends = []string{"sqlite", "redis", "none"}
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "pokenerd",
		Version: "0.3.0",

		Server: ServerConfig{
			Transport:    "stdio",
			Command:      "node",
			Args:         []string{"dist/server.js"},
			BaseURL:      "http://localhost:3000",
			Timeout:      "10s",
			ReadyTimeout: "5s",
		},

		FanOut: FanOutConfig{
			Timeout: "10s",
		},

		Cache: CacheConfig{
			Backend:   "sqlite",
			Path:      ".pokenerd/cache.db",
			RedisAddr: "localhost:6379",
			TTL:       "24h",
		},

		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Dir:    ".pokenerd/logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies POKENERD_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("POKENERD_TRANSPORT"); v != "" {
		c.Server.Transport = strings.ToLower(v)
	}
	if fields := strings.Fields(os.Getenv("POKENERD_SERVER_COMMAND")); len(fields) > 0 {
		c.Server.Command = fields[0]
		c.Server.Args = fields[1:]
	}
	if v := os.Getenv("POKENERD_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("POKENERD_TIMEOUT"); v != "" {
		c.Server.Timeout = v
	}

	if v := os.Getenv("POKENERD_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("POKENERD_CACHE_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("POKENERD_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}

	if v := os.Getenv("POKENERD_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
		c.Metrics.Enabled = true
	}

	if v := os.Getenv("POKENERD_DEBUG"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = on
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetServerTimeout returns the per-call deadline.
func (c *Config) GetServerTimeout() time.Duration {
	return parseDuration(c.Server.Timeout, 10*time.Second)
}

// GetReadyTimeout returns how long to wait for the ready line.
func (c *Config) GetReadyTimeout() time.Duration {
	return parseDuration(c.Server.ReadyTimeout, 5*time.Second)
}

// GetFanOutTimeout returns the shared deadline for aggregate queries.
func (c *Config) GetFanOutTimeout() time.Duration {
	return parseDuration(c.FanOut.Timeout, c.GetServerTimeout())
}

// GetCacheTTL returns the resource cache TTL. Zero keeps entries forever.
func (c *Config) GetCacheTTL() time.Duration {
	if c.Cache.TTL == "" || c.Cache.TTL == "0" {
		return 0
	}
	return parseDuration(c.Cache.TTL, 24*time.Hour)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidTransports, c.Server.Transport) {
		return fmt.Errorf("invalid server transport: %s (valid: %v)", c.Server.Transport, ValidTransports)
	}
	switch c.Server.Transport {
	case "stdio":
		if c.Server.Command == "" {
			return fmt.Errorf("server command not configured (set server.command or POKENERD_SERVER_COMMAND)")
		}
	case "http":
		if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
			return fmt.Errorf("invalid server base_url: %q", c.Server.BaseURL)
		}
	}

	for name, v := range map[string]string{
		"server.timeout":       c.Server.Timeout,
		"server.ready_timeout": c.Server.ReadyTimeout,
		"fanout.timeout":       c.FanOut.Timeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.FanOut.Concurrency < 0 {
		return fmt.Errorf("fanout.concurrency must not be negative, got %d", c.FanOut.Concurrency)
	}

	if !contains(ValidCacheBackends, c.Cache.Backend) {
		return fmt.Errorf("invalid cache backend: %s (valid: %v)", c.Cache.Backend, ValidCacheBackends)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr required for the redis backend")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr required when metrics are enabled")
	}

	return nil
}
