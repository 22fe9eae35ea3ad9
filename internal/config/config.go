// Package config handles environment options and optional TOML configuration.
package config

import (
	"fmt"
	"log/slog"
	"mime"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/http/httpguts"
)

// ListenHost is the only address the gateway binds to.
const ListenHost = "127.0.0.1"

// Process defaults, applied when the environment leaves a value unset.
const (
	DefaultPort         = 3000
	DefaultNumThreads   = 4
	DefaultMaxRedirects = 4
	DefaultUserAgent    = "url-proxy-go/1.0"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/url-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds process options parsed by Kong, primarily from the environment.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Port         int    `kong:"short='p',help='Listen port on 127.0.0.1.',env='PORT',default='3000'"`
	NumThreads   int    `kong:"name='num-threads',help='Number of worker listeners sharing the port (> 0).',env='NUM_THREADS',default='4'"`
	MaxRedirects int    `kong:"name='max-redirects',help='Redirects followed per request.',env='MAX_REDIRECTS',default='4'"`
	UserAgent    string `kong:"name='user-agent',help='User-Agent sent to upstreams.',env='USER_AGENT',default='url-proxy-go/1.0'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once at
// startup and shared read-only by every worker.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"-"`
	Upstream UpstreamConfig `toml:"upstream"`
	Content  ContentConfig  `toml:"content"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int             `toml:"-"`
	Workers      int             `toml:"-"`
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds the redirect budget and outbound identity. Both come
// from the environment only.
type ProxyConfig struct {
	MaxRedirects int
	UserAgent    string
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// ContentConfig extends the built-in content-type allow-list.
type ContentConfig struct {
	AllowedTypes []string `toml:"allowed_types"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load builds the configuration from the optional TOML file and the CLI
// options. When no explicit path is given (via --config or CONFIG_PATH), it
// searches /etc/url-proxy/config.toml then configs/config.toml; finding
// none is not an error.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI copies the environment-owned options and overrides file values
// with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	c.Server.Port = cli.Port
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	c.Server.Workers = cli.NumThreads
	c.Proxy.MaxRedirects = cli.MaxRedirects
	c.Proxy.UserAgent = cli.UserAgent
	if c.Proxy.UserAgent == "" {
		c.Proxy.UserAgent = DefaultUserAgent
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Environment options.
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be 1–65535; got %d", c.Server.Port)
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("NUM_THREADS must be > 0; got %d", c.Server.Workers)
	}
	if c.Proxy.MaxRedirects < 0 {
		return fmt.Errorf("MAX_REDIRECTS must be non-negative; got %d", c.Proxy.MaxRedirects)
	}
	if !httpguts.ValidHeaderFieldValue(c.Proxy.UserAgent) {
		return fmt.Errorf("USER_AGENT is not a valid header value: %q", c.Proxy.UserAgent)
	}

	// Numeric bounds.
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	for _, t := range c.Content.AllowedTypes {
		mt, _, err := mime.ParseMediaType(t)
		if err != nil || !strings.Contains(mt, "/") {
			return fmt.Errorf("content.allowed_types: %q is not a media type", t)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with the proxy endpoint", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued file fields with sensible defaults.
// TOML cannot distinguish an explicit 0 from an omitted key, so zero always
// means "unset" here.
func (c *Config) setDefaults() {
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024 // 64 KB; request bodies are never relayed
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the loopback listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ListenHost, c.Port)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
