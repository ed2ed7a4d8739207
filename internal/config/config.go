// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/chunk-tunnel/config.toml",
	"configs/config.toml",
}

// reservedPrefixes are routes served by the tunnel binaries.
var reservedPrefixes = []string{"/tunnel", "/healthz"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	RelayURL string `kong:"help='Relay base URL used by the tunnel client (overrides config).',env='TUNNEL_RELAY_URL'"`
	Secret   string `kong:"help='Shared secret for signing relay calls (overrides config).',env='TUNNEL_SECRET'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. Both binaries read the
// same file; [server] always describes the local listener of the process.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Tunnel   TunnelConfig   `toml:"tunnel"`
	Upstream UpstreamConfig `toml:"upstream"`
	Client   ClientConfig   `toml:"client"`
	Auth     AuthConfig     `toml:"auth"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// TunnelConfig holds chunking and connection lifetime settings.
type TunnelConfig struct {
	ChunkSize             int `toml:"chunk_size"`
	ForwardTimeoutSeconds int `toml:"forward_timeout_seconds"`
	IdleTimeoutSeconds    int `toml:"idle_timeout_seconds"`
	SweepIntervalSeconds  int `toml:"sweep_interval_seconds"`
	GraceSeconds          int `toml:"grace_seconds"`
	ForwardWorkers        int `toml:"forward_workers"`
}

// UpstreamConfig holds outbound connection settings for the forwarding engine.
type UpstreamConfig struct {
	IdleConnections    int  `toml:"idle_connections"`
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// ClientConfig holds settings for the tunnel client.
type ClientConfig struct {
	RelayURL           string `toml:"relay_url"`
	ListenHost         string `toml:"listen_host"`
	ListenPort         int    `toml:"listen_port"`
	CallTimeoutSeconds int    `toml:"call_timeout_seconds"`
	PollIntervalMillis int    `toml:"poll_interval_ms"`
	PollTimeoutSeconds int    `toml:"poll_timeout_seconds"`
}

// AuthConfig holds relay call signing settings. An empty secret disables signing.
type AuthConfig struct {
	Secret          string `toml:"secret"`
	Issuer          string `toml:"issuer"`
	TokenTTLSeconds int    `toml:"token_ttl_seconds"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/chunk-tunnel/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	if int64(cfg.Tunnel.ChunkSize) > cfg.Server.BodyMaxBytes {
		return nil, fmt.Errorf("config: validate: tunnel.chunk_size (%d) exceeds server.body_max_bytes (%d)",
			cfg.Tunnel.ChunkSize, cfg.Server.BodyMaxBytes)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.RelayURL != "" {
		c.Client.RelayURL = cli.RelayURL
	}
	if cli.Secret != "" {
		c.Auth.Secret = cli.Secret
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Auth.Secret == "CHANGE_ME" {
		return fmt.Errorf("auth.secret contains placeholder value; set a real secret or leave empty to disable signing")
	}

	if c.Client.RelayURL != "" {
		if err := validateRelayURL(c.Client.RelayURL); err != nil {
			return err
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Client.ListenPort < 0 || c.Client.ListenPort > 65535 {
		return fmt.Errorf("client.listen_port must be 0–65535; got %d", c.Client.ListenPort)
	}
	for name, v := range map[string]int64{
		"server.body_max_bytes":          c.Server.BodyMaxBytes,
		"tunnel.chunk_size":              int64(c.Tunnel.ChunkSize),
		"tunnel.forward_timeout_seconds": int64(c.Tunnel.ForwardTimeoutSeconds),
		"tunnel.idle_timeout_seconds":    int64(c.Tunnel.IdleTimeoutSeconds),
		"tunnel.sweep_interval_seconds":  int64(c.Tunnel.SweepIntervalSeconds),
		"tunnel.grace_seconds":           int64(c.Tunnel.GraceSeconds),
		"tunnel.forward_workers":         int64(c.Tunnel.ForwardWorkers),
		"upstream.idle_connections":      int64(c.Upstream.IdleConnections),
		"client.call_timeout_seconds":    int64(c.Client.CallTimeoutSeconds),
		"client.poll_interval_ms":        int64(c.Client.PollIntervalMillis),
		"client.poll_timeout_seconds":    int64(c.Client.PollTimeoutSeconds),
		"auth.token_ttl_seconds":         int64(c.Auth.TokenTTLSeconds),
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
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
		for _, reserved := range reservedPrefixes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// LoadClient loads the config for the tunnel client binary. The --host and
// --port flags apply to the local proxy listener instead of [server].
func LoadClient(cli *CLI) (*Config, error) {
	cfg, err := Load(cli)
	if err != nil {
		return nil, err
	}
	if cli.Host != "" {
		cfg.Client.ListenHost = cli.Host
	}
	if cli.Port != 0 {
		cfg.Client.ListenPort = cli.Port
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateClient checks the settings only the tunnel client needs.
func (c *Config) ValidateClient() error {
	if c.Client.RelayURL == "" {
		return fmt.Errorf("config: client.relay_url is required")
	}
	return validateRelayURL(c.Client.RelayURL)
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("client.relay_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("client.relay_url must use http or https; got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("client.relay_url has no host; got %q", raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // relay payload ceiling
	}
	if c.Tunnel.ChunkSize == 0 {
		c.Tunnel.ChunkSize = 1024 * 1024
	}
	if c.Tunnel.ForwardTimeoutSeconds == 0 {
		c.Tunnel.ForwardTimeoutSeconds = 30
	}
	if c.Tunnel.IdleTimeoutSeconds == 0 {
		c.Tunnel.IdleTimeoutSeconds = 300
	}
	if c.Tunnel.SweepIntervalSeconds == 0 {
		c.Tunnel.SweepIntervalSeconds = 60
	}
	if c.Tunnel.GraceSeconds == 0 {
		c.Tunnel.GraceSeconds = 30
	}
	if c.Tunnel.ForwardWorkers == 0 {
		c.Tunnel.ForwardWorkers = 32
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Client.ListenHost == "" {
		c.Client.ListenHost = "127.0.0.1"
	}
	if c.Client.ListenPort == 0 {
		c.Client.ListenPort = 8888
	}
	if c.Client.CallTimeoutSeconds == 0 {
		c.Client.CallTimeoutSeconds = 30
	}
	if c.Client.PollIntervalMillis == 0 {
		c.Client.PollIntervalMillis = 250
	}
	if c.Client.PollTimeoutSeconds == 0 {
		c.Client.PollTimeoutSeconds = 120
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "chunk-tunnel"
	}
	if c.Auth.TokenTTLSeconds == 0 {
		c.Auth.TokenTTLSeconds = 60
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the local proxy listen address as host:port.
func (c *ClientConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// ForwardTimeout is the bound on one outbound call.
func (t *TunnelConfig) ForwardTimeout() time.Duration {
	return time.Duration(t.ForwardTimeoutSeconds) * time.Second
}

// IdleTimeout is the age after which the reaper evicts any connection.
func (t *TunnelConfig) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutSeconds) * time.Second
}

// SweepInterval is the reaper period.
func (t *TunnelConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalSeconds) * time.Second
}

// Grace is the retention after the last response chunk is read.
func (t *TunnelConfig) Grace() time.Duration {
	return time.Duration(t.GraceSeconds) * time.Second
}

// CallTimeout bounds each relay call made by the client.
func (c *ClientConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// PollInterval is the pause between metadata polls.
func (c *ClientConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// PollTimeout bounds the wait for a response to become ready.
func (c *ClientConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

// TokenTTL is the lifetime of one signed relay token.
func (a *AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
