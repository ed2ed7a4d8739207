package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a fresh config.toml and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[tunnel]
chunk_size = 524288
forward_timeout_seconds = 10
idle_timeout_seconds = 120
sweep_interval_seconds = 15
grace_seconds = 5
forward_workers = 4

[client]
relay_url = "https://relay.example.com/prod"
poll_interval_ms = 100

[auth]
secret = "s3cret"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Tunnel.ChunkSize != 524288 {
		t.Errorf("Tunnel.ChunkSize = %d, want %d", cfg.Tunnel.ChunkSize, 524288)
	}
	if cfg.Tunnel.ForwardTimeout() != 10*time.Second {
		t.Errorf("ForwardTimeout() = %v, want 10s", cfg.Tunnel.ForwardTimeout())
	}
	if cfg.Tunnel.IdleTimeout() != 2*time.Minute {
		t.Errorf("IdleTimeout() = %v, want 2m", cfg.Tunnel.IdleTimeout())
	}
	if cfg.Tunnel.SweepInterval() != 15*time.Second {
		t.Errorf("SweepInterval() = %v, want 15s", cfg.Tunnel.SweepInterval())
	}
	if cfg.Tunnel.Grace() != 5*time.Second {
		t.Errorf("Grace() = %v, want 5s", cfg.Tunnel.Grace())
	}
	if cfg.Client.PollInterval() != 100*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 100ms", cfg.Client.PollInterval())
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Errorf("Auth.Secret = %q, want %q", cfg.Auth.Secret, "s3cret")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "# empty\n")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Tunnel.ChunkSize != 1024*1024 {
		t.Errorf("default Tunnel.ChunkSize = %d, want %d", cfg.Tunnel.ChunkSize, 1024*1024)
	}
	if cfg.Tunnel.ForwardTimeout() != 30*time.Second {
		t.Errorf("default ForwardTimeout() = %v, want 30s", cfg.Tunnel.ForwardTimeout())
	}
	if cfg.Tunnel.IdleTimeout() != 300*time.Second {
		t.Errorf("default IdleTimeout() = %v, want 5m", cfg.Tunnel.IdleTimeout())
	}
	if cfg.Tunnel.SweepInterval() != 60*time.Second {
		t.Errorf("default SweepInterval() = %v, want 1m", cfg.Tunnel.SweepInterval())
	}
	if cfg.Tunnel.Grace() != 30*time.Second {
		t.Errorf("default Grace() = %v, want 30s", cfg.Tunnel.Grace())
	}
	if cfg.Auth.Issuer != "chunk-tunnel" {
		t.Errorf("default Auth.Issuer = %q, want %q", cfg.Auth.Issuer, "chunk-tunnel")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8080

[client]
relay_url = "https://toml.example.com"

[auth]
secret = "toml-secret"

[log]
level = "info"
`)

	cli := &CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     3000,
		RelayURL: "http://cli.example.com:9000",
		Secret:   "cli-secret",
		LogLevel: "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Client.RelayURL != "http://cli.example.com:9000" {
		t.Errorf("Client.RelayURL = %q, want CLI override", cfg.Client.RelayURL)
	}
	if cfg.Auth.Secret != "cli-secret" {
		t.Errorf("Auth.Secret = %q, want %q (CLI override)", cfg.Auth.Secret, "cli-secret")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		mention string
	}{
		{"placeholder secret", "[auth]\nsecret = \"CHANGE_ME\"\n", "auth.secret"},
		{"invalid log level", "[log]\nlevel = \"verbose\"\n", "log.level"},
		{"invalid log format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"negative port", "[server]\nport = -1\n", "server.port"},
		{"port too large", "[server]\nport = 70000\n", "server.port"},
		{"negative body max", "[server]\nbody_max_bytes = -1\n", "server.body_max_bytes"},
		{"negative chunk size", "[tunnel]\nchunk_size = -1\n", "tunnel.chunk_size"},
		{"negative grace", "[tunnel]\ngrace_seconds = -5\n", "tunnel.grace_seconds"},
		{"negative poll interval", "[client]\npoll_interval_ms = -1\n", "client.poll_interval_ms"},
		{"relay url bad scheme", "[client]\nrelay_url = \"ftp://relay\"\n", "client.relay_url"},
		{"relay url no host", "[client]\nrelay_url = \"https://\"\n", "client.relay_url"},
		{"chunk above body ceiling", "[server]\nbody_max_bytes = 1000\n[tunnel]\nchunk_size = 2000\n", "chunk_size"},
		{"chunk default above small ceiling", "[server]\nbody_max_bytes = 1000\n", "chunk_size"},
		{"rate limit zero", "[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n", "requests_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatalf("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error = %q, want mention of %q", err, tt.mention)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestValidateClient(t *testing.T) {
	tests := []struct {
		name    string
		relay   string
		wantErr bool
	}{
		{"missing", "", true},
		{"https", "https://abc.execute-api.eu-west-1.amazonaws.com/prod", false},
		{"http", "http://127.0.0.1:8080", false},
		{"bad scheme", "ws://relay", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Client: ClientConfig{RelayURL: tt.relay}}
			err := cfg.ValidateClient()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadClient_ListenerOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000

[client]
relay_url = "https://relay.example.com/prod"
`)

	cfg, err := LoadClient(&CLI{Config: path, Host: "0.0.0.0", Port: 3128})
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if got := cfg.Client.Addr(); got != "0.0.0.0:3128" {
		t.Errorf("Client.Addr() = %q, want %q", got, "0.0.0.0:3128")
	}

	defaults, err := LoadClient(cliWithPath(path))
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if got := defaults.Client.Addr(); got != "127.0.0.1:8888" {
		t.Errorf("default Client.Addr() = %q, want %q", got, "127.0.0.1:8888")
	}

	missing := writeConfig(t, "# no relay\n")
	if _, err := LoadClient(cliWithPath(missing)); err == nil {
		t.Error("LoadClient() without relay_url expected error")
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, "[log]\nlevel = \"info\"\n")

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "# first\n")
	path2 := writeConfig(t, "# second\n")

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		want     string
		mention  string
		disabled bool
	}{
		{name: "default", path: "", want: "/metrics"},
		{name: "custom", path: "/custom-metrics", want: "/custom-metrics"},
		{name: "no leading slash", path: "metrics", mention: "metrics.path"},
		{name: "tunnel exact", path: "/tunnel", mention: "conflicts"},
		{name: "tunnel sub", path: "/tunnel/metrics", mention: "conflicts"},
		{name: "healthz", path: "/healthz", mention: "conflicts"},
		{name: "disabled skips validation", path: "bad-no-slash", want: "bad-no-slash", disabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "[metrics]\nenabled = " + map[bool]string{true: "false", false: "true"}[tt.disabled] + "\n"
			if tt.path != "" {
				data += "path = \"" + tt.path + "\"\n"
			}

			cfg, err := Load(cliWithPath(writeConfig(t, data)))
			if tt.mention != "" {
				if err == nil {
					t.Fatalf("Load() expected error for metrics.path=%q, got nil", tt.path)
				}
				if !strings.Contains(err.Error(), tt.mention) {
					t.Errorf("error = %q, want mention of %q", err, tt.mention)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Metrics.Path != tt.want {
				t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.want)
			}
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
