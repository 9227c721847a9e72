package config

import (
	"os"
	"strings"
	"time"
)

// Defaults applied when the corresponding config value is unset.
const (
	DefaultModelProvider      = "ollama"
	DefaultModelBaseURL       = "http://localhost:11434"
	DefaultModelName          = "gpt-oss:20b"
	DefaultModelTimeout       = 60 * time.Second
	DefaultMaxSteps           = 20
	DefaultHandshakeTimeout   = 15 * time.Second
	DefaultCallTimeout        = 60 * time.Second
	DefaultTimeoutThreshold   = 3
	DefaultShutdownGrace      = 5 * time.Second
	DefaultIdleTimeout        = 30 * time.Minute
	DefaultConnectParallelism = 4
)

// Session backends.
const (
	SessionBackendSQLite = "sqlite"
	SessionBackendNone   = "none"
)

// Config is the top-level toolgate configuration.
type Config struct {
	LogLevel           string `toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat          string `toml:"log_format,omitempty" yaml:"log_format,omitempty"`
	IdleTimeout        string `toml:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
	ShutdownGrace      string `toml:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty"`
	ParallelTools      bool   `toml:"parallel_tools,omitempty" yaml:"parallel_tools,omitempty"`
	ConnectParallelism int    `toml:"connect_parallelism,omitempty" yaml:"connect_parallelism,omitempty"`

	Model   ModelConfig   `toml:"model" yaml:"model"`
	Session SessionConfig `toml:"session" yaml:"session"`

	// Servers keeps declaration order; the capability registry depends on it.
	Servers []ServerConfig `toml:"servers" yaml:"servers"`
}

// ModelConfig selects and tunes the model backend.
type ModelConfig struct {
	Provider    string   `toml:"provider,omitempty" yaml:"provider,omitempty"`
	BaseURL     string   `toml:"base_url,omitempty" yaml:"base_url,omitempty"`
	Name        string   `toml:"name,omitempty" yaml:"name,omitempty"`
	Temperature *float64 `toml:"temperature,omitempty" yaml:"temperature,omitempty"`
	Timeout     string   `toml:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxSteps    int      `toml:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	// QueryTimeout bounds a whole query across all its steps.
	QueryTimeout string `toml:"query_timeout,omitempty" yaml:"query_timeout,omitempty"`
}

// SessionConfig selects the conversation persistence backend.
type SessionConfig struct {
	Backend string `toml:"backend,omitempty" yaml:"backend,omitempty"`
	Path    string `toml:"path,omitempty" yaml:"path,omitempty"`
}

// ServerConfig describes how to launch or reach a single MCP server.
type ServerConfig struct {
	Name string `toml:"name" yaml:"name"`

	// Stdio transport
	Command string            `toml:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `toml:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty" yaml:"env,omitempty"`

	// HTTP transport
	URL            string            `toml:"url,omitempty" yaml:"url,omitempty"`
	Headers        map[string]string `toml:"headers,omitempty" yaml:"headers,omitempty"`
	BearerTokenEnv string            `toml:"bearer_token_env,omitempty" yaml:"bearer_token_env,omitempty"`

	HandshakeTimeout string `toml:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
	CallTimeout      string `toml:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
	TimeoutThreshold int    `toml:"timeout_threshold,omitempty" yaml:"timeout_threshold,omitempty"`

	// Caching
	CacheTTL     string   `toml:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	NoCacheTools []string `toml:"no_cache_tools,omitempty" yaml:"no_cache_tools,omitempty"`
}

// IsStdio returns true if the server uses stdio transport.
func (s ServerConfig) IsStdio() bool {
	return s.Command != ""
}

// IsHTTP returns true if the server uses HTTP transport.
func (s ServerConfig) IsHTTP() bool {
	return s.URL != ""
}

// HTTPHeaders returns the request headers for an HTTP server, including an
// Authorization header derived from BearerTokenEnv when none is set explicitly.
func (s ServerConfig) HTTPHeaders() map[string]string {
	headers := cloneStringMap(s.Headers)
	if env := strings.TrimSpace(s.BearerTokenEnv); env != "" {
		if token := os.Getenv(env); token != "" {
			if !hasHeader(headers, "Authorization") {
				if headers == nil {
					headers = make(map[string]string, 1)
				}
				headers["Authorization"] = "Bearer " + token
			}
		}
	}
	return headers
}

// HandshakeTimeoutDuration returns the bound on connect + initialize + list.
func (s ServerConfig) HandshakeTimeoutDuration() time.Duration {
	return parseDurationOr(s.HandshakeTimeout, DefaultHandshakeTimeout)
}

// CallTimeoutDuration returns the default bound on one tool call.
func (s ServerConfig) CallTimeoutDuration() time.Duration {
	return parseDurationOr(s.CallTimeout, DefaultCallTimeout)
}

// ConsecutiveTimeoutLimit returns how many timeouts in a row degrade the server.
func (s ServerConfig) ConsecutiveTimeoutLimit() int {
	if s.TimeoutThreshold > 0 {
		return s.TimeoutThreshold
	}
	return DefaultTimeoutThreshold
}

// CacheTTLDuration returns the tool-result cache TTL, or zero when disabled.
func (s ServerConfig) CacheTTLDuration() time.Duration {
	return parseDurationOr(s.CacheTTL, 0)
}

// ProviderName returns the configured provider or the default.
func (m ModelConfig) ProviderName() string {
	if p := strings.TrimSpace(m.Provider); p != "" {
		return strings.ToLower(p)
	}
	return DefaultModelProvider
}

// BaseURLOrDefault returns the backend base URL.
func (m ModelConfig) BaseURLOrDefault() string {
	if u := strings.TrimSpace(m.BaseURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return DefaultModelBaseURL
}

// ModelName returns the configured model identifier.
func (m ModelConfig) ModelName() string {
	if n := strings.TrimSpace(m.Name); n != "" {
		return n
	}
	return DefaultModelName
}

// TemperatureValue returns the sampling temperature; unset means 0.
func (m ModelConfig) TemperatureValue() float64 {
	if m.Temperature == nil {
		return 0
	}
	return *m.Temperature
}

// TimeoutDuration returns the per-call model timeout.
func (m ModelConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(m.Timeout, DefaultModelTimeout)
}

// QueryTimeoutDuration returns the whole-query deadline, or zero when unset.
func (m ModelConfig) QueryTimeoutDuration() time.Duration {
	return parseDurationOr(m.QueryTimeout, 0)
}

// MaxStepsOrDefault returns the iteration bound for one query.
func (m ModelConfig) MaxStepsOrDefault() int {
	if m.MaxSteps > 0 {
		return m.MaxSteps
	}
	return DefaultMaxSteps
}

// BackendName returns the session backend, defaulting to sqlite.
func (s SessionConfig) BackendName() string {
	if b := strings.TrimSpace(s.Backend); b != "" {
		return strings.ToLower(b)
	}
	return SessionBackendSQLite
}

// IdleTimeoutDuration returns the daemon idle shutdown delay; zero disables it.
func (c *Config) IdleTimeoutDuration() time.Duration {
	return parseDurationOr(c.IdleTimeout, DefaultIdleTimeout)
}

// ShutdownGraceDuration returns how long shutdown waits for connections to close.
func (c *Config) ShutdownGraceDuration() time.Duration {
	return parseDurationOr(c.ShutdownGrace, DefaultShutdownGrace)
}

// ConnectParallelismOrDefault bounds concurrent connection attempts.
func (c *Config) ConnectParallelismOrDefault() int {
	if c.ConnectParallelism > 0 {
		return c.ConnectParallelism
	}
	return DefaultConnectParallelism
}

// Server returns the server declared under name.
func (c *Config) Server(name string) (ServerConfig, bool) {
	if c == nil {
		return ServerConfig{}, false
	}
	for _, srv := range c.Servers {
		if srv.Name == name {
			return srv, true
		}
	}
	return ServerConfig{}, false
}

// ServerNames returns server names in declaration order.
func (c *Config) ServerNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Servers))
	for _, srv := range c.Servers {
		names = append(names, srv.Name)
	}
	return names
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// hasHeader matches header names case-insensitively, as HTTP does.
func hasHeader(headers map[string]string, name string) bool {
	for key := range headers {
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return true
		}
	}
	return false
}
