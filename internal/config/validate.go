package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Error is a configuration error. Any Error returned from Validate is fatal:
// the daemon refuses to start with a broken catalog.
type Error struct {
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err contains a configuration error.
func IsConfigurationError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

// Validate checks configuration invariants and returns actionable errors.
// Servers are checked in declaration order so messages are reproducible.
func Validate(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var errs []error
	errs = append(errs, validateTopLevel(cfg)...)

	seen := make(map[string]int, len(cfg.Servers))
	for i, srv := range cfg.Servers {
		name := strings.TrimSpace(srv.Name)
		if name == "" {
			errs = append(errs, &Error{Field: fmt.Sprintf("servers[%d].name", i), Msg: "server name cannot be empty"})
			continue
		}
		if first, dup := seen[name]; dup {
			errs = append(errs, &Error{
				Field: fmt.Sprintf("servers[%d].name", i),
				Msg:   fmt.Sprintf("duplicate server name %q (first declared at servers[%d])", name, first),
			})
			continue
		}
		seen[name] = i
		errs = append(errs, validateServer(name, srv)...)
	}

	return errors.Join(errs...)
}

// ValidateForCurrentEnv checks config invariants after expanding ${ENV_VAR}
// placeholders against the current process environment.
func ValidateForCurrentEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	expanded := cloneConfig(cfg)
	expandConfigEnvVars(expanded)
	return Validate(expanded)
}

func validateTopLevel(cfg *Config) []error {
	var errs []error

	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, &Error{Field: "log_level", Msg: "invalid log level", Err: err})
	}
	if _, err := ParseLogFormat(cfg.LogFormat); err != nil {
		errs = append(errs, &Error{Field: "log_format", Msg: "invalid log format", Err: err})
	}
	errs = appendDurationErr(errs, "idle_timeout", cfg.IdleTimeout, true)
	errs = appendDurationErr(errs, "shutdown_grace", cfg.ShutdownGrace, true)
	if cfg.ConnectParallelism < 0 {
		errs = append(errs, &Error{Field: "connect_parallelism", Msg: fmt.Sprintf("must be >= 1, got %d", cfg.ConnectParallelism)})
	}

	m := cfg.Model
	if p := m.ProviderName(); p != DefaultModelProvider {
		errs = append(errs, &Error{Field: "model.provider", Msg: fmt.Sprintf("unsupported provider %q (supported: ollama)", m.Provider)})
	}
	if strings.TrimSpace(m.BaseURL) != "" {
		if _, err := url.ParseRequestURI(m.BaseURL); err != nil {
			errs = append(errs, &Error{Field: "model.base_url", Msg: fmt.Sprintf("invalid URL %q", m.BaseURL), Err: err})
		}
	}
	if m.Temperature != nil && (*m.Temperature < 0 || *m.Temperature > 2) {
		errs = append(errs, &Error{Field: "model.temperature", Msg: fmt.Sprintf("must be between 0 and 2, got %v", *m.Temperature)})
	}
	errs = appendDurationErr(errs, "model.timeout", m.Timeout, false)
	errs = appendDurationErr(errs, "model.query_timeout", m.QueryTimeout, false)
	if m.MaxSteps < 0 {
		errs = append(errs, &Error{Field: "model.max_steps", Msg: fmt.Sprintf("must be >= 1, got %d", m.MaxSteps)})
	}

	switch cfg.Session.BackendName() {
	case SessionBackendSQLite, SessionBackendNone:
	default:
		errs = append(errs, &Error{Field: "session.backend", Msg: fmt.Sprintf("unknown backend %q (valid: sqlite, none)", cfg.Session.Backend)})
	}

	return errs
}

func validateServer(name string, srv ServerConfig) []error {
	var errs []error
	field := "servers." + name

	hasCommand := strings.TrimSpace(srv.Command) != ""
	hasURL := strings.TrimSpace(srv.URL) != ""

	switch {
	case hasCommand && hasURL:
		errs = append(errs, &Error{Field: field, Msg: "configure either command (stdio) or url (http), not both"})
	case !hasCommand && !hasURL:
		errs = append(errs, &Error{Field: field, Msg: "missing transport, set command (stdio) or url (http)"})
	}

	if hasURL {
		if _, err := url.ParseRequestURI(srv.URL); err != nil {
			errs = append(errs, &Error{Field: field + ".url", Msg: fmt.Sprintf("invalid URL %q", srv.URL), Err: err})
		}
	}

	errs = appendDurationErr(errs, field+".handshake_timeout", srv.HandshakeTimeout, false)
	errs = appendDurationErr(errs, field+".call_timeout", srv.CallTimeout, false)
	errs = appendDurationErr(errs, field+".cache_ttl", srv.CacheTTL, false)

	if srv.TimeoutThreshold < 0 {
		errs = append(errs, &Error{Field: field + ".timeout_threshold", Msg: fmt.Sprintf("must be >= 1, got %d", srv.TimeoutThreshold)})
	}

	for i, pattern := range srv.NoCacheTools {
		if _, err := path.Match(pattern, "probe"); err != nil {
			errs = append(errs, &Error{Field: fmt.Sprintf("%s.no_cache_tools[%d]", field, i), Msg: fmt.Sprintf("invalid glob %q", pattern), Err: err})
		}
	}

	return errs
}

func appendDurationErr(errs []error, field, raw string, allowZero bool) []error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errs
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return append(errs, &Error{Field: field, Msg: fmt.Sprintf("invalid duration %q", raw), Err: err})
	}
	if d < 0 || (d == 0 && !allowZero) {
		return append(errs, &Error{Field: field, Msg: fmt.Sprintf("must be > 0, got %q", raw)})
	}
	return errs
}

func cloneConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}

	cloned := *cfg
	if cfg.Model.Temperature != nil {
		temp := *cfg.Model.Temperature
		cloned.Model.Temperature = &temp
	}
	cloned.Servers = make([]ServerConfig, len(cfg.Servers))
	for i, srv := range cfg.Servers {
		cloned.Servers[i] = cloneServerConfig(srv)
	}
	return &cloned
}

func cloneServerConfig(srv ServerConfig) ServerConfig {
	cloned := srv
	cloned.Args = append([]string(nil), srv.Args...)
	cloned.NoCacheTools = append([]string(nil), srv.NoCacheTools...)
	cloned.Env = cloneStringMap(srv.Env)
	cloned.Headers = cloneStringMap(srv.Headers)
	return cloned
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
