package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFromMissingFileReturnsEmptyConfig(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if len(cfg.Servers) != 0 {
		t.Fatalf("len(Servers) = %d, want 0", len(cfg.Servers))
	}
}

func TestLoadFromTOMLKeepsDeclarationOrder(t *testing.T) {
	path := writeConfigFile(t, "config.toml", `
log_level = "debug"
parallel_tools = true

[model]
name = "llama3.1"
temperature = 0.2
max_steps = 8

[[servers]]
name = "zeta"
command = "zeta-server"
args = ["--stdio"]

[[servers]]
name = "alpha"
url = "https://alpha.example.com/mcp"
call_timeout = "5s"
`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if got, want := cfg.ServerNames(), []string{"zeta", "alpha"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ServerNames() = %v, want %v", got, want)
	}
	if !cfg.ParallelTools {
		t.Fatal("ParallelTools = false, want true")
	}
	if cfg.Model.ModelName() != "llama3.1" {
		t.Fatalf("ModelName() = %q, want llama3.1", cfg.Model.ModelName())
	}
	if cfg.Model.TemperatureValue() != 0.2 {
		t.Fatalf("TemperatureValue() = %v, want 0.2", cfg.Model.TemperatureValue())
	}
	if cfg.Model.MaxStepsOrDefault() != 8 {
		t.Fatalf("MaxStepsOrDefault() = %d, want 8", cfg.Model.MaxStepsOrDefault())
	}
	alpha, ok := cfg.Server("alpha")
	if !ok {
		t.Fatal("Server(alpha) not found")
	}
	if alpha.CallTimeoutDuration() != 5*time.Second {
		t.Fatalf("CallTimeoutDuration() = %v, want 5s", alpha.CallTimeoutDuration())
	}
	if alpha.HandshakeTimeoutDuration() != DefaultHandshakeTimeout {
		t.Fatalf("HandshakeTimeoutDuration() = %v, want default", alpha.HandshakeTimeoutDuration())
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `
model:
  base_url: http://ollama:11434/
servers:
  - name: files
    command: files-server
    env:
      ROOT: /srv
`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Env["ROOT"] != "/srv" {
		t.Fatalf("Servers = %#v, want files server with ROOT env", cfg.Servers)
	}
	if got := cfg.Model.BaseURLOrDefault(); got != "http://ollama:11434" {
		t.Fatalf("BaseURLOrDefault() = %q, want trailing slash trimmed", got)
	}
}

func TestLoadFromEmptyYAML(t *testing.T) {
	path := writeConfigFile(t, "config.yml", "")
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg == nil {
		t.Fatal("LoadFrom() returned nil config")
	}
}

func TestLoadFromRejectsUnknownTOMLKey(t *testing.T) {
	path := writeConfigFile(t, "config.toml", `
[[servers]]
name = "a"
command = "a"
comand = "typo"
`)

	_, err := LoadFrom(path)
	if err == nil {
		t.Fatal("LoadFrom() error = nil, want unknown key error")
	}
	if !IsConfigurationError(err) {
		t.Fatalf("LoadFrom() error = %T, want *config.Error", err)
	}
}

func TestLoadFromRejectsUnknownYAMLKey(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", "servers:\n  - name: a\n    comand: typo\n")
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("LoadFrom() error = nil, want unknown key error")
	}
}

func TestLoadFromExpandsEnvAndLoadForEditDoesNot(t *testing.T) {
	t.Setenv("TOOLGATE_TOKEN", "secret")
	path := writeConfigFile(t, "config.toml", `
[[servers]]
name = "remote"
url = "https://example.com/mcp"
headers = { "X-Token" = "${TOOLGATE_TOKEN}", "X-Missing" = "${TOOLGATE_UNSET_VAR}" }
`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if got := cfg.Servers[0].Headers["X-Token"]; got != "secret" {
		t.Fatalf("X-Token = %q, want secret", got)
	}
	if got := cfg.Servers[0].Headers["X-Missing"]; got != "${TOOLGATE_UNSET_VAR}" {
		t.Fatalf("X-Missing = %q, want placeholder kept", got)
	}

	raw, err := LoadForEditFrom(path)
	if err != nil {
		t.Fatalf("LoadForEditFrom() error = %v", err)
	}
	if got := raw.Servers[0].Headers["X-Token"]; got != "${TOOLGATE_TOKEN}" {
		t.Fatalf("X-Token = %q, want raw placeholder", got)
	}
}

func TestHTTPHeadersAddsBearerTokenUnlessExplicit(t *testing.T) {
	t.Setenv("TOOLGATE_BEARER", "abc")

	srv := ServerConfig{URL: "https://example.com", BearerTokenEnv: "TOOLGATE_BEARER"}
	if got := srv.HTTPHeaders()["Authorization"]; got != "Bearer abc" {
		t.Fatalf("Authorization = %q, want %q", got, "Bearer abc")
	}

	srv.Headers = map[string]string{"authorization": "Bearer explicit"}
	headers := srv.HTTPHeaders()
	if len(headers) != 1 || headers["authorization"] != "Bearer explicit" {
		t.Fatalf("HTTPHeaders() = %#v, want explicit header only", headers)
	}
	if _, ok := srv.Headers["Authorization"]; ok {
		t.Fatal("HTTPHeaders mutated the server headers")
	}
}

func TestSaveToRoundTripsTOMLAndYAML(t *testing.T) {
	for _, name := range []string{"config.toml", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := &Config{
				LogLevel: "warn",
				Servers: []ServerConfig{
					{Name: "b", Command: "b-server", Args: []string{"-v"}},
					{Name: "a", URL: "https://a.example.com"},
				},
			}

			if err := SaveTo(path, cfg); err != nil {
				t.Fatalf("SaveTo() error = %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("Stat() error = %v", err)
			}
			if perm := info.Mode().Perm(); perm != 0o600 {
				t.Fatalf("perm = %o, want 600", perm)
			}

			loaded, err := LoadForEditFrom(path)
			if err != nil {
				t.Fatalf("LoadForEditFrom() error = %v", err)
			}
			if got, want := loaded.ServerNames(), []string{"b", "a"}; !reflect.DeepEqual(got, want) {
				t.Fatalf("ServerNames() = %v, want %v", got, want)
			}
			if loaded.LogLevel != "warn" {
				t.Fatalf("LogLevel = %q, want warn", loaded.LogLevel)
			}
		})
	}
}

func TestDefaultsApplyWhenUnset(t *testing.T) {
	cfg := &Config{}
	if cfg.IdleTimeoutDuration() != DefaultIdleTimeout {
		t.Fatalf("IdleTimeoutDuration() = %v", cfg.IdleTimeoutDuration())
	}
	if cfg.ShutdownGraceDuration() != DefaultShutdownGrace {
		t.Fatalf("ShutdownGraceDuration() = %v", cfg.ShutdownGraceDuration())
	}
	if cfg.ConnectParallelismOrDefault() != DefaultConnectParallelism {
		t.Fatalf("ConnectParallelismOrDefault() = %d", cfg.ConnectParallelismOrDefault())
	}
	if cfg.Session.BackendName() != SessionBackendSQLite {
		t.Fatalf("BackendName() = %q", cfg.Session.BackendName())
	}
	if cfg.Model.TimeoutDuration() != DefaultModelTimeout {
		t.Fatalf("TimeoutDuration() = %v", cfg.Model.TimeoutDuration())
	}
	if cfg.Model.QueryTimeoutDuration() != 0 {
		t.Fatalf("QueryTimeoutDuration() = %v, want unbounded", cfg.Model.QueryTimeoutDuration())
	}
	srv := ServerConfig{}
	if srv.ConsecutiveTimeoutLimit() != DefaultTimeoutThreshold {
		t.Fatalf("ConsecutiveTimeoutLimit() = %d", srv.ConsecutiveTimeoutLimit())
	}
	if srv.CacheTTLDuration() != 0 {
		t.Fatalf("CacheTTLDuration() = %v, want 0", srv.CacheTTLDuration())
	}
}
