package mcppool

import (
	"errors"
	"strings"
	"testing"

	"github.com/lydakis/toolgate/internal/config"
)

func lookupExcept(missing ...string) lookPathFunc {
	return func(bin string) (string, error) {
		for _, m := range missing {
			if bin == m {
				return "", errors.New("not found")
			}
		}
		return "/usr/bin/" + bin, nil
	}
}

func TestPreflightMissingRuntime(t *testing.T) {
	err := preflightWithLookup(config.ServerConfig{
		Name:    "github",
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-github"},
	}, lookupExcept("npx"))
	if err == nil {
		t.Fatal("preflightWithLookup() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), `required runtime "npx"`) {
		t.Fatalf("preflightWithLookup() error = %q, want runtime name", err.Error())
	}
}

func TestPreflightSkipsHTTPServers(t *testing.T) {
	err := preflightWithLookup(config.ServerConfig{Name: "remote", URL: "https://example.com"}, lookupExcept())
	if err != nil {
		t.Fatalf("preflightWithLookup() error = %v, want nil", err)
	}
}

func TestPreflightEnvWrapperChecksUnderlyingRuntime(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "assignment", args: []string{"UV_CACHE_DIR=/tmp/uv", "uvx", "mcp-server"}},
		{name: "split string", args: []string{"-S", "uvx mcp-server"}},
		{name: "split string inline", args: []string{"--split-string=uvx mcp-server"}},
		{name: "double dash", args: []string{"-i", "--", "A=1", "uvx"}},
		{name: "chdir", args: []string{"-C", "/srv", "'uvx'"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := preflightWithLookup(config.ServerConfig{
				Command: "/usr/bin/env",
				Args:    tt.args,
			}, lookupExcept("uvx"))
			if err == nil || !strings.Contains(err.Error(), `required runtime "uvx"`) {
				t.Fatalf("preflightWithLookup() error = %v, want missing uvx", err)
			}
		})
	}
}

func TestEnvTargetWithoutProgram(t *testing.T) {
	if got := envTarget([]string{"A=1", "-i"}); got != "" {
		t.Fatalf("envTarget() = %q, want empty", got)
	}
}
