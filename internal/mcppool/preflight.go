package mcppool

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/lydakis/toolgate/internal/config"
)

type lookPathFunc func(file string) (string, error)

// Preflight fails fast when a stdio server's executable is not on PATH,
// so the report names the missing runtime instead of a bare exec error.
func Preflight(srv config.ServerConfig) error {
	return preflightWithLookup(srv, exec.LookPath)
}

func preflightWithLookup(srv config.ServerConfig, lookup lookPathFunc) error {
	if !srv.IsStdio() {
		return nil
	}

	command := strings.TrimSpace(srv.Command)
	if _, err := lookup(command); err != nil {
		return fmt.Errorf("required runtime %q not found in PATH", command)
	}
	if filepath.Base(command) != "env" {
		return nil
	}

	wrapped := envTarget(srv.Args)
	if wrapped == "" {
		return nil
	}
	if _, err := lookup(wrapped); err != nil {
		return fmt.Errorf("required runtime %q not found in PATH", wrapped)
	}
	return nil
}

// envTarget returns the program an `env` invocation will run.
func envTarget(args []string) string {
	for i := 0; i < len(args); i++ {
		token := strings.TrimSpace(args[i])
		switch {
		case token == "":
			continue
		case token == "--":
			for _, rest := range args[i+1:] {
				rest = unquote(strings.TrimSpace(rest))
				if rest != "" && !isAssignment(rest) {
					return rest
				}
			}
			return ""
		case token == "-S" || token == "--split-string":
			if i+1 >= len(args) {
				return ""
			}
			i++
			if target := envTarget(strings.Fields(args[i])); target != "" {
				return target
			}
		case strings.HasPrefix(token, "-S="), strings.HasPrefix(token, "--split-string="):
			_, value, _ := strings.Cut(token, "=")
			if target := envTarget(strings.Fields(value)); target != "" {
				return target
			}
		case token == "-u" || token == "--unset" || token == "-C" || token == "--chdir":
			i++
		case strings.HasPrefix(token, "-"), isAssignment(token):
			continue
		default:
			return unquote(token)
		}
	}
	return ""
}

func isAssignment(token string) bool {
	return strings.Index(token, "=") > 0
}

func unquote(token string) string {
	if len(token) < 2 {
		return token
	}
	first, last := token[0], token[len(token)-1]
	if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
		return token[1 : len(token)-1]
	}
	return token
}
