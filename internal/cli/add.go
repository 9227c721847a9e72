package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lydakis/toolgate/internal/config"
	"github.com/lydakis/toolgate/internal/ipc"
	"github.com/lydakis/toolgate/internal/mcppool"
	"github.com/lydakis/toolgate/internal/paths"
	"github.com/spf13/pflag"
)

type addArgs struct {
	server    config.ServerConfig
	overwrite bool
}

var checkPrerequisitesFn = mcppool.Preflight

func runAddCommand(args []string, stdout, stderr io.Writer) int {
	parsed, err := parseAddArgs(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ipc.ExitOK
		}
		fmt.Fprintf(stderr, "toolgate: add: %v\n", err)
		printAddHelp(stderr)
		return ipc.ExitUsageErr
	}

	cfgPath := paths.ConfigFile()
	cfg, err := config.LoadForEditFrom(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "toolgate: add: loading config: %v\n", err)
		return ipc.ExitInternal
	}

	_, exists := cfg.Server(parsed.server.Name)
	if err := config.AddServer(cfg, parsed.server, parsed.overwrite); err != nil {
		fmt.Fprintf(stderr, "toolgate: add: %v\n", err)
		return ipc.ExitUsageErr
	}
	if err := checkPrerequisitesFn(config.ExpandServerForCurrentEnv(parsed.server)); err != nil {
		fmt.Fprintf(stderr, "toolgate: add: %v\n", err)
		return ipc.ExitUsageErr
	}
	if err := config.ValidateForCurrentEnv(cfg); err != nil {
		fmt.Fprintf(stderr, "toolgate: add: invalid resulting config: %v\n", err)
		return ipc.ExitUsageErr
	}

	if err := config.SaveTo(cfgPath, cfg); err != nil {
		fmt.Fprintf(stderr, "toolgate: add: writing config: %v\n", err)
		return ipc.ExitInternal
	}

	verb := "Added"
	if exists {
		verb = "Updated"
	}
	fmt.Fprintf(stdout, "%s server %q in %s\n", verb, parsed.server.Name, cfgPath)
	fmt.Fprintln(stdout, "Run `toolgate reconnect "+parsed.server.Name+"` or restart the daemon to connect it.")
	return ipc.ExitOK
}

// parseAddArgs reads `NAME [--url URL] [flags] [-- COMMAND ARGS...]`.
func parseAddArgs(args []string, stderr io.Writer) (*addArgs, error) {
	fs := pflag.NewFlagSet("add", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printAddHelp(stderr) }

	var (
		parsed  addArgs
		headers []string
		env     []string
	)
	fs.StringVar(&parsed.server.URL, "url", "", "streamable HTTP endpoint")
	fs.StringArrayVar(&headers, "header", nil, "HTTP header as KEY=VALUE (repeatable)")
	fs.StringVar(&parsed.server.BearerTokenEnv, "bearer-token-env", "", "environment variable holding a bearer token")
	fs.StringArrayVar(&env, "env", nil, "environment variable for a stdio server as KEY=VALUE (repeatable)")
	fs.StringVar(&parsed.server.CallTimeout, "call-timeout", "", "per-call timeout, for example 30s")
	fs.BoolVar(&parsed.overwrite, "overwrite", false, "replace an existing server with the same name")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	positional := fs.Args()
	var command []string
	if dash := fs.ArgsLenAtDash(); dash >= 0 {
		command = positional[dash:]
		positional = positional[:dash]
	}

	switch len(positional) {
	case 0:
		return nil, fmt.Errorf("missing server name")
	case 1:
		parsed.server.Name = strings.TrimSpace(positional[0])
	default:
		return nil, fmt.Errorf("unexpected positional argument: %s", positional[1])
	}

	if len(command) > 0 {
		parsed.server.Command = command[0]
		parsed.server.Args = command[1:]
	}
	switch {
	case parsed.server.URL == "" && parsed.server.Command == "":
		return nil, fmt.Errorf("one of --url or -- COMMAND is required")
	case parsed.server.URL != "" && parsed.server.Command != "":
		return nil, fmt.Errorf("--url and -- COMMAND are mutually exclusive")
	}

	var err error
	if parsed.server.Headers, err = keyValues("--header", headers); err != nil {
		return nil, err
	}
	if parsed.server.Env, err = keyValues("--env", env); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func keyValues(flag string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid %s %q (want KEY=VALUE)", flag, pair)
		}
		out[key] = value
	}
	return out, nil
}

func printAddHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  toolgate add NAME --url URL [--header KEY=VALUE]... [--bearer-token-env VAR]")
	fmt.Fprintln(out, "  toolgate add NAME [--env KEY=VALUE]... -- COMMAND [ARGS...]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Flags:")
	fmt.Fprintln(out, "  --url URL                 Streamable HTTP endpoint.")
	fmt.Fprintln(out, "  --header KEY=VALUE        HTTP header, repeatable.")
	fmt.Fprintln(out, "  --bearer-token-env VAR    Send $VAR as a bearer token.")
	fmt.Fprintln(out, "  --env KEY=VALUE           Environment for a stdio server, repeatable.")
	fmt.Fprintln(out, "  --call-timeout DURATION   Per-call timeout (for example 30s).")
	fmt.Fprintln(out, "  --overwrite               Replace an existing server entry.")
	fmt.Fprintln(out, "  --help, -h                Show this help output.")
}
