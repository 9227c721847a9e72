package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lydakis/toolgate/internal/ipc"
)

func runAsk(ctx context.Context, args []string) int {
	fs := newFlagSet("ask")
	sessionID := fs.StringP("session", "s", "", "continue the named session (default: no history)")
	maxSteps := fs.Int("max-steps", 0, "override the step budget for this query")
	timeout := fs.Duration("timeout", 0, "bound the whole query, e.g. 2m (default: model.query_timeout)")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	if err := fs.Parse(args); err != nil {
		return flagExitCode(err)
	}

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(rootStderr, "usage: toolgate ask [--session ID] [--max-steps N] [--timeout D] [--json] QUERY...")
		return ipc.ExitUsageErr
	}
	if *maxSteps < 0 {
		fmt.Fprintln(rootStderr, "toolgate: --max-steps must be positive")
		return ipc.ExitUsageErr
	}
	if *timeout < 0 {
		fmt.Fprintln(rootStderr, "toolgate: --timeout must be positive")
		return ipc.ExitUsageErr
	}

	resp, code := exchange(ctx, &ipc.Request{
		Type:      ipc.TypeQuery,
		Query:     text,
		SessionID: *sessionID,
		MaxSteps:  *maxSteps,
		Timeout:   *timeout,
		JSON:      *asJSON,
	})
	if resp == nil {
		return code
	}
	return writeResponse(resp)
}

// isChatExit reports whether line ends an interactive conversation.
func isChatExit(line string) bool {
	switch strings.ToLower(line) {
	case "quit", "exit", "bye":
		return true
	default:
		return false
	}
}

func runChat(ctx context.Context, args []string) int {
	fs := newFlagSet("chat")
	sessionID := fs.StringP("session", "s", "", "session to continue (default: a new one)")
	maxSteps := fs.Int("max-steps", 0, "override the step budget for each query")
	timeout := fs.Duration("timeout", 0, "bound each query (default: model.query_timeout)")
	if err := fs.Parse(args); err != nil {
		return flagExitCode(err)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(rootStderr, "toolgate: unexpected argument: %s\n", fs.Arg(0))
		return ipc.ExitUsageErr
	}
	if *sessionID == "" {
		*sessionID = uuid.NewString()
	}

	client, err := connectDaemonFn()
	if err != nil {
		fmt.Fprintf(rootStderr, "toolgate: %v\n", err)
		return ipc.ExitInternal
	}

	dim.Fprintf(rootStderr, "session %s (type quit, exit or bye to leave)\n", *sessionID) //nolint:errcheck

	lines := readLines(ctx)
	for {
		fmt.Fprint(rootStdout, "> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(rootStdout)
			return ipc.ExitOK
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(rootStdout)
				return ipc.ExitOK
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if isChatExit(line) {
			return ipc.ExitOK
		}

		resp, err := client.Send(ctx, &ipc.Request{
			Type:      ipc.TypeQuery,
			Query:     line,
			SessionID: *sessionID,
			MaxSteps:  *maxSteps,
			Timeout:   *timeout,
		})
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(rootStderr, "toolgate: interrupted")
			return ipc.ExitAborted
		}
		if err != nil {
			fmt.Fprintf(rootStderr, "toolgate: %v\n", err)
			return ipc.ExitInternal
		}
		writeResponse(resp)
	}
}

// readLines feeds stdin lines to a channel so the prompt can also wait on ctx.
func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(rootStdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
