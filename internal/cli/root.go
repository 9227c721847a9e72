package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/lydakis/toolgate/internal/daemon"
	"github.com/lydakis/toolgate/internal/ipc"
)

// sender is the daemon side of one CLI exchange.
type sender interface {
	Send(ctx context.Context, req *ipc.Request) (*ipc.Response, error)
}

var (
	rootStdin io.Reader = os.Stdin

	// connectDaemonFn starts the daemon when it is not running yet.
	connectDaemonFn = func() (sender, error) {
		nonce, err := daemon.SpawnOrConnect()
		if err != nil {
			return nil, err
		}
		return ipc.NewClient(ipc.SocketPath(), nonce), nil
	}

	// attachDaemonFn only reaches a daemon that is already running.
	attachDaemonFn = func() (sender, error) {
		nonce, err := daemon.Connect()
		if err != nil {
			return nil, err
		}
		return ipc.NewClient(ipc.SocketPath(), nonce), nil
	}
)

type command struct {
	name string
	run  func(ctx context.Context, args []string) int
}

func commands() []command {
	return []command{
		{name: "status", run: runStatus},
		{name: "tools", run: runTools},
		{name: "ask", run: runAsk},
		{name: "chat", run: runChat},
		{name: "reconnect", run: runReconnect},
		{name: "sessions", run: runSessions},
		{name: "add", run: func(_ context.Context, args []string) int { return runAddCommand(args, rootStdout, rootStderr) }},
		{name: "shutdown", run: runShutdown},
	}
}

// Run is the main CLI entry point. Returns an exit code.
func Run(args []string) int {
	if handled, code := handleRootFlags(args); handled {
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) == 0 {
		return runStatus(ctx, nil)
	}

	for _, cmd := range commands() {
		if cmd.name == args[0] {
			return cmd.run(ctx, args[1:])
		}
	}

	fmt.Fprintf(rootStderr, "toolgate: unknown command: %s\n", args[0])
	printRootHelp(rootStderr)
	return ipc.ExitUsageErr
}

// exchange sends req to the daemon, spawning it first when needed.
func exchange(ctx context.Context, req *ipc.Request) (*ipc.Response, int) {
	client, err := connectDaemonFn()
	if err != nil {
		fmt.Fprintf(rootStderr, "toolgate: %v\n", err)
		return nil, ipc.ExitInternal
	}
	return send(ctx, client, req)
}

func send(ctx context.Context, client sender, req *ipc.Request) (*ipc.Response, int) {
	resp, err := client.Send(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(rootStderr, "toolgate: interrupted")
			return nil, ipc.ExitAborted
		}
		fmt.Fprintf(rootStderr, "toolgate: %v\n", err)
		return nil, ipc.ExitInternal
	}
	return resp, resp.ExitCode
}

// writeResponse prints a plain-text response and returns its exit code.
func writeResponse(resp *ipc.Response) int {
	if resp == nil {
		return ipc.ExitInternal
	}
	if len(resp.Content) > 0 {
		rootStdout.Write(resp.Content) //nolint:errcheck
	}
	if resp.Stderr != "" {
		fmt.Fprintf(rootStderr, "toolgate: %s\n", resp.Stderr)
	}
	return resp.ExitCode
}

func runReconnect(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(rootStderr, "usage: toolgate reconnect NAME")
		return ipc.ExitUsageErr
	}

	resp, code := exchange(ctx, &ipc.Request{Type: ipc.TypeReconnect, Server: args[0]})
	if resp == nil {
		return code
	}
	if len(resp.Content) > 0 {
		var status ipc.ServerStatus
		if err := decodePayload(resp.Content, &status); err == nil {
			writeStatusTable(rootStdout, []ipc.ServerStatus{status})
		}
	}
	if resp.Stderr != "" {
		fmt.Fprintf(rootStderr, "toolgate: %s\n", resp.Stderr)
	}
	return resp.ExitCode
}

func runShutdown(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(rootStderr, "usage: toolgate shutdown")
		return ipc.ExitUsageErr
	}

	client, err := attachDaemonFn()
	if errors.Is(err, daemon.ErrNotRunning) {
		fmt.Fprintln(rootStdout, "daemon is not running")
		return ipc.ExitOK
	}
	if err != nil {
		fmt.Fprintf(rootStderr, "toolgate: %v\n", err)
		return ipc.ExitInternal
	}

	resp, code := send(ctx, client, &ipc.Request{Type: ipc.TypeShutdown})
	if resp == nil {
		return code
	}
	return writeResponse(resp)
}
