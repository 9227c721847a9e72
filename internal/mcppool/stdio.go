package mcppool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/lydakis/toolgate/internal/config"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

func connectStdio(scfg config.ServerConfig) (*connection, error) {
	keys := make([]string, 0, len(scfg.Env))
	for k := range scfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+scfg.Env[k])
	}

	var (
		mu  sync.Mutex
		cmd *exec.Cmd
	)
	// The child must outlive the handshake context, so it is not bound to ctx.
	commandFunc := func(_ context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		c := exec.Command(command, args...)
		c.Env = append(os.Environ(), env...)
		mu.Lock()
		cmd = c
		mu.Unlock()
		return c, nil
	}

	c, err := mcpclient.NewStdioMCPClientWithOptions(scfg.Command, env, scfg.Args, transport.WithCommandFunc(commandFunc))
	if err != nil {
		return nil, fmt.Errorf("creating stdio client: %w", err)
	}

	kill := func() {
		mu.Lock()
		defer mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return clientConnection(c, kill), nil
}
