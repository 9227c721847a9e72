package mcppool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/lydakis/toolgate/internal/config"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const stdioHelperEnv = "GO_WANT_TOOLGATE_STDIO_HELPER"

func TestPoolStdioIntegrationConnectAndCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := &config.Config{
		Servers: []config.ServerConfig{
			{
				Name:    "stdio",
				Command: os.Args[0],
				Args:    []string{"-test.run=TestToolgateStdioHelperProcess", "--", "stdio-helper"},
				Env: map[string]string{
					stdioHelperEnv: "1",
				},
			},
		},
	}

	pool := New(cfg, WithLogger(quietLogger()))
	defer pool.Shutdown(context.Background())

	report := pool.ConnectAll(ctx)
	if len(report.Ready) != 1 {
		t.Fatalf("ConnectAll() report = %#v, want stdio ready", report)
	}

	info, _ := pool.Info("stdio")
	if len(info.Tools) != 1 || info.Tools[0].Name != "echo_tool" {
		t.Fatalf("Tools = %#v, want echo_tool", info.Tools)
	}
	if info.Transport != "stdio" {
		t.Fatalf("Transport = %q, want stdio", info.Transport)
	}

	result, err := pool.Call(ctx, "stdio", "echo_tool", map[string]any{"query": "hello"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	typed, ok := result.StructuredContent.(map[string]any)
	if !ok {
		t.Fatalf("StructuredContent type = %T, want map[string]any", result.StructuredContent)
	}
	if typed["echo"] != "hello" {
		t.Fatalf("StructuredContent[echo] = %v, want %q", typed["echo"], "hello")
	}
}

func TestPoolHTTPIntegrationCallAndHeaders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		headerMu   sync.Mutex
		seenHeader string
		seenAuth   string
	)

	mcpServer := server.NewMCPServer("toolgate-http-helper", "1.0.0")
	mcpServer.AddTool(mcp.Tool{
		Name:        "sum_values",
		Description: "Returns the sum of a and b",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			Required: []string{"a", "b"},
		},
	}, func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		headerMu.Lock()
		seenHeader = request.Header.Get("X-Toolgate-Test")
		seenAuth = request.Header.Get("Authorization")
		headerMu.Unlock()

		total := request.GetFloat("a", 0) + request.GetFloat("b", 0)
		return mcp.NewToolResultStructuredOnly(map[string]any{"total": total}), nil
	})

	httpServer := server.NewTestStreamableHTTPServer(mcpServer)
	defer httpServer.Close()

	t.Setenv("TOOLGATE_HTTP_TEST_TOKEN", "s3cret")
	cfg := &config.Config{
		Servers: []config.ServerConfig{
			{
				Name:           "http",
				URL:            httpServer.URL,
				Headers:        map[string]string{"X-Toolgate-Test": "integration"},
				BearerTokenEnv: "TOOLGATE_HTTP_TEST_TOKEN",
			},
		},
	}

	pool := New(cfg, WithLogger(quietLogger()))
	defer pool.Shutdown(context.Background())

	if report := pool.ConnectAll(ctx); len(report.Ready) != 1 {
		t.Fatalf("ConnectAll() report = %#v, want http ready", report)
	}

	result, err := pool.Call(ctx, "http", "sum_values", map[string]any{"a": 2, "b": 3})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	typed, ok := result.StructuredContent.(map[string]any)
	if !ok {
		t.Fatalf("StructuredContent type = %T, want map[string]any", result.StructuredContent)
	}
	if typed["total"] != float64(5) {
		t.Fatalf("StructuredContent[total] = %v, want 5", typed["total"])
	}

	headerMu.Lock()
	defer headerMu.Unlock()
	if seenHeader != "integration" {
		t.Fatalf("seen header = %q, want %q", seenHeader, "integration")
	}
	if seenAuth != "Bearer s3cret" {
		t.Fatalf("seen Authorization = %q, want bearer token", seenAuth)
	}
}

func TestPoolStdioIntegrationInvalidCommandFails(t *testing.T) {
	cfg := &config.Config{
		Servers: []config.ServerConfig{
			{Name: "broken", Command: "toolgate-this-command-does-not-exist"},
		},
	}
	pool := New(cfg, WithLogger(quietLogger()))
	defer pool.Shutdown(context.Background())

	report := pool.ConnectAll(context.Background())
	if len(report.Failed) != 1 {
		t.Fatalf("ConnectAll() report = %#v, want broken failed", report)
	}
	if status, _ := pool.Status("broken"); status != StatusClosed {
		t.Fatalf("Status(broken) = %q, want closed", status)
	}
}

func TestPoolStdioIntegrationHungChildDoesNotBlockConnectAll(t *testing.T) {
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cfg := &config.Config{
		ShutdownGrace: "200ms",
		Servers: []config.ServerConfig{
			{Name: "hung", Command: sleepPath, Args: []string{"20"}, HandshakeTimeout: "300ms"},
		},
	}
	pool := New(cfg, WithLogger(quietLogger()))
	defer pool.Shutdown(context.Background())

	done := make(chan ConnectReport, 1)
	go func() { done <- pool.ConnectAll(context.Background()) }()

	select {
	case report := <-done:
		if len(report.Failed) != 1 || report.Failed[0].Name != "hung" {
			t.Fatalf("ConnectAll() report = %#v, want hung failed", report)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ConnectAll() still blocked on a child that ignores stdin EOF")
	}
	if status, _ := pool.Status("hung"); status != StatusDegraded {
		t.Fatalf("Status(hung) = %q, want degraded", status)
	}
}

func TestPoolHTTPIntegrationUnavailableServerFails(t *testing.T) {
	mcpServer := server.NewMCPServer("toolgate-http-helper", "1.0.0")
	httpServer := server.NewTestStreamableHTTPServer(mcpServer)
	url := httpServer.URL
	httpServer.Close()

	cfg := &config.Config{
		Servers: []config.ServerConfig{{Name: "http", URL: url, HandshakeTimeout: "2s"}},
	}
	pool := New(cfg, WithLogger(quietLogger()))
	defer pool.Shutdown(context.Background())

	report := pool.ConnectAll(context.Background())
	if len(report.Failed) != 1 || report.Failed[0].Name != "http" {
		t.Fatalf("ConnectAll() report = %#v, want http failed", report)
	}
}

func TestPoolWithInProcessDialer(t *testing.T) {
	mcpServer := server.NewMCPServer("inproc", "1.0.0")
	mcpServer.AddTool(mcp.NewTool("ping"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("pong"), nil
	})

	cfg := &config.Config{Servers: []config.ServerConfig{{Name: "inproc", Command: "unused"}}}
	pool := New(cfg, WithLogger(quietLogger()), WithDialer(func(ctx context.Context, _ config.ServerConfig) (*mcpclient.Client, error) {
		c, err := mcpclient.NewInProcessClient(mcpServer)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}))
	defer pool.Shutdown(context.Background())

	if report := pool.ConnectAll(context.Background()); len(report.Ready) != 1 {
		t.Fatalf("ConnectAll() report = %#v, want inproc ready", report)
	}
	result, err := pool.Call(context.Background(), "inproc", "ping", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok || text.Text != "pong" {
		t.Fatalf("Content = %#v, want pong", result.Content)
	}
}

func TestToolgateStdioHelperProcess(t *testing.T) {
	if os.Getenv(stdioHelperEnv) != "1" {
		return
	}

	s := server.NewMCPServer("toolgate-stdio-helper", "1.0.0")
	s.AddTool(mcp.Tool{
		Name:        "echo_tool",
		Description: "Echoes query",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query": map[string]any{"type": "string"},
			},
			Required: []string{"query"},
		},
	}, func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := request.RequireString("query")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultStructuredOnly(map[string]any{"echo": query}), nil
	})

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "serve stdio helper: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
