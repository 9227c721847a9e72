package mcppool

import (
	"context"
	"fmt"

	"github.com/lydakis/toolgate/internal/config"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ClientName and ClientVersion identify toolgate in the MCP initialize request.
var (
	ClientName    = "toolgate"
	ClientVersion = "dev"
)

const protocolVersion = "2025-11-25"

// Dialer establishes the transport to one server and returns a started but
// uninitialized client. The pool performs the handshake itself.
type Dialer func(ctx context.Context, srv config.ServerConfig) (*mcpclient.Client, error)

// connection is the pool's view of one live MCP client.
type connection struct {
	initialize func(ctx context.Context) error
	listTools  func(ctx context.Context) ([]mcp.Tool, error)
	callTool   func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	close      func() error
	// kill forcibly stops the server process, if there is one.
	kill func()
}

func dialDefault(ctx context.Context, srv config.ServerConfig) (*connection, error) {
	switch {
	case srv.IsStdio():
		return connectStdio(srv)
	case srv.IsHTTP():
		return connectHTTP(ctx, srv)
	default:
		return nil, fmt.Errorf("no command or url configured")
	}
}

func dialWith(d Dialer) func(context.Context, config.ServerConfig) (*connection, error) {
	return func(ctx context.Context, srv config.ServerConfig) (*connection, error) {
		c, err := d(ctx, srv)
		if err != nil {
			return nil, err
		}
		return clientConnection(c, nil), nil
	}
}

func clientConnection(c *mcpclient.Client, kill func()) *connection {
	return &connection{
		initialize: func(ctx context.Context) error {
			_, err := c.Initialize(ctx, mcp.InitializeRequest{
				Params: mcp.InitializeParams{
					ProtocolVersion: protocolVersion,
					ClientInfo: mcp.Implementation{
						Name:    ClientName,
						Version: ClientVersion,
					},
					Capabilities: mcp.ClientCapabilities{},
				},
			})
			return err
		},
		listTools: func(ctx context.Context) ([]mcp.Tool, error) {
			var (
				tools  []mcp.Tool
				cursor mcp.Cursor
			)
			for {
				req := mcp.ListToolsRequest{}
				req.Params.Cursor = cursor
				result, err := c.ListTools(ctx, req)
				if err != nil {
					return nil, err
				}
				tools = append(tools, result.Tools...)
				if result.NextCursor == "" || result.NextCursor == cursor {
					return tools, nil
				}
				cursor = result.NextCursor
			}
		},
		callTool: func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
			return c.CallTool(ctx, mcp.CallToolRequest{
				Params: mcp.CallToolParams{
					Name:      name,
					Arguments: args,
				},
			})
		},
		close: func() error {
			return c.Close()
		},
		kill: kill,
	}
}

func transportName(srv config.ServerConfig) string {
	switch {
	case srv.IsStdio():
		return "stdio"
	case srv.IsHTTP():
		return "http"
	default:
		return "unknown"
	}
}
