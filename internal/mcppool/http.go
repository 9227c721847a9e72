package mcppool

import (
	"context"
	"fmt"

	"github.com/lydakis/toolgate/internal/config"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

func connectHTTP(ctx context.Context, scfg config.ServerConfig) (*connection, error) {
	var opts []transport.StreamableHTTPCOption
	if headers := scfg.HTTPHeaders(); len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}

	c, err := mcpclient.NewStreamableHttpClient(scfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP client: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("starting HTTP client: %w", err)
	}

	return clientConnection(c, nil), nil
}
