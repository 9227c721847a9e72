package router

import (
	"encoding/base64"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func TestRenderPrefersStructuredContent(t *testing.T) {
	result := &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent("ignored")},
		StructuredContent: map[string]any{"total": 5},
	}
	assert.Equal(t, `{"total":5}`, Render(result))
}

func TestRenderJoinsContentParts(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("12345678"))
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent("first"),
			mcp.NewImageContent(png, "image/png"),
			mcp.NewEmbeddedResource(mcp.TextResourceContents{URI: "file:///a.txt", Text: "inline"}),
			mcp.NewEmbeddedResource(mcp.BlobResourceContents{URI: "file:///b.bin", Blob: png}),
		},
	}

	assert.Equal(t,
		"first\n[image: image/png, 8 bytes]\ninline\n[resource file:///b.bin: application/octet-stream, 8 bytes]",
		Render(result))
}

func TestRenderNil(t *testing.T) {
	assert.Empty(t, Render(nil))
	assert.Empty(t, Render(&mcp.CallToolResult{}))
}
