package router

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Render flattens a tool result into the text handed back to the model.
// Structured content wins over content parts; binary parts are summarised.
func Render(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}

	if result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return string(data)
		}
	}

	parts := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		if rendered, ok := renderContent(content); ok {
			parts = append(parts, rendered)
			continue
		}
		if raw, err := json.Marshal(content); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}

func renderContent(content mcp.Content) (string, bool) {
	switch c := content.(type) {
	case mcp.TextContent:
		return c.Text, true
	case *mcp.TextContent:
		return c.Text, true
	case mcp.ImageContent:
		return binarySummary("image", c.MIMEType, "", c.Data), true
	case *mcp.ImageContent:
		return binarySummary("image", c.MIMEType, "", c.Data), true
	case mcp.AudioContent:
		return binarySummary("audio", c.MIMEType, "", c.Data), true
	case *mcp.AudioContent:
		return binarySummary("audio", c.MIMEType, "", c.Data), true
	case mcp.ResourceLink:
		return renderLink(c), true
	case *mcp.ResourceLink:
		return renderLink(*c), true
	case mcp.EmbeddedResource:
		return renderResource(c.Resource)
	case *mcp.EmbeddedResource:
		return renderResource(c.Resource)
	default:
		return "", false
	}
}

func renderResource(resource mcp.ResourceContents) (string, bool) {
	switch r := resource.(type) {
	case mcp.TextResourceContents:
		return r.Text, true
	case *mcp.TextResourceContents:
		return r.Text, true
	case mcp.BlobResourceContents:
		return binarySummary("resource", r.MIMEType, r.URI, r.Blob), true
	case *mcp.BlobResourceContents:
		return binarySummary("resource", r.MIMEType, r.URI, r.Blob), true
	default:
		return "", false
	}
}

func renderLink(l mcp.ResourceLink) string {
	if l.Name != "" {
		return fmt.Sprintf("[resource link %s: %s]", l.Name, l.URI)
	}
	return fmt.Sprintf("[resource link: %s]", l.URI)
}

func binarySummary(kind, mimeType, uri, encoded string) string {
	size := base64.StdEncoding.DecodedLen(len(encoded))
	if data, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		size = len(data)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if uri != "" {
		return fmt.Sprintf("[%s %s: %s, %d bytes]", kind, uri, mimeType, size)
	}
	return fmt.Sprintf("[%s: %s, %d bytes]", kind, mimeType, size)
}
