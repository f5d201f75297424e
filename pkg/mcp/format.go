package mcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NoResponse is the content returned for empty tool results.
const NoResponse = "(No response)"

// blockProviders receive ordered content blocks; all other providers get
// a flattened string.
var blockProviders = map[string]bool{
	"openai":      true,
	"azureopenai": true,
	"anthropic":   true,
	"google":      true,
	"openrouter":  true,
	"xai":         true,
	"deepseek":    true,
	"ollama":      true,
	"bedrock":     true,
}

// ContentBlock is one typed block of formatted tool output.
type ContentBlock struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL holds an image as a URL, usually a data: URL.
type ImageURL struct {
	URL string `json:"url"`
}

// Artifacts carries tool output that is not part of the model-visible
// content, such as images.
type Artifacts struct {
	Content []ContentBlock `json:"content"`
}

// FormattedResult is a tool result shaped for a provider. Content is
// either a string or a []ContentBlock.
type FormattedResult struct {
	Content   any        `json:"content"`
	Artifacts *Artifacts `json:"artifacts,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
}

// UsesContentBlocks reports whether provider receives content blocks.
func UsesContentBlocks(provider string) bool {
	return blockProviders[strings.ToLower(provider)]
}

// FormatToolContent converts a tool result into provider-compatible
// content. Text is kept in order, images become image_url artifacts and
// resources are rendered as text after the regular output.
func FormatToolContent(result *mcp.CallToolResult, provider string) (any, *Artifacts) {
	blocks := UsesContentBlocks(provider)

	var (
		content   []ContentBlock
		current   strings.Builder
		resources []string
		images    []ContentBlock
	)
	appendText := func(s string) {
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(s)
	}
	flush := func() {
		if current.Len() > 0 {
			content = append(content, ContentBlock{Type: "text", Text: current.String()})
			current.Reset()
		}
	}

	var items []mcp.Content
	if result != nil {
		items = result.Content
	}
	for _, item := range items {
		switch c := item.(type) {
		case *mcp.TextContent:
			appendText(c.Text)
		case *mcp.ImageContent:
			images = append(images, ContentBlock{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: dataURL(c.MIMEType, c.Data)},
			})
			if blocks {
				flush()
			}
		case *mcp.AudioContent:
			appendText(fmt.Sprintf("Audio content (%s, %d bytes)", c.MIMEType, len(c.Data)))
		case *mcp.ResourceLink:
			resources = append(resources, describeResource(c.URI, c.Name, c.Description, c.MIMEType, ""))
		case *mcp.EmbeddedResource:
			if r := c.Resource; r != nil {
				resources = append(resources, describeResource(r.URI, "", "", r.MIMEType, r.Text))
			}
		default:
			data, err := json.MarshalIndent(item, "", "  ")
			if err == nil {
				appendText(string(data))
			}
		}
	}

	if current.Len() == 0 && len(content) == 0 && result != nil && result.StructuredContent != nil {
		if data, err := json.MarshalIndent(result.StructuredContent, "", "  "); err == nil {
			appendText(string(data))
		}
	}
	if len(resources) > 0 {
		appendText("Resources:\n" + strings.Join(resources, "\n\n"))
	}
	flush()

	var artifacts *Artifacts
	if len(images) > 0 {
		artifacts = &Artifacts{Content: images}
	}

	if len(content) == 0 {
		if blocks {
			return []ContentBlock{{Type: "text", Text: NoResponse}}, artifacts
		}
		return NoResponse, artifacts
	}
	if blocks {
		return content, artifacts
	}
	texts := make([]string, len(content))
	for i, b := range content {
		texts[i] = b.Text
	}
	return strings.Join(texts, "\n\n"), artifacts
}

func dataURL(mime string, data []byte) string {
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func describeResource(uri, name, description, mime, text string) string {
	var lines []string
	if text != "" {
		lines = append(lines, "Resource Text: "+text)
	}
	lines = append(lines, "Resource URI: "+uri)
	if name != "" {
		lines = append(lines, "Resource: "+name)
	}
	if description != "" {
		lines = append(lines, "Resource Description: "+description)
	}
	if mime != "" {
		lines = append(lines, "Resource MIME Type: "+mime)
	}
	return strings.Join(lines, "\n")
}
