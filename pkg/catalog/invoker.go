package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hostbridge/mcphub/pkg/endpointmgr"
)

// Caller forwards invocations to a live endpoint session. The endpoint
// registry implements it.
type Caller interface {
	Connected(endpointID string) bool
	CallTool(ctx context.Context, endpointID, tool string, args any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, endpointID, uri string) (*mcp.ReadResourceResult, error)
}

// ContentItem is one normalized piece of tool output. Type is "text" or
// "binary"; binary items carry the raw bytes and their media type.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

// Result is the normalized outcome of a tool invocation.
type Result struct {
	Content    []ContentItem `json:"content"`
	Structured any           `json:"structured,omitempty"`
	IsError    bool          `json:"isError,omitempty"`
}

// HostTool is the narrow record handed to the host layer for each catalog
// entry. The host surfaces Name, Description, and InputSchema to its own
// tool-calling consumer and dispatches through Invoke.
type HostTool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Invoke      func(ctx context.Context, args map[string]any) (*Result, error)
}

// Invoker resolves catalog names and forwards tool calls to the owning
// endpoint, normalizing results on the way back.
type Invoker struct {
	catalog *Catalog
	caller  Caller
	logger  *slog.Logger
}

func NewInvoker(catalog *Catalog, caller Caller, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{catalog: catalog, caller: caller, logger: logger}
}

// Invoke resolves catalogName, fails fast when the owning endpoint is not
// connected, forwards the call, and normalizes the result. A remote-reported
// tool failure returns both the normalized result and a ToolExecutionError
// carrying the remote's message. Reconnection on a dead session happens one
// layer down, inside the endpoint client.
func (inv *Invoker) Invoke(ctx context.Context, catalogName string, args map[string]any) (*Result, error) {
	entry, ok := inv.catalog.Resolve(catalogName)
	if !ok {
		return nil, &NotFoundError{CatalogName: catalogName}
	}
	if !inv.caller.Connected(entry.EndpointID) {
		return nil, &endpointmgr.EndpointUnavailableError{EndpointID: entry.EndpointID}
	}

	res, err := inv.caller.CallTool(ctx, entry.EndpointID, entry.ToolName, args)
	if err != nil {
		return nil, err
	}
	normalized := normalizeResult(res)
	if normalized.IsError {
		inv.logger.Warn("tool reported an error",
			"tool", entry.ToolName, "endpoint", entry.EndpointID)
		return normalized, &ToolExecutionError{
			EndpointID: entry.EndpointID,
			Tool:       entry.ToolName,
			Message:    errorMessage(normalized),
		}
	}
	return normalized, nil
}

// ReadResource forwards a resource read to the endpoint that owns it.
func (inv *Invoker) ReadResource(ctx context.Context, endpointID, uri string) (*mcp.ReadResourceResult, error) {
	if !inv.caller.Connected(endpointID) {
		return nil, &endpointmgr.EndpointUnavailableError{EndpointID: endpointID}
	}
	return inv.caller.ReadResource(ctx, endpointID, uri)
}

// HostTools produces one registration record per catalog entry, each bound
// to this invoker.
func (inv *Invoker) HostTools() []HostTool {
	entries := inv.catalog.Entries()
	out := make([]HostTool, 0, len(entries))
	for _, entry := range entries {
		name := entry.CatalogName
		out = append(out, HostTool{
			Name:        name,
			Description: entry.Tool.Description,
			InputSchema: entry.Tool.InputSchema,
			Invoke: func(ctx context.Context, args map[string]any) (*Result, error) {
				return inv.Invoke(ctx, name, args)
			},
		})
	}
	return out
}

func normalizeResult(res *mcp.CallToolResult) *Result {
	out := &Result{IsError: res.IsError, Structured: res.StructuredContent}
	for _, part := range res.Content {
		switch c := part.(type) {
		case *mcp.TextContent:
			out.Content = append(out.Content, ContentItem{Type: "text", Text: c.Text})
		case *mcp.ImageContent:
			out.Content = append(out.Content, ContentItem{Type: "binary", Data: c.Data, MIMEType: c.MIMEType})
		case *mcp.AudioContent:
			out.Content = append(out.Content, ContentItem{Type: "binary", Data: c.Data, MIMEType: c.MIMEType})
		case *mcp.EmbeddedResource:
			if c.Resource == nil {
				continue
			}
			if len(c.Resource.Blob) > 0 {
				out.Content = append(out.Content, ContentItem{Type: "binary", Data: c.Resource.Blob, MIMEType: c.Resource.MIMEType})
			} else {
				out.Content = append(out.Content, ContentItem{Type: "text", Text: c.Resource.Text, MIMEType: c.Resource.MIMEType})
			}
		default:
			// Unknown content types are preserved as their JSON form rather
			// than dropped.
			if raw, err := json.Marshal(part); err == nil {
				out.Content = append(out.Content, ContentItem{Type: "text", Text: string(raw), MIMEType: "application/json"})
			}
		}
	}
	return out
}

// errorMessage extracts the remote's failure text from an isError result.
func errorMessage(res *Result) string {
	var parts []string
	for _, item := range res.Content {
		if item.Type == "text" && strings.TrimSpace(item.Text) != "" {
			parts = append(parts, item.Text)
		}
	}
	if len(parts) == 0 {
		return "tool execution failed"
	}
	return strings.Join(parts, "; ")
}
