// Package mcp defines the wire types of the tool-calling protocol carried by
// the gateway: the initialize handshake, tool declarations, and tool-call
// results. Only the surface the transport and dispatcher need is modeled.
package mcp

import "encoding/json"

// LatestProtocolVersion is the protocol revision the gateway speaks and
// advertises in every initialize result.
const LatestProtocolVersion = "2024-11-05"

// Method names understood by the dispatcher.
const (
	InitializeMethod              = "initialize"
	PingMethod                    = "ping"
	ToolsListMethod               = "tools/list"
	ToolsCallMethod               = "tools/call"
	InitializedNotificationMethod = "notifications/initialized"
)

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// ServerCapabilities advertises server features. The gateway exposes tools
// only; everything else is handled by collaborators behind it.
type ServerCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"tools,omitempty"`
}

// InitializeRequest is the client half of the handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult is the server half of the handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
}

// Tool describes a callable tool and its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the payload of a tools/list response.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest is the params object of a tools/call request.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is a typed content part of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the payload of a tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// NewTextResult wraps a single text block into a CallToolResult.
func NewTextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}
