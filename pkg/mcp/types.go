package mcp

import "encoding/json"

// Tool names exposed by the server. These are the operation names external
// agents call; changing one is a wire-contract break.
const (
	ToolInitWorkspace   = "init_workspace"
	ToolStoreNode       = "store_node"
	ToolInferEdges      = "infer_edges"
	ToolBreakdownPrompt = "breakdown_prompt"
	ToolComposePlan     = "compose_plan"
	ToolExecuteNode     = "execute_node"
	ToolTraceNode       = "trace_node"
	ToolSearchNodes     = "search_nodes"
	ToolDebug           = "debug"
	ToolRecover         = "recover"
)

// Tool is one MCP tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// InitRequest is the MCP initialize request.
type InitRequest struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitResponse is the MCP initialize response.
type InitResponse struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      ServerInfo             `json:"serverInfo"`
}

// ServerInfo identifies this server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListToolsResponse returns the available tools.
type ListToolsResponse struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest executes a tool by name.
type CallToolRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// CallToolResponse wraps a tool result in MCP content form. The text
// content is the JSON-encoded tool payload; IsError marks payloads whose
// ok field is false.
type CallToolResponse struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one piece of tool response content.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
