// Package mcp exposes the gotn tool surface over the MCP (Model Context
// Protocol) JSON-RPC protocol.
//
// The server speaks JSON-RPC 2.0 over HTTP POST:
//   - initialize: exchange protocol version and capabilities
//   - tools/list: list tool definitions with their input schemas
//   - tools/call: execute one tool
//
// Tool arguments are validated against the published input schema before
// dispatch, so a malformed call never reaches the service. Failures stay
// in-band: the payload reports ok=false with a kind-prefixed error string
// and the MCP content wrapper sets isError, while JSON-RPC level errors
// are reserved for protocol problems (unparseable body, unknown method).
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gotnhq/gotn/pkg/convert"
	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/gotn"
	"github.com/gotnhq/gotn/pkg/schema"
)

// ToolHandler executes one tool call against the service.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ServerConfig holds MCP server configuration.
type ServerConfig struct {
	// Address to bind to (default: "localhost")
	Address string
	// Port to listen on (default: 7433)
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// MaxRequestSize in bytes (default: 10MB)
	MaxRequestSize int64
	// EnableCORS for cross-origin requests
	EnableCORS bool
}

// DefaultServerConfig returns defaults for a standalone MCP server.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        "localhost",
		Port:           7433,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxRequestSize: 10 * 1024 * 1024, // 10MB
		EnableCORS:     true,
	}
}

// Server implements the MCP protocol over a single gotn service. One
// server is bound to one workspace; calls naming a different workspace
// or project are rejected, not routed.
type Server struct {
	svc    *gotn.Service
	config *ServerConfig
	logger *slog.Logger

	httpServer *http.Server
	mu         sync.Mutex
	started    time.Time
	closed     bool

	handlers map[string]ToolHandler
	schemas  map[string]*jsonschema.Schema
}

// NewServer wires the tool surface to svc. Input schemas are compiled
// eagerly so a bad definition fails construction, not the first call.
func NewServer(svc *gotn.Service, config *ServerConfig, logger *slog.Logger) (*Server, error) {
	if svc == nil {
		return nil, errs.New(errs.KindValidation, "mcp server needs a service")
	}
	if config == nil {
		config = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		svc:      svc,
		config:   config,
		logger:   logger,
		handlers: make(map[string]ToolHandler),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	s.registerHandlers()
	if err := s.compileSchemas(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) registerHandlers() {
	s.handlers[ToolInitWorkspace] = s.handleInitWorkspace
	s.handlers[ToolStoreNode] = s.handleStoreNode
	s.handlers[ToolInferEdges] = s.handleInferEdges
	s.handlers[ToolBreakdownPrompt] = s.handleBreakdownPrompt
	s.handlers[ToolComposePlan] = s.handleComposePlan
	s.handlers[ToolExecuteNode] = s.handleExecuteNode
	s.handlers[ToolTraceNode] = s.handleTraceNode
	s.handlers[ToolSearchNodes] = s.handleSearchNodes
	s.handlers[ToolDebug] = s.handleDebug
	s.handlers[ToolRecover] = s.handleRecover
}

// compileSchemas compiles every tool's input schema once. Validating a
// call then costs a map lookup plus the walk.
func (s *Server) compileSchemas() error {
	for _, tool := range GetToolDefinitions() {
		url := tool.Name + ".json"
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(url, bytes.NewReader(tool.InputSchema)); err != nil {
			return fmt.Errorf("schema resource for %s: %w", tool.Name, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", tool.Name, err)
		}
		s.schemas[tool.Name] = compiled
	}
	return nil
}

// RegisterRoutes registers MCP handlers on an existing http.ServeMux.
// The HTTP server mounts these next to its own endpoints; Start is only
// for running the MCP surface standalone.
//
// Routes registered:
//   - POST /mcp                - JSON-RPC endpoint
//   - POST /mcp/initialize     - REST initialize
//   - GET/POST /mcp/tools/list - REST tool listing
//   - POST /mcp/tools/call     - REST tool execution
//   - GET /mcp/health          - health check
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.started = time.Now()

	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/initialize", s.handleInitialize)
	mux.HandleFunc("/mcp/tools/list", s.handleListTools)
	mux.HandleFunc("/mcp/tools/call", s.handleCallTool)
	mux.HandleFunc("/mcp/health", s.handleHealth)
}

// Start runs the MCP surface on its own listener. An empty addr falls
// back to the configured address and port.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.New(errs.KindConflict, "mcp server already stopped")
	}
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	}

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	if s.config.EnableCORS {
		handler = s.corsMiddleware(mux)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server stopped", "error", err)
		}
	}()

	s.logger.Info("mcp server listening", "addr", addr)
	return nil
}

// Stop gracefully shuts down a standalone server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleMCP is the JSON-RPC endpoint.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req struct {
		JSONRPC string                 `json:"jsonrpc"`
		ID      interface{}            `json:"id"`
		Method  string                 `json:"method"`
		Params  map[string]interface{} `json:"params"`
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSONRPCError(w, nil, -32700, "Parse error", err.Error())
		return
	}

	switch req.Method {
	case "initialize":
		s.writeJSONRPCResult(w, req.ID, s.doInitialize())
	case "tools/list":
		s.writeJSONRPCResult(w, req.ID, s.doListTools())
	case "tools/call":
		name, _ := convert.ToString(req.Params["name"])
		args := convert.ToMap(req.Params["arguments"])
		s.writeJSONRPCResult(w, req.ID, s.dispatch(r.Context(), name, args))
	default:
		s.writeJSONRPCError(w, req.ID, -32601, "Method not found", req.Method)
	}
}

// handleInitialize is the REST form of initialize.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.writeJSON(w, http.StatusOK, s.doInitialize())
}

// handleListTools returns the tool definitions.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
		return
	}

	s.writeJSON(w, http.StatusOK, s.doListTools())
}

// handleCallTool executes a tool outside the JSON-RPC framing.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.writeJSON(w, http.StatusOK, s.dispatch(r.Context(), req.Name, req.Arguments))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.started).String(),
		"workspace": s.svc.Workspace(),
	})
}

func (s *Server) doInitialize() InitResponse {
	return InitResponse{
		ProtocolVersion: "2024-11-05",
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{
				"listChanged": false,
			},
		},
		ServerInfo: ServerInfo{
			Name:    "gotn",
			Version: "0.1.0",
		},
	}
}

func (s *Server) doListTools() ListToolsResponse {
	return ListToolsResponse{Tools: GetToolDefinitions()}
}

// dispatch runs one tool call end to end and wraps the outcome in MCP
// content form.
func (s *Server) dispatch(ctx context.Context, name string, args map[string]interface{}) CallToolResponse {
	s.svc.Metrics().ToolCalls.Inc()

	result, err := s.callTool(ctx, name, args)
	if err != nil {
		s.svc.Metrics().ToolErrors.Inc()
		s.logger.Warn("tool call failed", "tool", name, "error", err)
	} else {
		s.logger.Debug("tool call", "tool", name)
	}

	return CallToolResponse{
		Content: []Content{{Type: "text", Text: string(s.toolPayload(name, result, err))}},
		IsError: err != nil,
	}
}

func (s *Server) callTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	handler, ok := s.handlers[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "unknown tool %q", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if compiled := s.schemas[name]; compiled != nil {
		if err := compiled.Validate(args); err != nil {
			return nil, errs.New(errs.KindValidation, "invalid %s arguments: %s", name, schemaViolation(err))
		}
	}
	if err := s.svc.CheckToolScope(argString(args, "workspace_path"), argString(args, "project_id")); err != nil {
		return nil, err
	}
	return handler(ctx, args)
}

// toolPayload renders the wire payload for one call. Every payload
// carries ok, tool, and timestamp; success merges in the result's fields
// and failure carries the user-facing error string instead.
func (s *Server) toolPayload(name string, result interface{}, callErr error) []byte {
	payload := map[string]interface{}{
		"ok":        callErr == nil,
		"tool":      name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if callErr != nil {
		payload["error"] = errs.UserMessage(callErr)
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err == nil {
			fields := map[string]interface{}{}
			if json.Unmarshal(raw, &fields) == nil {
				for k, v := range fields {
					if _, reserved := payload[k]; !reserved {
						payload[k] = v
					}
				}
			}
		}
	}

	data, _ := json.Marshal(payload)
	return data
}

// schemaViolation flattens a jsonschema validation error to its most
// specific cause, as "<instance path>: <message>".
func schemaViolation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + leaf.Message
}

// =============================================================================
// Tool Handlers
// =============================================================================

func (s *Server) handleInitWorkspace(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return s.svc.InitWorkspace(ctx)
}

func (s *Server) handleStoreNode(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	raw, err := json.Marshal(args["node"])
	if err != nil {
		return nil, errs.New(errs.KindValidation, "node does not encode: %v", err)
	}
	var node schema.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, errs.New(errs.KindValidation, "node does not decode: %v", err)
	}
	return s.svc.StoreNode(ctx, &node)
}

func (s *Server) handleInferEdges(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return s.svc.InferEdges(ctx, toNodeIDs(argStrings(args, "node_ids")))
}

func (s *Server) handleBreakdownPrompt(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return s.svc.BreakdownPrompt(ctx, gotn.BreakdownRequest{
		Prompt:   argString(args, "prompt"),
		Mode:     argString(args, "mode"),
		MaxNodes: argInt(args, "max_nodes", 0),
		Compose:  argBool(args, "compose", false),
	})
}

func (s *Server) handleComposePlan(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return s.svc.ComposePlan(ctx, gotn.PlanRequest{
		Goal:     argString(args, "goal"),
		Requires: argStrings(args, "requires"),
		Produces: argStrings(args, "produces"),
	})
}

func (s *Server) handleExecuteNode(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return s.svc.ExecuteNode(ctx, schema.NodeID(argString(args, "node_id")), argString(args, "run_id"))
}

func (s *Server) handleTraceNode(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return s.svc.TraceNode(ctx, schema.NodeID(argString(args, "node_id")))
}

func (s *Server) handleSearchNodes(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	hits, err := s.svc.SearchNodes(ctx, argString(args, "query"), argInt(args, "limit", 0))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"results": hits,
		"count":   len(hits),
	}, nil
}

func (s *Server) handleDebug(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return s.svc.Debug(ctx)
}

func (s *Server) handleRecover(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return s.svc.Recover(ctx)
}

// =============================================================================
// Helpers
// =============================================================================

func toNodeIDs(ids []string) []schema.NodeID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]schema.NodeID, len(ids))
	for i, id := range ids {
		out[i] = schema.NodeID(id)
	}
	return out
}

func argString(m map[string]interface{}, key string) string {
	v, _ := convert.ToString(m[key])
	return v
}

func argStrings(m map[string]interface{}, key string) []string {
	return convert.ToStringSlice(m[key])
}

func argInt(m map[string]interface{}, key string, def int) int {
	if v, ok := convert.ToInt(m[key]); ok {
		return v
	}
	return def
}

func argBool(m map[string]interface{}, key string, def bool) bool {
	if v, ok := convert.ToBool(m[key]); ok {
		return v
	}
	return def
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSONRPCResult(w http.ResponseWriter, id, result interface{}) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func (s *Server) writeJSONRPCError(w http.ResponseWriter, id interface{}, code int, message, data string) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
			"data":    data,
		},
	})
}
