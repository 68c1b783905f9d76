// Package mcp exposes the memory substrate to LLM agents over the Model
// Context Protocol: an HTTP JSON-RPC 2.0 endpoint implementing initialize,
// tools/list, and tools/call, plus direct REST-ish routes for each method.
//
// Every tool result carries a "success" boolean; failures come back as
// {"success": false, "error": "..."} inside the MCP content envelope rather
// than as transport errors, so callers can branch without unwrapping
// JSON-RPC error objects.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"engram/internal/agent"
	"engram/internal/enrich"
	"engram/internal/group"
	"engram/internal/logging"
	"engram/internal/notify"
	"engram/internal/search"
	"engram/internal/store"
	"engram/internal/telemetry"
	"engram/internal/timeframe"
	"engram/internal/types"
	"engram/internal/workmem"
)

// DefaultRobot is the identity used when a tool call names no robot.
const DefaultRobot = "default"

// protocolVersion is the MCP revision this server speaks.
const protocolVersion = "2024-11-05"

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRequestBytes int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8137",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		MaxRequestBytes: 10 * 1024 * 1024,
	}
}

// Searcher runs retrieval; satisfied by *search.Engine.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]types.SearchResult, error)
}

// Store is the persistence surface the tool handlers reach: everything the
// agent facades and groups built here consume, plus the tag and stats
// queries served directly. *store.Store satisfies it.
type Store interface {
	agent.Store
	group.Store

	NodeTags(ctx context.Context, nodeID int64) ([]types.Tag, error)
	ListTags(ctx context.Context, limit, offset int) ([]types.Tag, error)
	SearchTagsPrefix(ctx context.Context, prefix string) ([]types.Tag, error)
	SearchTagsFuzzy(ctx context.Context, query string, minSimilarity float64, limit int) ([]types.TagMatch, error)
	StoreStats(ctx context.Context) (*types.StoreStats, error)
	RobotByName(ctx context.Context, name string) (*types.Robot, error)
	RobotStats(ctx context.Context, robotID int64, maxTokens int) (*types.RobotStats, error)
	Cache() *store.QueryCache
}

// Deps are the wired engram components the tools call into. Store, Workflow,
// Searcher, and Sets are required. Notifier enables cross-process group
// channels; Checker enriches the health route. Both may be nil.
type Deps struct {
	Store    Store
	Workflow *enrich.Workflow
	Searcher Searcher
	Frames   *timeframe.Parser
	Sets     *workmem.Sets
	Notifier *notify.Notifier
	Checker  *telemetry.Checker
}

// =============================================================================
// SERVER
// =============================================================================

// toolHandler executes one tool call. The returned map is the tool payload;
// the dispatcher adds the success flag.
type toolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Server is the MCP endpoint. Robots get lazily bound agent facades; groups
// are created through the group_create tool and live for the process.
type Server struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	handlers map[string]toolHandler

	httpServer *http.Server
	mu         sync.Mutex
	started    time.Time
	closed     bool

	agentsMu sync.Mutex
	agents   map[string]*agent.Agent

	groupsMu  sync.Mutex
	groups    map[string]*group.Group
	listeners map[string]*notify.Listener
}

// NewServer wires the tool surface. deps.Frames defaults to a parser with
// Monday week start.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Frames == nil {
		deps.Frames = timeframe.New()
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		log:       logging.Named(logging.ComponentMCP),
		handlers:  make(map[string]toolHandler),
		agents:    make(map[string]*agent.Agent),
		groups:    make(map[string]*group.Group),
		listeners: make(map[string]*notify.Listener),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers[ToolRemember] = s.handleRemember
	s.handlers[ToolRecall] = s.handleRecall
	s.handlers[ToolForget] = s.handleForget
	s.handlers[ToolRestore] = s.handleRestore
	s.handlers[ToolRetrieve] = s.handleRetrieve
	s.handlers[ToolWorkingMemory] = s.handleWorkingMemory
	s.handlers[ToolCreateContext] = s.handleCreateContext
	s.handlers[ToolTagsList] = s.handleTagsList
	s.handlers[ToolTagsSearch] = s.handleTagsSearch
	s.handlers[ToolStats] = s.handleStats

	s.handlers[ToolGroupCreate] = s.handleGroupCreate
	s.handlers[ToolGroupStatus] = s.handleGroupStatus
	s.handlers[ToolGroupRemember] = s.handleGroupRemember
	s.handlers[ToolGroupRecall] = s.handleGroupRecall
	s.handlers[ToolGroupPromote] = s.handleGroupPromote
	s.handlers[ToolGroupFailover] = s.handleGroupFailover
	s.handlers[ToolGroupSync] = s.handleGroupSync
}

// RegisterRoutes mounts the MCP endpoints on an existing mux. The serve
// command uses this to share one listener with /metrics.
//
//	POST /mcp             main JSON-RPC endpoint
//	GET/POST /mcp/tools/list
//	POST /mcp/tools/call
//	GET  /mcp/health
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.started = time.Now()
	mux.HandleFunc("/mcp", s.serveRPC)
	mux.HandleFunc("/mcp/tools/list", s.serveListTools)
	mux.HandleFunc("/mcp/tools/call", s.serveCallTool)
	mux.HandleFunc("/mcp/health", s.serveHealth)
}

// Start runs a standalone HTTP server on cfg.Addr. It returns once the
// listener is up; serve errors are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mcp server already closed")
	}

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("mcp server failed", zap.Error(err))
		}
	}()

	s.log.Info("mcp server listening", zap.String("addr", s.cfg.Addr))
	return nil
}

// Shutdown stops the HTTP server (when Start was used) and closes every
// group change-channel listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()

	s.groupsMu.Lock()
	listeners := make([]*notify.Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listeners = make(map[string]*notify.Listener)
	s.groupsMu.Unlock()
	notify.CloseAll(listeners...)

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// =============================================================================
// PROTOCOL TYPES
// =============================================================================

// Tool is one MCP tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ServerInfo identifies this server to clients.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitResponse answers the initialize method.
type InitResponse struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// ListToolsResponse answers tools/list.
type ListToolsResponse struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest is the direct-route body for tools/call.
type CallToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Content is one piece of tool output; tool payloads travel as JSON text.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResponse wraps a tool payload per the MCP content shape.
type CallToolResponse struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// =============================================================================
// HTTP HANDLERS
// =============================================================================

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeRPCError(w, nil, -32700, "Parse error", err.Error())
		return
	}

	switch req.Method {
	case "initialize":
		s.writeRPCResult(w, req.ID, s.doInitialize())
	case "tools/list":
		s.writeRPCResult(w, req.ID, s.doListTools())
	case "tools/call":
		name, _ := req.Params["name"].(string)
		args, _ := req.Params["arguments"].(map[string]any)
		s.writeRPCResult(w, req.ID, s.doCallTool(r.Context(), name, args))
	default:
		s.writeRPCError(w, req.ID, -32601, "Method not found", req.Method)
	}
}

func (s *Server) serveListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.doListTools())
}

func (s *Server) serveCallTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req CallToolRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxRequestBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.writeJSON(w, http.StatusOK, s.doCallTool(r.Context(), req.Name, req.Arguments))
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.started).String(),
	}
	if s.deps.Checker != nil {
		report := s.deps.Checker.Check(r.Context())
		out["report"] = report
		if !report.Healthy {
			out["status"] = "unhealthy"
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// METHOD IMPLEMENTATIONS
// =============================================================================

func (s *Server) doInitialize() InitResponse {
	return InitResponse{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo: ServerInfo{Name: "engram", Version: "1.0.0"},
	}
}

func (s *Server) doListTools() ListToolsResponse {
	return ListToolsResponse{Tools: Definitions()}
}

// doCallTool dispatches one tool call and folds the outcome into the success
// envelope. Handler errors become payloads, not transport failures.
func (s *Server) doCallTool(ctx context.Context, name string, args map[string]any) CallToolResponse {
	handler, ok := s.handlers[name]
	if !ok {
		return toolFailure(fmt.Errorf("unknown tool %q", name))
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	payload, err := handler(ctx, args)
	if err != nil {
		s.log.Warn("tool call failed",
			zap.String("tool", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return toolFailure(err)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["success"] = true
	s.log.Debug("tool call served",
		zap.String("tool", name), zap.Duration("elapsed", time.Since(start)))
	return wrapPayload(payload, false)
}

func toolFailure(err error) CallToolResponse {
	return wrapPayload(map[string]any{"success": false, "error": err.Error()}, true)
}

func wrapPayload(payload map[string]any, isErr bool) CallToolResponse {
	text, err := json.Marshal(payload)
	if err != nil {
		text = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
		isErr = true
	}
	return CallToolResponse{
		Content: []Content{{Type: "text", Text: string(text)}},
		IsError: isErr,
	}
}

// =============================================================================
// COMPONENT RESOLUTION
// =============================================================================

// agentFor returns the facade bound to the named robot, creating robot and
// facade on first contact. Empty names fall back to DefaultRobot.
func (s *Server) agentFor(ctx context.Context, name string) (*agent.Agent, error) {
	if name == "" {
		name = DefaultRobot
	}
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	if a, ok := s.agents[name]; ok {
		return a, nil
	}
	a, err := agent.New(ctx, agent.Config{
		RobotName: name,
		Store:     s.deps.Store,
		Workflow:  s.deps.Workflow,
		Searcher:  s.deps.Searcher,
		Frames:    s.deps.Frames,
	})
	if err != nil {
		return nil, err
	}
	s.agents[name] = a
	return a, nil
}

func (s *Server) groupFor(name string) (*group.Group, error) {
	if name == "" {
		return nil, types.Validation("group name must not be empty")
	}
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	g, ok := s.groups[name]
	if !ok {
		return nil, types.NotFound("group", name)
	}
	return g, nil
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("response write failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeRPCResult(w http.ResponseWriter, id, result any) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func (s *Server) writeRPCError(w http.ResponseWriter, id any, code int, message, data string) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
			"data":    data,
		},
	})
}
