package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// jsonRPCRequest is the accepted request shape for POST /mcp.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  jsonRPCParams   `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type jsonRPCParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// jsonRPCResponse is the response shape for POST /mcp.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  *jsonRPCResult  `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type jsonRPCResult struct {
	StructuredContent *Envelope  `json:"structuredContent,omitempty"`
	Tools             []ToolInfo `json:"tools,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolInfo is the discovery record returned by tools/list.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CostRank    int    `json:"cost_rank"`
}

// Server is the HTTP transport in front of a Dispatcher.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	dispatcher *Dispatcher
	registry   *Registry
	log        zerolog.Logger
}

// NewServer wires the MCP HTTP surface: POST /mcp, GET /health, GET /metrics.
func NewServer(addr string, dispatcher *Dispatcher, registry *Registry, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: dispatcher,
		registry:   registry,
		log:        log.With().Str("component", "mcp-server").Logger(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	s.router.Post("/mcp", s.handleMCP)
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("MCP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the chi router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMCP decodes a JSON-RPC request and dispatches it. When the client
// accepts text/event-stream the result is framed as a single SSE message,
// which lets streaming-aware MCP clients reuse their event parser.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: -32700, Message: "parse error"},
		})
		return
	}

	var resp jsonRPCResponse
	resp.JSONRPC = "2.0"
	resp.ID = req.ID

	switch req.Method {
	case "tools/call":
		envelope := s.dispatcher.Call(r.Context(), req.Params.Name, req.Params.Arguments)
		resp.Result = &jsonRPCResult{StructuredContent: envelope}
	case "tools/list":
		tools := s.registry.List()
		infos := make([]ToolInfo, 0, len(tools))
		for _, t := range tools {
			infos = append(infos, ToolInfo{Name: t.Name, Description: t.Description, CostRank: t.CostRank})
		}
		resp.Result = &jsonRPCResult{Tools: infos}
	default:
		resp.Error = &jsonRPCError{Code: -32601, Message: fmt.Sprintf("method %q not found", req.Method)}
	}

	if wantsSSE(r) {
		s.writeSSE(w, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeSSE frames one JSON-RPC response as a server-sent event.
func (s *Server) writeSSE(w http.ResponseWriter, resp jsonRPCResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	payload, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal SSE response")
		return
	}
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
