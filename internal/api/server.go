// Package api implements the HTTP surface of toolwire serve: health,
// server status, the bridged tool catalog, tool calls, invocation
// history and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/toolwire/internal/buildinfo"
	"github.com/nugget/toolwire/internal/ledger"
	"github.com/nugget/toolwire/internal/mcp"
	"github.com/nugget/toolwire/internal/supervise"
	"github.com/nugget/toolwire/internal/tools"
)

// maxCallBody bounds the JSON arguments accepted by the call endpoint.
const maxCallBody = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	supervisors *supervise.Manager
	registry    *tools.Registry
	ledger      *ledger.Store
	metrics     http.Handler
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates a new API server. supervisors and registry are
// required; the ledger and metrics handler are optional.
func NewServer(address string, port int, supervisors *supervise.Manager, registry *tools.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:     address,
		port:        port,
		supervisors: supervisors,
		registry:    registry,
		logger:      logger,
	}
}

// SetLedger enables the invocation history endpoints.
func (s *Server) SetLedger(l *ledger.Store) {
	s.ledger = l
}

// SetMetricsHandler mounts h at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("POST /v1/tools/{name}/call", s.handleToolCall)
	mux.HandleFunc("GET /v1/invocations", s.handleInvocations)
	mux.HandleFunc("GET /v1/invocations/stats", s.handleInvocationStats)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Tool calls can run as long as the server's request timeout.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "healthy"
	if !s.supervisors.Ready() {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"status":  status,
		"servers": s.supervisors.Status(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	st := s.supervisors.Status()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"servers": st,
		"count":   len(st),
	}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	if source := r.URL.Query().Get("server"); source != "" {
		filtered := list[:0:0]
		for _, t := range list {
			if t.Source == source {
				filtered = append(filtered, t)
			}
		}
		list = filtered
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tools": list,
		"count": len(list),
	}, s.logger)
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody+1))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "read body: "+err.Error())
		return
	}
	if len(body) > maxCallBody {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "invalid_request", "arguments too large")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "arguments must be a JSON object")
		return
	}

	start := time.Now()
	result, err := s.registry.Execute(r.Context(), name, string(body))
	if err != nil {
		code, kind := callErrorStatus(err)
		s.logger.Debug("tool call failed", "tool", name, "kind", kind, "error", err)
		s.errorResponse(w, code, kind, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tool":        name,
		"result":      result,
		"duration_ms": time.Since(start).Milliseconds(),
	}, s.logger)
}

// callErrorStatus maps an invocation error to an HTTP status and the
// outcome kind reported to the caller.
func callErrorStatus(err error) (int, string) {
	var unavailable *tools.ErrToolUnavailable
	if errors.As(err, &unavailable) {
		return http.StatusNotFound, mcp.OutcomeUnknownTool
	}

	kind := mcp.ErrorKind(err)
	switch kind {
	case mcp.OutcomeUnknownTool:
		return http.StatusNotFound, kind
	case mcp.OutcomeArgumentValidation:
		return http.StatusBadRequest, kind
	case mcp.OutcomeTimeout:
		return http.StatusGatewayTimeout, kind
	case mcp.OutcomeChannelClosed, mcp.OutcomeConnect, mcp.OutcomeLaunch, mcp.OutcomeHandshake:
		return http.StatusServiceUnavailable, kind
	case mcp.OutcomeRemote, mcp.OutcomeProtocol:
		return http.StatusBadGateway, kind
	case mcp.OutcomeCanceled:
		return 499, kind
	default:
		return http.StatusBadRequest, kind
	}
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "invocation ledger not configured")
		return
	}

	q := r.URL.Query()
	f := ledger.Filter{
		Server:  q.Get("server"),
		Tool:    q.Get("tool"),
		Outcome: q.Get("outcome"),
	}
	if since := q.Get("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid_request", "since must be a duration like 1h")
			return
		}
		f.Since = time.Now().Add(-d)
	}
	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = n
	}

	entries, err := s.ledger.Recent(r.Context(), f, limit)
	if err != nil {
		s.logger.Warn("ledger query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "ledger query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"invocations": entries,
		"count":       len(entries),
	}, s.logger)
}

// statsWindow is the default lookback for invocation stats.
const statsWindow = 24 * time.Hour

func (s *Server) handleInvocationStats(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "invocation ledger not configured")
		return
	}

	window := statsWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid_request", "window must be a positive duration")
			return
		}
		window = d
	}
	end := time.Now()
	start := end.Add(-window)

	byTool, err := s.ledger.SummaryByTool(r.Context(), start, end)
	if err != nil {
		s.logger.Warn("ledger summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "ledger summary failed")
		return
	}
	byOutcome, err := s.ledger.SummaryByOutcome(r.Context(), start, end)
	if err != nil {
		s.logger.Warn("ledger summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "ledger summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"window":     window.String(),
		"by_tool":    byTool,
		"by_outcome": byOutcome,
	}, s.logger)
}
