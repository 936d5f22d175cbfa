// Package toolserver is a small tool server speaking the same wire
// protocol as the mcp client. It backs the toolwire-echo binary and
// serves as the peer in session and client tests, both in-process over
// pipes and as a re-executed helper process.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/nugget/toolwire/internal/mcp"
)

// DefaultProtocolVersion is announced in the initialize response.
const DefaultProtocolVersion = "2025-06-18"

// Handler runs a tool. A returned error becomes a tool-level failure
// (isError: true), not a protocol error.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one entry in the server's catalog.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Options configures a Server.
type Options struct {
	// Name and Version are reported as serverInfo.
	Name    string
	Version string

	// ProtocolVersion overrides DefaultProtocolVersion. Tests use it to
	// provoke handshake failures.
	ProtocolVersion string

	// Tools replaces the default catalog when non-nil.
	Tools []Tool

	// OnCrash runs when the crash tool is invoked. The default exits
	// the process with status 3.
	OnCrash func()

	Logger *slog.Logger
}

// Server answers requests from one client connection.
type Server struct {
	opts    Options
	tools   []Tool
	byName  map[string]Tool
	logger  *slog.Logger
	writeMu sync.Mutex
}

// New creates a server. Duplicate tool names are served as given, which
// lets tests exercise the client's duplicate detection.
func New(opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "toolwire-echo"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.OnCrash == nil {
		opts.OnCrash = func() { os.Exit(3) }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{opts: opts, logger: logger, byName: make(map[string]Tool)}
	s.tools = opts.Tools
	if s.tools == nil {
		s.tools = DefaultTools(s)
	}
	for _, t := range s.tools {
		if _, dup := s.byName[t.Name]; !dup {
			s.byName[t.Name] = t
		}
	}
	return s
}

// Serve reads requests from conn until it closes or ctx ends. Each
// request is handled on its own goroutine so slow tools do not delay
// others. A clean end of stream returns nil.
func (s *Server) Serve(ctx context.Context, conn mcp.Conn) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	// Cancelled before wg.Wait runs so hanging handlers return.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var msg mcp.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("unparseable frame", "error", err)
			continue
		}
		if msg.IsResponse() {
			s.logger.Debug("ignoring response from client", "id", msg.ID)
			continue
		}
		if msg.IsNotification() {
			s.logger.Debug("notification", "method", msg.Method)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := s.handle(ctx, &msg)
			if reply == nil {
				return
			}
			if err := s.send(conn, reply); err != nil {
				s.logger.Debug("write reply failed", "id", *msg.ID, "error", err)
			}
		}()
	}
}

func (s *Server) send(conn mcp.Conn, msg *mcp.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(data)
}

// handle returns the reply for msg, or nil when no reply is sent.
func (s *Server) handle(ctx context.Context, msg *mcp.Message) *mcp.Message {
	id := *msg.ID
	switch msg.Method {
	case mcp.MethodInitialize:
		return result(id, map[string]any{
			"protocolVersion": s.opts.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.opts.Name, "version": s.opts.Version},
		})
	case mcp.MethodPing:
		return result(id, struct{}{})
	case mcp.MethodToolsList:
		list := make([]map[string]any, 0, len(s.tools))
		for _, t := range s.tools {
			list = append(list, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"inputSchema": t.InputSchema,
			})
		}
		return result(id, map[string]any{"tools": list})
	case mcp.MethodToolsCall:
		return s.call(ctx, id, msg.Params)
	default:
		return mcp.NewErrorResponse(id, mcp.CodeMethodNotFound, "method not found: "+msg.Method)
	}
}

func (s *Server) call(ctx context.Context, id int64, raw json.RawMessage) *mcp.Message {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return mcp.NewErrorResponse(id, mcp.CodeInvalidParams, "invalid params: "+err.Error())
	}
	tool, ok := s.byName[params.Name]
	if !ok {
		return mcp.NewErrorResponse(id, mcp.CodeInvalidParams, "unknown tool: "+params.Name)
	}

	text, err := tool.Handler(ctx, params.Arguments)
	if errors.Is(err, errNoReply) {
		return nil
	}
	if err != nil {
		return result(id, map[string]any{
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
			"isError": true,
		})
	}
	return result(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
}

func result(id int64, v any) *mcp.Message {
	msg, err := mcp.NewResult(id, v)
	if err != nil {
		return mcp.NewErrorResponse(id, mcp.CodeInternalError, err.Error())
	}
	return msg
}
