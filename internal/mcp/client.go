package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/toolwire/internal/buildinfo"
	"github.com/nugget/toolwire/internal/events"
	"github.com/nugget/toolwire/internal/metrics"
	"github.com/nugget/toolwire/internal/process"
)

// LatestProtocolVersion is the version the client requests during the
// handshake.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists the versions a server may answer with.
var SupportedProtocolVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

// Transport kinds for Config.Transport.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
)

// ToolDescriptor is one entry of a server's tool catalog.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	// Params is derived from InputSchema.
	Params []Param `json:"-"`
}

// ContentBlock is a single content item in a tools/call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result is the payload of a successful invocation.
type Result struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`

	// Raw is the complete result as received.
	Raw json.RawMessage `json:"-"`
}

// Text joins all text content blocks. Non-text blocks are rendered as
// inline markers such as "[image]".
func (r *Result) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, b := range r.Content {
		if b.Type == "text" {
			parts = append(parts, b.Text)
			continue
		}
		parts = append(parts, "["+b.Type+"]")
	}
	return strings.Join(parts, "\n")
}

// Decode unmarshals the structured content into v, falling back to the
// raw result when the server sent none.
func (r *Result) Decode(v any) error {
	data := r.StructuredContent
	if len(data) == 0 {
		data = r.Raw
	}
	return json.Unmarshal(data, v)
}

// ServerInfo describes the peer as reported by the handshake.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Invocation records one finished tool call for a Recorder.
type Invocation struct {
	Server    string
	SessionID string
	Tool      string
	RequestID int64
	Started   time.Time
	Duration  time.Duration
	Outcome   string
	Error     string
}

// Recorder persists invocations. Record errors are logged and never
// affect the caller's result.
type Recorder interface {
	Record(ctx context.Context, inv Invocation) error
}

// Config describes how to reach one tool server.
type Config struct {
	// Name identifies the server in logs, errors and metrics.
	Name string

	// Transport is TransportStdio (default) or TransportWebSocket.
	Transport string

	// Process is the subprocess to launch for stdio servers.
	Process process.Spec

	// StopGrace bounds graceful termination of the subprocess.
	StopGrace time.Duration

	// URL and Headers address websocket servers.
	URL     string
	Headers map[string]string

	Framing      Framing
	MaxFrameSize int

	// Timeout bounds every request. Zero means DefaultTimeout.
	Timeout time.Duration

	// Sequential disables pipelining.
	Sequential bool

	// RateLimit caps tool calls per second; zero disables limiting.
	RateLimit float64
	RateBurst int

	Logger   *slog.Logger
	Events   *events.Bus
	Metrics  *metrics.Collector
	Recorder Recorder
}

// Client is a connected tool client. It is safe for concurrent use.
type Client struct {
	name     string
	session  *Session
	logger   *slog.Logger
	events   *events.Bus
	metrics  *metrics.Collector
	recorder Recorder
	limiter  *rate.Limiter

	mu     sync.RWMutex
	info   ServerInfo
	tools  []ToolDescriptor
	byName map[string]int

	closeOnce sync.Once
}

// Connect reaches the server described by cfg, opens a session and
// performs the handshake. Launch failures are returned unchanged as
// *process.LaunchError.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	framing := cfg.Framing
	if framing == "" {
		framing = FramingLine
	}

	var conn Conn
	switch cfg.Transport {
	case "", TransportStdio:
		launcher := &process.Launcher{
			GracePeriod: cfg.StopGrace,
			Logger:      logger.With("server", cfg.Name),
		}
		proc, err := launcher.Start(ctx, cfg.Process)
		if err != nil {
			return nil, err
		}
		logger.Info("tool server started", "server", cfg.Name, "pid", proc.Pid(), "command", cfg.Process.Command)
		cfg.Events.Emit(events.SourceProcess, events.KindStarted, map[string]any{
			"server": cfg.Name,
			"pid":    proc.Pid(),
		})
		go watchExit(proc, cfg.Name, logger, cfg.Events)
		conn = NewStdioConn(proc, framing, cfg.MaxFrameSize)
	case TransportWebSocket:
		ws, err := DialWebSocket(ctx, cfg.URL, cfg.Headers, cfg.MaxFrameSize)
		if err != nil {
			return nil, &ConnectError{Server: cfg.Name, Err: err}
		}
		conn = ws
	default:
		return nil, &ConnectError{Server: cfg.Name, Err: fmt.Errorf("unknown transport %q", cfg.Transport)}
	}

	session := NewSession(conn, SessionConfig{
		Server:     cfg.Name,
		Timeout:    cfg.Timeout,
		Sequential: cfg.Sequential,
		Logger:     logger,
		Events:     cfg.Events,
		Metrics:    cfg.Metrics,
	})

	c := NewClient(session, cfg)
	if err := c.Initialize(ctx); err != nil {
		_ = session.Close()
		return nil, err
	}
	return c, nil
}

// watchExit reports the subprocess exit.
func watchExit(proc *process.Process, server string, logger *slog.Logger, bus *events.Bus) {
	<-proc.Done()
	data := map[string]any{"server": server, "pid": proc.Pid()}
	if err := proc.ExitErr(); err != nil {
		data["error"] = err.Error()
	}
	logger.Info("tool server exited", "server", server, "pid", proc.Pid(), "error", proc.ExitErr())
	bus.Emit(events.SourceProcess, events.KindExited, data)
}

// NewClient wraps an open session. Initialize must be called before the
// client is used. Only the observability and rate limit fields of cfg
// apply here.
func NewClient(session *Session, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:     session.Server(),
		session:  session,
		logger:   logger.With("server", session.Server()),
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		recorder: cfg.Recorder,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// SessionID returns the id of the underlying session.
func (c *Client) SessionID() string { return c.session.ID() }

// ServerInfo returns what the server reported during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Done is closed when the underlying session ends.
func (c *Client) Done() <-chan struct{} { return c.session.Done() }

// Err returns why the session ended, or nil while it is open.
func (c *Client) Err() error { return c.session.Err() }

// Initialize performs the handshake: initialize, then the initialized
// notification.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": LatestProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
			"version": buildinfo.Version,
		},
	}

	raw, err := c.session.Call(ctx, MethodInitialize, params)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return &HandshakeError{Server: c.name, Supported: SupportedProtocolVersions, Err: err}
		}
		return &ConnectError{Server: c.name, Err: fmt.Errorf("initialize: %w", err)}
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return &HandshakeError{Server: c.name, Supported: SupportedProtocolVersions,
			Err: fmt.Errorf("malformed initialize result: %w", err)}
	}
	if result.ProtocolVersion == "" {
		return &HandshakeError{Server: c.name, Supported: SupportedProtocolVersions,
			Err: errors.New("malformed initialize result: missing protocolVersion")}
	}
	if !slices.Contains(SupportedProtocolVersions, result.ProtocolVersion) {
		return &HandshakeError{Server: c.name, Supported: SupportedProtocolVersions, Got: result.ProtocolVersion}
	}

	c.mu.Lock()
	c.info = ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
	}
	c.mu.Unlock()

	if err := c.session.Notify(ctx, MethodInitialized, nil); err != nil {
		return &ConnectError{Server: c.name, Err: fmt.Errorf("send initialized notification: %w", err)}
	}

	c.logger.Info("tool server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
		"session_id", c.session.ID(),
	)
	c.events.Emit(events.SourceClient, events.KindConnected, map[string]any{
		"server":           c.name,
		"session_id":       c.session.ID(),
		"protocol_version": result.ProtocolVersion,
		"server_name":      result.ServerInfo.Name,
	})
	return nil
}

// ListTools returns the cached catalog, fetching it on first use. The
// order is the order the server reported. Once the session has closed
// the cache is not served.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	tools := c.tools
	c.mu.RUnlock()
	if tools != nil {
		return slices.Clone(tools), nil
	}
	return c.RefreshTools(ctx)
}

// RefreshTools fetches a new catalog snapshot and replaces the cache.
func (c *Client) RefreshTools(ctx context.Context) ([]ToolDescriptor, error) {
	var (
		tools  []ToolDescriptor
		cursor string
	)
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.session.Call(ctx, MethodToolsList, params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		var page struct {
			Tools      []ToolDescriptor `json:"tools"`
			NextCursor string           `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed tools/list result: %v", err)}
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	byName := make(map[string]int, len(tools))
	for i := range tools {
		name := tools[i].Name
		if name == "" {
			return nil, &ProtocolError{Reason: fmt.Sprintf("tool at position %d has no name", i)}
		}
		if _, dup := byName[name]; dup {
			return nil, &ProtocolError{Reason: fmt.Sprintf("duplicate tool name %q in catalog", name)}
		}
		byName[name] = i
		tools[i].Params = parseParams(tools[i].InputSchema)
	}
	if tools == nil {
		tools = []ToolDescriptor{}
	}

	c.mu.Lock()
	c.tools = tools
	c.byName = byName
	c.mu.Unlock()

	c.logger.Info("tool catalog fetched", "count", len(tools))
	c.events.Emit(events.SourceClient, events.KindCatalog, map[string]any{
		"server": c.name,
		"tools":  len(tools),
	})
	return slices.Clone(tools), nil
}

// Invoke calls a tool. Unknown names and invalid arguments fail locally
// against the cached catalog without sending tools/call. If no catalog
// has been fetched yet, Invoke fetches one with tools/list first, so an
// unknown name on a fresh client costs one catalog round trip.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	started := time.Now()
	res, id, err := c.invoke(ctx, name, args)
	c.finish(ctx, name, id, started, err)
	return res, err
}

func (c *Client) invoke(ctx context.Context, name string, args map[string]any) (*Result, int64, error) {
	if err := c.usable(); err != nil {
		return nil, 0, err
	}
	desc, err := c.lookup(ctx, name)
	if err != nil {
		return nil, 0, err
	}

	problems, err := validateArgs(desc.InputSchema, args)
	if err != nil {
		return nil, 0, &ArgumentValidationError{Tool: name, Problems: []string{err.Error()}}
	}
	if len(problems) > 0 {
		return nil, 0, &ArgumentValidationError{Tool: name, Problems: problems}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("rate limit %s: %w", name, err)
		}
	}

	if args == nil {
		args = map[string]any{}
	}
	p, err := c.session.Send(ctx, MethodToolsCall, map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, 0, err
	}

	raw, err := p.Wait(ctx)
	if err != nil {
		return nil, p.ID, err
	}

	res := &Result{Raw: raw}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, p.ID, &ProtocolError{RequestID: p.ID, Reason: fmt.Sprintf("malformed tools/call result: %v", err)}
	}
	if res.IsError {
		return nil, p.ID, &RemoteError{Message: res.Text(), Data: res}
	}
	return res, p.ID, nil
}

// usable fails with a ChannelClosedError once the session is gone.
func (c *Client) usable() error {
	select {
	case <-c.session.Done():
		return &ChannelClosedError{Server: c.name, Err: c.session.Err()}
	default:
		return nil
	}
}

// lookup finds name in the catalog, fetching it when absent.
func (c *Client) lookup(ctx context.Context, name string) (ToolDescriptor, error) {
	c.mu.RLock()
	loaded := c.tools != nil
	i, ok := c.byName[name]
	var desc ToolDescriptor
	if ok {
		desc = c.tools[i]
	}
	c.mu.RUnlock()

	if !loaded {
		if _, err := c.RefreshTools(ctx); err != nil {
			return ToolDescriptor{}, err
		}
		return c.lookup(ctx, name)
	}
	if !ok {
		return ToolDescriptor{}, &UnknownToolError{Tool: name}
	}
	return desc, nil
}

// finish reports a completed invocation to metrics, events and the
// recorder.
func (c *Client) finish(ctx context.Context, tool string, id int64, started time.Time, err error) {
	elapsed := time.Since(started)
	outcome := ErrorKind(err)

	c.metrics.ObserveInvocation(c.name, tool, outcome, elapsed)
	c.events.Emit(events.SourceClient, events.KindInvocation, map[string]any{
		"server":      c.name,
		"tool":        tool,
		"request_id":  id,
		"outcome":     outcome,
		"duration_ms": elapsed.Milliseconds(),
	})

	if err != nil {
		c.logger.Debug("tool invocation failed", "tool", tool, "id", id, "outcome", outcome, "error", err)
	} else {
		c.logger.Debug("tool invoked", "tool", tool, "id", id, "elapsed", elapsed)
	}

	if c.recorder == nil {
		return
	}
	inv := Invocation{
		Server:    c.name,
		SessionID: c.session.ID(),
		Tool:      tool,
		RequestID: id,
		Started:   started,
		Duration:  elapsed,
		Outcome:   outcome,
	}
	if err != nil {
		inv.Error = err.Error()
	}
	// The caller's ctx may already be done; recording must not depend on it.
	if rerr := c.recorder.Record(context.WithoutCancel(ctx), inv); rerr != nil {
		c.logger.Warn("failed to record invocation", "tool", tool, "error", rerr)
	}
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.session.Call(ctx, MethodPing, nil)
	return err
}

// Close tears down the session and stops the server process. It is
// idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("closing tool client")
		_ = c.session.Close()
	})
	return nil
}
