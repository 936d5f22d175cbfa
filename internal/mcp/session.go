package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/toolwire/internal/events"
	"github.com/nugget/toolwire/internal/metrics"
)

// DefaultTimeout bounds how long a request waits for its response when
// SessionConfig.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// abandonedLimit caps how many cancelled or timed-out request ids the
// session remembers for recognizing late responses.
const abandonedLimit = 1024

// levelTrace matches config.LevelTrace; wire payloads are logged at it.
const levelTrace = slog.Level(-8)

// SessionConfig tunes a Session.
type SessionConfig struct {
	// Server names the peer in logs, errors, events and metrics.
	Server string

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	// Sequential allows only one request in flight at a time. By
	// default requests are pipelined.
	Sequential bool

	Logger  *slog.Logger
	Events  *events.Bus
	Metrics *metrics.Collector
}

// Session turns a Conn into a request/response channel. One background
// reader resolves responses by id and one background writer owns the
// outbound side; any number of goroutines may send and wait concurrently.
type Session struct {
	id      string
	server  string
	conn    Conn
	timeout time.Duration
	logger  *slog.Logger
	events  *events.Bus
	metrics *metrics.Collector

	nextID atomic.Int64
	frames chan frame

	// sem holds one token per in-flight request in sequential mode.
	sem chan struct{}

	mu        sync.Mutex
	pending   map[int64]*Pending
	abandoned map[int64]struct{}
	abandonQ  []int64
	closed    bool
	cause     error

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession takes ownership of conn and starts its reader.
func NewSession(conn Conn, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s := &Session{
		id:        uuid.NewString(),
		server:    cfg.Server,
		conn:      conn,
		timeout:   timeout,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		pending:   make(map[int64]*Pending),
		abandoned: make(map[int64]struct{}),
		frames:    make(chan frame),
		done:      make(chan struct{}),
	}
	s.logger = logger.With("server", cfg.Server, "session_id", s.id)
	if cfg.Sequential {
		s.sem = make(chan struct{}, 1)
	}

	s.metrics.Session(s.server, "opened")
	go s.readLoop()
	go s.writeLoop()
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Server returns the configured server name.
func (s *Session) Server() string { return s.server }

// Done is closed once the session has shut down for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Pending is the handle for one in-flight request. Exactly one outcome
// is ever delivered to it.
type Pending struct {
	ID     int64
	Method string

	s       *Session
	started time.Time
	timer   *time.Timer
	seq     bool

	done   chan struct{}
	result json.RawMessage
	err    error
}

// Send writes a request and returns without waiting for its response.
// In sequential mode it first waits, honoring ctx, for the previous
// request to resolve.
//
// A peer that stops reading cannot hold Send past the request timeout
// or ctx. If Send gives up while its frame is partly written, the
// stream can no longer be framed and the session is shut down.
func (s *Session) Send(ctx context.Context, method string, params any) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	id := s.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		s.release()
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	p := &Pending{
		ID:      id,
		Method:  method,
		s:       s,
		started: time.Now(),
		seq:     s.sem != nil,
		done:    make(chan struct{}),
	}

	// Register before writing so a fast response always finds its slot.
	s.mu.Lock()
	if s.closed {
		cause := s.cause
		s.mu.Unlock()
		s.release()
		return nil, &ChannelClosedError{Server: s.server, Err: cause}
	}
	s.pending[id] = p
	p.timer = time.AfterFunc(s.timeout, func() { s.expire(p) })
	s.mu.Unlock()
	s.metrics.PendingAdd(s.server, 1)

	s.logger.Log(ctx, levelTrace, "request sent", "id", id, "method", method, "payload", string(data))

	f := frame{method: method, data: data, sent: make(chan error, 1)}
	select {
	case s.frames <- f:
	case <-p.done:
		// Timed out, or the session closed, before the writer was free.
		return nil, p.err
	case <-ctx.Done():
		s.abandon(p, ctx.Err())
		<-p.done
		return nil, p.err
	}

	select {
	case err := <-f.sent:
		if err != nil {
			// The writer has shut the session down, which fails p.
			<-p.done
			return nil, p.err
		}
		return p, nil
	case <-p.done:
	case <-ctx.Done():
		s.abandon(p, ctx.Err())
		<-p.done
	}
	if p.answered() {
		// The peer read the whole frame.
		return p, nil
	}
	select {
	case err := <-f.sent:
		if err == nil {
			return nil, p.err
		}
	default:
		s.shutdown(fmt.Errorf("%s (id %d) abandoned mid-write: %w", method, id, p.err))
	}
	return nil, p.err
}

// Call sends a request and waits for its result.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p, err := s.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Notify sends a notification. No response is expected.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}

	s.mu.Lock()
	closed, cause := s.closed, s.cause
	s.mu.Unlock()
	if closed {
		return &ChannelClosedError{Server: s.server, Err: cause}
	}

	s.logger.Log(ctx, levelTrace, "notification sent", "method", method, "payload", string(data))
	return s.write(ctx, method, data)
}

// Close fails every pending request with a ChannelClosedError and
// releases the conn. It is idempotent.
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed)
	return nil
}

// Wait blocks until the request resolves or ctx ends. A ctx deadline
// is reported as a TimeoutError; cancellation abandons the request and
// returns the wrapped ctx error. Wait may be called more than once.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
	}

	// If the request resolved concurrently, abandon is a no-op and the
	// real outcome wins.
	p.s.abandon(p, ctx.Err())
	<-p.done
	return p.result, p.err
}

// Cancel stops waiting for the request. The remote side is not told; a
// late response for this id is discarded and logged as an anomaly.
func (p *Pending) Cancel() {
	p.s.abandon(p, context.Canceled)
}

// Done is closed when the request has an outcome.
func (p *Pending) Done() <-chan struct{} { return p.done }

// answered reports whether the peer responded. Valid once done is closed.
func (p *Pending) answered() bool {
	var remote *RemoteError
	return p.err == nil || errors.As(p.err, &remote)
}

func (s *Session) acquire(ctx context.Context) error {
	if s.sem == nil {
		return nil
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ChannelClosedError{Server: s.server, Err: s.Err()}
	}
}

func (s *Session) release() {
	if s.sem == nil {
		return
	}
	select {
	case <-s.sem:
	default:
	}
}

// frame is one outbound message queued for the writer.
type frame struct {
	method string
	data   []byte
	sent   chan error
}

// writeLoop is the only writer of the conn. A failed write closes the
// session.
func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.frames:
			err := s.conn.WriteMessage(f.data)
			f.sent <- err
			if err != nil {
				s.shutdown(fmt.Errorf("write %s: %w", f.method, err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// write queues a frame that has no pending slot and waits until it is on
// the conn. Giving up on ctx after the writer took the frame shuts the
// session down.
func (s *Session) write(ctx context.Context, method string, data []byte) error {
	f := frame{method: method, data: data, sent: make(chan error, 1)}
	select {
	case s.frames <- f:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ChannelClosedError{Server: s.server, Err: s.Err()}
	}

	select {
	case err := <-f.sent:
		if err != nil {
			return &ChannelClosedError{Server: s.server, Err: fmt.Errorf("write %s: %w", method, err)}
		}
		return nil
	case <-ctx.Done():
		s.shutdown(fmt.Errorf("%s abandoned mid-write: %w", method, ctx.Err()))
		return ctx.Err()
	case <-s.done:
		return &ChannelClosedError{Server: s.server, Err: s.Err()}
	}
}

// claim removes id from the pending map. The caller that gets a non-nil
// slot back is the only one allowed to resolve it.
func (s *Session) claim(id int64, abandon bool) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	if abandon {
		s.rememberAbandoned(id)
	}
	return p
}

// rememberAbandoned records id in a bounded FIFO set. Callers hold mu.
func (s *Session) rememberAbandoned(id int64) {
	s.abandoned[id] = struct{}{}
	s.abandonQ = append(s.abandonQ, id)
	if len(s.abandonQ) > abandonedLimit {
		oldest := s.abandonQ[0]
		s.abandonQ = s.abandonQ[1:]
		delete(s.abandoned, oldest)
	}
}

func (s *Session) resolve(p *Pending, result json.RawMessage, err error) {
	p.timer.Stop()
	p.result, p.err = result, err
	close(p.done)
	if p.seq {
		s.release()
	}
	s.metrics.PendingAdd(s.server, -1)
}

func (s *Session) expire(p *Pending) {
	if s.claim(p.ID, true) == nil {
		return
	}
	s.logger.Warn("request timed out", "id", p.ID, "method", p.Method, "timeout", s.timeout)
	s.resolve(p, nil, &TimeoutError{Method: p.Method, RequestID: p.ID, After: s.timeout})
}

// abandon resolves p locally because its waiter gave up. It reports
// false when p already had an outcome.
func (s *Session) abandon(p *Pending, cause error) bool {
	if s.claim(p.ID, true) == nil {
		return false
	}
	var err error
	if errors.Is(cause, context.DeadlineExceeded) {
		err = &TimeoutError{Method: p.Method, RequestID: p.ID, After: time.Since(p.started)}
	} else {
		err = fmt.Errorf("%s (id %d): %w", p.Method, p.ID, cause)
	}
	s.logger.Debug("request abandoned", "id", p.ID, "method", p.Method, "reason", cause)
	s.resolve(p, nil, err)
	return true
}

// shutdown closes the session once with the given cause.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cause = cause
		pending := s.pending
		s.pending = make(map[int64]*Pending)
		s.mu.Unlock()

		for _, p := range pending {
			s.resolve(p, nil, &ChannelClosedError{Server: s.server, Err: cause})
		}

		if err := s.conn.Close(); err != nil {
			s.logger.Debug("conn close error", "error", err)
		}
		close(s.done)

		if errors.Is(cause, ErrSessionClosed) {
			s.logger.Info("session closed", "failed_pending", len(pending))
		} else {
			s.logger.Warn("session channel closed", "error", cause, "failed_pending", len(pending))
		}
		s.metrics.Session(s.server, "closed")
		s.events.Emit(events.SourceSession, events.KindClosed, map[string]any{
			"server":     s.server,
			"session_id": s.id,
			"error":      cause.Error(),
		})
	})
}

// readLoop is the only reader of the conn.
func (s *Session) readLoop() {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	s.logger.Log(context.Background(), levelTrace, "frame received", "payload", string(data))

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.violation(0, fmt.Sprintf("malformed frame: %v", err))
		return
	}

	switch {
	case msg.IsResponse():
		s.handleResponse(&msg)
	case msg.ID == nil:
		s.logger.Debug("server notification", "method", msg.Method)
		s.events.Emit(events.SourceSession, events.KindNotification, map[string]any{
			"server": s.server,
			"method": msg.Method,
		})
	default:
		// Reply off the reader so a blocked writer cannot stall it.
		go s.handleServerRequest(msg)
	}
}

func (s *Session) handleResponse(msg *Message) {
	if msg.ID == nil {
		s.violation(0, "response without id")
		return
	}
	id := *msg.ID

	p := s.claim(id, false)
	if p == nil {
		s.mu.Lock()
		_, late := s.abandoned[id]
		if late {
			delete(s.abandoned, id)
		}
		s.mu.Unlock()

		if late {
			s.logger.Warn("discarding late response for abandoned request", "id", id)
			s.metrics.Anomaly(s.server, "late_response")
			s.events.Emit(events.SourceSession, events.KindAnomaly, map[string]any{
				"server":     s.server,
				"request_id": id,
			})
			return
		}
		s.violation(id, "response for unknown request id")
		return
	}

	elapsed := time.Since(p.started)
	if msg.Error != nil {
		s.logger.Debug("request failed", "id", id, "method", p.Method,
			"code", msg.Error.Code, "elapsed", elapsed)
		s.resolve(p, nil, &RemoteError{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data})
		return
	}
	s.logger.Debug("request completed", "id", id, "method", p.Method, "elapsed", elapsed)
	s.resolve(p, msg.Result, nil)
}

func (s *Session) handleServerRequest(msg Message) {
	var reply *Message
	if msg.Method == MethodPing {
		var err error
		reply, err = NewResult(*msg.ID, struct{}{})
		if err != nil {
			return
		}
	} else {
		reply = NewErrorResponse(*msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)
	}

	s.events.Emit(events.SourceSession, events.KindServerRequest, map[string]any{
		"server":   s.server,
		"method":   msg.Method,
		"answered": reply.Error == nil,
	})

	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("marshal reply failed", "method", msg.Method, "error", err)
		return
	}
	if err := s.write(context.Background(), msg.Method, data); err != nil {
		s.logger.Debug("reply not sent", "method", msg.Method, "error", err)
		return
	}
	s.logger.Debug("answered server request", "method", msg.Method, "id", *msg.ID)
}

// violation reports a frame that breaks the wire contract. The session
// stays up.
func (s *Session) violation(id int64, reason string) {
	err := &ProtocolError{RequestID: id, Reason: reason}
	s.logger.Warn("protocol violation", "error", err)
	s.metrics.Anomaly(s.server, "protocol_violation")
	s.events.Emit(events.SourceSession, events.KindProtocolViolation, map[string]any{
		"server":     s.server,
		"request_id": id,
		"reason":     reason,
	})
}
