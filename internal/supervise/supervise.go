// Package supervise keeps long-lived tool clients connected.
//
// Each Supervisor owns one server connection and moves through two
// phases, mirroring how service health is watched elsewhere in toolwire:
//  1. Connect: dial with exponential backoff (1s, 2s, 4s, ... capped at
//     30s). After MaxRetries failures the delay settles at PollInterval.
//  2. Monitor: ping every PollInterval. A closed channel drops the client
//     and returns to the connect phase; other probe failures only mark
//     the server down until a ping succeeds again.
//
// Reconnects always build a fresh client. In-flight invocations on the
// old client fail with mcp.ErrChannelClosed and are never replayed.
package supervise

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/toolwire/internal/events"
	"github.com/nugget/toolwire/internal/mcp"
	"github.com/nugget/toolwire/internal/metrics"
)

// DialFunc opens a connected, initialized client.
type DialFunc func(ctx context.Context) (*mcp.Client, error)

// BackoffConfig controls reconnect timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of backoff attempts before the delay
	// settles at PollInterval (default: 10).
	MaxRetries int

	// PollInterval is the ping interval while connected and the retry
	// interval once backoff is exhausted (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits each dial and ping (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the standard reconnect schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config configures one supervised server.
type Config struct {
	// Name identifies the server (e.g., "docs").
	Name string

	// Dial opens the client. Must be safe to call repeatedly.
	Dial DialFunc

	Backoff BackoffConfig

	// OnReady is called with each newly connected client, before it is
	// published through Client. Optional.
	OnReady func(ctx context.Context, c *mcp.Client)

	// OnDown is called when a ready server stops answering. Optional.
	OnDown func(err error)

	Logger  *slog.Logger
	Events  *events.Bus
	Metrics *metrics.Collector
}

// Status is the health of one supervised server, suitable for JSON.
type Status struct {
	Name       string    `json:"name"`
	Ready      bool      `json:"ready"`
	SessionID  string    `json:"session_id,omitempty"`
	Connects   int       `json:"connects"`
	LastCheck  time.Time `json:"last_check"`
	LastError  string    `json:"last_error,omitempty"`
	ServerName string    `json:"server_name,omitempty"`
}

// Supervisor keeps one server connected.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	client    *mcp.Client
	ready     bool
	connects  int
	lastErr   error
	lastCheck time.Time
}

// Start launches a supervisor for cfg. It runs until ctx is cancelled or
// Stop is called.
func Start(ctx context.Context, cfg Config) *Supervisor {
	if cfg.Name == "" {
		panic("supervise: Config.Name must not be empty")
	}
	if cfg.Dial == nil {
		panic("supervise: Config.Dial must not be nil")
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		cfg:    cfg,
		logger: logger.With("server", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Client returns the current client, or nil while disconnected.
func (s *Supervisor) Client() *mcp.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// IsReady reports whether the last probe succeeded.
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Status returns the current health snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:      s.cfg.Name,
		Ready:     s.ready,
		Connects:  s.connects,
		LastCheck: s.lastCheck,
	}
	if s.client != nil {
		st.SessionID = s.client.SessionID()
		st.ServerName = s.client.ServerInfo().Name
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Stop closes the current client and waits for the supervisor to exit.
func (s *Supervisor) Stop() {
	s.cancel()
	<-s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.drop()

	for {
		c, ok := s.connect(ctx)
		if !ok {
			return
		}
		err := s.monitor(ctx, c)
		if ctx.Err() != nil {
			return
		}
		s.markDown(err)
		s.drop()
	}
}

// connect dials until it succeeds or ctx ends.
func (s *Supervisor) connect(ctx context.Context) (*mcp.Client, bool) {
	b := s.cfg.Backoff
	delay := b.InitialDelay
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, b.ProbeTimeout)
		c, err := s.cfg.Dial(dialCtx)
		cancel()
		s.record(err)

		if err == nil {
			if ctx.Err() != nil {
				_ = c.Close()
				return nil, false
			}
			if s.cfg.OnReady != nil {
				s.cfg.OnReady(ctx, c)
			}
			s.mu.Lock()
			s.client = c
			s.connects++
			s.mu.Unlock()
			s.markReady(attempt)
			return c, true
		}
		if ctx.Err() != nil {
			return nil, false
		}

		wait := delay
		if attempt >= b.MaxRetries {
			wait = b.PollInterval
		}
		s.logger.Debug("connect failed, retrying",
			"attempt", attempt,
			"next_delay", wait.String(),
			"error", err,
		)
		if !sleepCtx(ctx, wait) {
			return nil, false
		}

		delay = time.Duration(float64(delay) * b.Multiplier)
		if delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
}

// monitor pings c until its channel closes or ctx ends. It returns the
// error that ended the session.
func (s *Supervisor) monitor(ctx context.Context, c *mcp.Client) error {
	ticker := time.NewTicker(s.cfg.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			err := c.Err()
			s.record(err)
			return err
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.Backoff.ProbeTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.record(err)

			switch {
			case err == nil:
				if !s.IsReady() {
					s.markReady(0)
				}
			case errors.Is(err, mcp.ErrChannelClosed):
				return err
			default:
				if s.IsReady() {
					s.markDown(err)
				} else {
					s.logger.Debug("server still unresponsive", "error", err)
				}
			}
		}
	}
}

func (s *Supervisor) markReady(attempt int) {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()

	if attempt > 0 {
		s.logger.Info("tool server connected", "after_attempts", attempt)
	} else {
		s.logger.Info("tool server recovered")
	}
	s.cfg.Metrics.Session(s.cfg.Name, "ready")
	s.cfg.Events.Emit(events.SourceSupervisor, events.KindReady, map[string]any{
		"server": s.cfg.Name,
	})
}

func (s *Supervisor) markDown(err error) {
	s.mu.Lock()
	wasReady := s.ready
	s.ready = false
	s.mu.Unlock()
	if !wasReady {
		return
	}

	s.logger.Warn("tool server became unavailable", "error", err)
	s.cfg.Metrics.Session(s.cfg.Name, "down")
	data := map[string]any{"server": s.cfg.Name}
	if err != nil {
		data["error"] = err.Error()
	}
	s.cfg.Events.Emit(events.SourceSupervisor, events.KindDown, data)
	if s.cfg.OnDown != nil {
		s.cfg.OnDown(err)
	}
}

// drop closes and forgets the current client.
func (s *Supervisor) drop() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.ready = false
	s.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.lastCheck = time.Now()
	s.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the supervisors of every configured server.
type Manager struct {
	mu          sync.RWMutex
	supervisors map[string]*Supervisor
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{supervisors: make(map[string]*Supervisor)}
}

// Watch starts supervising cfg.Name. An existing supervisor for the same
// name is stopped first.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Supervisor {
	s := Start(ctx, cfg)

	m.mu.Lock()
	old := m.supervisors[cfg.Name]
	m.supervisors[cfg.Name] = s
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return s
}

// Get returns the supervisor for name, or nil.
func (m *Manager) Get(name string) *Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.supervisors[name]
}

// Status returns the health of every server, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		out = append(out, s.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether every supervised server is ready.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.supervisors {
		if !s.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all supervisors and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	list := make([]*Supervisor, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		list = append(list, s)
	}
	m.mu.RUnlock()

	for _, s := range list {
		s.Stop()
	}
}
