package supervise

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/toolwire/internal/events"
	"github.com/nugget/toolwire/internal/mcp"
	"github.com/nugget/toolwire/internal/toolserver"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 10 * time.Millisecond,
		ProbeTimeout: time.Second,
	}
}

// pipeDialer connects clients to in-process tool servers. Dials fail
// with errRefused until failures attempts have been made.
type pipeDialer struct {
	failures atomic.Int32
	dials    atomic.Int32

	mu    sync.Mutex
	kills []context.CancelFunc
}

var errRefused = errors.New("connection refused")

func (d *pipeDialer) dial(ctx context.Context) (*mcp.Client, error) {
	n := d.dials.Add(1)
	if n <= d.failures.Load() {
		return nil, errRefused
	}

	serverR, clientW := io.Pipe()
	clientR, serverW := io.Pipe()
	srvConn := mcp.NewStreamConn(serverR, serverW, mcp.FramingLine, 0, func() error {
		serverR.Close()
		return serverW.Close()
	})
	cliConn := mcp.NewStreamConn(clientR, clientW, mcp.FramingLine, 0, func() error {
		clientR.Close()
		return clientW.Close()
	})

	srvCtx, kill := context.WithCancel(context.Background())
	go toolserver.New(toolserver.Options{Name: "pipe"}).Serve(srvCtx, srvConn)

	d.mu.Lock()
	d.kills = append(d.kills, kill)
	d.mu.Unlock()

	c := mcp.NewClient(mcp.NewSession(cliConn, mcp.SessionConfig{Server: "pipe"}), mcp.Config{})
	if err := c.Initialize(ctx); err != nil {
		c.Close()
		kill()
		return nil, err
	}
	return c, nil
}

// killCurrent ends the most recently started server.
func (d *pipeDialer) killCurrent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.kills) > 0 {
		d.kills[len(d.kills)-1]()
	}
}

func (d *pipeDialer) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kill := range d.kills {
		kill()
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func start(t *testing.T, cfg Config) (*Supervisor, *pipeDialer) {
	t.Helper()
	d := &pipeDialer{}
	if cfg.Name == "" {
		cfg.Name = "pipe"
	}
	if cfg.Dial == nil {
		cfg.Dial = d.dial
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = testBackoff()
	}
	s := Start(context.Background(), cfg)
	t.Cleanup(func() {
		s.Stop()
		d.cleanup()
	})
	return s, d
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()
	if cfg.InitialDelay != time.Second {
		t.Errorf("InitialDelay = %v, want 1s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", cfg.MaxDelay)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.PollInterval)
	}

	got := BackoffConfig{MaxRetries: 3}.withDefaults()
	if got.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want explicit 3 kept", got.MaxRetries)
	}
	if got.Multiplier != 2.0 || got.ProbeTimeout != 10*time.Second {
		t.Errorf("zero fields not defaulted: %+v", got)
	}
}

func TestSupervisorConnects(t *testing.T) {
	t.Parallel()
	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	s, _ := start(t, Config{Events: bus})
	eventually(t, "ready", s.IsReady)

	if s.Client() == nil {
		t.Fatal("Client() = nil while ready")
	}
	st := s.Status()
	if st.Connects != 1 || st.ServerName != "pipe" || st.SessionID == "" {
		t.Errorf("Status = %+v", st)
	}

	select {
	case ev := <-sub:
		if ev.Kind != events.KindReady || ev.Source != events.SourceSupervisor {
			t.Errorf("event = %s/%s, want supervisor/ready", ev.Source, ev.Kind)
		}
	case <-time.After(time.Second):
		t.Error("no ready event")
	}
}

func TestSupervisorBackoffThenSuccess(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{}
	d.failures.Store(3)

	s, _ := start(t, Config{Dial: d.dial})
	t.Cleanup(d.cleanup)
	eventually(t, "ready", s.IsReady)

	if n := d.dials.Load(); n != 4 {
		t.Errorf("dials = %d, want 4", n)
	}
	if s.Status().LastError != "" {
		t.Errorf("LastError = %q after success", s.Status().LastError)
	}
}

func TestSupervisorReportsDialFailure(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{}
	d.failures.Store(1 << 30)

	s, _ := start(t, Config{Dial: d.dial})
	eventually(t, "retries", func() bool { return d.dials.Load() >= 3 })

	st := s.Status()
	if st.Ready || s.Client() != nil {
		t.Errorf("Status = %+v, want not ready", st)
	}
	if st.LastError != errRefused.Error() {
		t.Errorf("LastError = %q, want %q", st.LastError, errRefused)
	}
}

func TestSupervisorReconnectsAfterServerDeath(t *testing.T) {
	t.Parallel()
	bus := events.New()
	sub := bus.Subscribe(32)
	defer bus.Unsubscribe(sub)

	var downs atomic.Int32
	s, d := start(t, Config{Events: bus, OnDown: func(error) { downs.Add(1) }})
	eventually(t, "ready", s.IsReady)
	first := s.Client()

	d.killCurrent()

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("old client not closed after server death")
	}
	eventually(t, "reconnect", func() bool {
		c := s.Client()
		return c != nil && c != first && s.IsReady()
	})

	if got := s.Status().Connects; got != 2 {
		t.Errorf("Connects = %d, want 2", got)
	}
	if downs.Load() != 1 {
		t.Errorf("OnDown called %d times, want 1", downs.Load())
	}
	if _, err := first.Invoke(context.Background(), "echo", map[string]any{"text": "x"}); !errors.Is(err, mcp.ErrChannelClosed) {
		t.Errorf("old client Invoke err = %v, want ErrChannelClosed", err)
	}
	res, err := s.Client().Invoke(context.Background(), "echo", map[string]any{"text": "again"})
	if err != nil || res.Text() != "again" {
		t.Errorf("new client Invoke = %v, %v", res, err)
	}

	want := []string{events.KindReady, events.KindDown, events.KindReady}
	var kinds []string
	for len(kinds) < len(want) {
		select {
		case ev := <-sub:
			if ev.Source == events.SourceSupervisor {
				kinds = append(kinds, ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("supervisor events = %v, want %v", kinds, want)
		}
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestSupervisorOnReadyRunsBeforePublish(t *testing.T) {
	t.Parallel()
	var seen atomic.Pointer[mcp.Client]
	var published atomic.Bool
	var s *Supervisor
	var mu sync.Mutex

	mu.Lock()
	s, _ = start(t, Config{OnReady: func(ctx context.Context, c *mcp.Client) {
		mu.Lock()
		published.Store(s.Client() != nil)
		mu.Unlock()
		seen.Store(c)
	}})
	mu.Unlock()

	eventually(t, "ready", s.IsReady)
	if seen.Load() != s.Client() {
		t.Error("OnReady saw a different client")
	}
	if published.Load() {
		t.Error("client published before OnReady returned")
	}
}

func TestSupervisorStopClosesClient(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{}
	t.Cleanup(d.cleanup)
	s := Start(context.Background(), Config{Name: "pipe", Dial: d.dial, Backoff: testBackoff()})
	eventually(t, "ready", s.IsReady)
	c := s.Client()

	s.Stop()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client still open after Stop")
	}
	if s.Client() != nil || s.IsReady() {
		t.Error("supervisor still reports a client after Stop")
	}
}

func TestManager(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{}
	bad := &pipeDialer{}
	bad.failures.Store(1 << 30)
	t.Cleanup(d.cleanup)

	m := NewManager()
	defer m.Stop()

	ctx := context.Background()
	m.Watch(ctx, Config{Name: "zeta", Dial: d.dial, Backoff: testBackoff()})
	m.Watch(ctx, Config{Name: "alpha", Dial: d.dial, Backoff: testBackoff()})
	eventually(t, "all ready", m.Ready)

	m.Watch(ctx, Config{Name: "broken", Dial: bad.dial, Backoff: testBackoff()})
	if m.Ready() {
		t.Error("Ready() = true with a failing server")
	}

	st := m.Status()
	if len(st) != 3 || st[0].Name != "alpha" || st[1].Name != "broken" || st[2].Name != "zeta" {
		t.Errorf("Status order = %+v", st)
	}
	if m.Get("alpha") == nil || m.Get("missing") != nil {
		t.Error("Get lookup wrong")
	}

	// Replacing a watch stops the previous supervisor.
	old := m.Get("alpha")
	m.Watch(ctx, Config{Name: "alpha", Dial: d.dial, Backoff: testBackoff()})
	select {
	case <-old.done:
	case <-time.After(2 * time.Second):
		t.Error("replaced supervisor still running")
	}
}

func TestStartPanicsOnBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no name", Config{Dial: (&pipeDialer{}).dial}},
		{"no dial", Config{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			Start(context.Background(), tt.cfg)
		})
	}
}
