package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/toolwire/internal/config"
	"github.com/nugget/toolwire/internal/events"
	"github.com/nugget/toolwire/internal/mcp"
)

// fakePublisher records every publish.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, f.err
}

func (f *fakePublisher) byTopic() map[string]*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*paho.Publish, len(f.msgs))
	for _, m := range f.msgs {
		out[m.Topic] = m
	}
	return out
}

type fakeStats struct{}

func (fakeStats) Uptime() time.Duration            { return 90*time.Second + 300*time.Millisecond }
func (fakeStats) Version() string                  { return "1.2.3" }
func (fakeStats) ServersReady() (ready, total int) { return 2, 3 }

func testPublisher(t *testing.T) (*Publisher, *fakePublisher) {
	t.Helper()
	cfg := config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "lab",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
	p := New(cfg, "instance-123", events.New(), fakeStats{}, nil)
	fake := &fakePublisher{}
	p.pub = fake
	return p, fake
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p, _ := testPublisher(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "toolwire/lab/availability"},
		{"event", p.eventTopic(events.KindInvocation), "toolwire/lab/events/invocation"},
		{"state", p.stateTopic("uptime"), "toolwire/lab/uptime/state"},
		{"discovery", p.discoveryTopic("uptime"), "homeassistant/sensor/lab/uptime/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	p, fake := testPublisher(t)

	want := []string{"uptime", "version", "servers_ready", "invocations_today", "failures_today"}
	defs := p.sensorDefinitions()
	if len(defs) != len(want) {
		t.Fatalf("got %d sensors, want %d", len(defs), len(want))
	}
	for i, d := range defs {
		if d.entity != want[i] {
			t.Errorf("sensor[%d] = %q, want %q", i, d.entity, want[i])
		}
		if d.config.ObjectID != d.entity || !d.config.HasEntityName {
			t.Errorf("sensor %s: ObjectID=%q HasEntityName=%v", d.entity, d.config.ObjectID, d.config.HasEntityName)
		}
		if d.config.UniqueID != "instance-123_"+d.entity {
			t.Errorf("sensor %s: UniqueID = %q", d.entity, d.config.UniqueID)
		}
		if strings.Contains(d.config.Name, "lab") {
			t.Errorf("sensor %s: Name %q repeats the device name", d.entity, d.config.Name)
		}
		if d.config.AvailabilityTopic != "toolwire/lab/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.entity, d.config.AvailabilityTopic)
		}
	}

	p.publishDiscovery(context.Background(), fake)
	msgs := fake.byTopic()
	msg := msgs["homeassistant/sensor/lab/servers_ready/config"]
	if msg == nil || !msg.Retain || msg.QoS != 1 {
		t.Fatalf("servers_ready discovery = %+v", msg)
	}
	var sc SensorConfig
	if err := json.Unmarshal(msg.Payload, &sc); err != nil {
		t.Fatalf("discovery payload: %v", err)
	}
	if sc.Device.Identifiers[0] != "instance-123" || sc.Device.Name != "lab" {
		t.Errorf("device = %+v", sc.Device)
	}
}

func TestPublisher_HandleEvent(t *testing.T) {
	p, fake := testPublisher(t)
	ctx := context.Background()

	p.handleEvent(ctx, events.Event{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:    events.SourceClient,
		Kind:      events.KindInvocation,
		Data:      map[string]any{"server": "docs", "tool": "search", "outcome": mcp.OutcomeOK},
	})
	p.handleEvent(ctx, events.Event{
		Source: events.SourceClient,
		Kind:   events.KindInvocation,
		Data:   map[string]any{"server": "docs", "tool": "search", "outcome": mcp.OutcomeTimeout},
	})
	p.handleEvent(ctx, events.Event{
		Source: events.SourceSupervisor,
		Kind:   events.KindDown,
		Data:   map[string]any{"server": "docs"},
	})

	calls, failures := p.counter.Snapshot()
	if calls != 2 || failures != 1 {
		t.Errorf("counter = %d calls %d failures, want 2 and 1", calls, failures)
	}

	if n := len(fake.msgs); n != 3 {
		t.Fatalf("published %d messages, want 3", n)
	}
	first := fake.msgs[0]
	if first.Topic != "toolwire/lab/events/invocation" || first.Retain {
		t.Errorf("event message = topic %q retain %v", first.Topic, first.Retain)
	}
	var got events.Event
	if err := json.Unmarshal(first.Payload, &got); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if got.Kind != events.KindInvocation || got.Data["tool"] != "search" {
		t.Errorf("decoded event = %+v", got)
	}
	if fake.msgs[2].Topic != "toolwire/lab/events/down" {
		t.Errorf("down event topic = %q", fake.msgs[2].Topic)
	}
}

func TestPublisher_HandleEventPublishError(t *testing.T) {
	p, fake := testPublisher(t)
	fake.err = errors.New("not connected")

	// Publish failures are logged, never fatal, and counting still happens.
	p.handleEvent(context.Background(), events.Event{Kind: events.KindInvocation, Data: map[string]any{"outcome": mcp.OutcomeOK}})
	if calls, _ := p.counter.Snapshot(); calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPublisher_PublishStates(t *testing.T) {
	p, fake := testPublisher(t)
	p.counter.Observe(mcp.OutcomeOK)
	p.counter.Observe(mcp.OutcomeRemote)

	p.publishStates(context.Background())

	want := map[string]string{
		"toolwire/lab/uptime/state":            "1m30s",
		"toolwire/lab/version/state":           "1.2.3",
		"toolwire/lab/servers_ready/state":     "2",
		"toolwire/lab/invocations_today/state": "2",
		"toolwire/lab/failures_today/state":    "1",
	}
	msgs := fake.byTopic()
	for topic, value := range want {
		msg := msgs[topic]
		if msg == nil {
			t.Errorf("no publish to %s", topic)
			continue
		}
		if string(msg.Payload) != value {
			t.Errorf("%s = %q, want %q", topic, msg.Payload, value)
		}
	}
}

func TestPublisher_NotStarted(t *testing.T) {
	p := New(config.MQTTConfig{DeviceName: "lab"}, "id", events.New(), nil, nil)
	p.publishStates(context.Background())
	p.handleEvent(context.Background(), events.Event{Kind: events.KindReady})
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
	if got := p.states(); len(got) != 2 {
		t.Errorf("states without stats = %v, want counters only", got)
	}
}

func TestDailyInvocations(t *testing.T) {
	d := NewDailyInvocations(time.UTC)
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.resetDay = now.YearDay()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := mcp.OutcomeOK
			if i%4 == 0 {
				outcome = mcp.OutcomeRemote
			}
			d.Observe(outcome)
		}()
	}
	wg.Wait()

	calls, failures := d.Snapshot()
	if calls != 100 || failures != 25 {
		t.Errorf("got %d calls %d failures, want 100 and 25", calls, failures)
	}

	// Midnight rollover.
	now = now.Add(2 * time.Minute)
	if calls, failures := d.Snapshot(); calls != 0 || failures != 0 {
		t.Errorf("after midnight got %d/%d, want 0/0", calls, failures)
	}
}
