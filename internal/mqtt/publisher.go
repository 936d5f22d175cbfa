package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/toolwire/internal/config"
	"github.com/nugget/toolwire/internal/events"
)

// StatsSource provides gateway state for sensor publishing. The concrete
// adapter is wired in main.go.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// ServersReady returns how many configured servers are connected.
	ServersReady() (ready, total int)
}

// publisher is the subset of [autopaho.ConnectionManager] used here.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// eventBuffer is the bus subscription depth. Events beyond it are
// dropped by the bus rather than blocking sessions.
const eventBuffer = 256

// Publisher forwards bus events to the broker and keeps the discovery
// sensors current.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	bus        *events.Bus
	counter    *DailyInvocations
	stats      StatsSource
	logger     *slog.Logger

	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		bus:        bus,
		counter:    NewDailyInvocations(nil),
		stats:      stats,
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "toolwire-" + p.instanceID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.pub = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "toolwire/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.baseTopic() + "/events/" + kind
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) sensorDef {
	return sensorDef{
		entity: entity,
		config: SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	ready := p.sensor("servers_ready", "Servers Ready", "mdi:server-network")
	ready.config.StateClass = "measurement"

	calls := p.sensor("invocations_today", "Invocations Today", "mdi:counter")
	calls.config.StateClass = "total_increasing"
	calls.config.UnitOfMeasurement = "calls"

	failures := p.sensor("failures_today", "Failures Today", "mdi:alert-circle-outline")
	failures.config.StateClass = "total_increasing"
	failures.config.UnitOfMeasurement = "calls"

	return []sensorDef{uptime, version, ready, calls, failures}
}

func (p *Publisher) publishDiscovery(ctx context.Context, pub publisher) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic(s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Event forwarding and state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	sub := p.bus.Subscribe(eventBuffer)
	defer p.bus.Unsubscribe(sub)

	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			p.handleEvent(ctx, ev)
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// handleEvent counts invocations and forwards ev to its kind topic.
func (p *Publisher) handleEvent(ctx context.Context, ev events.Event) {
	if ev.Kind == events.KindInvocation {
		outcome, _ := ev.Data["outcome"].(string)
		p.counter.Observe(outcome)
	}
	if p.pub == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}
	if _, err := p.pub.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(ev.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", ev.Kind, "error", err)
	}
}

func (p *Publisher) states() map[string]string {
	calls, failures := p.counter.Snapshot()
	states := map[string]string{
		"invocations_today": strconv.FormatInt(calls, 10),
		"failures_today":    strconv.FormatInt(failures, 10),
	}
	if p.stats != nil {
		ready, _ := p.stats.ServersReady()
		states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		states["version"] = p.stats.Version()
		states["servers_ready"] = strconv.Itoa(ready)
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.pub == nil {
		return
	}
	states := p.states()
	for entity, value := range states {
		if _, err := p.pub.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
