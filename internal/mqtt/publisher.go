package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/kaizen/internal/buildinfo"
	"github.com/nugget/kaizen/internal/config"
	"github.com/nugget/kaizen/internal/engine"
	"github.com/nugget/kaizen/internal/events"
)

// StatusSource provides the engine snapshot published as sensor
// states. Satisfied by *engine.Engine.
type StatusSource interface {
	Status() engine.Status
}

// maxStateLen is the longest state value HA accepts.
const maxStateLen = 255

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a loop that pushes sensor state
// updates to the broker on a timer and whenever the engine changes
// state or finishes a cycle.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	status     StatusSource
	bus        *events.Bus
	commands   Commander
	limiter    *messageRateLimiter
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. bus may be nil, in which
// case states are only published on the timer.
func New(cfg config.MQTTConfig, instanceID string, status StatusSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		status:     status,
		bus:        bus,
		limiter:    newMessageRateLimiter(commandRateLimit, time.Minute, logger),
		logger:     logger,
	}
}

// SetCommander enables the HA control buttons. Must be called before
// [Publisher.Start].
func (p *Publisher) SetCommander(c Commander) {
	p.commands = c
}

// Device returns the HA device block shared by every entity.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker and begins the publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes
// discovery configs and a birth message.
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
			p.subscribeCommands(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "kaizen-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	go p.limiter.start(ctx)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "kaizen/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/command"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	state := p.sensor("state", "State", "mdi:state-machine")

	cycles := p.sensor("cycle_count", "Cycle Count", "mdi:counter")
	cycles.StateClass = "total_increasing"
	cycles.UnitOfMeasurement = "cycles"

	epsilon := p.sensor("epsilon", "Exploration Rate", "mdi:dice-multiple")
	epsilon.StateClass = "measurement"

	reward := p.sensor("last_reward", "Last Reward", "mdi:trophy-outline")
	reward.StateClass = "measurement"

	action := p.sensor("last_action", "Last Action", "mdi:hammer-wrench")
	action.JsonAttributesTopic = p.attributesTopic("last_action")

	next := p.sensor("next_task", "Next Task", "mdi:clipboard-arrow-right")

	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	return []sensorDef{
		{"state", state},
		{"cycle_count", cycles},
		{"epsilon", epsilon},
		{"last_reward", reward},
		{"last_action", action},
		{"next_task", next},
		{"uptime", uptime},
		{"version", version},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		p.publishConfig(ctx, cm, "sensor", s.entitySuffix, s.config)
	}
	if p.commands == nil {
		return
	}
	for _, b := range p.buttonDefinitions() {
		p.publishConfig(ctx, cm, "button", b.ObjectID, b)
	}
}

func (p *Publisher) publishConfig(ctx context.Context, cm *autopaho.ConnectionManager, component, entity string, cfg any) {
	topic := p.discoveryTopic(component, entity)
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload",
			"entity", entity, "error", err)
		return
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed",
			"entity", entity, "topic", topic, "error", err)
	} else {
		p.logger.Debug("mqtt discovery published",
			"entity", entity, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State loop ---

// triggersPublish reports whether an event changes any published
// sensor.
func triggersPublish(ev events.Event) bool {
	switch ev.Kind {
	case events.KindStateChange, events.KindCycleComplete, events.KindNudge:
		return true
	}
	return false
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var feed <-chan events.Event
	if p.bus != nil {
		feed = p.bus.Subscribe(16)
		defer p.bus.Unsubscribe(feed)
	}

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case ev, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			if triggersPublish(ev) {
				p.publishStates(ctx)
			}
		}
	}
}

// stateValues renders an engine snapshot as sensor state strings.
func stateValues(st engine.Status) map[string]string {
	states := map[string]string{
		"state":       string(st.State),
		"cycle_count": strconv.Itoa(st.CycleCount),
		"epsilon":     strconv.FormatFloat(st.Epsilon, 'f', 4, 64),
		"last_reward": strconv.FormatFloat(st.LastReward, 'f', 3, 64),
		"last_action": "none",
		"next_task":   "none",
		"uptime":      buildinfo.Uptime().Truncate(time.Second).String(),
		"version":     buildinfo.Version,
	}
	if st.LastCycle != nil && st.LastCycle.Action != "" {
		states["last_action"] = st.LastCycle.Action
	}
	if st.NextHandoff != nil && st.NextHandoff.NextTask != "" {
		states["next_task"] = truncate(st.NextHandoff.NextTask, maxStateLen)
	}
	return states
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil || p.status == nil {
		return
	}

	st := p.status.Status()
	states := stateValues(st)

	for entity, value := range states {
		p.publishRetained(ctx, cm, p.stateTopic(entity), []byte(value), entity)
	}

	if st.LastCycle != nil {
		attrs, err := json.Marshal(st.LastCycle)
		if err == nil {
			p.publishRetained(ctx, cm, p.attributesTopic("last_action"), attrs, "last_action")
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states), "state", st.State)
}

func (p *Publisher) publishRetained(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, entity string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed",
			"entity", entity, "error", err)
	}
}
