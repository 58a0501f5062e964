package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Commander is the engine control surface reachable from HA buttons.
// Satisfied by *engine.Engine.
type Commander interface {
	Start(ctx context.Context) error
	Stop()
	Pause() error
	Resume() error
	WakeFromRest() bool
}

// Command payloads accepted on the command topic.
const (
	CommandStart  = "start"
	CommandStop   = "stop"
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandWake   = "wake"
)

// commandRateLimit bounds inbound commands per minute.
const commandRateLimit = 30

type buttonDef struct {
	command string
	name    string
	icon    string
}

var buttons = []buttonDef{
	{CommandStart, "Start", "mdi:play"},
	{CommandStop, "Stop", "mdi:stop"},
	{CommandPause, "Pause", "mdi:pause"},
	{CommandResume, "Resume", "mdi:play-pause"},
	{CommandWake, "Wake", "mdi:alarm"},
}

func (p *Publisher) buttonDefinitions() []ButtonConfig {
	defs := make([]ButtonConfig, 0, len(buttons))
	for _, b := range buttons {
		entity := "engine_" + b.command
		defs = append(defs, ButtonConfig{
			Name:              b.name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			CommandTopic:      p.commandTopic(),
			PayloadPress:      b.command,
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              b.icon,
		})
	}
	return defs
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.commands == nil {
		return
	}
	topic := p.commandTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt command topic subscribed", "topic", topic)
}

// handleMessage dispatches an inbound publish. Only the command topic
// is acted on; anything else is logged and ignored.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.commandTopic() || p.commands == nil {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if !p.limiter.allow() {
		return
	}

	cmd := strings.ToLower(strings.TrimSpace(string(payload)))
	log := p.logger.With("command", cmd)

	var err error
	switch cmd {
	case CommandStart:
		err = p.commands.Start(ctx)
	case CommandStop:
		p.commands.Stop()
	case CommandPause:
		err = p.commands.Pause()
	case CommandResume:
		err = p.commands.Resume()
	case CommandWake:
		log = log.With("woken", p.commands.WakeFromRest())
	default:
		log.Warn("mqtt unknown command")
		return
	}
	if err != nil {
		log.Warn("mqtt command failed", "error", err)
		return
	}
	log.Info("mqtt command applied")
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
