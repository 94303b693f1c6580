// Package bus wraps an MQTT v5 client (github.com/eclipse/paho.golang) with
// connection lifecycle management, automatic resubscription, and
// pattern-based topic dispatch, following the session-client design of the
// MQTT SDK this bridge is built on.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/apicov/esp-mcp-bridge/internal/errs"
)

// State is the bus connection state machine.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler processes a decoded message received on a topic matching the
// pattern it was registered under.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Config configures a Bus.
type Config struct {
	Hostname string
	Port     int
	Username string
	Password string
	TLS      *tls.Config // nil disables TLS
	ClientID string

	Logger *slog.Logger
}

type registration struct {
	pattern string
	handler Handler
}

// Bus is a single MQTT connection with automatic reconnect, pattern-based
// dispatch, and QoS-aware publish.
type Bus struct {
	cfg Config

	state       atomic.Int32
	client      atomic.Pointer[paho.Client]
	stopMaintain context.CancelFunc

	patternsMu sync.RWMutex
	patterns   []registration

	droppedUnmatched atomic.Uint64
	droppedInvalid   atomic.Uint64

	logger *slog.Logger
}

// New constructs a Bus. Call Connect to establish the connection and start
// the reconnect-maintenance loop.
func New(cfg Config) *Bus {
	if cfg.ClientID == "" {
		cfg.ClientID = "bridge-" + uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{cfg: cfg, logger: logger}
}

// State returns the current connection state.
func (b *Bus) State() State { return State(b.state.Load()) }

// Handle registers handler for every topic matching pattern. Patterns are
// matched in registration order; the first match wins. A pattern registered
// while connected is subscribed immediately; all subscriptions are
// (re)issued against the broker on every successful (re)connect.
func (b *Bus) Handle(pattern string, handler Handler) {
	b.patternsMu.Lock()
	b.patterns = append(b.patterns, registration{pattern, handler})
	b.patternsMu.Unlock()

	if client := b.client.Load(); client != nil && b.State() == Connected {
		if _, err := client.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: pattern, QoS: 1}},
		}); err != nil {
			b.logger.Error("bus: subscribe failed", "pattern", pattern, "error", err)
		}
	}
}

// Connect dials the broker, performs the initial MQTT CONNECT, subscribes
// to every registered pattern, and starts the background reconnect loop.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.connectOnce(ctx); err != nil {
		return err
	}

	maintainCtx, cancel := context.WithCancel(context.Background())
	b.stopMaintain = cancel
	go b.maintain(maintainCtx)
	return nil
}

// Disconnect stops the reconnect loop and closes the current connection, if
// any. No outbound messages are published during shutdown.
func (b *Bus) Disconnect() error {
	if b.stopMaintain != nil {
		b.stopMaintain()
	}
	b.state.Store(int32(Disconnected))
	if c := b.client.Load(); c != nil {
		return c.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
	return nil
}

func (b *Bus) dial(ctx context.Context) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", b.cfg.Hostname, b.cfg.Port)
	if b.cfg.TLS != nil {
		d := tls.Dialer{Config: b.cfg.TLS}
		return d.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (b *Bus) connectOnce(ctx context.Context) error {
	b.state.Store(int32(Connecting))

	conn, err := b.dial(ctx)
	if err != nil {
		b.state.Store(int32(Disconnected))
		return errs.Wrap(errs.TransientBus, "bus: dial broker", err)
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn:       conn,
		ClientID:   b.cfg.ClientID,
		OnServerDisconnect: func(*paho.Disconnect) {
			b.state.Store(int32(Disconnected))
		},
		OnClientError: func(error) {
			b.state.Store(int32(Disconnected))
		},
	})
	client.AddOnPublishReceived(b.onPublishReceived)

	connPacket := &paho.Connect{
		ClientID:   b.cfg.ClientID,
		CleanStart: true,
		KeepAlive:  60,
	}
	if b.cfg.Username != "" {
		connPacket.Username = b.cfg.Username
		connPacket.UsernameFlag = true
	}
	if b.cfg.Password != "" {
		connPacket.Password = []byte(b.cfg.Password)
		connPacket.PasswordFlag = true
	}

	ack, err := client.Connect(ctx, connPacket)
	if err != nil {
		b.state.Store(int32(Disconnected))
		return errs.Wrap(errs.TransientBus, "bus: connect", err)
	}
	if ack.ReasonCode != 0 {
		b.state.Store(int32(Disconnected))
		return errs.New(errs.TransientBus, fmt.Sprintf("bus: connect refused, reason=%d", ack.ReasonCode))
	}

	b.client.Store(client)
	b.state.Store(int32(Connected))
	b.logger.Info("bus connected", "broker", b.cfg.Hostname, "port", b.cfg.Port)

	return b.resubscribeAll(ctx)
}

// resubscribeAll re-issues a SUBSCRIBE for every registered pattern. Called
// on every (re)connect so subscriptions survive disconnects.
func (b *Bus) resubscribeAll(ctx context.Context) error {
	client := b.client.Load()
	if client == nil {
		return errs.New(errs.TransientBus, "bus: not connected")
	}

	b.patternsMu.RLock()
	patterns := make([]string, len(b.patterns))
	for i, r := range b.patterns {
		patterns[i] = r.pattern
	}
	b.patternsMu.RUnlock()

	for _, p := range patterns {
		if _, err := client.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: p, QoS: 1}},
		}); err != nil {
			return errs.Wrap(errs.TransientBus, fmt.Sprintf("bus: subscribe %s", p), err)
		}
	}
	return nil
}

// maintain runs the reconnect loop with exponential backoff until ctx is
// cancelled by Disconnect. It only runs while the connection is down; once
// connectOnce succeeds it waits for the client to report disconnection
// again (surfaced via the state machine by OnServerDisconnect/OnClientError)
// before resuming retries.
func (b *Bus) maintain(ctx context.Context) {
	bo := backoff{}
	var attempt uint64

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.State() == Connected {
				attempt = 0
				continue
			}
			attempt++
			b.logger.Warn("bus reconnecting", "attempt", attempt)
			if err := b.connectOnce(ctx); err != nil {
				b.logger.Error("bus reconnect failed", "attempt", attempt, "error", err)
				wait := bo.next(attempt)
				if err := sleep(ctx, wait); err != nil {
					return
				}
				continue
			}
			attempt = 0
		}
	}
}

// onPublishReceived is the paho callback invoked for every inbound PUBLISH.
// It decodes nothing itself; it matches the topic against the registered
// pattern table (first match wins) and hands the raw payload to the
// matching handler. Unmatched topics are counted and dropped.
func (b *Bus) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	topic := pr.Packet.Topic
	payload := pr.Packet.Payload

	b.patternsMu.RLock()
	patterns := append([]registration(nil), b.patterns...)
	b.patternsMu.RUnlock()

	for _, r := range patterns {
		if topicFilterMatch(r.pattern, topic) {
			ctx := context.Background()
			if err := r.handler(ctx, topic, payload); err != nil {
				b.logger.Error("handler error", "topic", topic, "error", err)
			}
			return true, nil
		}
	}

	b.droppedUnmatched.Add(1)
	b.logger.Warn("dropped unmatched topic", "topic", topic)
	return false, nil
}

// QoS policy: sensor telemetry is best-effort (0), everything else
// (commands, status, error, capabilities) is at-least-once (1). Status and
// capabilities are retained so a late-subscribing tool call sees the last
// known value.
func QoSFor(topic string) (qos byte, retain bool) {
	switch {
	case matchesSensorData(topic):
		return 0, false
	case matchesStatus(topic) || matchesCapabilities(topic):
		return 1, true
	default:
		return 1, false
	}
}

func matchesSensorData(topic string) bool {
	return topicFilterMatch("devices/+/sensors/+/data", topic)
}

func matchesStatus(topic string) bool {
	return topicFilterMatch("devices/+/status", topic)
}

func matchesCapabilities(topic string) bool {
	return topicFilterMatch("devices/+/capabilities", topic)
}

// Publish serializes payload as JSON and publishes it to topic. Fails with
// a TransientBus error when the bus is not currently connected; there is no
// in-process queueing of outbound publishes.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, qos byte, retain bool) error {
	if b.State() != Connected {
		return errs.New(errs.TransientBus, "bus-not-ready")
	}
	client := b.client.Load()
	if client == nil {
		return errs.New(errs.TransientBus, "bus-not-ready")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.InvalidPayload, "bus: marshal publish payload", err)
	}

	_, err = client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: data,
		QoS:     qos,
		Retain:  retain,
	})
	if err != nil {
		return errs.Wrap(errs.TransientBus, fmt.Sprintf("bus: publish %s", topic), err)
	}
	return nil
}

// DroppedUnmatched returns the count of inbound messages whose topic
// matched no registered pattern.
func (b *Bus) DroppedUnmatched() uint64 { return b.droppedUnmatched.Load() }

// DroppedInvalid returns the count of inbound messages that handlers
// reported as dropped through MarkInvalid (the Router reports decode and
// schema failures and messages dropped because its queue was full).
func (b *Bus) DroppedInvalid() uint64 { return b.droppedInvalid.Load() }

// MarkInvalid increments the invalid-payload drop counter; called by
// handlers when they drop a message.
func (b *Bus) MarkInvalid() { b.droppedInvalid.Add(1) }
