package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/otaagent/protocol"
)

// Session is the transport seam beneath the channel: a single MQTT v5
// client session. The paho-backed implementation lives in paho.go; tests
// substitute a fake.
type Session interface {
	// Connect establishes the broker session.
	Connect(ctx context.Context) error
	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error
	// Subscribe adds a topic subscription.
	Subscribe(ctx context.Context, topic string, qos byte) error
	// Publish sends one message and returns the broker message id.
	Publish(ctx context.Context, req *PublishRequest) (uint16, error)
}

// Handler consumes one inbound message.
type Handler func(msg *Message)

// Channel owns the MQTT session lifecycle and the subscription set. All
// callback fan-out happens on the agent loop via Drain; the MQTT
// library's network thread only ever appends to the inbound queue.
type Channel struct {
	session Session
	logger  *slog.Logger

	mu            sync.Mutex
	state         ConnectionState
	subscriptions map[string]subscription
	pending       []*PublishRequest
	inbound       []*Message
	inflight      map[uint16]*MessageInfo
}

type subscription struct {
	qos     byte
	handler Handler
}

// NewChannel wraps a session.
func NewChannel(session Session, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		session:       session,
		logger:        logger,
		state:         StateDisconnected,
		subscriptions: make(map[string]subscription),
		inflight:      make(map[uint16]*MessageInfo),
	}
}

// State returns the connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the session is up.
func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// Subscribe registers a handler for a topic. When the channel is
// connected the subscription is established immediately; either way it
// is re-established on every reconnect. Each topic carries exactly one
// handler.
func (c *Channel) Subscribe(ctx context.Context, topic string, qos byte, h Handler) error {
	c.mu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: h}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		if err := c.session.Subscribe(ctx, topic, qos); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Connect performs one connect attempt: establish the session,
// re-establish every registered subscription, then release any queued
// publishes. Subscriptions always precede queued publishes so responses
// cannot outrun their listeners.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.session.Connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	topics := make(map[string]byte, len(c.subscriptions))
	for t, s := range c.subscriptions {
		topics[t] = s.qos
	}
	c.mu.Unlock()

	for topic, qos := range topics {
		if err := c.session.Subscribe(ctx, topic, qos); err != nil {
			_ = c.session.Disconnect(ctx)
			c.setState(StateDisconnected)
			return fmt.Errorf("restore subscription %s: %w", topic, err)
		}
	}

	c.setState(StateConnected)
	c.logger.Info("MQTT channel connected", "subscriptions", len(topics))

	c.releasePending(ctx)
	return nil
}

// Disconnect tears the session down.
func (c *Channel) Disconnect(ctx context.Context) error {
	err := c.session.Disconnect(ctx)
	c.setState(StateDisconnected)
	return err
}

// OnConnectionLost is invoked by the session when the broker connection
// drops.
func (c *Channel) OnConnectionLost(err error) {
	c.setState(StateDisconnected)
	c.logger.Warn("MQTT connection lost", "error", err)
}

// Publish sends one message, stamping the required user properties. The
// policy decides the disconnected behavior. Returns the message info
// record for correlation bookkeeping.
func (c *Channel) Publish(ctx context.Context, req *PublishRequest, policy PublishPolicy) (*MessageInfo, error) {
	c.mu.Lock()
	connected := c.state == StateConnected
	if !connected {
		if policy == QueueWhileDisconnected {
			c.pending = append(c.pending, req)
			c.mu.Unlock()
			return nil, nil
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("publish %s: channel disconnected", req.Type)
	}
	c.mu.Unlock()

	return c.publishNow(ctx, req)
}

func (c *Channel) publishNow(ctx context.Context, req *PublishRequest) (*MessageInfo, error) {
	id, err := c.session.Publish(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", req.Type, err)
	}
	info := &MessageInfo{
		CorrelationData: req.CorrelationData,
		SentTime:        time.Now(),
		MessageID:       id,
		QoS:             req.QoS,
	}
	c.mu.Lock()
	c.inflight[id] = info
	c.mu.Unlock()
	return info, nil
}

// releasePending flushes publishes deferred while disconnected.
func (c *Channel) releasePending(ctx context.Context) {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, req := range queued {
		if _, err := c.publishNow(ctx, req); err != nil {
			c.logger.Warn("Deferred publish failed", "type", req.Type, "error", err)
		}
	}
}

// OnMessage is invoked by the session's network thread for every inbound
// message. It only appends to the queue; fan-out happens on Drain.
func (c *Channel) OnMessage(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound = append(c.inbound, msg)
}

// Drain dispatches up to max queued messages to their topic handlers on
// the caller's goroutine. Per-topic order is broker order. Returns the
// number dispatched.
func (c *Channel) Drain(max int) int {
	c.mu.Lock()
	n := len(c.inbound)
	if max > 0 && n > max {
		n = max
	}
	batch := c.inbound[:n]
	c.inbound = c.inbound[n:]
	handlers := make([]Handler, n)
	for i, msg := range batch {
		if sub, ok := c.subscriptions[msg.Topic]; ok {
			handlers[i] = sub.handler
		}
	}
	c.mu.Unlock()

	dispatched := 0
	for i, msg := range batch {
		if handlers[i] == nil {
			c.logger.Debug("Dropping message for unsubscribed topic", "topic", msg.Topic)
			continue
		}
		if !validEnvelope(msg) {
			c.logger.Warn("Dropping message with invalid envelope",
				"topic", msg.Topic,
				"type", msg.Type,
				"pid", msg.ProtocolVersion)
			continue
		}
		handlers[i](msg)
		dispatched++
	}
	return dispatched
}

// validEnvelope checks the required user properties. Protocol-version
// mismatches are not dropped here: operations must observe them to fail
// without retry.
func validEnvelope(msg *Message) bool {
	if msg.Type == "" || !msg.Type.IsValid() {
		return false
	}
	if msg.ProtocolVersion == "" {
		return false
	}
	if msg.ContentType != "" && msg.ContentType != protocol.ContentTypeJSON {
		return false
	}
	return true
}

func (c *Channel) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
