package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/c360studio/otaagent/protocol"
)

// SessionConfig configures the paho-backed session.
type SessionConfig struct {
	// BrokerURL is tcp://host:port or tls://host:port.
	BrokerURL string
	// ClientID is the MQTT client identity (typically the device id).
	ClientID string
	// KeepAlive is the MQTT keep-alive interval in seconds.
	KeepAlive uint16
	// SessionExpirySeconds keeps broker session state across short drops.
	SessionExpirySeconds uint32
	// TLS, when non-nil, is used for tls:// brokers.
	TLS *tls.Config
	// ConnectTimeout bounds the dial plus CONNECT exchange.
	ConnectTimeout time.Duration
}

// Validate checks required fields.
func (c *SessionConfig) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("broker url is required")
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "tls", "ssl", "mqtts":
	default:
		return fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	return nil
}

// PahoSession is the paho.golang-backed Session. One PahoSession maps to
// one broker session; the channel owns reconnect policy.
type PahoSession struct {
	config SessionConfig
	logger *slog.Logger

	// onMessage receives inbound publishes on paho's network goroutine.
	onMessage func(*Message)
	// onLost is invoked when the broker session drops.
	onLost func(error)

	mu     sync.Mutex
	client *paho.Client
}

// NewPahoSession creates a session delivering inbound messages and
// connection-loss events to the given callbacks (normally the channel's
// OnMessage and OnConnectionLost).
func NewPahoSession(config SessionConfig, onMessage func(*Message), onLost func(error), logger *slog.Logger) (*PahoSession, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 60
	}
	return &PahoSession{
		config:    config,
		logger:    logger,
		onMessage: onMessage,
		onLost:    onLost,
	}, nil
}

// Rebind sets the inbound-message and connection-loss callbacks. Used
// when the channel wrapping this session is constructed after it. Must
// be called before Connect.
func (s *PahoSession) Rebind(onMessage func(*Message), onLost func(error)) {
	s.onMessage = onMessage
	s.onLost = onLost
}

// Connect implements Session.
func (s *PahoSession) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx)
	if err != nil {
		return err
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn: conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.deliver(pr.Packet)
				return true, nil
			},
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			s.lost(fmt.Errorf("server disconnect, reason %d", d.ReasonCode))
		},
		OnClientError: func(err error) {
			s.lost(err)
		},
	})

	connack, err := client.Connect(dialCtx, &paho.Connect{
		ClientID:   s.config.ClientID,
		KeepAlive:  s.config.KeepAlive,
		CleanStart: false,
		Properties: &paho.ConnectProperties{
			SessionExpiryInterval: &s.config.SessionExpirySeconds,
		},
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	if connack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("mqtt connect refused: reason %d", connack.ReasonCode)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

// Disconnect implements Session.
func (s *PahoSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

// Subscribe implements Session.
func (s *PahoSession) Subscribe(ctx context.Context, topic string, qos byte) error {
	client := s.current()
	if client == nil {
		return fmt.Errorf("subscribe %s: not connected", topic)
	}
	_, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})
	return err
}

// Publish implements Session, stamping the required pid/mt user
// properties and JSON content type.
func (s *PahoSession) Publish(ctx context.Context, req *PublishRequest) (uint16, error) {
	client := s.current()
	if client == nil {
		return 0, fmt.Errorf("not connected")
	}

	props := &paho.PublishProperties{
		ContentType:     protocol.ContentTypeJSON,
		CorrelationData: req.CorrelationData,
		User: paho.UserProperties{
			{Key: protocol.PropProtocolVersion, Value: protocol.ProtocolVersion},
			{Key: protocol.PropMessageType, Value: req.Type.String()},
		},
	}

	pub := &paho.Publish{
		Topic:      req.Topic,
		QoS:        req.QoS,
		Retain:     req.Retain,
		Payload:    req.Payload,
		Properties: props,
	}
	if _, err := client.Publish(ctx, pub); err != nil {
		return 0, err
	}
	return pub.PacketID, nil
}

func (s *PahoSession) dial(ctx context.Context) (net.Conn, error) {
	u, err := url.Parse(s.config.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	dialer := &net.Dialer{}
	switch u.Scheme {
	case "tcp":
		conn, err := dialer.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		return conn, nil
	case "tls", "ssl", "mqtts":
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.config.TLS}
		conn, err := tlsDialer.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
}

// deliver converts a paho publish into the channel message model.
func (s *PahoSession) deliver(p *paho.Publish) {
	msg := &Message{
		Topic:   p.Topic,
		Payload: p.Payload,
	}
	if p.Properties != nil {
		msg.ContentType = p.Properties.ContentType
		msg.CorrelationData = p.Properties.CorrelationData
		msg.Type = protocol.MessageType(p.Properties.User.Get(protocol.PropMessageType))
		msg.ProtocolVersion = p.Properties.User.Get(protocol.PropProtocolVersion)
	}
	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

func (s *PahoSession) lost(err error) {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	if s.onLost != nil {
		s.onLost(err)
	}
}

func (s *PahoSession) current() *paho.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}
