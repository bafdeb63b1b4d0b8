// Package mqtt maintains the agent's MQTT v5 session: connection
// lifecycle, the subscription set re-established on every reconnect, the
// publish surface with required user properties and correlation data,
// and the in-process inbound queue drained by the agent loop.
package mqtt

import (
	"time"

	"github.com/c360studio/otaagent/protocol"
)

// Message is one inbound service message after property extraction.
type Message struct {
	Topic           string
	Type            protocol.MessageType
	ProtocolVersion string
	ContentType     string
	CorrelationData []byte
	Payload         []byte
}

// MessageInfo is the bookkeeping record kept for every outbound request:
// correlation data, send time, the broker-assigned message id, qos, and
// the eventual completion code.
type MessageInfo struct {
	CorrelationData []byte
	SentTime        time.Time
	MessageID       uint16
	QoS             byte
	Code            int
}

// PublishRequest describes one outbound message.
type PublishRequest struct {
	Topic           string
	Type            protocol.MessageType
	Payload         []byte
	QoS             byte
	Retain          bool
	CorrelationData []byte
}

// PublishPolicy selects what happens to a publish attempted while the
// channel is disconnected. The policy is per-operation.
type PublishPolicy int

const (
	// FailFast rejects the publish immediately so the operation's retry
	// machinery owns the backoff.
	FailFast PublishPolicy = iota
	// QueueWhileDisconnected defers the publish until the next connect,
	// after subscriptions are re-established.
	QueueWhileDisconnected
)

// ConnectionState is the channel's lifecycle state.
type ConnectionState string

const (
	// StateDisconnected means no broker session exists.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting means a connect attempt is in flight.
	StateConnecting ConnectionState = "connecting"
	// StateConnected means the session is up and subscriptions are live.
	StateConnected ConnectionState = "connected"
)
