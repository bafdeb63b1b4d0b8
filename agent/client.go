package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/otaagent/metrics"
	"github.com/c360studio/otaagent/mqtt"
	"github.com/c360studio/otaagent/protocol"
)

// Client bundles the cloud-facing operations sharing one MQTT channel:
// connection, enrollment, agent-info and update request/result. The loop
// drives them in that priority order; the root-key refresh is held by the
// loop, not the client, and runs after them.
type Client struct {
	channel  *mqtt.Channel
	logger   *slog.Logger
	deviceID string
	instance string

	agentTopic   string
	serviceTopic string

	metrics *metrics.Metrics

	Connection *ConnectionOp
	Enrollment *EnrollmentOp
	AgentInfo  *AgentInfoOp
	Updates    *UpdateOp
}

// NewClient wires the operations onto the channel and registers the
// service-topic subscription that fans messages out to them.
func NewClient(channel *mqtt.Channel, deviceID, instance string, compat map[string]string, retry RetryParams, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		channel:      channel,
		logger:       logger,
		deviceID:     deviceID,
		instance:     instance,
		agentTopic:   protocol.AgentTopic(deviceID, instance),
		serviceTopic: protocol.ServiceTopic(deviceID, instance),
	}
	c.Connection = NewConnectionOp(channel, retry, logger)
	c.Enrollment = NewEnrollmentOp(c, retry, logger)
	c.AgentInfo = NewAgentInfoOp(c, compat, retry, logger)
	c.Updates = NewUpdateOp(c, retry, logger)
	return c
}

// SetMetrics wires the client's instruments. Optional.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
	for _, op := range []*Operation{c.Connection.op, c.Enrollment.op, c.AgentInfo.op, c.Updates.requestOp, c.Updates.resultOp} {
		op := op
		op.AddRetryObserver(func(int, time.Duration) {
			m.OperationRetries.WithLabelValues(op.Name()).Inc()
		})
	}
}

// Start registers the service-topic subscription. Must run before the
// first connect so the subscription is established ahead of any publish.
func (c *Client) Start(ctx context.Context) error {
	return c.channel.Subscribe(ctx, c.serviceTopic, 1, c.dispatch)
}

// dispatch routes one inbound service message to its operation. Runs on
// the agent loop via the channel's drain.
func (c *Client) dispatch(msg *mqtt.Message) {
	now := time.Now()
	if c.metrics != nil {
		c.metrics.MessagesReceived.WithLabelValues(msg.Type.String()).Inc()
	}
	switch msg.Type {
	case protocol.TypeEnrollmentResponse:
		c.Enrollment.handleResponse(now, msg)
	case protocol.TypeEnrollmentChange:
		c.Enrollment.handleChange(now, msg)
	case protocol.TypeAgentInfoResponse:
		c.AgentInfo.handleResponse(now, msg)
	case protocol.TypeUpdateChange:
		c.Updates.handleChange(now, msg)
	case protocol.TypeUpdateResponse:
		c.Updates.handleResponse(now, msg)
	case protocol.TypeUpdateResultResponse:
		c.Updates.handleResultResponse(now, msg)
	case protocol.TypeUpdateResultAck:
		c.Updates.handleResultAck(now, msg)
	default:
		c.logger.Debug("Ignoring unexpected message type", "type", msg.Type)
	}
}

// publish sends one request on the agent topic with the given
// correlation id. Operations fail fast while disconnected; their retry
// machinery owns the backoff.
func (c *Client) publish(msgType protocol.MessageType, correlationID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	_, err = c.channel.Publish(context.Background(), &mqtt.PublishRequest{
		Topic:           c.agentTopic,
		Type:            msgType,
		Payload:         body,
		QoS:             1,
		CorrelationData: []byte(correlationID),
	}, mqtt.FailFast)
	if err == nil && c.metrics != nil {
		c.metrics.MessagesPublished.WithLabelValues(msgType.String()).Inc()
	}
	return err
}

// matchesAttempt checks correlation data byte-for-byte against the
// operation's current attempt.
func matchesAttempt(op *Operation, msg *mqtt.Message) bool {
	return op.CorrelationID() != "" && bytes.Equal(msg.CorrelationData, []byte(op.CorrelationID()))
}

// checkProtocolVersion returns false when the response's pid does not
// match ours; the caller must fail its operation without retry.
func checkProtocolVersion(msg *mqtt.Message) bool {
	return msg.ProtocolVersion == protocol.ProtocolVersion
}

// onAgentNotEnrolled cascades an AGENT_NOT_ENROLLED verdict from any
// operation back to enrollment.
func (c *Client) onAgentNotEnrolled(now time.Time) {
	c.logger.Warn("Service reports agent not enrolled; re-enrolling")
	c.AgentInfo.reset()
	c.Updates.reset()
	c.Enrollment.reset(now)
}
