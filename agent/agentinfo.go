package agent

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360studio/otaagent/mqtt"
	"github.com/c360studio/otaagent/protocol"
)

// AgentInfoOp publishes the device's identity and capability properties
// once enrolled, and republishes whenever the advertised properties
// change. Update operations are gated on its confirmation.
type AgentInfoOp struct {
	client *Client
	logger *slog.Logger
	op     *Operation

	compat    map[string]string
	sequence  int64
	confirmed bool
}

// NewAgentInfoOp creates the agent-info operation.
func NewAgentInfoOp(client *Client, compat map[string]string, retry RetryParams, logger *slog.Logger) *AgentInfoOp {
	a := &AgentInfoOp{
		client: client,
		logger: logger,
		compat: compat,
	}
	a.op = NewOperation("agent-info", retry, func(correlationID string) error {
		a.sequence++
		return client.publish(protocol.TypeAgentInfoRequest, correlationID, &protocol.AgentInfoRequest{
			SequenceNumber: a.sequence,
			Compatibility:  a.compat,
		})
	}, Hooks{}, logger)
	return a
}

// IsConfirmed reports whether the service acknowledged the current
// properties.
func (a *AgentInfoOp) IsConfirmed() bool { return a.confirmed }

// DoWork advances the exchange. Only runs once enrolled; arms itself
// when the properties are unconfirmed.
func (a *AgentInfoOp) DoWork(now time.Time) OperationState {
	if !a.client.Enrollment.IsEnrolled() {
		return a.op.State()
	}
	if !a.confirmed && a.op.State() != OpInProgress {
		a.op.Arm(now)
	}
	return a.op.DoWork(now)
}

// SetProperties replaces the advertised properties and re-arms the
// exchange so the service sees the change.
func (a *AgentInfoOp) SetProperties(now time.Time, compat map[string]string) {
	a.compat = compat
	a.confirmed = false
	if a.client.Enrollment.IsEnrolled() {
		a.op.Arm(now)
	}
}

// reset clears confirmation, e.g. when enrollment is lost.
func (a *AgentInfoOp) reset() {
	a.confirmed = false
	a.op.Cancel()
}

// handleResponse consumes an ainfo_resp.
func (a *AgentInfoOp) handleResponse(now time.Time, msg *mqtt.Message) {
	if !matchesAttempt(a.op, msg) {
		a.logger.Debug("Dropping agent-info response with stale correlation data")
		return
	}
	if !checkProtocolVersion(msg) {
		a.logger.Error("Agent-info response protocol version mismatch", "got", msg.ProtocolVersion)
		a.op.CompleteFailure(now, false)
		return
	}

	var resp protocol.AgentInfoResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		a.logger.Warn("Unparseable agent-info response", "error", err)
		a.op.CompleteFailure(now, true)
		return
	}

	switch {
	case resp.ResultCode == protocol.ResponseSuccess:
		a.confirmed = true
		a.logger.Info("Agent info confirmed", "sequence", a.sequence)
		a.op.CompleteSuccess(now)
	case resp.ResultCode == protocol.ResponseAgentNotEnrolled:
		a.op.CompleteFailure(now, false)
		a.client.onAgentNotEnrolled(now)
	case resp.ResultCode.IsRetriable():
		a.op.CompleteFailure(now, true)
	default:
		a.logger.Error("Agent info rejected",
			"code", resp.ResultCode,
			"extended", resp.ExtendedResultCode)
		a.op.CompleteFailure(now, false)
	}
}
