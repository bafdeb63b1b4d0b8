package agent

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360studio/otaagent/mqtt"
	"github.com/c360studio/otaagent/protocol"
)

// EnrollmentState is the device's authenticated-association state with
// the service.
type EnrollmentState string

const (
	// EnrollmentNotEnrolled is the initial state.
	EnrollmentNotEnrolled EnrollmentState = "notEnrolled"
	// EnrollmentRequesting means an enr_req exchange is in flight.
	EnrollmentRequesting EnrollmentState = "requesting"
	// EnrollmentEnrolled means the service confirmed enrollment.
	EnrollmentEnrolled EnrollmentState = "enrolled"
	// EnrollmentFailed means the exchange failed permanently (e.g.
	// protocol version mismatch); no retry until external state changes.
	EnrollmentFailed EnrollmentState = "failed"
)

// EnrollmentOp drives the enr_req/enr_resp exchange and listens for
// enr_cn change notifications.
type EnrollmentOp struct {
	client *Client
	logger *slog.Logger
	op     *Operation
	state  EnrollmentState
}

// NewEnrollmentOp creates the enrollment operation.
func NewEnrollmentOp(client *Client, retry RetryParams, logger *slog.Logger) *EnrollmentOp {
	e := &EnrollmentOp{
		client: client,
		logger: logger,
		state:  EnrollmentNotEnrolled,
	}
	e.op = NewOperation("enrollment", retry, func(correlationID string) error {
		e.state = EnrollmentRequesting
		return client.publish(protocol.TypeEnrollmentRequest, correlationID, &protocol.EnrollmentRequest{})
	}, Hooks{}, logger)
	return e
}

// State returns the enrollment state.
func (e *EnrollmentOp) State() EnrollmentState { return e.state }

// IsEnrolled reports whether the agent is enrolled.
func (e *EnrollmentOp) IsEnrolled() bool { return e.state == EnrollmentEnrolled }

// DoWork advances the exchange. Arms itself on the first tick; stays
// idle once enrolled or permanently failed.
func (e *EnrollmentOp) DoWork(now time.Time) OperationState {
	if e.state == EnrollmentNotEnrolled && e.op.State() != OpInProgress {
		e.op.Arm(now)
	}
	return e.op.DoWork(now)
}

// reset drops back to requesting, e.g. after AGENT_NOT_ENROLLED.
func (e *EnrollmentOp) reset(now time.Time) {
	e.state = EnrollmentNotEnrolled
	e.op.Arm(now)
}

// handleResponse consumes an enr_resp.
func (e *EnrollmentOp) handleResponse(now time.Time, msg *mqtt.Message) {
	if !matchesAttempt(e.op, msg) {
		e.logger.Debug("Dropping enrollment response with stale correlation data")
		return
	}
	if !checkProtocolVersion(msg) {
		e.logger.Error("Enrollment response protocol version mismatch",
			"got", msg.ProtocolVersion,
			"want", protocol.ProtocolVersion)
		e.state = EnrollmentFailed
		e.op.CompleteFailure(now, false)
		return
	}

	var resp protocol.EnrollmentResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		e.logger.Warn("Unparseable enrollment response", "error", err)
		e.op.CompleteFailure(now, true)
		return
	}

	switch {
	case resp.ResultCode == protocol.ResponseSuccess && resp.IsEnrolled:
		e.state = EnrollmentEnrolled
		e.logger.Info("Agent enrolled", "scope", resp.ScopeId)
		e.op.CompleteSuccess(now)
	case resp.ResultCode == protocol.ResponseSuccess:
		// Known to the service but not yet enrolled; keep asking.
		e.state = EnrollmentRequesting
		e.op.CompleteFailure(now, true)
	case resp.ResultCode.IsRetriable():
		e.op.CompleteFailure(now, true)
	default:
		e.logger.Error("Enrollment rejected",
			"code", resp.ResultCode,
			"extended", resp.ExtendedResultCode)
		e.state = EnrollmentFailed
		e.op.CompleteFailure(now, false)
	}
}

// handleChange consumes an enr_cn notification and re-evaluates.
func (e *EnrollmentOp) handleChange(now time.Time, msg *mqtt.Message) {
	var change protocol.EnrollmentChange
	if err := json.Unmarshal(msg.Payload, &change); err != nil {
		e.logger.Warn("Unparseable enrollment change", "error", err)
		return
	}
	if change.IsEnrolled && e.state == EnrollmentEnrolled {
		return
	}
	e.logger.Info("Enrollment change received", "is_enrolled", change.IsEnrolled)
	if change.IsEnrolled {
		e.state = EnrollmentEnrolled
		e.op.CompleteSuccess(now)
		return
	}
	e.client.onAgentNotEnrolled(now)
}
