package agent

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360studio/otaagent/mqtt"
	"github.com/c360studio/otaagent/protocol"
)

// DeploymentSink receives a deployment assignment pulled from the
// service; implemented by the workflow engine.
type DeploymentSink func(deployment *protocol.Deployment)

// UpdateOp pulls update assignments (upd_cn → upd_req → upd_resp) and
// reports terminal workflow results (updrslt_req → updrslt_resp →
// updrslt_ack). Both exchanges gate on agent-info confirmation.
type UpdateOp struct {
	client *Client
	logger *slog.Logger

	requestOp *Operation
	resultOp  *Operation

	sink DeploymentSink

	// pulled tracks whether the initial assignment pull after agent-info
	// confirmation happened; upd_cn re-arms it.
	pulled bool

	// pendingReport is the in-flight result report, cleared by updrslt_ack.
	pendingReport *protocol.UpdateResultRequest
	// reportAcked tracks whether the service confirmed receipt
	// (updrslt_resp); the later updrslt_ack clears the report entirely.
	reportAcked bool
}

// NewUpdateOp creates the update request/result operations.
func NewUpdateOp(client *Client, retry RetryParams, logger *slog.Logger) *UpdateOp {
	u := &UpdateOp{
		client: client,
		logger: logger,
	}
	u.requestOp = NewOperation("update-request", retry, func(correlationID string) error {
		return client.publish(protocol.TypeUpdateRequest, correlationID, &protocol.UpdateRequest{})
	}, Hooks{}, logger)
	u.resultOp = NewOperation("update-result", retry, func(correlationID string) error {
		return client.publish(protocol.TypeUpdateResultRequest, correlationID, u.pendingReport)
	}, Hooks{}, logger)
	return u
}

// SetDeploymentSink registers the engine-facing delivery callback.
func (u *UpdateOp) SetDeploymentSink(sink DeploymentSink) { u.sink = sink }

// DoWork advances both exchanges. Persisted results are reported before
// any new assignment is pulled, preserving the persist-before-publish
// ordering end to end.
func (u *UpdateOp) DoWork(now time.Time) OperationState {
	if !u.client.AgentInfo.IsConfirmed() {
		return u.requestOp.State()
	}

	// An unreceived report blocks new assignments; once the service
	// confirms receipt (updrslt_resp) only the final ack is outstanding
	// and new work may proceed.
	if u.pendingReport != nil && !u.reportAcked {
		return u.resultOp.DoWork(now)
	}

	if !u.pulled && u.requestOp.State() != OpInProgress {
		u.requestOp.Arm(now)
	}
	return u.requestOp.DoWork(now)
}

// Report queues a terminal workflow result for delivery. Any previous
// unacknowledged report is superseded.
func (u *UpdateOp) Report(now time.Time, report *protocol.UpdateResultRequest) {
	u.pendingReport = report
	u.reportAcked = false
	u.resultOp.Arm(now)
}

// HasPendingReport reports whether a result report awaits delivery.
func (u *UpdateOp) HasPendingReport() bool { return u.pendingReport != nil }

// reset clears gating state when enrollment is lost.
func (u *UpdateOp) reset() {
	u.pulled = false
	u.requestOp.Cancel()
}

// handleChange consumes an upd_cn notification: a new assignment may be
// waiting, so pull it.
func (u *UpdateOp) handleChange(now time.Time, msg *mqtt.Message) {
	u.logger.Info("Update-available notification received")
	u.pulled = false
	if u.client.AgentInfo.IsConfirmed() && (u.pendingReport == nil || u.reportAcked) {
		u.requestOp.Arm(now)
	}
}

// handleResponse consumes an upd_resp carrying the deployment package.
func (u *UpdateOp) handleResponse(now time.Time, msg *mqtt.Message) {
	if !matchesAttempt(u.requestOp, msg) {
		u.logger.Debug("Dropping update response with stale correlation data")
		return
	}
	if !checkProtocolVersion(msg) {
		u.logger.Error("Update response protocol version mismatch", "got", msg.ProtocolVersion)
		u.requestOp.CompleteFailure(now, false)
		return
	}

	var resp protocol.UpdateResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		u.logger.Warn("Unparseable update response", "error", err)
		u.requestOp.CompleteFailure(now, true)
		return
	}

	switch {
	case resp.ResultCode == protocol.ResponseSuccess:
		u.pulled = true
		u.requestOp.CompleteSuccess(now)
		if resp.Workflow.ID == "" {
			u.logger.Debug("No deployment assigned")
			return
		}
		if err := resp.Deployment.Validate(); err != nil {
			u.logger.Error("Invalid deployment assignment", "error", err)
			return
		}
		if u.sink != nil {
			u.sink(&resp.Deployment)
		}
	case resp.ResultCode == protocol.ResponseAgentNotEnrolled:
		u.requestOp.CompleteFailure(now, false)
		u.client.onAgentNotEnrolled(now)
	case resp.ResultCode.IsRetriable():
		u.requestOp.CompleteFailure(now, true)
	default:
		u.logger.Error("Update request rejected",
			"code", resp.ResultCode,
			"extended", resp.ExtendedResultCode)
		u.requestOp.CompleteFailure(now, false)
	}
}

// handleResultResponse consumes an updrslt_resp receipt.
func (u *UpdateOp) handleResultResponse(now time.Time, msg *mqtt.Message) {
	if !matchesAttempt(u.resultOp, msg) {
		u.logger.Debug("Dropping result response with stale correlation data")
		return
	}
	if !checkProtocolVersion(msg) {
		u.logger.Error("Result response protocol version mismatch", "got", msg.ProtocolVersion)
		u.resultOp.CompleteFailure(now, false)
		return
	}

	var resp protocol.UpdateResultResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		u.logger.Warn("Unparseable result response", "error", err)
		u.resultOp.CompleteFailure(now, true)
		return
	}

	switch {
	case resp.ResultCode == protocol.ResponseSuccess:
		u.reportAcked = true
		u.resultOp.CompleteSuccess(now)
		u.logger.Info("Result report received by service", "workflow_id", u.pendingReport.WorkflowID)
	case resp.ResultCode == protocol.ResponseAgentNotEnrolled:
		u.resultOp.CompleteFailure(now, false)
		u.client.onAgentNotEnrolled(now)
	case resp.ResultCode.IsRetriable():
		u.resultOp.CompleteFailure(now, true)
	default:
		u.logger.Error("Result report rejected",
			"code", resp.ResultCode,
			"extended", resp.ExtendedResultCode)
		u.resultOp.CompleteFailure(now, false)
		u.pendingReport = nil
	}
}

// handleResultAck consumes the service's final updrslt_ack, clearing the
// in-flight report.
func (u *UpdateOp) handleResultAck(now time.Time, msg *mqtt.Message) {
	if u.pendingReport == nil {
		return
	}
	var ack protocol.UpdateResultAck
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		u.logger.Warn("Unparseable result ack", "error", err)
		return
	}
	if ack.WorkflowID != "" && ack.WorkflowID != u.pendingReport.WorkflowID {
		u.logger.Debug("Result ack for unknown workflow", "workflow_id", ack.WorkflowID)
		return
	}
	u.logger.Info("Result report acknowledged", "workflow_id", u.pendingReport.WorkflowID)
	u.pendingReport = nil
	u.reportAcked = false
}
