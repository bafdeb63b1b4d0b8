package protocol

// ResponseCode is the service's verdict on a request.
type ResponseCode int

const (
	// ResponseSuccess acknowledges the request.
	ResponseSuccess ResponseCode = 0
	// ResponseBadRequest rejects a malformed request; not retriable until
	// external state changes.
	ResponseBadRequest ResponseCode = 1
	// ResponseBusy asks the agent to retry with backoff.
	ResponseBusy ResponseCode = 2
	// ResponseConflict rejects a request that conflicts with service state.
	ResponseConflict ResponseCode = 3
	// ResponseServerError reports a transient service fault; retriable.
	ResponseServerError ResponseCode = 4
	// ResponseAgentNotEnrolled means the agent must re-enroll before any
	// other operation proceeds.
	ResponseAgentNotEnrolled ResponseCode = 5
)

// String renders the code for log output.
func (c ResponseCode) String() string {
	switch c {
	case ResponseSuccess:
		return "Success"
	case ResponseBadRequest:
		return "BadRequest"
	case ResponseBusy:
		return "Busy"
	case ResponseConflict:
		return "Conflict"
	case ResponseServerError:
		return "ServerError"
	case ResponseAgentNotEnrolled:
		return "AgentNotEnrolled"
	}
	return "Unknown"
}

// IsRetriable reports whether the agent should retry with backoff.
func (c ResponseCode) IsRetriable() bool {
	return c == ResponseBusy || c == ResponseServerError
}

// ExtendedResponseCode refines a non-success verdict.
type ExtendedResponseCode int

const (
	ExtendedNone ExtendedResponseCode = iota
	ExtendedUnableToParse
	ExtendedMissingOrInvalidValue
	ExtendedMissingOrInvalidCorrelationId
	ExtendedMissingOrInvalidMessageType
	ExtendedMissingOrInvalidProtocolVersion
	ExtendedProtocolVersionMismatch
	ExtendedMissingOrInvalidContentType
)

// String renders the extended code for log output.
func (c ExtendedResponseCode) String() string {
	switch c {
	case ExtendedNone:
		return "None"
	case ExtendedUnableToParse:
		return "UnableToParse"
	case ExtendedMissingOrInvalidValue:
		return "MissingOrInvalidValue"
	case ExtendedMissingOrInvalidCorrelationId:
		return "MissingOrInvalidCorrelationId"
	case ExtendedMissingOrInvalidMessageType:
		return "MissingOrInvalidMessageType"
	case ExtendedMissingOrInvalidProtocolVersion:
		return "MissingOrInvalidProtocolVersion"
	case ExtendedProtocolVersionMismatch:
		return "ProtocolVersionMismatch"
	case ExtendedMissingOrInvalidContentType:
		return "MissingOrInvalidContentType"
	}
	return "Unknown"
}
