// Package protocol defines the MQTT wire model shared by the agent and
// the service: topic templates, message types, required user properties,
// payload schemas, and response result codes.
package protocol

import "fmt"

// ProtocolVersion is the value of the pid user property. A service that
// observes a mismatch responds with ProtocolVersionMismatch.
const ProtocolVersion = "1"

// User property names required on every message.
const (
	PropProtocolVersion = "pid"
	PropMessageType     = "mt"
)

// ContentTypeJSON is the content type of every payload.
const ContentTypeJSON = "application/json"

// AgentTopic returns the agent→service topic for a device, optionally
// scoped to a DU instance.
func AgentTopic(deviceID, instance string) string {
	if instance == "" {
		return fmt.Sprintf("adu/oto/%s/a", deviceID)
	}
	return fmt.Sprintf("adu/oto/%s/a/%s", deviceID, instance)
}

// ServiceTopic returns the service→agent topic for a device, optionally
// scoped to a DU instance.
func ServiceTopic(deviceID, instance string) string {
	if instance == "" {
		return fmt.Sprintf("adu/oto/%s/s", deviceID)
	}
	return fmt.Sprintf("adu/oto/%s/s/%s", deviceID, instance)
}

// MessageType identifies a message's schema via the mt user property.
type MessageType string

// Message types used by the core.
const (
	// Enrollment.
	TypeEnrollmentRequest      MessageType = "enr_req"
	TypeEnrollmentResponse     MessageType = "enr_resp"
	TypeEnrollmentChange       MessageType = "enr_cn"
	// Agent information.
	TypeAgentInfoRequest       MessageType = "ainfo_req"
	TypeAgentInfoResponse      MessageType = "ainfo_resp"
	// Update availability and retrieval.
	TypeUpdateChange           MessageType = "upd_cn"
	TypeUpdateRequest          MessageType = "upd_req"
	TypeUpdateResponse         MessageType = "upd_resp"
	// Update results.
	TypeUpdateResultRequest    MessageType = "updrslt_req"
	TypeUpdateResultResponse   MessageType = "updrslt_resp"
	TypeUpdateResultAck        MessageType = "updrslt_ack"
)

// IsValid reports whether the message type is one the core understands.
func (t MessageType) IsValid() bool {
	switch t {
	case TypeEnrollmentRequest, TypeEnrollmentResponse, TypeEnrollmentChange,
		TypeAgentInfoRequest, TypeAgentInfoResponse,
		TypeUpdateChange, TypeUpdateRequest, TypeUpdateResponse,
		TypeUpdateResultRequest, TypeUpdateResultResponse, TypeUpdateResultAck:
		return true
	}
	return false
}

// String returns the wire value.
func (t MessageType) String() string { return string(t) }
