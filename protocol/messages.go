package protocol

import (
	"encoding/json"
	"fmt"
)

// ResponseResult is the common result envelope embedded in responses.
type ResponseResult struct {
	ResultCode         ResponseCode         `json:"resultcode"`
	ExtendedResultCode ExtendedResponseCode `json:"extendedresultcode"`
}

// EnrollmentRequest asks the service whether the device is enrolled.
type EnrollmentRequest struct{}

// EnrollmentResponse answers an EnrollmentRequest.
type EnrollmentResponse struct {
	ResponseResult
	IsEnrolled bool   `json:"isEnrolled"`
	ScopeId    string `json:"scopeid,omitempty"`
}

// EnrollmentChange notifies the agent that its enrollment state changed.
type EnrollmentChange struct {
	IsEnrolled bool `json:"isEnrolled"`
}

// AgentInfoRequest publishes the device's identity and capabilities
// after enrollment.
type AgentInfoRequest struct {
	SequenceNumber int64             `json:"sn"`
	Compatibility  map[string]string `json:"compatProperties,omitempty"`
}

// AgentInfoResponse acknowledges an AgentInfoRequest.
type AgentInfoResponse struct {
	ResponseResult
}

// UpdateChange notifies the agent that an update may be available.
type UpdateChange struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// UpdateRequest pulls the current update assignment.
type UpdateRequest struct{}

// UpdateResponse carries the deployment package for the workflow engine.
type UpdateResponse struct {
	ResponseResult
	Deployment
}

// WorkflowInfo names the deployment workflow and the requested action.
type WorkflowInfo struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// Deployment is the ProcessDeployment assignment: the manifest document,
// its detached signature, and the payload URL map.
type Deployment struct {
	Workflow                WorkflowInfo      `json:"workflow"`
	UpdateManifest          string            `json:"updateManifest"`
	UpdateManifestSignature string            `json:"updateManifestSignature"`
	FileUrls                map[string]string `json:"fileUrls,omitempty"`
}

// Validate checks the assignment's required fields.
func (d *Deployment) Validate() error {
	if d.Workflow.ID == "" {
		return fmt.Errorf("deployment: workflow.id is required")
	}
	if d.Workflow.Action == "" {
		return fmt.Errorf("deployment: workflow.action is required")
	}
	if d.UpdateManifest == "" && d.Workflow.Action != "cancel" {
		return fmt.Errorf("deployment: updateManifest is required")
	}
	return nil
}

// UpdateResultRequest reports a terminal workflow result to the service.
type UpdateResultRequest struct {
	WorkflowID         string          `json:"workflowid"`
	ResultCode         int32           `json:"resultcode"`
	ExtendedResultCode int32           `json:"extendedresultcode"`
	ResultDetails      string          `json:"resultdetails,omitempty"`
	State              string          `json:"state"`
	UpdateId           string          `json:"updateid,omitempty"`
	Report             json.RawMessage `json:"report,omitempty"`
}

// UpdateResultResponse acknowledges receipt of a result report.
type UpdateResultResponse struct {
	ResponseResult
}

// UpdateResultAck is the service's final acknowledgement of a processed
// result report.
type UpdateResultAck struct {
	WorkflowID string `json:"workflowid,omitempty"`
}
