package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/c360studio/otaagent/manifest"
	"github.com/c360studio/otaagent/result"
)

// Action is the deployment action requested by the service.
type Action string

const (
	// ActionProcessDeployment starts or resumes an update.
	ActionProcessDeployment Action = "processDeployment"
	// ActionCancel cancels the in-flight update.
	ActionCancel Action = "cancel"
)

// Component describes one target component selected by a component
// enumerator for a step. Fields feed the argument-marshalling tokens
// exposed to subprocess handlers.
type Component struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Manufacturer string            `json:"manufacturer"`
	Model        string            `json:"model"`
	Version      string            `json:"version"`
	Group        string            `json:"group"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// Workflow is one node of the update workflow tree. The root represents
// the whole deployment; each child represents one instruction step, which
// may itself carry a nested manifest. The root owns the tree; children
// are owned by their parent. The tree is only ever touched from the agent
// loop, so there is no lock.
type Workflow struct {
	parent   *Workflow
	children []*Workflow
	index    int

	id         string
	updateId   manifest.UpdateId
	updateType string

	manifest *manifest.UpdateManifest
	step     manifest.Step

	workFolder string

	selectedComponents []Component

	state  State
	result result.Result

	cancelRequested bool

	rebootRequested       bool
	immediateReboot       bool
	agentRestartRequested bool
	immediateRestart      bool

	// details accumulates human-readable detail text for the final report.
	details string

	// Root-only deployment material.
	fileUrls  map[string]string
	signature string
	action    Action
}

// NewRoot creates the root node for a deployment.
func NewRoot(id string, m *manifest.UpdateManifest, fileUrls map[string]string, signature string, workFolder string) *Workflow {
	return &Workflow{
		id:         id,
		updateId:   m.UpdateId,
		manifest:   m,
		fileUrls:   fileUrls,
		signature:  signature,
		workFolder: workFolder,
		state:      StateIdle,
		action:     ActionProcessDeployment,
	}
}

// AddChild appends a child node executing the given step. The child
// inherits the parent's fileUrls and sandbox.
func (w *Workflow) AddChild(step manifest.Step, m *manifest.UpdateManifest) *Workflow {
	child := &Workflow{
		parent:     w,
		index:      len(w.children),
		id:         fmt.Sprintf("%s/%d", w.id, len(w.children)),
		updateId:   m.UpdateId,
		updateType: step.Handler,
		manifest:   m,
		step:       step,
		workFolder: w.workFolder,
		state:      StateIdle,
	}
	w.children = append(w.children, child)
	return child
}

// Parent returns the parent node, or nil for the root.
func (w *Workflow) Parent() *Workflow { return w.parent }

// Children returns the ordered child nodes.
func (w *Workflow) Children() []*Workflow { return w.children }

// Index returns the node's position within its parent.
func (w *Workflow) Index() int { return w.index }

// Root walks to the tree root.
func (w *Workflow) Root() *Workflow {
	n := w
	for n.parent != nil {
		n = n.parent
	}
	return n
}

// ID returns the workflow id.
func (w *Workflow) ID() string { return w.id }

// UpdateId returns the node's update identity.
func (w *Workflow) UpdateId() manifest.UpdateId { return w.updateId }

// UpdateType returns the step's handler update type ("provider/name:version").
func (w *Workflow) UpdateType() string { return w.updateType }

// Manifest returns the parsed manifest for this node.
func (w *Workflow) Manifest() *manifest.UpdateManifest { return w.manifest }

// Step returns the instruction step this node executes. Meaningless on
// the root.
func (w *Workflow) Step() manifest.Step { return w.step }

// InstalledCriteria returns the step's installed criteria.
func (w *Workflow) InstalledCriteria() string { return w.step.InstalledCriteria() }

// Action returns the deployment action on the root.
func (w *Workflow) Action() Action { return w.Root().action }

// SetAction records the deployment action on the root.
func (w *Workflow) SetAction(a Action) { w.Root().action = a }

// FileUrls returns the deployment's fileId→URL map, inherited from the root.
func (w *Workflow) FileUrls() map[string]string { return w.Root().fileUrls }

// Signature returns the manifest signature held by the root.
func (w *Workflow) Signature() string { return w.Root().signature }

// WorkFolder returns the node's sandbox directory path without creating it.
func (w *Workflow) WorkFolder() string { return w.workFolder }

// EnsureWorkFolder creates the sandbox directory on first need.
func (w *Workflow) EnsureWorkFolder() (string, error) {
	if err := os.MkdirAll(w.workFolder, 0o755); err != nil {
		return "", fmt.Errorf("create work folder: %w", err)
	}
	return w.workFolder, nil
}

// RemoveWorkFolder deletes the sandbox tree. Called once the root reaches
// any terminal state (success, failure or cancellation) and is reported.
func (w *Workflow) RemoveWorkFolder() error {
	if w.workFolder == "" {
		return nil
	}
	return os.RemoveAll(w.workFolder)
}

// ResultFilePath returns the conventional handler result file location
// inside the sandbox.
func (w *Workflow) ResultFilePath() string {
	return filepath.Join(w.workFolder, "aduc_result.json")
}

// State returns the node's current state.
func (w *Workflow) State() State { return w.state }

// SetState transitions the node, rejecting illegal transitions.
func (w *Workflow) SetState(next State) error {
	if !w.state.CanTransitionTo(next) {
		return fmt.Errorf("illegal workflow transition %s -> %s", w.state, next)
	}
	w.state = next
	return nil
}

// Result returns the node's recorded result.
func (w *Workflow) Result() result.Result { return w.result }

// SetResult records the node's result and propagates any reboot or
// restart side effect encoded in the result code up to the root.
func (w *Workflow) SetResult(r result.Result) {
	w.result = r
	if r.IsSuccess() {
		if r.ResultCode.RequiresReboot() {
			w.RequestReboot(r.ResultCode.IsImmediate())
		}
		if r.ResultCode.RequiresAgentRestart() {
			w.RequestAgentRestart(r.ResultCode.IsImmediate())
		}
	}
}

// AppendDetails adds detail text for the final report.
func (w *Workflow) AppendDetails(s string) {
	if s == "" {
		return
	}
	if w.details == "" {
		w.details = s
		return
	}
	w.details += "; " + s
}

// Details returns the accumulated detail text.
func (w *Workflow) Details() string { return w.details }

// RequestCancel marks the node and all its descendants as
// cancel-requested. The flag is monotonic; there is no way to clear it.
func (w *Workflow) RequestCancel() {
	w.cancelRequested = true
	for _, c := range w.children {
		c.RequestCancel()
	}
}

// IsCancelRequested reports whether cancellation was requested on this
// node or any ancestor.
func (w *Workflow) IsCancelRequested() bool {
	for n := w; n != nil; n = n.parent {
		if n.cancelRequested {
			return true
		}
	}
	return false
}

// RequestReboot records a reboot request on this node and every ancestor,
// so a child's request is observable at the root.
func (w *Workflow) RequestReboot(immediate bool) {
	for n := w; n != nil; n = n.parent {
		n.rebootRequested = true
		if immediate {
			n.immediateReboot = true
		}
	}
}

// RequestAgentRestart records an agent restart request on this node and
// every ancestor.
func (w *Workflow) RequestAgentRestart(immediate bool) {
	for n := w; n != nil; n = n.parent {
		n.agentRestartRequested = true
		if immediate {
			n.immediateRestart = true
		}
	}
}

// IsRebootRequested reports the node's reboot request flags.
func (w *Workflow) IsRebootRequested() (requested, immediate bool) {
	return w.rebootRequested, w.immediateReboot
}

// IsAgentRestartRequested reports the node's restart request flags.
func (w *Workflow) IsAgentRestartRequested() (requested, immediate bool) {
	return w.agentRestartRequested, w.immediateRestart
}

// SetSelectedComponents records the components a component enumerator
// selected for this step.
func (w *Workflow) SetSelectedComponents(components []Component) {
	w.selectedComponents = components
}

// SelectedComponents returns the step's selected components.
func (w *Workflow) SelectedComponents() []Component { return w.selectedComponents }
