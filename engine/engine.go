// Package engine implements the workflow engine: the orchestrator state
// machine that accepts deployment assignments, walks the workflow tree,
// invokes content handlers phase by phase, persists progress, and emits
// terminal reports.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/c360studio/otaagent/download"
	"github.com/c360studio/otaagent/handler"
	"github.com/c360studio/otaagent/manifest"
	"github.com/c360studio/otaagent/metrics"
	"github.com/c360studio/otaagent/protocol"
	"github.com/c360studio/otaagent/result"
	"github.com/c360studio/otaagent/workflow"
)

// Reporter receives the terminal result report for publication. The
// engine persists the snapshot before invoking it.
type Reporter func(report *protocol.UpdateResultRequest)

// RestartRequester surfaces reboot/agent-restart requests to the outer
// daemon; the engine never performs either itself.
type RestartRequester interface {
	RequestReboot(immediate bool)
	RequestAgentRestart(immediate bool)
}

// Config tunes the engine.
type Config struct {
	// SandboxBase is the parent directory for per-workflow sandboxes.
	SandboxBase string `yaml:"sandbox_base"`
	// MaxManifestDepth bounds detached-manifest nesting.
	MaxManifestDepth int `yaml:"max_manifest_depth"`
	// CancelTimeout bounds the wait for a handler's cancel return.
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		SandboxBase:      "/var/lib/otaagent/sandbox",
		MaxManifestDepth: 4,
		CancelTimeout:    30 * time.Second,
	}
}

// Engine drives one workflow tree at a time. All methods run on the
// agent loop goroutine; there is no internal locking.
type Engine struct {
	config     Config
	logger     *slog.Logger
	registry   *handler.Registry
	plugins    *handler.DownloadHandlerRegistry
	downloader download.Downloader
	trust      manifest.TrustStore
	snapshots  *workflow.SnapshotStore
	reporter   Reporter
	restarts   RestartRequester

	// verify is the manifest signature check; a seam for tests.
	verify func(body []byte, signature string, trust manifest.TrustStore) error

	metrics *metrics.Metrics

	root     *workflow.Workflow
	stepIdx  int
	backedUp []*workflow.Workflow
	reported bool
	// held is set when an immediate reboot/restart was surfaced; the
	// engine performs no further work until the process comes back.
	held bool
}

// New creates an engine.
func New(config Config, registry *handler.Registry, plugins *handler.DownloadHandlerRegistry, downloader download.Downloader, trust manifest.TrustStore, snapshots *workflow.SnapshotStore, reporter Reporter, restarts RestartRequester, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxManifestDepth == 0 {
		config.MaxManifestDepth = 4
	}
	if config.CancelTimeout == 0 {
		config.CancelTimeout = 30 * time.Second
	}
	return &Engine{
		config:     config,
		logger:     logger,
		registry:   registry,
		plugins:    plugins,
		downloader: downloader,
		trust:      trust,
		snapshots:  snapshots,
		reporter:   reporter,
		restarts:   restarts,
		verify:     manifest.VerifySignature,
	}
}

// SetMetrics wires the engine's instruments. Optional.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Current returns the live workflow root, or nil when idle.
func (e *Engine) Current() *workflow.Workflow { return e.root }

// ProcessDeployment accepts an assignment. Exactly one workflow tree is
// live at any time: a new assignment aborts the previous one.
func (e *Engine) ProcessDeployment(ctx context.Context, d *protocol.Deployment) {
	if err := d.Validate(); err != nil {
		e.logger.Error("Rejecting invalid deployment", "error", err)
		return
	}

	if d.Workflow.Action == string(workflow.ActionCancel) {
		e.Cancel(ctx, d.Workflow.ID)
		return
	}

	if e.root != nil && e.root.ID() == d.Workflow.ID && !e.root.State().IsTerminal() {
		e.logger.Debug("Deployment already in progress", "workflow_id", d.Workflow.ID)
		return
	}

	if e.root != nil && !e.root.State().IsTerminal() {
		e.abortCurrent(ctx)
	}

	e.logger.Info("Processing deployment", "workflow_id", d.Workflow.ID)
	e.startDeployment(ctx, d)
}

// Cancel requests cancellation of the live workflow. Cancellation after
// a terminal state is advisory: the recorded outcome stands.
func (e *Engine) Cancel(ctx context.Context, workflowID string) {
	if e.root == nil {
		e.logger.Debug("Cancel with no live workflow", "workflow_id", workflowID)
		return
	}
	if workflowID != "" && e.root.ID() != workflowID {
		e.logger.Warn("Cancel for unknown workflow",
			"workflow_id", workflowID,
			"live", e.root.ID())
		return
	}
	if e.root.State().IsTerminal() {
		e.logger.Info("Cancel after terminal state; advisory only", "workflow_id", workflowID)
		e.root.AppendDetails("cancel requested after terminal")
		return
	}
	e.logger.Info("Cancel requested", "workflow_id", e.root.ID())
	e.root.RequestCancel()
}

// Tick performs one bounded unit of engine work: a single phase of the
// current step, or terminal bookkeeping. Called once per loop tick.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	if e.root == nil || e.held {
		return
	}

	if e.root.State().IsTerminal() {
		e.finishTerminal(ctx)
		return
	}

	// Cancellation is observed at every tick boundary: a request seen
	// between step k and k+1 prevents k+1 from starting.
	if e.root.IsCancelRequested() {
		e.cancelCurrent(ctx)
		return
	}

	e.stepPhase(ctx)
}

// startDeployment verifies and materializes a new tree.
func (e *Engine) startDeployment(ctx context.Context, d *protocol.Deployment) {
	e.reported = false
	e.held = false
	e.stepIdx = 0
	e.backedUp = nil

	manifestBody := []byte(d.UpdateManifest)
	if err := e.verify(manifestBody, d.UpdateManifestSignature, e.trust); err != nil {
		e.logger.Error("Manifest signature verification failed",
			"workflow_id", d.Workflow.ID,
			"error", err)
		e.failBeforeTree(d, result.Failure(result.ExtendedManifestSignature, err.Error()))
		return
	}

	m, err := manifest.Parse(manifestBody)
	if err != nil {
		e.logger.Error("Manifest rejected", "workflow_id", d.Workflow.ID, "error", err)
		e.failBeforeTree(d, result.Failure(result.ExtendedManifestValidation, err.Error()))
		return
	}

	sandbox := filepath.Join(e.config.SandboxBase, d.Workflow.ID)
	root := workflow.NewRoot(d.Workflow.ID, m, d.FileUrls, d.UpdateManifestSignature, sandbox)

	if _, err := root.EnsureWorkFolder(); err != nil {
		e.logger.Error("Sandbox creation failed", "workflow_id", d.Workflow.ID, "error", err)
		e.failBeforeTree(d, result.Failure(result.ExtendedSandboxCreate, err.Error()))
		return
	}

	if err := e.materialize(ctx, root, m, 0); err != nil {
		e.logger.Error("Workflow tree materialization failed",
			"workflow_id", d.Workflow.ID,
			"error", err)
		e.root = root
		e.terminate(result.Failure(result.ExtendedReferenceStepDepth, err.Error()), workflow.StateFailed)
		return
	}

	e.root = root
	if err := root.SetState(workflow.StateDeploymentInProgress); err != nil {
		e.logger.Error("Deployment state transition failed", "error", err)
	}
	e.persist()
	e.logger.Info("Workflow tree materialized",
		"workflow_id", root.ID(),
		"steps", len(root.Children()),
		"update_id", root.UpdateId().String())
}

// failBeforeTree records a terminal failure for a deployment whose tree
// never materialized.
func (e *Engine) failBeforeTree(d *protocol.Deployment, r result.Result) {
	m := &manifest.UpdateManifest{UpdateId: manifest.UpdateId{}}
	sandbox := filepath.Join(e.config.SandboxBase, d.Workflow.ID)
	e.root = workflow.NewRoot(d.Workflow.ID, m, d.FileUrls, d.UpdateManifestSignature, sandbox)
	e.reported = false
	e.terminate(r, workflow.StateFailed)
}

// abortCurrent cancels the live workflow synchronously within the
// configured deadline, then reports it.
func (e *Engine) abortCurrent(ctx context.Context) {
	e.logger.Warn("Aborting in-progress workflow for new deployment", "workflow_id", e.root.ID())
	e.root.RequestCancel()
	cancelCtx, cancel := context.WithTimeout(ctx, e.config.CancelTimeout)
	defer cancel()
	e.cancelCurrent(cancelCtx)
	e.finishTerminal(ctx)
}

// terminate moves the root to a terminal state with the given result and
// runs terminal bookkeeping on the next tick (or immediately via
// finishTerminal callers).
func (e *Engine) terminate(r result.Result, state workflow.State) {
	e.root.SetResult(result.Normalize(r))
	// A deployment rejected before any step ran still terminates; lift the
	// root out of Idle first so the transition is legal.
	if e.root.State() == workflow.StateIdle {
		_ = e.root.SetState(workflow.StateDeploymentInProgress)
	}
	if err := e.root.SetState(state); err != nil {
		e.logger.Error("Terminal state transition failed", "error", err)
	}
	e.persist()
}

// persist writes the crash snapshot. Persistence always precedes any
// outbound result publish.
func (e *Engine) persist() {
	if e.snapshots == nil || e.root == nil {
		return
	}
	snap := e.buildSnapshot(nil)
	if err := e.snapshots.Save(snap); err != nil {
		e.logger.Error("Snapshot write failed", "error", err)
	}
}

func (e *Engine) buildSnapshot(reporting []byte) *workflow.Snapshot {
	root := e.root
	r := root.Result()

	rebootState := workflow.RebootNone
	if req, _ := root.IsRebootRequested(); req {
		rebootState = workflow.RebootRequired
	}
	restartState := workflow.RestartNone
	if req, _ := root.IsAgentRestartRequested(); req {
		restartState = workflow.RestartRequired
	}

	updateType := ""
	installedCriteria := ""
	if e.stepIdx < len(root.Children()) {
		step := root.Children()[e.stepIdx]
		updateType = step.UpdateType()
		installedCriteria = step.InstalledCriteria()
	}

	return &workflow.Snapshot{
		WorkflowStep:       root.State(),
		ResultCode:         r.ResultCode,
		ExtendedResultCode: r.ExtendedCode,
		SystemRebootState:  rebootState,
		AgentRestartState:  restartState,
		ExpectedUpdateId:   root.UpdateId().String(),
		WorkflowId:         root.ID(),
		UpdateType:         updateType,
		InstalledCriteria:  installedCriteria,
		WorkFolder:         root.WorkFolder(),
		ReportingJson:      reporting,
	}
}

// currentStep returns the child due to run, or nil when the walk is done.
func (e *Engine) currentStep() *workflow.Workflow {
	if e.root == nil || e.stepIdx >= len(e.root.Children()) {
		return nil
	}
	return e.root.Children()[e.stepIdx]
}

// callHandler invokes one handler phase with panic containment: an
// escaped panic becomes a Failed result with the catastrophic facility.
func (e *Engine) callHandler(phase string, invoke func() result.Result) (r result.Result) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Handler panic recovered", "phase", phase, "panic", p)
			r = result.Failure(result.ExtendedPanic, fmt.Sprintf("%s: handler panic: %v", phase, p))
		}
		if e.metrics != nil {
			outcome := "failure"
			if r.IsSuccess() {
				outcome = "success"
			}
			e.metrics.HandlerResults.WithLabelValues(phase, outcome).Inc()
		}
	}()
	return invoke()
}
