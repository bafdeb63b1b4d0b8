package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/otaagent/download"
	"github.com/c360studio/otaagent/handler"
	"github.com/c360studio/otaagent/manifest"
	"github.com/c360studio/otaagent/result"
	"github.com/c360studio/otaagent/workflow"
)

// phaseOrder is the happy-path state chain used to mirror child progress
// onto the root monotonically.
var phaseOrder = []workflow.State{
	workflow.StateDeploymentInProgress,
	workflow.StateDownloadStarted,
	workflow.StateDownloadSucceeded,
	workflow.StateInstallStarted,
	workflow.StateInstallSucceeded,
	workflow.StateApplyStarted,
	workflow.StateApplySucceeded,
}

// stepPhase advances the current step by one phase.
func (e *Engine) stepPhase(ctx context.Context) {
	step := e.currentStep()
	if step == nil {
		e.completeRoot()
		return
	}

	switch step.State() {
	case workflow.StateIdle:
		e.prepareStep(ctx, step)
	case workflow.StateDeploymentInProgress:
		e.downloadStep(ctx, step)
	case workflow.StateDownloadSucceeded:
		e.installStep(ctx, step)
	case workflow.StateInstallSucceeded:
		e.applyStep(ctx, step)
	case workflow.StateApplySucceeded:
		e.stepIdx++
	default:
		e.logger.Error("Step in unexpected state", "state", step.State(), "workflow_id", step.ID())
		e.failStep(ctx, step, result.Failure(result.ExtendedUnreportedFailure,
			fmt.Sprintf("step %d in unexpected state %s", step.Index(), step.State())))
	}
}

// prepareStep resolves the handler and short-circuits steps whose
// installed criteria already holds.
func (e *Engine) prepareStep(ctx context.Context, step *workflow.Workflow) {
	h, err := e.registry.Resolve(step.UpdateType())
	if err != nil {
		e.logger.Error("No handler for update type",
			"update_type", step.UpdateType(),
			"workflow_id", step.ID())
		e.failStep(ctx, step, result.Failure(result.ExtendedUnknownUpdateType, err.Error()))
		return
	}

	installed := e.callHandler("is-installed", func() result.Result {
		return h.IsInstalled(ctx, step)
	})
	e.transition(step, workflow.StateDeploymentInProgress)

	if installed.IsSuccess() && installed.ResultCode == result.Installed {
		e.logger.Info("Step already installed; skipping",
			"workflow_id", step.ID(),
			"criteria", step.InstalledCriteria())
		step.SetResult(result.Success(result.InstallSkippedUpdateAlreadyInstalled))
		e.transition(step, workflow.StateApplySucceeded)
		e.stepIdx++
		e.persist()
		return
	}
	e.persist()
}

// downloadStep runs the download phase: for each payload, consult the
// download-handler plug-in, else fetch, then verify size and every
// declared hash. Plug-in-produced files are verified like any other.
func (e *Engine) downloadStep(ctx context.Context, step *workflow.Workflow) {
	e.transition(step, workflow.StateDownloadStarted)
	e.persist()

	entities, err := step.Manifest().StepFileEntities(step.Step(), step.FileUrls())
	if err != nil {
		e.failStep(ctx, step, result.Failure(result.ExtendedDownloadFailed, err.Error()))
		return
	}

	for _, entity := range entities {
		if step.IsCancelRequested() {
			e.cancelCurrent(ctx)
			return
		}

		target, err := download.SandboxTarget(step.WorkFolder(), entity.TargetFilename)
		if err != nil {
			e.failStep(ctx, step, result.Failure(result.ExtendedDownloadFailed, err.Error()))
			return
		}

		fetched, r := e.consultDownloadHandler(ctx, step, entity, target)
		if !r.IsSuccess() {
			e.failStep(ctx, step, r)
			return
		}
		if !fetched {
			if err := e.downloader.Download(ctx, entity, target); err != nil {
				e.failStep(ctx, step, result.Failure(result.ExtendedDownloadFailed, err.Error()))
				return
			}
		}

		// Hash mismatch is terminal; it is never retried locally.
		if err := download.VerifyFile(target, entity); err != nil {
			code := result.ExtendedDownloadHashMismatch
			if _, ok := err.(*download.SizeMismatchError); ok {
				code = result.ExtendedDownloadSizeMismatch
			}
			e.failStep(ctx, step, result.Failure(code, err.Error()))
			return
		}
	}

	// Give the handler its payload-level download hook; built-in handlers
	// whose payloads the engine already fetched return success.
	h, err := e.registry.Resolve(step.UpdateType())
	if err != nil {
		e.failStep(ctx, step, result.Failure(result.ExtendedUnknownUpdateType, err.Error()))
		return
	}
	r := e.callHandler("download", func() result.Result { return h.Download(ctx, step) })
	if !r.IsSuccess() {
		e.failStep(ctx, step, result.Normalize(r))
		return
	}
	if r.ResultCode == result.DownloadSkippedUpdateAlreadyInstalled {
		step.SetResult(r)
		e.transition(step, workflow.StateApplySucceeded)
		e.stepIdx++
		e.persist()
		return
	}

	e.transition(step, workflow.StateDownloadSucceeded)
	e.persist()
}

// consultDownloadHandler runs the plug-in named by the file entity, if
// any. Returns (fetched=true) when the plug-in produced the target and
// the network download must be skipped. A plug-in failure falls back to
// the full download unless marked fatal.
func (e *Engine) consultDownloadHandler(ctx context.Context, step *workflow.Workflow, entity manifest.FileEntity, target string) (bool, result.Result) {
	id := entity.DownloadHandlerID()
	if id == "" || e.plugins == nil {
		return false, result.Success(result.DownloadSuccess)
	}
	plugin, ok := e.plugins.Resolve(id)
	if !ok {
		e.logger.Debug("Download handler not registered; full download", "id", id)
		return false, result.Success(result.DownloadHandlerFullDownloadRequired)
	}

	verdict, err := plugin.ProcessUpdate(ctx, step, entity, target)
	if err != nil {
		var fatal *handler.FatalError
		if errors.As(err, &fatal) {
			return false, result.Failure(
				result.MakeDownloadHandler(result.SubPlugin, 0x1),
				fatal.Error())
		}
		e.logger.Warn("Download handler failed; full download",
			"id", id,
			"file_id", entity.FileId,
			"error", err)
		return false, result.Success(result.DownloadHandlerFullDownloadRequired)
	}

	if verdict == handler.SuccessSkipDownload {
		e.logger.Info("Download handler produced payload",
			"id", id,
			"file_id", entity.FileId)
		return true, result.Success(result.DownloadHandlerSuccessSkipDownload)
	}
	return false, result.Success(result.DownloadHandlerFullDownloadRequired)
}

// installStep runs backup (when the handler supports it) then install.
func (e *Engine) installStep(ctx context.Context, step *workflow.Workflow) {
	e.transition(step, workflow.StateInstallStarted)
	e.persist()

	h, err := e.registry.Resolve(step.UpdateType())
	if err != nil {
		e.failStep(ctx, step, result.Failure(result.ExtendedUnknownUpdateType, err.Error()))
		return
	}

	if b, ok := handler.AsBackupHandler(h); ok {
		r := e.callHandler("backup", func() result.Result { return b.Backup(ctx, step) })
		if r.IsSuccess() {
			e.backedUp = append(e.backedUp, step)
		} else {
			e.logger.Warn("Backup failed; continuing without restore point",
				"workflow_id", step.ID(),
				"result", r.String())
		}
	}

	r := e.callHandler("install", func() result.Result { return h.Install(ctx, step) })
	if !r.IsSuccess() {
		e.failStep(ctx, step, result.Normalize(r))
		return
	}

	step.SetResult(r)
	if r.ResultCode == result.InstallSkippedUpdateAlreadyInstalled {
		e.logger.Info("Install skipped; update already installed", "workflow_id", step.ID())
		e.transition(step, workflow.StateInstallSucceeded)
		e.transition(step, workflow.StateApplyStarted)
		e.transition(step, workflow.StateApplySucceeded)
		e.stepIdx++
		e.persist()
		return
	}

	e.transition(step, workflow.StateInstallSucceeded)
	e.persist()

	if r.ResultCode.IsImmediate() {
		e.hold(r)
	}
}

// applyStep runs apply and finishes the step.
func (e *Engine) applyStep(ctx context.Context, step *workflow.Workflow) {
	e.transition(step, workflow.StateApplyStarted)
	e.persist()

	h, err := e.registry.Resolve(step.UpdateType())
	if err != nil {
		e.failStep(ctx, step, result.Failure(result.ExtendedUnknownUpdateType, err.Error()))
		return
	}

	r := e.callHandler("apply", func() result.Result { return h.Apply(ctx, step) })
	if !r.IsSuccess() {
		e.failStep(ctx, step, result.Normalize(r))
		return
	}

	step.SetResult(r)
	e.transition(step, workflow.StateApplySucceeded)
	e.stepIdx++
	e.persist()

	if r.ResultCode.IsImmediate() {
		e.hold(r)
	}
}

// completeRoot records overall success once every step finished. A
// workflow whose every step short-circuited on installed criteria
// reports the already-installed variant instead of a plain success.
func (e *Engine) completeRoot() {
	e.logger.Info("All workflow steps succeeded", "workflow_id", e.root.ID())
	e.advanceRoot(workflow.StateApplySucceeded)

	allSkipped := len(e.root.Children()) > 0
	for _, child := range e.root.Children() {
		if !child.Result().ResultCode.IsAlreadyInstalled() {
			allSkipped = false
			break
		}
	}
	if allSkipped {
		e.root.SetResult(result.Success(result.InstallSkippedUpdateAlreadyInstalled))
	} else {
		e.root.SetResult(result.Success(result.ApplySuccess))
	}
	e.persist()
}

// failStep terminates the workflow on a step failure: no subsequent step
// runs, the failing step's handler gets a cancel call, and every step
// that executed backup is restored in reverse order.
func (e *Engine) failStep(ctx context.Context, step *workflow.Workflow, r result.Result) {
	e.logger.Error("Workflow step failed",
		"workflow_id", step.ID(),
		"step", step.Index(),
		"result", r.String())
	step.SetResult(r)

	if h, err := e.registry.Resolve(step.UpdateType()); err == nil {
		cancelCtx, cancel := context.WithTimeout(ctx, e.config.CancelTimeout)
		cr := e.callHandler("cancel", func() result.Result { return h.Cancel(cancelCtx, step) })
		cancel()
		if !cr.IsSuccess() || cr.ResultCode == result.CancelUnableToCancel {
			e.logger.Warn("Step cancel did not revert", "workflow_id", step.ID(), "result", cr.String())
		}
	}

	e.restoreBackedUp(ctx, &r)
	e.terminate(r, workflow.StateFailed)
}

// restoreBackedUp drives Restore in reverse backup order. A restore
// failure marks the root with the restore-failed code.
func (e *Engine) restoreBackedUp(ctx context.Context, r *result.Result) {
	for i := len(e.backedUp) - 1; i >= 0; i-- {
		step := e.backedUp[i]
		h, err := e.registry.Resolve(step.UpdateType())
		if err != nil {
			continue
		}
		b, ok := handler.AsBackupHandler(h)
		if !ok {
			continue
		}
		rr := e.callHandler("restore", func() result.Result { return b.Restore(ctx, step) })
		if !rr.IsSuccess() {
			e.logger.Error("Restore failed", "workflow_id", step.ID(), "result", rr.String())
			r.ExtendedCode = result.ExtendedRestoreFailed
			if rr.Details != "" {
				e.root.AppendDetails("restore failed: " + rr.Details)
			} else {
				e.root.AppendDetails("restore failed")
			}
		}
	}
	e.backedUp = nil
}

// cancelCurrent drives cancellation of the in-flight step, restores any
// backed-up steps, and terminates the workflow as cancelled.
func (e *Engine) cancelCurrent(ctx context.Context) {
	r := result.Success(result.CancelSuccess)

	if step := e.currentStep(); step != nil {
		if h, err := e.registry.Resolve(step.UpdateType()); err == nil {
			cancelCtx, cancel := context.WithTimeout(ctx, e.config.CancelTimeout)
			cr := e.callHandler("cancel", func() result.Result { return h.Cancel(cancelCtx, step) })
			cancel()
			if cr.IsSuccess() {
				r = cr
			} else {
				r = result.Success(result.CancelUnableToCancel)
				if cr.Details != "" {
					e.root.AppendDetails(cr.Details)
				}
			}
		}
		step.SetResult(r)
	}

	failure := r
	e.restoreBackedUp(ctx, &failure)
	e.logger.Info("Workflow cancelled", "workflow_id", e.root.ID(), "result", failure.String())
	e.terminate(failure, workflow.StateCancelled)
}

// hold pauses the engine for an immediate reboot or agent restart: the
// request is persisted and surfaced, then no further work happens until
// the process comes back and resumes from the snapshot.
func (e *Engine) hold(r result.Result) {
	e.persist()
	e.held = true
	if e.restarts == nil {
		e.logger.Warn("Immediate reboot/restart requested but no requester wired")
		return
	}
	if r.ResultCode.RequiresReboot() {
		e.logger.Info("Surfacing immediate reboot request", "workflow_id", e.root.ID())
		e.restarts.RequestReboot(true)
	}
	if r.ResultCode.RequiresAgentRestart() {
		e.logger.Info("Surfacing immediate agent restart request", "workflow_id", e.root.ID())
		e.restarts.RequestAgentRestart(true)
	}
}

// transition applies a child state change and mirrors it onto the root.
// A child finishing does not finish the root: the root only reaches
// ApplySucceeded from completeRoot once every step is done.
func (e *Engine) transition(step *workflow.Workflow, next workflow.State) {
	if err := step.SetState(next); err != nil {
		e.logger.Error("Step state transition failed", "error", err)
		return
	}
	if e.metrics != nil {
		e.metrics.WorkflowTransitions.WithLabelValues(string(next)).Inc()
	}
	if next != workflow.StateApplySucceeded {
		e.advanceRoot(next)
	}
}

// advanceRoot walks the root forward along the happy path until it
// reaches target. The root never moves backwards: later steps re-running
// earlier phases leave the root at its high-water mark.
func (e *Engine) advanceRoot(target workflow.State) {
	targetIdx := phaseIndex(target)
	if targetIdx < 0 {
		return
	}
	for phaseIndex(e.root.State()) < targetIdx {
		next := phaseOrder[phaseIndex(e.root.State())+1]
		if err := e.root.SetState(next); err != nil {
			return
		}
	}
}

func phaseIndex(s workflow.State) int {
	for i, p := range phaseOrder {
		if p == s {
			return i
		}
	}
	return -1
}
