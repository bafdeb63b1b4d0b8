package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360studio/otaagent/manifest"
	"github.com/c360studio/otaagent/protocol"
	"github.com/c360studio/otaagent/result"
	"github.com/c360studio/otaagent/workflow"
)

// finishTerminal runs the terminal bookkeeping exactly once: notify
// download-handler plug-ins on success, persist the snapshot with the
// reporting payload, publish the report, release the sandbox, and
// surface any deferred reboot/restart request.
func (e *Engine) finishTerminal(ctx context.Context) {
	if e.reported {
		return
	}
	root := e.root

	if root.State() == workflow.StateApplySucceeded && e.plugins != nil {
		for _, plugin := range e.plugins.All() {
			if err := plugin.OnUpdateWorkflowCompleted(ctx, root); err != nil {
				e.logger.Warn("Download handler completion callback failed", "error", err)
			}
		}
	}

	report := e.buildReport()
	reporting, err := json.Marshal(report)
	if err != nil {
		e.logger.Error("Report marshalling failed", "error", err)
		reporting = nil
	}

	// Persistence is ordered before the outbound result publish.
	if e.snapshots != nil {
		if err := e.snapshots.Save(e.buildSnapshot(reporting)); err != nil {
			e.logger.Error("Terminal snapshot write failed", "error", err)
		}
	}
	if e.reporter != nil {
		e.reporter(report)
	}
	e.reported = true

	// The sandbox is owned by the engine and released on terminal exit.
	if err := root.RemoveWorkFolder(); err != nil {
		e.logger.Warn("Sandbox removal failed", "error", err)
	}

	if e.restarts != nil {
		if req, imm := root.IsRebootRequested(); req && !imm {
			e.logger.Info("Surfacing deferred reboot request", "workflow_id", root.ID())
			e.restarts.RequestReboot(false)
		}
		if req, imm := root.IsAgentRestartRequested(); req && !imm {
			e.logger.Info("Surfacing deferred agent restart request", "workflow_id", root.ID())
			e.restarts.RequestAgentRestart(false)
		}
	}

	e.logger.Info("Workflow finished",
		"workflow_id", root.ID(),
		"state", root.State().String(),
		"result", root.Result().String())
}

// buildReport assembles the updrslt_req payload from the root.
func (e *Engine) buildReport() *protocol.UpdateResultRequest {
	root := e.root
	r := root.Result()

	details := r.Details
	if extra := root.Details(); extra != "" {
		if details == "" {
			details = extra
		} else {
			details += "; " + extra
		}
	}

	return &protocol.UpdateResultRequest{
		WorkflowID:         root.ID(),
		ResultCode:         int32(r.ResultCode),
		ExtendedResultCode: int32(uint32(r.ExtendedCode)),
		ResultDetails:      details,
		State:              root.State().String(),
		UpdateId:           root.UpdateId().String(),
	}
}

// Resume replays the persisted snapshot on startup: a terminal snapshot
// emits its final report and is deleted; a non-terminal one (the process
// died mid-workflow, e.g. across a reboot) is settled by re-evaluating
// the pending step's installed criteria, then reported. Either way the
// engine reports before accepting new work.
func (e *Engine) Resume(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	snap, err := e.snapshots.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	if snap.IsTerminal() {
		e.logger.Info("Replaying terminal snapshot",
			"workflow_id", snap.WorkflowId,
			"state", snap.WorkflowStep.String())
		if len(snap.ReportingJson) > 0 && e.reporter != nil {
			var report protocol.UpdateResultRequest
			if err := json.Unmarshal(snap.ReportingJson, &report); err == nil {
				e.reporter(&report)
			} else {
				e.logger.Warn("Unparseable persisted report", "error", err)
			}
		}
		return e.snapshots.Delete()
	}

	e.logger.Info("Resuming interrupted workflow",
		"workflow_id", snap.WorkflowId,
		"state", snap.WorkflowStep.String(),
		"update_type", snap.UpdateType)
	e.settleInterrupted(ctx, snap)
	return nil
}

// settleInterrupted decides the outcome of a workflow interrupted by a
// reboot or crash: the pending step's handler re-evaluates the installed
// criteria against actual device state.
func (e *Engine) settleInterrupted(ctx context.Context, snap *workflow.Snapshot) {
	node := e.rebuildNode(snap)
	e.root = node
	e.reported = false
	e.stepIdx = 0

	final := result.Failure(result.ExtendedUnreportedFailure, "workflow interrupted before completion")
	state := workflow.StateFailed

	if snap.UpdateType != "" {
		if h, err := e.registry.Resolve(snap.UpdateType); err == nil {
			child := node.Children()[0]
			installed := e.callHandler("is-installed", func() result.Result {
				return h.IsInstalled(ctx, child)
			})
			if installed.IsSuccess() && installed.ResultCode == result.Installed {
				final = result.Success(result.ApplySuccess)
				state = workflow.StateApplySucceeded
			}
		}
	}

	// Walk the fresh root to the decided terminal state, then report.
	_ = node.SetState(workflow.StateDeploymentInProgress)
	if state == workflow.StateApplySucceeded {
		e.advanceRoot(workflow.StateApplySucceeded)
	}
	node.SetResult(final)
	if node.State() != state {
		_ = node.SetState(state)
	}
	e.persist()
	e.finishTerminal(ctx)
}

// rebuildNode reconstructs a minimal one-step tree from the snapshot,
// enough for the handler accessors used during settlement.
func (e *Engine) rebuildNode(snap *workflow.Snapshot) *workflow.Workflow {
	step := manifest.Step{
		Handler: snap.UpdateType,
		HandlerProperties: map[string]any{
			"installedCriteria": snap.InstalledCriteria,
		},
	}
	m := &manifest.UpdateManifest{
		ManifestVersion: 4,
		Instructions:    manifest.Instructions{Steps: []manifest.Step{step}},
		CreatedDateTime: time.Time{},
	}
	if ut, err := manifest.ParseUpdateType(snap.ExpectedUpdateId); err == nil {
		m.UpdateId = manifest.UpdateId{Provider: ut.Provider, Name: ut.Name, Version: ut.Version}
	}
	root := workflow.NewRoot(snap.WorkflowId, m, nil, "", snap.WorkFolder)
	root.AddChild(step, m)
	return root
}
