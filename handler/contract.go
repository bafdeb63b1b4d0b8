// Package handler defines the content-handler contract, the
// download-handler plug-in contract, and the name-versioned registries
// that resolve an update type to an implementation.
package handler

import (
	"context"

	"github.com/c360studio/otaagent/result"
	"github.com/c360studio/otaagent/workflow"
)

// ContentHandler is the polymorphic operation set a handler implements
// for one update type. Handlers receive the workflow node opaque except
// via its accessor methods, and must cooperate with cancellation by
// checking the node's cancel flag; they must not block indefinitely.
type ContentHandler interface {
	// Download fetches every payload file the step references into the
	// sandbox. May short-circuit with DownloadSkippedUpdateAlreadyInstalled
	// when the installed criteria already holds.
	Download(ctx context.Context, wf *workflow.Workflow) result.Result

	// Install applies the update to the device or selected component.
	// Must be idempotent with respect to the installed criteria.
	Install(ctx context.Context, wf *workflow.Workflow) result.Result

	// Apply finalizes the installation (e.g. flips the boot slot).
	Apply(ctx context.Context, wf *workflow.Workflow) result.Result

	// Cancel reverts in-progress work where possible.
	Cancel(ctx context.Context, wf *workflow.Workflow) result.Result

	// IsInstalled reports whether the step's installed criteria is already
	// satisfied on the device.
	IsInstalled(ctx context.Context, wf *workflow.Workflow) result.Result
}

// BackupHandler is the optional backup/restore capability. The engine
// invokes Backup before Install on handlers that implement it, and
// Restore in reverse order when a later step fails.
type BackupHandler interface {
	Backup(ctx context.Context, wf *workflow.Workflow) result.Result
	Restore(ctx context.Context, wf *workflow.Workflow) result.Result
}

// AsBackupHandler returns the handler's backup capability, if it has one.
func AsBackupHandler(h ContentHandler) (BackupHandler, bool) {
	b, ok := h.(BackupHandler)
	return b, ok
}
