package shell

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/otaagent/result"
	"github.com/c360studio/otaagent/workflow"
)

// Handler is a content handler backed by a script in the step's sandbox.
// Each phase runs the script with the conventional argument set and reads
// the result triple back from the result file. The script cooperates
// with cancellation through the invocation context: when the engine
// observes a cancel request it cancels the context and the child is
// killed.
type Handler struct {
	// Interpreter runs the script (default /bin/sh).
	Interpreter string
	// Timeout bounds each phase invocation (default 10m). Handlers must
	// not block indefinitely.
	Timeout time.Duration

	logger *slog.Logger
}

// NewHandler creates a shell handler with defaults applied.
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Interpreter: "/bin/sh",
		Timeout:     10 * time.Minute,
		logger:      logger,
	}
}

// Download is a no-op for script steps: the engine downloads payloads
// (including the script itself) before calling this hook. IsInstalled
// runs earlier, during step preparation, before any payload is present.
func (h *Handler) Download(ctx context.Context, wf *workflow.Workflow) result.Result {
	return result.Success(result.DownloadSuccess)
}

// Install runs the script with --action-install.
func (h *Handler) Install(ctx context.Context, wf *workflow.Workflow) result.Result {
	return h.run(ctx, wf, ActionInstall)
}

// Apply runs the script with --action-apply.
func (h *Handler) Apply(ctx context.Context, wf *workflow.Workflow) result.Result {
	return h.run(ctx, wf, ActionApply)
}

// Cancel runs the script with --action-cancel.
func (h *Handler) Cancel(ctx context.Context, wf *workflow.Workflow) result.Result {
	return h.run(ctx, wf, ActionCancel)
}

// IsInstalled runs the script with --action-is-installed.
func (h *Handler) IsInstalled(ctx context.Context, wf *workflow.Workflow) result.Result {
	return h.run(ctx, wf, ActionIsInstalled)
}

func (h *Handler) run(ctx context.Context, wf *workflow.Workflow, actionFlag string) result.Result {
	script := wf.Step().ScriptFileName()
	if script == "" {
		return result.Failure(result.ExtendedInstallFailed, "step declares no scriptFileName")
	}
	scriptPath, err := sandboxPath(wf.WorkFolder(), script)
	if err != nil {
		return result.Failure(result.ExtendedInstallFailed, err.Error())
	}

	declared := strings.Fields(wf.Step().Arguments())
	args := BuildArgs(wf, actionFlag, declared)

	// Stale result files must never satisfy a new invocation.
	_ = os.Remove(wf.ResultFilePath())

	runCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.Interpreter, append([]string{scriptPath}, args...)...)
	cmd.Dir = wf.WorkFolder()
	// Grandchildren holding the output pipes must not outlive the kill.
	cmd.WaitDelay = time.Second

	h.logger.Debug("Invoking script handler",
		"script", scriptPath,
		"action", actionFlag,
		"workflow_id", wf.ID())

	output, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() != nil {
			return result.Failure(result.ExtendedCancelled,
				fmt.Sprintf("script %s: %v", script, runCtx.Err()))
		}
		// A non-zero exit still produces a result file in well-behaved
		// scripts; fall through and let the file speak. Only a missing
		// file turns the exec error into the reported failure.
		h.logger.Warn("Script handler exited with error",
			"script", script,
			"error", err,
			"output", truncate(string(output), 512))
	}

	return ReadResultFile(wf.ResultFilePath())
}

// sandboxPath joins name onto the sandbox and rejects escapes.
func sandboxPath(sandbox, name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("path traversal not allowed in %q", name)
	}
	path := filepath.Join(sandbox, name)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid script path: %w", err)
	}
	absBase, err := filepath.Abs(sandbox)
	if err != nil {
		return "", fmt.Errorf("invalid sandbox path: %w", err)
	}
	if absPath != absBase && !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("script %q escapes the sandbox", name)
	}
	return path, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
