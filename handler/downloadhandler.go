package handler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/c360studio/otaagent/manifest"
	"github.com/c360studio/otaagent/workflow"
)

// ProcessResult is a download-handler plug-in's verdict for one payload.
type ProcessResult int

const (
	// SuccessSkipDownload means the plug-in produced the target file; the
	// engine must not download.
	SuccessSkipDownload ProcessResult = iota
	// RequiredFullDownload means the plug-in declined (e.g. source-cache
	// miss) and the engine falls back to the normal download.
	RequiredFullDownload
)

// DownloadHandler is the secondary plug-in contract consulted before the
// payload-level download, enabling source-cache and delta reconstruction.
// A returned error is treated as "required full download" unless the
// plug-in marks it fatal via FatalError.
type DownloadHandler interface {
	// ProcessUpdate may produce targetPath from local material instead of
	// the network.
	ProcessUpdate(ctx context.Context, wf *workflow.Workflow, entity manifest.FileEntity, targetPath string) (ProcessResult, error)

	// OnUpdateWorkflowCompleted is invoked after the root workflow
	// succeeds, so the plug-in can e.g. move payloads into a persistent
	// source-update cache.
	OnUpdateWorkflowCompleted(ctx context.Context, wf *workflow.Workflow) error
}

// FatalError marks a plug-in failure that must fail the download instead
// of falling back to a full download.
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string { return "download handler: " + e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *FatalError) Unwrap() error { return e.Err }

// DownloadHandlerRegistry resolves download-handler plug-in ids
// ("provider/name:version") to implementations.
type DownloadHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]DownloadHandler
	logger   *slog.Logger
}

// NewDownloadHandlerRegistry creates an empty plug-in registry.
func NewDownloadHandlerRegistry(logger *slog.Logger) *DownloadHandlerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadHandlerRegistry{
		handlers: make(map[string]DownloadHandler),
		logger:   logger,
	}
}

// Register adds a plug-in under its id. Later registrations replace
// earlier ones.
func (r *DownloadHandlerRegistry) Register(id string, h DownloadHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(id)] = h
	r.logger.Debug("Registered download handler", "id", id)
}

// Resolve looks up a plug-in by id.
func (r *DownloadHandlerRegistry) Resolve(id string) (DownloadHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(id)]
	return h, ok
}

// All returns every registered plug-in, for workflow-completed fan-out.
func (r *DownloadHandlerRegistry) All() []DownloadHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DownloadHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	return out
}
