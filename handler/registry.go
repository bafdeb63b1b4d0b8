package handler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/otaagent/manifest"
)

// Registry maps update types ("provider/name:version") to content
// handlers. Lookup is case-insensitive on provider and name. An optional
// allowlist of doublestar patterns ("microsoft/*") restricts which update
// types may register; an empty allowlist allows all.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]ContentHandler
	allowlist []string
	logger    *slog.Logger
}

// NewRegistry creates a registry with the given allowlist patterns.
func NewRegistry(allowlist []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers:  make(map[string]ContentHandler),
		allowlist: allowlist,
		logger:    logger,
	}
}

// Register adds a handler for an update type. Registration happens at
// startup; dynamic discovery of on-disk plug-ins is deliberately not
// supported.
func (r *Registry) Register(updateType string, h ContentHandler) error {
	ut, err := manifest.ParseUpdateType(updateType)
	if err != nil {
		return fmt.Errorf("register handler: %w", err)
	}
	if !r.allowed(ut) {
		return fmt.Errorf("register handler: update type %q not in allowlist", updateType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := ut.Key()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("register handler: %q already registered", updateType)
	}
	r.handlers[key] = h
	r.logger.Info("Registered content handler", "update_type", ut.String())
	return nil
}

// Resolve returns the handler for an update type.
func (r *Registry) Resolve(updateType string) (ContentHandler, error) {
	ut, err := manifest.ParseUpdateType(updateType)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[ut.Key()]
	if !ok {
		return nil, fmt.Errorf("no handler registered for update type %q", updateType)
	}
	return h, nil
}

// Types returns the registered update-type keys, for diagnostics.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// allowed checks the "{provider}/{name}" part against the allowlist.
func (r *Registry) allowed(ut manifest.UpdateType) bool {
	if len(r.allowlist) == 0 {
		return true
	}
	candidate := ut.Provider + "/" + ut.Name
	for _, pattern := range r.allowlist {
		if ok, err := doublestar.Match(pattern, candidate); err == nil && ok {
			return true
		}
	}
	return false
}
