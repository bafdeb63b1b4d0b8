package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/otaagent/download"
	"github.com/c360studio/otaagent/manifest"
	"github.com/c360studio/otaagent/rootkey"
)

// RootKeyOp is the background operation that refreshes the root-key
// package: download to a staging path, parse, verify against the active
// set, swap iff strictly newer. It runs last in the loop priority order.
type RootKeyOp struct {
	op         *Operation
	store      *rootkey.Store
	downloader download.Downloader
	logger     *slog.Logger

	packageURL  string
	stagingDir  string
	interval    time.Duration
	nextRefresh time.Time
}

// NewRootKeyOp creates the refresh operation. packageURL may be empty to
// disable refresh (the local package still serves verification).
func NewRootKeyOp(store *rootkey.Store, downloader download.Downloader, packageURL, stagingDir string, interval time.Duration, retry RetryParams, logger *slog.Logger) *RootKeyOp {
	if logger == nil {
		logger = slog.Default()
	}
	if interval == 0 {
		interval = 24 * time.Hour
	}
	r := &RootKeyOp{
		store:      store,
		downloader: downloader,
		logger:     logger,
		packageURL: packageURL,
		stagingDir: stagingDir,
		interval:   interval,
	}
	r.op = NewOperation("root-key-refresh", retry, func(string) error {
		return r.refresh()
	}, Hooks{}, logger)
	return r
}

// DoWork arms a refresh whenever the interval elapses. The attempt is
// synchronous, so success completes immediately.
func (r *RootKeyOp) DoWork(now time.Time) OperationState {
	if r.packageURL == "" {
		return OpIdle
	}
	if r.op.State() != OpInProgress && !now.Before(r.nextRefresh) {
		r.op.Arm(now)
	}
	// The attempt is synchronous: refresh() marks its own success, so a
	// returned InProgress means a retry is pending.
	return r.op.DoWork(now)
}

// refresh performs one download/verify/swap cycle. Returning nil marks
// the attempt successful.
func (r *RootKeyOp) refresh() error {
	staging := filepath.Join(r.stagingDir, "rootkeys.staged.json")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	entity := manifest.FileEntity{FileId: "rootkeys", URL: r.packageURL}
	if err := r.downloader.Download(ctx, entity, staging); err != nil {
		return fmt.Errorf("download root-key package: %w", err)
	}
	defer os.Remove(staging)

	raw, err := os.ReadFile(staging)
	if err != nil {
		return fmt.Errorf("read staged root-key package: %w", err)
	}

	if err := r.store.Update(raw); err != nil {
		// A package that is not newer is the steady state, not a failure.
		pkg, parseErr := rootkey.Parse(raw)
		if parseErr == nil && r.store.Snapshot() != nil && pkg.Protected.Version <= r.store.Snapshot().Version() {
			r.logger.Debug("Root-key package already current",
				"version", pkg.Protected.Version,
				"active", r.store.Snapshot().Version())
			r.completed()
			return nil
		}
		return err
	}
	r.completed()
	return nil
}

func (r *RootKeyOp) completed() {
	r.nextRefresh = time.Now().Add(r.interval)
	r.op.CompleteSuccess(time.Now())
}
