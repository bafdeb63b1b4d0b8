package engine

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/otaagent/handler"
	"github.com/c360studio/otaagent/manifest"
	"github.com/c360studio/otaagent/protocol"
	"github.com/c360studio/otaagent/result"
	"github.com/c360studio/otaagent/workflow"
)

// fakeHandler is a scriptable content handler that records invocations.
type fakeHandler struct {
	calls       []string
	isInstalled result.Result
	download    result.Result
	install     result.Result
	apply       result.Result
	cancel      result.Result
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		isInstalled: result.Success(result.NotInstalled),
		download:    result.Success(result.DownloadSuccess),
		install:     result.Success(result.InstallSuccess),
		apply:       result.Success(result.ApplySuccess),
		cancel:      result.Success(result.CancelSuccess),
	}
}

func (f *fakeHandler) IsInstalled(_ context.Context, _ *workflow.Workflow) result.Result {
	f.calls = append(f.calls, "is-installed")
	return f.isInstalled
}
func (f *fakeHandler) Download(_ context.Context, _ *workflow.Workflow) result.Result {
	f.calls = append(f.calls, "download")
	return f.download
}
func (f *fakeHandler) Install(_ context.Context, _ *workflow.Workflow) result.Result {
	f.calls = append(f.calls, "install")
	return f.install
}
func (f *fakeHandler) Apply(_ context.Context, _ *workflow.Workflow) result.Result {
	f.calls = append(f.calls, "apply")
	return f.apply
}
func (f *fakeHandler) Cancel(_ context.Context, _ *workflow.Workflow) result.Result {
	f.calls = append(f.calls, "cancel")
	return f.cancel
}

func (f *fakeHandler) called(name string) int {
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

// backupFakeHandler adds the optional backup/restore capability.
type backupFakeHandler struct {
	*fakeHandler
	backup  result.Result
	restore result.Result
}

func (b *backupFakeHandler) Backup(_ context.Context, _ *workflow.Workflow) result.Result {
	b.calls = append(b.calls, "backup")
	return b.backup
}
func (b *backupFakeHandler) Restore(_ context.Context, _ *workflow.Workflow) result.Result {
	b.calls = append(b.calls, "restore")
	return b.restore
}

// fakeDownloader writes canned bytes per URL.
type fakeDownloader struct {
	content map[string][]byte
	fetched []string
}

func (f *fakeDownloader) Download(_ context.Context, entity manifest.FileEntity, targetPath string) error {
	body, ok := f.content[entity.URL]
	if !ok {
		return fmt.Errorf("no content for %s", entity.URL)
	}
	f.fetched = append(f.fetched, entity.FileId)
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(targetPath, body, 0o644)
}

// fakeRestarts records surfaced reboot/restart requests.
type fakeRestarts struct {
	reboots  []bool
	restarts []bool
}

func (f *fakeRestarts) RequestReboot(immediate bool)       { f.reboots = append(f.reboots, immediate) }
func (f *fakeRestarts) RequestAgentRestart(immediate bool) { f.restarts = append(f.restarts, immediate) }

// testRig bundles an engine with its fakes.
type testRig struct {
	engine     *Engine
	registry   *handler.Registry
	plugins    *handler.DownloadHandlerRegistry
	downloader *fakeDownloader
	restarts   *fakeRestarts
	reports    []*protocol.UpdateResultRequest
	snapshots  *workflow.SnapshotStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		registry:   handler.NewRegistry(nil, nil),
		plugins:    handler.NewDownloadHandlerRegistry(nil),
		downloader: &fakeDownloader{content: map[string][]byte{}},
		restarts:   &fakeRestarts{},
		snapshots:  workflow.NewSnapshotStore(filepath.Join(t.TempDir(), "snapshot.json")),
	}
	cfg := DefaultConfig()
	cfg.SandboxBase = filepath.Join(t.TempDir(), "sandbox")
	cfg.CancelTimeout = time.Second

	rig.engine = New(cfg, rig.registry, rig.plugins, rig.downloader, nil, rig.snapshots,
		func(report *protocol.UpdateResultRequest) {
			rig.reports = append(rig.reports, report)
		}, rig.restarts, nil)
	rig.engine.verify = func([]byte, string, manifest.TrustStore) error { return nil }
	return rig
}

// drive ticks the engine until at least want reports were emitted or
// the budget runs out.
func (r *testRig) drive(t *testing.T, maxTicks, want int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxTicks; i++ {
		r.engine.Tick(ctx, time.Now())
		if len(r.reports) >= want {
			return
		}
	}
}

// oneStepManifest builds a manifest with one swupdate step and matching
// payload content registered in the downloader.
func (r *testRig) oneStepManifest(content []byte) string {
	sum := sha256.Sum256(content)
	r.downloader.content["http://cdn/image.swu"] = content
	return fmt.Sprintf(`{
		"manifestVersion": 4,
		"updateId": {"provider": "contoso", "name": "toaster", "version": "1.0"},
		"instructions": {"steps": [{
			"handler": "microsoft/swupdate:2",
			"files": ["f1"],
			"handlerProperties": {"installedCriteria": "1.0"}
		}]},
		"files": {"f1": {"fileName": "image.swu", "sizeInBytes": %d, "hashes": {"sha256": %q}}},
		"createdDateTime": "2024-05-01T12:00:00Z"
	}`, len(content), base64.StdEncoding.EncodeToString(sum[:]))
}

func deploymentFor(manifestJSON string) *protocol.Deployment {
	return &protocol.Deployment{
		Workflow:                protocol.WorkflowInfo{ID: "wf-1", Action: string(workflow.ActionProcessDeployment)},
		UpdateManifest:          manifestJSON,
		UpdateManifestSignature: "sig",
		FileUrls:                map[string]string{"f1": "http://cdn/image.swu"},
	}
}

func TestEngine_HappyInstall(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}

	rig.engine.ProcessDeployment(context.Background(), deploymentFor(rig.oneStepManifest([]byte("swu bytes"))))
	if rig.engine.Current() == nil {
		t.Fatal("no live workflow")
	}
	rig.drive(t, 20, 1)

	if got := rig.engine.Current().State(); got != workflow.StateApplySucceeded {
		t.Fatalf("root state = %s", got)
	}
	if len(rig.reports) != 1 {
		t.Fatalf("reports = %d", len(rig.reports))
	}
	report := rig.reports[0]
	if report.ResultCode != 700 || report.ExtendedResultCode != 0 {
		t.Errorf("report = %d/0x%08X", report.ResultCode, uint32(report.ExtendedResultCode))
	}
	if report.WorkflowID != "wf-1" || report.State != "applySucceeded" {
		t.Errorf("report = %+v", report)
	}

	// Every phase ran in order.
	for _, phase := range []string{"is-installed", "download", "install", "apply"} {
		if h.called(phase) != 1 {
			t.Errorf("%s called %d times", phase, h.called(phase))
		}
	}

	// Sandbox released on terminal success.
	if _, err := os.Stat(rig.engine.Current().WorkFolder()); !os.IsNotExist(err) {
		t.Error("sandbox survived terminal success")
	}
}

func TestEngine_AlreadyInstalledShortCircuits(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	h.isInstalled = result.Success(result.Installed)
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}

	rig.engine.ProcessDeployment(context.Background(), deploymentFor(rig.oneStepManifest([]byte("swu"))))
	rig.drive(t, 20, 1)

	if len(rig.reports) != 1 {
		t.Fatalf("reports = %d", len(rig.reports))
	}
	if rig.reports[0].ResultCode != 603 || rig.reports[0].ExtendedResultCode != 0 {
		t.Errorf("report = %d/%d, want 603/0", rig.reports[0].ResultCode, rig.reports[0].ExtendedResultCode)
	}
	// No bytes downloaded, no install attempted.
	if len(rig.downloader.fetched) != 0 {
		t.Error("payload fetched despite short circuit")
	}
	if h.called("install") != 0 || h.called("download") != 0 {
		t.Errorf("calls = %v", h.calls)
	}
}

func TestEngine_HashMismatchFailsDownloadPhase(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}

	manifestJSON := rig.oneStepManifest([]byte("expected bytes"))
	// Serve different bytes than the manifest's hash declares.
	rig.downloader.content["http://cdn/image.swu"] = []byte("expected bytez")

	rig.engine.ProcessDeployment(context.Background(), deploymentFor(manifestJSON))
	rig.drive(t, 20, 1)

	if got := rig.engine.Current().State(); got != workflow.StateFailed {
		t.Fatalf("root state = %s", got)
	}
	report := rig.reports[0]
	if report.ResultCode != 0 {
		t.Errorf("result code = %d, want 0", report.ResultCode)
	}
	if result.ExtendedCode(uint32(report.ExtendedResultCode)).FacilityOf() != result.FacilityContentHandler {
		t.Errorf("extended = 0x%08X, want content-handler facility", uint32(report.ExtendedResultCode))
	}
	if h.called("cancel") != 1 {
		t.Error("cancel not invoked on failing step")
	}
	if h.called("install") != 0 {
		t.Error("install ran after failed download")
	}
}

func TestEngine_CancelMidWorkflow(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	rig.engine.ProcessDeployment(ctx, deploymentFor(rig.oneStepManifest([]byte("swu"))))

	// Let the first tick prepare the step (no download yet), then cancel.
	rig.engine.Tick(ctx, time.Now())
	rig.engine.Cancel(ctx, "wf-1")
	rig.drive(t, 20, 1)

	if got := rig.engine.Current().State(); got != workflow.StateCancelled {
		t.Fatalf("root state = %s", got)
	}
	report := rig.reports[0]
	if report.ResultCode != int32(result.CancelSuccess) {
		t.Errorf("result code = %d, want %d", report.ResultCode, result.CancelSuccess)
	}
	if report.State != "cancelled" {
		t.Errorf("state = %s", report.State)
	}
	if h.called("cancel") != 1 {
		t.Error("handler cancel not invoked")
	}
	if h.called("install") != 0 {
		t.Error("install ran after cancel")
	}

	// Persisted snapshot is terminal.
	snap, err := rig.snapshots.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil || !snap.IsTerminal() {
		t.Errorf("snapshot = %+v", snap)
	}
}

// fakePlugin is a download-handler plug-in producing files locally.
type fakePlugin struct {
	verdict   handler.ProcessResult
	err       error
	content   []byte
	processed []string
	completed int
}

func (f *fakePlugin) ProcessUpdate(_ context.Context, _ *workflow.Workflow, entity manifest.FileEntity, targetPath string) (handler.ProcessResult, error) {
	f.processed = append(f.processed, entity.FileId)
	if f.err != nil {
		return handler.RequiredFullDownload, f.err
	}
	if f.verdict == handler.SuccessSkipDownload {
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return handler.RequiredFullDownload, err
		}
		if err := os.WriteFile(targetPath, f.content, 0o644); err != nil {
			return handler.RequiredFullDownload, err
		}
	}
	return f.verdict, nil
}

func (f *fakePlugin) OnUpdateWorkflowCompleted(_ context.Context, _ *workflow.Workflow) error {
	f.completed++
	return nil
}

func deltaManifest(content []byte) string {
	sum := sha256.Sum256(content)
	return fmt.Sprintf(`{
		"manifestVersion": 4,
		"updateId": {"provider": "contoso", "name": "toaster", "version": "2.0"},
		"instructions": {"steps": [{
			"handler": "microsoft/swupdate:2",
			"files": ["f1"],
			"handlerProperties": {"installedCriteria": "2.0"}
		}]},
		"files": {"f1": {
			"fileName": "image.swu",
			"sizeInBytes": %d,
			"hashes": {"sha256": %q},
			"relatedFiles": [{
				"fileName": "image.delta",
				"sizeInBytes": 10,
				"downloadHandler": {"id": "microsoft/delta-download-handler:1"}
			}]
		}},
		"createdDateTime": "2024-05-01T12:00:00Z"
	}`, len(content), base64.StdEncoding.EncodeToString(sum[:]))
}

func TestEngine_DeltaFastPathSkipsNetworkDownload(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}

	content := []byte("reconstructed image")
	plugin := &fakePlugin{verdict: handler.SuccessSkipDownload, content: content}
	rig.plugins.Register("microsoft/delta-download-handler:1", plugin)

	rig.engine.ProcessDeployment(context.Background(), deploymentFor(deltaManifest(content)))
	rig.drive(t, 20, 1)

	if got := rig.engine.Current().State(); got != workflow.StateApplySucceeded {
		t.Fatalf("root state = %s", got)
	}
	if len(plugin.processed) != 1 {
		t.Errorf("plug-in consulted %d times", len(plugin.processed))
	}
	// Engine skipped the network fetch; hash verification still passed on
	// the plug-in-produced file, and install proceeded.
	if len(rig.downloader.fetched) != 0 {
		t.Error("network download ran despite SuccessSkipDownload")
	}
	if h.called("install") != 1 {
		t.Error("install did not proceed")
	}
	// Root success fanned out to the plug-in.
	if plugin.completed != 1 {
		t.Errorf("completion callbacks = %d", plugin.completed)
	}
}

func TestEngine_DeltaFallbackOnDecline(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}

	content := []byte("full image")
	plugin := &fakePlugin{verdict: handler.RequiredFullDownload}
	rig.plugins.Register("microsoft/delta-download-handler:1", plugin)
	rig.downloader.content["http://cdn/image.swu"] = content

	rig.engine.ProcessDeployment(context.Background(), deploymentFor(deltaManifest(content)))
	rig.drive(t, 20, 1)

	if got := rig.engine.Current().State(); got != workflow.StateApplySucceeded {
		t.Fatalf("root state = %s", got)
	}
	if len(rig.downloader.fetched) != 1 {
		t.Error("full download did not run after plug-in declined")
	}
}

func TestEngine_UnknownUpdateTypeFails(t *testing.T) {
	rig := newTestRig(t)
	// Nothing registered.
	rig.engine.ProcessDeployment(context.Background(), deploymentFor(rig.oneStepManifest([]byte("x"))))
	rig.drive(t, 20, 1)

	if got := rig.engine.Current().State(); got != workflow.StateFailed {
		t.Fatalf("root state = %s", got)
	}
	if uint32(rig.reports[0].ExtendedResultCode) != uint32(result.ExtendedUnknownUpdateType) {
		t.Errorf("extended = 0x%08X", uint32(rig.reports[0].ExtendedResultCode))
	}
}

func TestEngine_SignatureFailureIsTerminal(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}
	rig.engine.verify = func([]byte, string, manifest.TrustStore) error {
		return fmt.Errorf("signature does not verify")
	}

	rig.engine.ProcessDeployment(context.Background(), deploymentFor(rig.oneStepManifest([]byte("x"))))
	rig.drive(t, 20, 1)

	if got := rig.engine.Current().State(); got != workflow.StateFailed {
		t.Fatalf("root state = %s", got)
	}
	if uint32(rig.reports[0].ExtendedResultCode) != uint32(result.ExtendedManifestSignature) {
		t.Errorf("extended = 0x%08X", uint32(rig.reports[0].ExtendedResultCode))
	}
	if h.called("is-installed") != 0 {
		t.Error("handler invoked despite signature failure")
	}
}

func TestEngine_ImmediateRebootHoldsEngine(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	h.install = result.Success(result.InstallRequiredImmediateReboot)
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}

	rig.engine.ProcessDeployment(context.Background(), deploymentFor(rig.oneStepManifest([]byte("swu"))))
	rig.drive(t, 20, 1)

	// No report yet: the workflow is held for the reboot.
	if len(rig.reports) != 0 {
		t.Fatalf("reports = %d, want 0", len(rig.reports))
	}
	if len(rig.restarts.reboots) != 1 || !rig.restarts.reboots[0] {
		t.Fatalf("reboots = %v, want [true]", rig.restarts.reboots)
	}
	if h.called("apply") != 0 {
		t.Error("apply ran despite immediate reboot hold")
	}

	snap, err := rig.snapshots.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.SystemRebootState != workflow.RebootRequired {
		t.Errorf("snapshot reboot state = %s", snap.SystemRebootState)
	}
	if snap.IsTerminal() {
		t.Error("held snapshot must not be terminal")
	}
}

func TestEngine_BackupRestoredOnLaterFailure(t *testing.T) {
	rig := newTestRig(t)
	first := &backupFakeHandler{
		fakeHandler: newFakeHandler(),
		backup:      result.Success(result.InstallSuccess),
		restore:     result.Success(result.InstallSuccess),
	}
	second := newFakeHandler()
	second.install = result.Failure(result.ExtendedInstallFailed, "no space")

	if err := rig.registry.Register("contoso/first:1", first); err != nil {
		t.Fatal(err)
	}
	if err := rig.registry.Register("contoso/second:1", second); err != nil {
		t.Fatal(err)
	}

	content := []byte("payload")
	sum := sha256.Sum256(content)
	rig.downloader.content["http://cdn/p1"] = content
	rig.downloader.content["http://cdn/p2"] = content
	manifestJSON := fmt.Sprintf(`{
		"manifestVersion": 4,
		"updateId": {"provider": "contoso", "name": "bundle", "version": "1.0"},
		"instructions": {"steps": [
			{"handler": "contoso/first:1", "files": ["f1"], "handlerProperties": {"installedCriteria": "a"}},
			{"handler": "contoso/second:1", "files": ["f2"], "handlerProperties": {"installedCriteria": "b"}}
		]},
		"files": {
			"f1": {"fileName": "p1.bin", "sizeInBytes": %d, "hashes": {"sha256": %q}},
			"f2": {"fileName": "p2.bin", "sizeInBytes": %d, "hashes": {"sha256": %q}}
		},
		"createdDateTime": "2024-05-01T12:00:00Z"
	}`, len(content), base64.StdEncoding.EncodeToString(sum[:]),
		len(content), base64.StdEncoding.EncodeToString(sum[:]))

	d := deploymentFor(manifestJSON)
	d.FileUrls = map[string]string{"f1": "http://cdn/p1", "f2": "http://cdn/p2"}

	rig.engine.ProcessDeployment(context.Background(), d)
	rig.drive(t, 40, 1)

	if got := rig.engine.Current().State(); got != workflow.StateFailed {
		t.Fatalf("root state = %s", got)
	}
	if first.called("backup") != 1 {
		t.Error("backup not invoked on first step")
	}
	if first.called("restore") != 1 {
		t.Error("restore not invoked after later failure")
	}
	if second.called("cancel") != 1 {
		t.Error("cancel not invoked on failing step")
	}
	if second.called("apply") != 0 {
		t.Error("apply ran on failed step")
	}
}

func TestEngine_NewDeploymentAbortsPrevious(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	rig.engine.ProcessDeployment(ctx, deploymentFor(rig.oneStepManifest([]byte("v1"))))
	rig.engine.Tick(ctx, time.Now())

	// Second assignment arrives mid-flight.
	d2 := deploymentFor(rig.oneStepManifest([]byte("v2")))
	d2.Workflow.ID = "wf-2"
	rig.engine.ProcessDeployment(ctx, d2)

	// The aborted workflow reported its cancellation.
	if len(rig.reports) != 1 {
		t.Fatalf("reports = %d, want 1 (aborted workflow)", len(rig.reports))
	}
	if rig.reports[0].WorkflowID != "wf-1" || rig.reports[0].State != "cancelled" {
		t.Errorf("abort report = %+v", rig.reports[0])
	}

	if rig.engine.Current().ID() != "wf-2" {
		t.Fatalf("live workflow = %s", rig.engine.Current().ID())
	}
	rig.drive(t, 20, 2)
	if len(rig.reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(rig.reports))
	}
	if rig.reports[1].WorkflowID != "wf-2" || rig.reports[1].ResultCode != 700 {
		t.Errorf("final report = %+v", rig.reports[1])
	}
}

func TestEngine_CancelAfterTerminalIsAdvisory(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	rig.engine.ProcessDeployment(ctx, deploymentFor(rig.oneStepManifest([]byte("swu"))))
	rig.drive(t, 20, 1)
	if rig.engine.Current().State() != workflow.StateApplySucceeded {
		t.Fatal("workflow did not succeed")
	}

	rig.engine.Cancel(ctx, "wf-1")
	rig.engine.Tick(ctx, time.Now())

	// Outcome stands; no second report, state still success.
	if rig.engine.Current().State() != workflow.StateApplySucceeded {
		t.Errorf("state = %s after advisory cancel", rig.engine.Current().State())
	}
	if len(rig.reports) != 1 {
		t.Errorf("reports = %d", len(rig.reports))
	}
}

func TestEngine_ResumeTerminalSnapshotReplaysReport(t *testing.T) {
	rig := newTestRig(t)

	report := &protocol.UpdateResultRequest{
		WorkflowID: "wf-old",
		ResultCode: 700,
		State:      "applySucceeded",
	}
	reporting, _ := json.Marshal(report)
	if err := rig.snapshots.Save(&workflow.Snapshot{
		WorkflowStep:  workflow.StateApplySucceeded,
		ResultCode:    700,
		WorkflowId:    "wf-old",
		ReportingJson: reporting,
	}); err != nil {
		t.Fatal(err)
	}

	if err := rig.engine.Resume(context.Background()); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if len(rig.reports) != 1 || rig.reports[0].WorkflowID != "wf-old" {
		t.Fatalf("reports = %+v", rig.reports)
	}
	// Snapshot consumed.
	snap, _ := rig.snapshots.Load()
	if snap != nil {
		t.Error("terminal snapshot survived resume")
	}
}

func TestEngine_ResumeInterruptedSettlesViaInstalledCriteria(t *testing.T) {
	tests := []struct {
		name       string
		installed  result.Result
		wantCode   int32
		wantState  string
	}{
		{"criteria satisfied reports success", result.Success(result.Installed), 700, "applySucceeded"},
		{"criteria unsatisfied reports failure", result.Success(result.NotInstalled), 0, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t)
			h := newFakeHandler()
			h.isInstalled = tt.installed
			if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
				t.Fatal(err)
			}

			if err := rig.snapshots.Save(&workflow.Snapshot{
				WorkflowStep:      workflow.StateInstallSucceeded,
				SystemRebootState: workflow.RebootRequired,
				ExpectedUpdateId:  "contoso/toaster:1.0",
				WorkflowId:        "wf-resume",
				UpdateType:        "microsoft/swupdate:2",
				InstalledCriteria: "1.0",
				WorkFolder:        filepath.Join(t.TempDir(), "wf-resume"),
			}); err != nil {
				t.Fatal(err)
			}

			if err := rig.engine.Resume(context.Background()); err != nil {
				t.Fatalf("Resume() error = %v", err)
			}
			if len(rig.reports) != 1 {
				t.Fatalf("reports = %d", len(rig.reports))
			}
			if rig.reports[0].ResultCode != tt.wantCode || rig.reports[0].State != tt.wantState {
				t.Errorf("report = %+v", rig.reports[0])
			}
		})
	}
}

func TestEngine_MonotoneCancellation(t *testing.T) {
	rig := newTestRig(t)
	h := newFakeHandler()
	if err := rig.registry.Register("microsoft/swupdate:2", h); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	rig.engine.ProcessDeployment(ctx, deploymentFor(rig.oneStepManifest([]byte("swu"))))
	rig.engine.Current().RequestCancel()
	rig.drive(t, 20, 1)

	// Once the cancel flag is set, install and apply never run.
	if h.called("install") != 0 || h.called("apply") != 0 {
		t.Errorf("calls after cancel = %v", h.calls)
	}
	if rig.engine.Current().State() != workflow.StateCancelled {
		t.Errorf("state = %s", rig.engine.Current().State())
	}
}
