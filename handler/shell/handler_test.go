//go:build !windows

package shell

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/otaagent/manifest"
	"github.com/c360studio/otaagent/result"
	"github.com/c360studio/otaagent/workflow"
)

func scriptNode(t *testing.T, script string) *workflow.Workflow {
	t.Helper()
	m := &manifest.UpdateManifest{
		ManifestVersion: 4,
		UpdateId:        manifest.UpdateId{Provider: "contoso", Name: "toaster", Version: "1.0"},
		Instructions: manifest.Instructions{Steps: []manifest.Step{{
			Handler: "contoso/script:1",
			HandlerProperties: map[string]any{
				"installedCriteria": "1.0",
				"scriptFileName":    "handler.sh",
			},
		}}},
	}
	root := workflow.NewRoot("wf-1", m, nil, "", t.TempDir())
	node := root.AddChild(m.Instructions.Steps[0], m)
	if err := os.WriteFile(filepath.Join(node.WorkFolder(), "handler.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return node
}

func TestHandler_InstallReadsResultFile(t *testing.T) {
	// The script echoes its result through the conventional result file in
	// the work folder.
	node := scriptNode(t, `#!/bin/sh
echo '{"resultCode":600,"extendedResultCode":0,"resultDetails":"installed v1"}' > aduc_result.json
`)
	h := NewHandler(nil)

	r := h.Install(context.Background(), node)
	if r.ResultCode != result.InstallSuccess {
		t.Fatalf("result = %+v", r)
	}
	if r.Details != "installed v1" {
		t.Errorf("details = %q", r.Details)
	}
}

func TestHandler_ReceivesEngineArguments(t *testing.T) {
	// The script dumps its arguments; the result details carry them back.
	node := scriptNode(t, `#!/bin/sh
printf '{"resultCode":900,"extendedResultCode":0,"resultDetails":"%s"}' "$*" > aduc_result.json
`)
	h := NewHandler(nil)

	r := h.IsInstalled(context.Background(), node)
	if r.ResultCode != result.Installed {
		t.Fatalf("result = %+v", r)
	}
	for _, want := range []string{"--action-is-installed", "--work-folder", "--result-file", "--installed-criteria"} {
		if !strings.Contains(r.Details, want) {
			t.Errorf("arguments missing %q: %s", want, r.Details)
		}
	}
	// Only the modern spelling is emitted.
	if strings.Contains(r.Details, "--workfolder") {
		t.Errorf("legacy --workfolder emitted: %s", r.Details)
	}
}

func TestHandler_MissingResultFileIsParseFailure(t *testing.T) {
	node := scriptNode(t, "#!/bin/sh\nexit 0\n")
	h := NewHandler(nil)

	r := h.Apply(context.Background(), node)
	if r.IsSuccess() {
		t.Fatal("missing result file reported success")
	}
	if r.ExtendedCode != result.ExtendedParseResultFile {
		t.Errorf("extended = %s", r.ExtendedCode)
	}
}

func TestHandler_StaleResultFileRemoved(t *testing.T) {
	node := scriptNode(t, "#!/bin/sh\nexit 1\n")
	// A result file from a previous run must not satisfy this invocation.
	if err := os.WriteFile(node.ResultFilePath(), []byte(`{"resultCode":600}`), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(nil)

	r := h.Install(context.Background(), node)
	if r.IsSuccess() {
		t.Fatal("stale result file accepted")
	}
}

func TestHandler_TimeoutKillsScript(t *testing.T) {
	node := scriptNode(t, "#!/bin/sh\nsleep 30\n")
	h := NewHandler(nil)
	h.Timeout = 200 * time.Millisecond

	start := time.Now()
	r := h.Install(context.Background(), node)
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not kill the script")
	}
	if r.IsSuccess() {
		t.Fatal("timed-out script reported success")
	}
	if r.ExtendedCode != result.ExtendedCancelled {
		t.Errorf("extended = %s", r.ExtendedCode)
	}
}

func TestHandler_MissingScriptNameFails(t *testing.T) {
	m := &manifest.UpdateManifest{
		ManifestVersion: 4,
		UpdateId:        manifest.UpdateId{Provider: "contoso", Name: "toaster", Version: "1.0"},
		Instructions: manifest.Instructions{Steps: []manifest.Step{{
			Handler: "contoso/script:1",
		}}},
	}
	root := workflow.NewRoot("wf-1", m, nil, "", t.TempDir())
	node := root.AddChild(m.Instructions.Steps[0], m)

	h := NewHandler(nil)
	if r := h.Install(context.Background(), node); r.IsSuccess() {
		t.Fatal("step without scriptFileName succeeded")
	}
}
