package manifest

import (
	"strings"
	"testing"
)

const sampleManifest = `{
	"manifestVersion": 4,
	"updateId": {"provider": "contoso", "name": "toaster", "version": "1.0"},
	"compatibility": [{"deviceManufacturer": "contoso", "deviceModel": "toaster"}],
	"instructions": {
		"steps": [
			{
				"handler": "microsoft/swupdate:2",
				"files": ["f1"],
				"handlerProperties": {"installedCriteria": "1.0", "arguments": "--verbose"}
			}
		]
	},
	"files": {
		"f1": {
			"fileName": "image.swu",
			"sizeInBytes": 1024,
			"hashes": {"sha256": "aGFzaA=="}
		}
	},
	"createdDateTime": "2024-05-01T12:00:00Z"
}`

func TestParse_ValidManifest(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if m.UpdateId.Provider != "contoso" || m.UpdateId.Version != "1.0" {
		t.Errorf("updateId = %+v", m.UpdateId)
	}
	if len(m.Instructions.Steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(m.Instructions.Steps))
	}
	step := m.Instructions.Steps[0]
	if step.Handler != "microsoft/swupdate:2" {
		t.Errorf("handler = %q", step.Handler)
	}
	if step.InstalledCriteria() != "1.0" {
		t.Errorf("installedCriteria = %q", step.InstalledCriteria())
	}
	if step.Arguments() != "--verbose" {
		t.Errorf("arguments = %q", step.Arguments())
	}
	if step.IsReference() {
		t.Error("inline step reported as reference")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "unsupported version",
			mutate:  func(s string) string { return strings.Replace(s, `"manifestVersion": 4`, `"manifestVersion": 2`, 1) },
			wantErr: "manifestVersion",
		},
		{
			name:    "missing provider",
			mutate:  func(s string) string { return strings.Replace(s, `"provider": "contoso"`, `"provider": ""`, 1) },
			wantErr: "provider",
		},
		{
			name:    "unknown file reference",
			mutate:  func(s string) string { return strings.Replace(s, `"files": ["f1"]`, `"files": ["missing"]`, 1) },
			wantErr: "files",
		},
		{
			name:    "bad handler type",
			mutate:  func(s string) string { return strings.Replace(s, `microsoft/swupdate:2`, `swupdate`, 1) },
			wantErr: "handler",
		},
		{
			name:    "not json",
			mutate:  func(string) string { return "{" },
			wantErr: "parse manifest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(sampleManifest)))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReferenceStep(t *testing.T) {
	m := &UpdateManifest{
		ManifestVersion: 4,
		UpdateId:        UpdateId{Provider: "contoso", Name: "bundle", Version: "2.0"},
		Instructions: Instructions{Steps: []Step{
			{DetachedManifestFileId: "child"},
		}},
		Files: map[string]File{
			"child": {FileName: "child.json", SizeInBytes: 10},
		},
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !m.Instructions.Steps[0].IsReference() {
		t.Error("reference step not detected")
	}

	// Reference step pointing at a missing files entry fails.
	m.Instructions.Steps[0].DetachedManifestFileId = "nope"
	if err := m.Validate(); err == nil {
		t.Error("expected error for dangling detachedManifestFileId")
	}

	// Reference and handler are mutually exclusive.
	m.Instructions.Steps[0] = Step{DetachedManifestFileId: "child", Handler: "a/b:1"}
	if err := m.Validate(); err == nil {
		t.Error("expected error for reference step with handler")
	}
}

func TestStepFileEntities(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatal(err)
	}
	urls := map[string]string{"f1": "http://cdn.example.com/image.swu"}

	entities, err := m.StepFileEntities(m.Instructions.Steps[0], urls)
	if err != nil {
		t.Fatalf("StepFileEntities() error = %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(entities))
	}
	e := entities[0]
	if e.FileId != "f1" || e.TargetFilename != "image.swu" || e.URL != urls["f1"] {
		t.Errorf("entity = %+v", e)
	}
	if e.SizeInBytes != 1024 {
		t.Errorf("size = %d", e.SizeInBytes)
	}

	// Missing URL is an error: a payload without a source cannot be fetched.
	if _, err := m.StepFileEntities(m.Instructions.Steps[0], nil); err == nil {
		t.Error("expected error for missing download url")
	}
}

func TestUpdateId_Equals(t *testing.T) {
	a := UpdateId{Provider: "Contoso", Name: "Toaster", Version: "1.0"}
	tests := []struct {
		name  string
		other UpdateId
		want  bool
	}{
		{"case-insensitive provider/name", UpdateId{Provider: "contoso", Name: "toaster", Version: "1.0"}, true},
		{"exact version", UpdateId{Provider: "contoso", Name: "toaster", Version: "1.0.0"}, false},
		{"different name", UpdateId{Provider: "contoso", Name: "oven", Version: "1.0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Equals(tt.other); got != tt.want {
				t.Errorf("Equals(%v) = %v, want %v", tt.other, got, tt.want)
			}
		})
	}
}
