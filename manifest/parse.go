package manifest

import (
	"encoding/json"
	"fmt"
)

// Supported manifestVersion band. Documents outside the band are rejected
// before any step is materialized.
const (
	minManifestVersion = 4
	maxManifestVersion = 5
)

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*UpdateManifest, error) {
	var m UpdateManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest's structural invariants.
func (m *UpdateManifest) Validate() error {
	if m.ManifestVersion < minManifestVersion || m.ManifestVersion > maxManifestVersion {
		return &ValidationError{
			Field:   "manifestVersion",
			Message: fmt.Sprintf("version %d outside supported band [%d,%d]", m.ManifestVersion, minManifestVersion, maxManifestVersion),
		}
	}
	if err := m.UpdateId.Validate(); err != nil {
		return err
	}
	if len(m.Instructions.Steps) == 0 {
		return &ValidationError{Field: "instructions.steps", Message: "at least one step is required"}
	}
	for i, step := range m.Instructions.Steps {
		if err := m.validateStep(i, step); err != nil {
			return err
		}
	}
	for fileID, f := range m.Files {
		if f.FileName == "" {
			return &ValidationError{Field: "files." + fileID + ".fileName", Message: "file name is required"}
		}
		if f.SizeInBytes < 0 {
			return &ValidationError{Field: "files." + fileID + ".sizeInBytes", Message: "size must be non-negative"}
		}
	}
	return nil
}

func (m *UpdateManifest) validateStep(index int, step Step) error {
	field := fmt.Sprintf("instructions.steps[%d]", index)

	if step.IsReference() {
		if step.Handler != "" {
			return &ValidationError{Field: field, Message: "reference step must not declare a handler"}
		}
		if _, ok := m.Files[step.DetachedManifestFileId]; !ok {
			return &ValidationError{
				Field:   field + ".detachedManifestFileId",
				Message: fmt.Sprintf("no files entry %q", step.DetachedManifestFileId),
			}
		}
		return nil
	}

	if step.Handler == "" {
		return &ValidationError{Field: field + ".handler", Message: "inline step requires a handler"}
	}
	if _, err := ParseUpdateType(step.Handler); err != nil {
		return &ValidationError{Field: field + ".handler", Message: err.Error()}
	}
	for _, fileID := range step.Files {
		if _, ok := m.Files[fileID]; !ok {
			return &ValidationError{
				Field:   field + ".files",
				Message: fmt.Sprintf("no files entry %q", fileID),
			}
		}
	}
	return nil
}

// StepFileEntities resolves a step's file references into FileEntities,
// joining each manifest file entry with its download URL. Every fileId
// must resolve to a URL; payloads without one cannot be fetched.
func (m *UpdateManifest) StepFileEntities(step Step, fileUrls map[string]string) ([]FileEntity, error) {
	entities := make([]FileEntity, 0, len(step.Files))
	for _, fileID := range step.Files {
		entity, err := m.FileEntity(fileID, fileUrls)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// FileEntity resolves a single fileId.
func (m *UpdateManifest) FileEntity(fileID string, fileUrls map[string]string) (FileEntity, error) {
	f, ok := m.Files[fileID]
	if !ok {
		return FileEntity{}, fmt.Errorf("resolve file entity: no files entry %q", fileID)
	}
	url, ok := fileUrls[fileID]
	if !ok || url == "" {
		return FileEntity{}, fmt.Errorf("resolve file entity: no download url for %q", fileID)
	}
	return FileEntity{
		FileId:          fileID,
		TargetFilename:  f.FileName,
		SizeInBytes:     f.SizeInBytes,
		Hashes:          f.Hashes,
		URL:             url,
		RelatedFiles:    f.RelatedFiles,
		DownloadHandler: f.DownloadHandler,
	}, nil
}
