// Package manifest defines the cloud-authored update manifest: the signed
// JSON document describing one update, its steps, payload files, and
// compatibility, plus the identifiers derived from it.
package manifest

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError describes a structurally invalid manifest field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest validation: %s: %s", e.Field, e.Message)
}

// UpdateId identifies one update. Provider and name compare
// case-insensitively; version compares exactly.
type UpdateId struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// Equals reports whether two update ids identify the same update.
func (u UpdateId) Equals(other UpdateId) bool {
	return strings.EqualFold(u.Provider, other.Provider) &&
		strings.EqualFold(u.Name, other.Name) &&
		u.Version == other.Version
}

// String renders the id as provider/name:version.
func (u UpdateId) String() string {
	return fmt.Sprintf("%s/%s:%s", u.Provider, u.Name, u.Version)
}

// Validate checks required fields.
func (u UpdateId) Validate() error {
	if u.Provider == "" {
		return &ValidationError{Field: "updateId.provider", Message: "provider is required"}
	}
	if u.Name == "" {
		return &ValidationError{Field: "updateId.name", Message: "name is required"}
	}
	if u.Version == "" {
		return &ValidationError{Field: "updateId.version", Message: "version is required"}
	}
	return nil
}

// UpdateManifest is the parsed manifest document.
type UpdateManifest struct {
	ManifestVersion int                 `json:"manifestVersion"`
	UpdateId        UpdateId            `json:"updateId"`
	Compatibility   []map[string]string `json:"compatibility,omitempty"`
	Instructions    Instructions        `json:"instructions"`
	Files           map[string]File     `json:"files,omitempty"`
	CreatedDateTime time.Time           `json:"createdDateTime"`
}

// Instructions holds the ordered step sequence.
type Instructions struct {
	Steps []Step `json:"steps"`
}

// Step is one unit of update work. A step is either inline (handler plus
// handler properties) or a reference to a detached child manifest; the
// two forms are mutually exclusive.
type Step struct {
	Type              string         `json:"type,omitempty"`
	Handler           string         `json:"handler,omitempty"`
	Files             []string       `json:"files,omitempty"`
	HandlerProperties map[string]any `json:"handlerProperties,omitempty"`

	// DetachedManifestFileId names the files[] entry carrying a child
	// manifest for a reference step.
	DetachedManifestFileId string `json:"detachedManifestFileId,omitempty"`

	Description string `json:"description,omitempty"`
}

// IsReference reports whether the step points at a detached child manifest.
func (s Step) IsReference() bool {
	return s.DetachedManifestFileId != ""
}

// InstalledCriteria returns the step's installedCriteria handler property,
// or the empty string when unset.
func (s Step) InstalledCriteria() string {
	if v, ok := s.HandlerProperties["installedCriteria"].(string); ok {
		return v
	}
	return ""
}

// Arguments returns the step's arguments handler property, or the empty
// string when unset.
func (s Step) Arguments() string {
	if v, ok := s.HandlerProperties["arguments"].(string); ok {
		return v
	}
	return ""
}

// ScriptFileName returns the step's scriptFileName handler property, or
// the empty string when unset.
func (s Step) ScriptFileName() string {
	if v, ok := s.HandlerProperties["scriptFileName"].(string); ok {
		return v
	}
	return ""
}

// File is a manifest files-map entry keyed by fileId.
type File struct {
	FileName        string            `json:"fileName"`
	SizeInBytes     int64             `json:"sizeInBytes"`
	Hashes          map[string]string `json:"hashes"`
	RelatedFiles    []RelatedFile     `json:"relatedFiles,omitempty"`
	DownloadHandler *DownloadHandler  `json:"downloadHandler,omitempty"`
}

// RelatedFile is an auxiliary payload (e.g. a delta) attached to a file,
// with its own optional download handler.
type RelatedFile struct {
	FileName        string            `json:"fileName"`
	SizeInBytes     int64             `json:"sizeInBytes"`
	Hashes          map[string]string `json:"hashes,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	DownloadHandler *DownloadHandler  `json:"downloadHandler,omitempty"`
}

// DownloadHandler names a download-handler plug-in by id
// (e.g. "microsoft/delta-download-handler:1").
type DownloadHandler struct {
	ID string `json:"id"`
}

// FileEntity is a fully resolved payload file for one step: the manifest
// file entry joined with its fileId, download URL, and target name.
type FileEntity struct {
	FileId          string
	TargetFilename  string
	SizeInBytes     int64
	Hashes          map[string]string
	URL             string
	Arguments       string
	RelatedFiles    []RelatedFile
	DownloadHandler *DownloadHandler
}

// HasDownloadHandler reports whether the entity, or any related file,
// names a download-handler plug-in.
func (f FileEntity) HasDownloadHandler() bool {
	if f.DownloadHandler != nil && f.DownloadHandler.ID != "" {
		return true
	}
	for _, rf := range f.RelatedFiles {
		if rf.DownloadHandler != nil && rf.DownloadHandler.ID != "" {
			return true
		}
	}
	return false
}

// DownloadHandlerID returns the first download-handler id declared on the
// entity or its related files, or the empty string.
func (f FileEntity) DownloadHandlerID() string {
	if f.DownloadHandler != nil && f.DownloadHandler.ID != "" {
		return f.DownloadHandler.ID
	}
	for _, rf := range f.RelatedFiles {
		if rf.DownloadHandler != nil && rf.DownloadHandler.ID != "" {
			return rf.DownloadHandler.ID
		}
	}
	return ""
}
