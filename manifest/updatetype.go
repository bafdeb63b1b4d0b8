package manifest

import (
	"fmt"
	"strings"
)

// UpdateType identifies the content handler for a step, in the form
// "{provider}/{name}:{version}". Provider and name compare
// case-insensitively, matching UpdateId semantics.
type UpdateType struct {
	Provider string
	Name     string
	Version  string
}

// ParseUpdateType parses an update-type string.
func ParseUpdateType(s string) (UpdateType, error) {
	slash := strings.IndexByte(s, '/')
	if slash <= 0 {
		return UpdateType{}, fmt.Errorf("update type %q: missing provider", s)
	}
	colon := strings.LastIndexByte(s, ':')
	if colon <= slash+1 {
		return UpdateType{}, fmt.Errorf("update type %q: missing version", s)
	}
	ut := UpdateType{
		Provider: s[:slash],
		Name:     s[slash+1 : colon],
		Version:  s[colon+1:],
	}
	if ut.Name == "" || ut.Version == "" {
		return UpdateType{}, fmt.Errorf("update type %q: empty name or version", s)
	}
	return ut, nil
}

// String renders the canonical form.
func (t UpdateType) String() string {
	return fmt.Sprintf("%s/%s:%s", t.Provider, t.Name, t.Version)
}

// Key returns the case-normalized registry lookup key.
func (t UpdateType) Key() string {
	return strings.ToLower(t.Provider) + "/" + strings.ToLower(t.Name) + ":" + t.Version
}

// Equals compares update types with case-insensitive provider and name.
func (t UpdateType) Equals(other UpdateType) bool {
	return strings.EqualFold(t.Provider, other.Provider) &&
		strings.EqualFold(t.Name, other.Name) &&
		t.Version == other.Version
}
