package rootkey

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
)

// KeySet is an immutable snapshot of the active trust anchors. Readers
// always see a consistent set; rotation swaps the whole snapshot.
type KeySet struct {
	version      uint64
	isTest       bool
	keys         map[string]*rsa.PublicKey
	disabledRoot []string
	// disabledSigning is keyed by the base64url JWK-payload hash.
	disabledSigning map[string]bool
}

// Version returns the package version this set came from.
func (s *KeySet) Version() uint64 {
	return s.version
}

// NewKeySet builds a snapshot from a verified package.
func NewKeySet(pkg *Package) (*KeySet, error) {
	keys := make(map[string]*rsa.PublicKey, len(pkg.Protected.RootKeys))
	for kid, k := range pkg.Protected.RootKeys {
		pub, err := k.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("root key %q: %w", kid, err)
		}
		keys[kid] = pub
	}
	disabledSigning := make(map[string]bool, len(pkg.Protected.DisabledSigningKeys))
	for _, d := range pkg.Protected.DisabledSigningKeys {
		disabledSigning[d.Hash] = true
	}
	return &KeySet{
		version:         pkg.Protected.Version,
		isTest:          pkg.Protected.IsTest,
		keys:            keys,
		disabledRoot:    slices.Clone(pkg.Protected.DisabledRootKeys),
		disabledSigning: disabledSigning,
	}, nil
}

// Store holds the active key set behind an atomic pointer. The store is
// one of the two process-wide values in the agent; init and teardown are
// driven from the daemon, not from the core.
type Store struct {
	active atomic.Pointer[KeySet]
	path   string
	logger *slog.Logger
}

// NewStore creates a store that persists accepted packages at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// LoadLocal seeds the store from the persisted package file. The local
// copy was verified when it was accepted, so it is trusted as-is.
func (s *Store) LoadLocal() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read local root-key package: %w", err)
	}
	pkg, err := Parse(data)
	if err != nil {
		return err
	}
	set, err := NewKeySet(pkg)
	if err != nil {
		return err
	}
	s.active.Store(set)
	s.logger.Info("Loaded local root-key package",
		"path", s.path,
		"version", set.version,
		"keys", len(set.keys))
	return nil
}

// Snapshot returns the active key set, or nil before any load.
func (s *Store) Snapshot() *KeySet {
	return s.active.Load()
}

// Update verifies a candidate package against the active set and swaps it
// in iff its version is strictly greater. The raw document is persisted
// before the swap so a crash never loses an accepted rotation.
func (s *Store) Update(raw []byte) error {
	pkg, err := Parse(raw)
	if err != nil {
		return err
	}

	current := s.active.Load()
	if current == nil {
		return fmt.Errorf("no active root-key set to verify against")
	}
	if pkg.Protected.Version <= current.version {
		return fmt.Errorf("package version %d not newer than active %d", pkg.Protected.Version, current.version)
	}
	if err := Verify(pkg, current); err != nil {
		return fmt.Errorf("verify root-key package: %w", err)
	}

	set, err := NewKeySet(pkg)
	if err != nil {
		return err
	}
	if err := s.persist(raw); err != nil {
		return err
	}
	s.active.Store(set)
	s.logger.Info("Rotated root-key set",
		"version", set.version,
		"keys", len(set.keys),
		"disabled_signing_keys", len(set.disabledSigning))
	return nil
}

func (s *Store) persist(raw []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create root-key directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rootkeys-*")
	if err != nil {
		return fmt.Errorf("create temp root-key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write root-key package: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync root-key package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close root-key package: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace root-key package: %w", err)
	}
	return nil
}

// RootKey implements manifest.TrustStore. Disabled keys are invisible.
func (s *Store) RootKey(kid string) (*rsa.PublicKey, bool) {
	set := s.active.Load()
	if set == nil {
		return nil, false
	}
	if slices.Contains(set.disabledRoot, kid) {
		return nil, false
	}
	pub, ok := set.keys[kid]
	return pub, ok
}

// IsSigningKeyDisabled implements manifest.TrustStore.
func (s *Store) IsSigningKeyDisabled(hash string) bool {
	set := s.active.Load()
	if set == nil {
		return false
	}
	return set.disabledSigning[hash]
}
