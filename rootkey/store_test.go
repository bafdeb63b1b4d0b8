package rootkey

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// buildPackage constructs a signed root-key package document. The
// returned bytes are the full wire document; signers sign the raw
// protected member.
func buildPackage(t *testing.T, version uint64, keys map[string]*rsa.PrivateKey, signers []*rsa.PrivateKey, disabled []DisabledSigningKey) []byte {
	t.Helper()

	rootKeys := make(map[string]Key, len(keys))
	for kid, k := range keys {
		pub := k.PublicKey
		rootKeys[kid] = Key{
			KeyType: "RSA",
			N:       base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:       base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01}),
		}
	}
	protected, err := json.Marshal(Protected{
		Version:             version,
		Published:           1714560000,
		DisabledSigningKeys: disabled,
		RootKeys:            rootKeys,
	})
	if err != nil {
		t.Fatal(err)
	}

	sigs := make([]Signature, 0, len(signers))
	for _, signer := range signers {
		digest := sha256.Sum256(protected)
		sig, err := rsa.SignPKCS1v15(rand.Reader, signer, crypto.SHA256, digest[:])
		if err != nil {
			t.Fatal(err)
		}
		sigs = append(sigs, Signature{Alg: "RS256", Sig: base64.RawURLEncoding.EncodeToString(sig)})
	}

	doc, err := json.Marshal(rawPackage{Protected: protected, Signatures: sigs})
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func newTestStore(t *testing.T) (*Store, *rsa.PrivateKey) {
	t.Helper()
	key := testKey(t)
	path := filepath.Join(t.TempDir(), "rootkeys.json")
	doc := buildPackage(t, 1, map[string]*rsa.PrivateKey{"kid-1": key}, []*rsa.PrivateKey{key}, nil)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path, slog.Default())
	if err := store.LoadLocal(); err != nil {
		t.Fatalf("LoadLocal() error = %v", err)
	}
	return store, key
}

func TestStore_LoadLocal(t *testing.T) {
	store, _ := newTestStore(t)
	set := store.Snapshot()
	if set == nil {
		t.Fatal("no active key set after load")
	}
	if set.Version() != 1 {
		t.Errorf("version = %d, want 1", set.Version())
	}
	if _, ok := store.RootKey("kid-1"); !ok {
		t.Error("kid-1 not resolvable")
	}
	if _, ok := store.RootKey("kid-2"); ok {
		t.Error("unknown kid resolved")
	}
}

func TestStore_Update_RotatesOnNewerVersion(t *testing.T) {
	store, key1 := newTestStore(t)
	key2 := testKey(t)

	// Version 2, introducing kid-2, signed by the currently trusted kid-1.
	doc := buildPackage(t, 2,
		map[string]*rsa.PrivateKey{"kid-1": key1, "kid-2": key2},
		[]*rsa.PrivateKey{key1},
		[]DisabledSigningKey{{Alg: "RS256", Hash: "revoked-hash"}})

	if err := store.Update(doc); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := store.Snapshot().Version(); got != 2 {
		t.Errorf("version = %d, want 2", got)
	}
	if _, ok := store.RootKey("kid-2"); !ok {
		t.Error("kid-2 not resolvable after rotation")
	}
	if !store.IsSigningKeyDisabled("revoked-hash") {
		t.Error("disabled signing key not visible")
	}

	// The accepted document is persisted; a fresh store resumes from it.
	fresh := NewStore(store.path, slog.Default())
	if err := fresh.LoadLocal(); err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if got := fresh.Snapshot().Version(); got != 2 {
		t.Errorf("reloaded version = %d, want 2", got)
	}
}

func TestStore_Update_RejectsStaleAndEqualVersions(t *testing.T) {
	store, key1 := newTestStore(t)

	for _, version := range []uint64{0, 1} {
		doc := buildPackage(t, version, map[string]*rsa.PrivateKey{"kid-1": key1}, []*rsa.PrivateKey{key1}, nil)
		if err := store.Update(doc); err == nil {
			t.Errorf("Update(version=%d) succeeded, want rejection", version)
		}
	}
	if got := store.Snapshot().Version(); got != 1 {
		t.Errorf("version changed to %d", got)
	}
}

func TestStore_Update_RejectsUntrustedSigner(t *testing.T) {
	store, _ := newTestStore(t)
	rogue := testKey(t)

	// Version bump signed only by a key outside the trusted set.
	doc := buildPackage(t, 3, map[string]*rsa.PrivateKey{"kid-rogue": rogue}, []*rsa.PrivateKey{rogue}, nil)
	if err := store.Update(doc); err == nil {
		t.Fatal("Update() accepted a package signed by an untrusted key")
	}
	if got := store.Snapshot().Version(); got != 1 {
		t.Errorf("version changed to %d", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", "{"},
		{"no protected", `{"signatures":[{"alg":"RS256","sig":"AA"}]}`},
		{"no signatures", `{"protected":{"version":1,"rootKeys":{"k":{"keyType":"RSA","n":"AQ","e":"AQAB"}}},"signatures":[]}`},
		{"no root keys", `{"protected":{"version":1,"rootKeys":{}},"signatures":[{"alg":"RS256","sig":"AA"}]}`},
		{"bad key type", `{"protected":{"version":1,"rootKeys":{"k":{"keyType":"EC","n":"AQ","e":"AQAB"}}},"signatures":[{"alg":"RS256","sig":"AA"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("Parse() succeeded, want error")
			}
		})
	}
}

func TestVerify_UnsupportedAlgorithm(t *testing.T) {
	key := testKey(t)
	doc := buildPackage(t, 1, map[string]*rsa.PrivateKey{"kid-1": key}, []*rsa.PrivateKey{key}, nil)
	pkg, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}
	set, err := NewKeySet(pkg)
	if err != nil {
		t.Fatal(err)
	}

	pkg.Signatures[0].Alg = "HS256"
	if err := Verify(pkg, set); err == nil {
		t.Error("Verify() accepted unsupported algorithm")
	}
}
