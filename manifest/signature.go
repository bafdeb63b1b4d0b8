package manifest

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// sjwkHeader is the protected-header key carrying the signing-key
// envelope: a nested JWS whose payload is the signing key JWK and whose
// signer is one of the trusted root keys.
const sjwkHeader = "sjwk"

// TrustStore supplies the trust anchors consumed during manifest
// signature verification. Implemented by the root-key store; readers see
// a consistent snapshot of the active key set.
type TrustStore interface {
	// RootKey returns the active root key with the given kid, if present
	// and not disabled.
	RootKey(kid string) (*rsa.PublicKey, bool)
	// IsSigningKeyDisabled reports whether a signing key, identified by the
	// base64url sha256 of its JWK payload, has been revoked.
	IsSigningKeyDisabled(hash string) bool
}

// signedHash is the payload of the outer manifest signature envelope.
type signedHash struct {
	SHA256 string `json:"sha256"`
}

// VerifySignature verifies a detached manifest signature against the
// active root-key set. The signature is a compact JWS over the manifest
// body hash; its signing key travels in the sjwk protected header as a
// nested JWS chained to a root key.
func VerifySignature(manifestBody []byte, signature string, trust TrustStore) error {
	outer, err := jose.ParseSigned(signature)
	if err != nil {
		return fmt.Errorf("parse manifest signature: %w", err)
	}
	if len(outer.Signatures) == 0 {
		return fmt.Errorf("manifest signature carries no signatures")
	}

	signingKey, err := verifySigningKey(outer.Signatures[0].Protected, trust)
	if err != nil {
		return err
	}

	payload, err := outer.Verify(signingKey)
	if err != nil {
		return fmt.Errorf("verify manifest signature: %w", err)
	}

	var sh signedHash
	if err := json.Unmarshal(payload, &sh); err != nil {
		return fmt.Errorf("parse signed hash payload: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(sh.SHA256)
	if err != nil {
		return fmt.Errorf("decode signed hash: %w", err)
	}
	got := sha256.Sum256(manifestBody)
	if !hashEqual(got[:], want) {
		return fmt.Errorf("manifest body hash does not match signed hash")
	}
	return nil
}

// verifySigningKey extracts the sjwk envelope from the outer protected
// header, verifies it against a trusted root key, and checks the signing
// key against the disabled set.
func verifySigningKey(hdr jose.Header, trust TrustStore) (*rsa.PublicKey, error) {
	raw, ok := hdr.ExtraHeaders[jose.HeaderKey(sjwkHeader)].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("manifest signature missing %s header", sjwkHeader)
	}

	inner, err := jose.ParseSigned(raw)
	if err != nil {
		return nil, fmt.Errorf("parse signing-key envelope: %w", err)
	}
	if len(inner.Signatures) == 0 {
		return nil, fmt.Errorf("signing-key envelope carries no signatures")
	}

	kid := inner.Signatures[0].Protected.KeyID
	if kid == "" {
		kid = inner.Signatures[0].Header.KeyID
	}
	rootKey, ok := trust.RootKey(kid)
	if !ok {
		return nil, fmt.Errorf("signing-key envelope signed by unknown root key %q", kid)
	}

	jwkPayload, err := inner.Verify(rootKey)
	if err != nil {
		return nil, fmt.Errorf("verify signing-key envelope: %w", err)
	}

	digest := sha256.Sum256(jwkPayload)
	hash := base64.RawURLEncoding.EncodeToString(digest[:])
	if trust.IsSigningKeyDisabled(hash) {
		return nil, fmt.Errorf("signing key %s is disabled", hash)
	}

	var jwk jose.JSONWebKey
	if err := json.Unmarshal(jwkPayload, &jwk); err != nil {
		return nil, fmt.Errorf("parse signing key JWK: %w", err)
	}
	pub, ok := jwk.Key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not RSA")
	}
	return pub, nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
