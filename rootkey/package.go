// Package rootkey manages the signed root-key package: the bundle that
// rotates the trust anchors used to verify update-manifest signatures.
package rootkey

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// Package is the parsed root-key package. RawProtected preserves the
// exact bytes of the protected member as serialized in the document;
// signatures are computed over those bytes.
type Package struct {
	Protected    Protected
	RawProtected json.RawMessage
	Signatures   []Signature
}

// Protected is the signed section of the package.
type Protected struct {
	IsTest              bool                 `json:"isTest"`
	Version             uint64               `json:"version"`
	Published           int64                `json:"published"`
	DisabledRootKeys    []string             `json:"disabledRootKeys"`
	DisabledSigningKeys []DisabledSigningKey `json:"disabledSigningKeys"`
	RootKeys            map[string]Key       `json:"rootKeys"`
}

// DisabledSigningKey revokes a signing key by the hash of its JWK payload.
type DisabledSigningKey struct {
	Alg  string `json:"alg"`
	Hash string `json:"hash"`
}

// Key is one root key. Only RSA keys are supported; n and e are base64url.
type Key struct {
	KeyType string `json:"keyType"`
	N       string `json:"n"`
	E       string `json:"e"`
}

// Signature is one package signature. Alg is RS256, RS384 or RS512; sig
// is base64url over the raw protected bytes.
type Signature struct {
	Alg string `json:"alg"`
	Sig string `json:"sig"`
}

// PublicKey materializes the RSA public key.
func (k Key) PublicKey() (*rsa.PublicKey, error) {
	if k.KeyType != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.KeyType)
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, fmt.Errorf("empty key material")
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// rawPackage mirrors the wire document, keeping protected verbatim.
type rawPackage struct {
	Protected  json.RawMessage `json:"protected"`
	Signatures []Signature     `json:"signatures"`
}

// Parse decodes a root-key package document. Signatures are not checked
// here; see Verify.
func Parse(data []byte) (*Package, error) {
	var raw rawPackage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse root-key package: %w", err)
	}
	if len(raw.Protected) == 0 {
		return nil, fmt.Errorf("root-key package missing protected section")
	}
	if len(raw.Signatures) == 0 {
		return nil, fmt.Errorf("root-key package carries no signatures")
	}

	var protected Protected
	if err := json.Unmarshal(raw.Protected, &protected); err != nil {
		return nil, fmt.Errorf("parse protected section: %w", err)
	}
	if len(protected.RootKeys) == 0 {
		return nil, fmt.Errorf("root-key package declares no root keys")
	}
	for kid, k := range protected.RootKeys {
		if _, err := k.PublicKey(); err != nil {
			return nil, fmt.Errorf("root key %q: %w", kid, err)
		}
	}

	return &Package{
		Protected:    protected,
		RawProtected: raw.Protected,
		Signatures:   raw.Signatures,
	}, nil
}
