package rootkey

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"slices"
)

// Verify checks every signature on a candidate package against the
// currently trusted key set. A package is accepted only when each
// signature verifies with a key that exists in the trusted set and is not
// disabled there; a rotation can therefore only be authored by the keys
// it replaces.
func Verify(candidate *Package, trusted *KeySet) error {
	if trusted == nil || len(trusted.keys) == 0 {
		return fmt.Errorf("no trusted root keys available")
	}

	for i, sig := range candidate.Signatures {
		sigBytes, err := base64.RawURLEncoding.DecodeString(sig.Sig)
		if err != nil {
			return fmt.Errorf("signature %d: decode: %w", i, err)
		}
		hash, digest, err := digestFor(sig.Alg, candidate.RawProtected)
		if err != nil {
			return fmt.Errorf("signature %d: %w", i, err)
		}

		if !verifyWithAny(trusted, hash, digest, sigBytes) {
			return fmt.Errorf("signature %d does not verify with any trusted root key", i)
		}
	}
	return nil
}

// verifyWithAny tries every enabled trusted key.
func verifyWithAny(trusted *KeySet, hash crypto.Hash, digest, sig []byte) bool {
	for kid, pub := range trusted.keys {
		if slices.Contains(trusted.disabledRoot, kid) {
			continue
		}
		if rsa.VerifyPKCS1v15(pub, hash, digest, sig) == nil {
			return true
		}
	}
	return false
}

func digestFor(alg string, data []byte) (crypto.Hash, []byte, error) {
	switch alg {
	case "RS256":
		d := sha256.Sum256(data)
		return crypto.SHA256, d[:], nil
	case "RS384":
		d := sha512.Sum384(data)
		return crypto.SHA384, d[:], nil
	case "RS512":
		d := sha512.Sum512(data)
		return crypto.SHA512, d[:], nil
	default:
		return 0, nil, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
}
