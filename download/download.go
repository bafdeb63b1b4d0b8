// Package download provides the payload fetch contract used by the
// workflow engine (fetch URL into a local file) plus the hash and size
// verification every payload must pass before its step installs.
package download

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/c360studio/otaagent/manifest"
)

// Downloader fetches a URL into a local file. Implementations honor the
// context for cancellation and bound the downloaded size by
// entity.SizeInBytes.
type Downloader interface {
	Download(ctx context.Context, entity manifest.FileEntity, targetPath string) error
}

// VerifyFile checks the file at path against the entity's declared size
// and every declared hash. A mismatch on any single hash, even a single
// flipped bit, fails the whole file. Hash values are standard base64.
func VerifyFile(path string, entity manifest.FileEntity) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat payload: %w", err)
	}
	if entity.SizeInBytes > 0 && info.Size() != entity.SizeInBytes {
		return &SizeMismatchError{Path: path, Want: entity.SizeInBytes, Got: info.Size()}
	}
	if len(entity.Hashes) == 0 {
		return fmt.Errorf("payload %s declares no hashes", entity.FileId)
	}

	for alg, want := range entity.Hashes {
		got, err := hashFile(path, alg)
		if err != nil {
			return err
		}
		if got != want {
			return &HashMismatchError{Path: path, Algorithm: alg, Want: want, Got: got}
		}
	}
	return nil
}

// SizeMismatchError reports a payload whose on-disk size differs from the
// manifest.
type SizeMismatchError struct {
	Path string
	Want int64
	Got  int64
}

// Error implements the error interface.
func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("payload %s: size %d, manifest declares %d", e.Path, e.Got, e.Want)
}

// HashMismatchError reports a payload whose bytes do not match a declared
// hash. Hash mismatches are terminal; they are never retried locally.
type HashMismatchError struct {
	Path      string
	Algorithm string
	Want      string
	Got       string
}

// Error implements the error interface.
func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("payload %s: %s hash mismatch", e.Path, e.Algorithm)
}

func hashFile(path, alg string) (string, error) {
	var h hash.Hash
	switch strings.ToLower(alg) {
	case "sha256":
		h = sha256.New()
	case "sha384":
		h = sha512.New384()
	case "sha512":
		h = sha512.New()
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", alg)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
