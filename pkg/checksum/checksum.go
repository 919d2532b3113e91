// Package checksum computes file digests for source verification.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"lukechampine.com/blake3"

	"github.com/openfroyo/archstate/pkg/engine"
)

// DefaultType is used when no checksum type is given.
const DefaultType = "sha256"

var constructors = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
	// 32-byte digest, unkeyed, the same as b3sum.
	"blake3": func() hash.Hash { return blake3.New(32, nil) },
}

// Types returns the supported checksum types, sorted.
func Types() []string {
	types := make([]string, 0, len(constructors))
	for t := range constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New returns a hash for the given type.
func New(checksumType string) (hash.Hash, error) {
	ctor, ok := constructors[strings.ToLower(checksumType)]
	if !ok {
		return nil, engine.NewInvocationError(fmt.Sprintf("Unsupported checksum type: %s", checksumType))
	}
	return ctor(), nil
}

// Reader returns the hex digest of everything read from r.
func Reader(r io.Reader, checksumType string) (string, error) {
	h, err := New(checksumType)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash data: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the hex digest of the file at path.
func File(path, checksumType string) (string, error) {
	if _, err := New(checksumType); err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Reader(f, checksumType)
}

// String returns the hex digest of s.
func String(s, checksumType string) (string, error) {
	return Reader(strings.NewReader(s), checksumType)
}

// Verify compares the digest of path against expected, case-insensitively.
// A mismatch is reported as "Checksum mismatch: expected X, got Y".
func Verify(path, expected, checksumType string) error {
	actual, err := File(path, checksumType)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return engine.NewPermanentError(
			fmt.Sprintf("Checksum mismatch: expected %s, got %s", expected, actual), nil,
		).WithCode(engine.ErrCodeChecksumMismatch).WithResource(path)
	}
	return nil
}

// ParseSourceHash splits a "type=value" source hash, e.g. "sha256=abc...".
// A bare value is returned with defaultType.
func ParseSourceHash(sourceHash, defaultType string) (checksumType, value string, err error) {
	sourceHash = strings.TrimSpace(sourceHash)
	if sourceHash == "" {
		return "", "", engine.NewInvocationError("empty source hash")
	}
	if t, v, ok := strings.Cut(sourceHash, "="); ok {
		checksumType, value = strings.ToLower(strings.TrimSpace(t)), strings.TrimSpace(v)
	} else {
		checksumType, value = defaultType, sourceHash
	}
	if checksumType == "" {
		checksumType = DefaultType
	}
	if _, err := New(checksumType); err != nil {
		return "", "", err
	}
	if value == "" {
		return "", "", engine.NewInvocationError(fmt.Sprintf("empty %s hash value", checksumType))
	}
	return checksumType, value, nil
}
