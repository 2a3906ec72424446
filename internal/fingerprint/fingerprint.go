// Package fingerprint computes the content hashes used as document
// identity. The same bytes always produce the same fingerprint, which is
// what makes resubmission of an already-processed document a no-op.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const prefix = "sha256:"

// Bytes fingerprints an in-memory payload.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return prefix + hex.EncodeToString(sum[:])
}

// Reader fingerprints a stream without buffering it in memory.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// File fingerprints a file on disk.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Reader(f)
}

// Valid reports whether a string looks like a fingerprint this package
// produced.
func Valid(fp string) bool {
	rest, ok := strings.CutPrefix(fp, prefix)
	if !ok || len(rest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
