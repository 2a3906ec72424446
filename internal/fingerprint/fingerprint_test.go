package fingerprint_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"docpipe/internal/fingerprint"
)

func TestBytesDeterministic(t *testing.T) {
	a := fingerprint.Bytes([]byte("quarterly report"))
	b := fingerprint.Bytes([]byte("quarterly report"))
	if a != b {
		t.Fatalf("same bytes hashed differently: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "sha256:") {
		t.Fatalf("fingerprint %s missing algorithm prefix", a)
	}
	if c := fingerprint.Bytes([]byte("quarterly report v2")); c == a {
		t.Fatal("different bytes produced identical fingerprint")
	}
}

func TestFileMatchesBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	content := []byte("invoice 42\ntotal: 99.00\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	fromFile, err := fingerprint.File(path)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if fromFile != fingerprint.Bytes(content) {
		t.Fatal("file and byte fingerprints disagree")
	}
}

func TestValid(t *testing.T) {
	if !fingerprint.Valid(fingerprint.Bytes([]byte("x"))) {
		t.Fatal("generated fingerprint reported invalid")
	}
	for _, bad := range []string{"", "sha256:", "sha256:zzzz", "md5:abcd"} {
		if fingerprint.Valid(bad) {
			t.Fatalf("%q reported valid", bad)
		}
	}
}
