package testsupport

import (
	"context"
	"testing"

	"docpipe/internal/config"
	"docpipe/internal/ledger"
)

// MustOpenStore opens a ledger.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewDocument registers a pending document for tests using the provided store.
func NewDocument(t testing.TB, store *ledger.Store, source, contentHash, schemaVersion string) *ledger.Document {
	t.Helper()

	doc, _, err := store.CreateDocument(context.Background(), source, contentHash, schemaVersion, 0, "text/plain")
	if err != nil {
		t.Fatalf("store.CreateDocument: %v", err)
	}
	return doc
}
