package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"docpipe/internal/config"
	"docpipe/internal/fingerprint"
	"docpipe/internal/ledger"
	"docpipe/internal/services"
)

const (
	// Artifact kinds written by the built-in stages. Downstream stages read
	// their inputs by kind, never by guessing paths.
	artifactStagedPath = "staged_path"
	artifactText       = "text"
	artifactNormalized = "normalized_text"
	artifactManifest   = "chunk_manifest"
	artifactEmbedding  = "embedding"
	artifactFields     = "fields"
	artifactBundle     = "bundle"
	artifactAudit      = "audit"
)

const stageIngest = "ingest"

// IngestStage copies the submitted source file into the staging directory
// and verifies the content against the registered fingerprint. Everything
// after this stage reads from staging, so a moved or edited source file
// cannot corrupt a run that already started.
type IngestStage struct {
	store      *ledger.Store
	stagingDir string
	maxBytes   int64
}

// NewIngestStage builds the ingest handler from config.
func NewIngestStage(cfg *config.Config, store *ledger.Store) *IngestStage {
	return &IngestStage{
		store:      store,
		stagingDir: cfg.Paths.StagingDir,
		maxBytes:   int64(cfg.Pipeline.MaxUploadSizeMB) * 1024 * 1024,
	}
}

func (s *IngestStage) Execute(ctx context.Context, doc *ledger.Document) (string, error) {
	source := strings.TrimSpace(doc.Source)
	source = strings.TrimPrefix(source, "file://")
	if source == "" {
		return "", services.Wrap(services.ErrPermanentInput, stageIngest, "open source", "document has no source path", nil)
	}

	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", services.Wrap(services.ErrPermanentInput, stageIngest, "open source", "source file does not exist", err)
		}
		return "", services.Wrap(services.ErrTransient, stageIngest, "open source", "stat source file", err)
	}
	if s.maxBytes > 0 && info.Size() > s.maxBytes {
		return "", services.Wrap(services.ErrPermanentInput, stageIngest, "open source",
			fmt.Sprintf("source is %d bytes, limit is %d", info.Size(), s.maxBytes), nil)
	}

	staged := s.stagedPath(doc)
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return "", services.Wrap(services.ErrTransient, stageIngest, "stage file", "create staging directory", err)
	}
	if err := copyFile(source, staged); err != nil {
		return "", services.Wrap(services.ErrTransient, stageIngest, "stage file", "copy into staging", err)
	}

	fp, err := fingerprint.File(staged)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, stageIngest, "verify", "fingerprint staged copy", err)
	}
	if fp != doc.ContentHash {
		// The file changed between registration and ingest. Reprocessing
		// under the old identity would poison the idempotency key.
		return "", services.Wrap(services.ErrPermanentInput, stageIngest, "verify",
			fmt.Sprintf("content hash mismatch: registered %s, staged %s", doc.ContentHash, fp), nil)
	}

	return s.store.SaveArtifact(ctx, doc.ID, stageIngest, ledger.NoChunk, artifactStagedPath, staged)
}

func (s *IngestStage) stagedPath(doc *ledger.Document) string {
	hash := strings.TrimPrefix(doc.ContentHash, "sha256:")
	if len(hash) > 16 {
		hash = hash[:16]
	}
	name := fmt.Sprintf("%d-%s%s", doc.ID, hash, filepath.Ext(doc.Source))
	return filepath.Join(s.stagingDir, name)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// stagedFile resolves the staged copy recorded by the ingest stage.
func stagedFile(ctx context.Context, store *ledger.Store, documentID int64) (string, error) {
	art, err := store.Artifact(ctx, documentID, stageIngest, ledger.NoChunk, artifactStagedPath)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", services.Wrap(services.ErrContractViolation, "", "load staged file", "ingest artifact missing", err)
		}
		return "", err
	}
	return art.Payload, nil
}
