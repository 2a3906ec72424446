package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"docpipe/internal/config"
	"docpipe/internal/ledger"
	"docpipe/internal/services"
)

const stageChunking = "chunking"

// ChunkingStage splits normalized text into overlapping windows and records
// them as chunk rows for the fan-out stages. Re-running the stage replaces
// the previous chunk set atomically, so a retried chunking attempt never
// leaves a mixed split behind.
type ChunkingStage struct {
	store   *ledger.Store
	size    int
	overlap int
	minSize int
}

// NewChunkingStage builds the chunking handler from config.
func NewChunkingStage(cfg *config.Config, store *ledger.Store) *ChunkingStage {
	return &ChunkingStage{
		store:   store,
		size:    cfg.Chunking.ChunkSize,
		overlap: cfg.Chunking.ChunkOverlap,
		minSize: cfg.Chunking.ChunkMinSize,
	}
}

func (s *ChunkingStage) Execute(ctx context.Context, doc *ledger.Document) (string, error) {
	art, err := s.store.Artifact(ctx, doc.ID, stageLayoutNormalization, ledger.NoChunk, artifactNormalized)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", services.Wrap(services.ErrContractViolation, stageChunking, "load input", "normalized text artifact missing", err)
		}
		return "", err
	}

	pieces := SplitText(art.Payload, s.size, s.overlap, s.minSize)
	if len(pieces) == 0 {
		return "", services.Wrap(services.ErrPermanentInput, stageChunking, "split", "nothing to chunk", nil)
	}

	chunks := make([]ledger.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = ledger.Chunk{
			Sequence:   i,
			Text:       piece,
			TokenCount: len(strings.Fields(piece)),
		}
	}
	if err := s.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return "", err
	}

	manifest, err := json.Marshal(map[string]any{
		"chunks":  len(chunks),
		"size":    s.size,
		"overlap": s.overlap,
	})
	if err != nil {
		return "", fmt.Errorf("encode chunk manifest: %w", err)
	}
	if _, err := s.store.SaveArtifact(ctx, doc.ID, stageChunking, ledger.NoChunk, artifactManifest, string(manifest)); err != nil {
		return "", err
	}
	return fmt.Sprintf("chunks:%d", len(chunks)), nil
}

// SplitText windows text into rune-bounded pieces of at most size runes
// with the given overlap, preferring to break at a whitespace boundary near
// the window edge. A trailing piece shorter than minSize merges into its
// predecessor.
func SplitText(text string, size, overlap, minSize int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	var pieces []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakNear(runes, start, end)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			// Word-boundary backoff plus a large overlap can stall the
			// window; force forward progress.
			next = end
		}
		start = next
	}

	if len(pieces) > 1 && minSize > 0 && utf8.RuneCountInString(pieces[len(pieces)-1]) < minSize {
		last := pieces[len(pieces)-1]
		pieces = pieces[:len(pieces)-1]
		pieces[len(pieces)-1] = pieces[len(pieces)-1] + " " + last
	}
	return pieces
}

// breakNear walks back from end looking for whitespace within a quarter of
// the window, so chunks prefer word boundaries without shrinking too far.
func breakNear(runes []rune, start, end int) int {
	limit := end - (end-start)/4
	for i := end; i > limit; i-- {
		if runes[i-1] == ' ' || runes[i-1] == '\n' {
			return i
		}
	}
	return end
}
