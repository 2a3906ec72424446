package stages

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"

	"docpipe/internal/ledger"
	"docpipe/internal/services"
)

const stageLayoutNormalization = "layout_normalization"

// LayoutNormalizationStage canonicalizes extracted text so downstream
// chunking and hashing see one representation: NFC unicode form, unix line
// endings, collapsed intra-line whitespace, and at most one blank line
// between paragraphs.
type LayoutNormalizationStage struct {
	store *ledger.Store
}

// NewLayoutNormalizationStage builds the normalization handler.
func NewLayoutNormalizationStage(store *ledger.Store) *LayoutNormalizationStage {
	return &LayoutNormalizationStage{store: store}
}

func (s *LayoutNormalizationStage) Execute(ctx context.Context, doc *ledger.Document) (string, error) {
	art, err := s.store.Artifact(ctx, doc.ID, stageTextExtraction, ledger.NoChunk, artifactText)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", services.Wrap(services.ErrContractViolation, stageLayoutNormalization, "load input", "text artifact missing", err)
		}
		return "", err
	}

	normalized := NormalizeLayout(art.Payload)
	if normalized == "" {
		return "", services.Wrap(services.ErrPermanentInput, stageLayoutNormalization, "normalize", "document normalized to nothing", nil)
	}

	return s.store.SaveArtifact(ctx, doc.ID, stageLayoutNormalization, ledger.NoChunk, artifactNormalized, normalized)
}

// NormalizeLayout applies the canonical text form. Exported so validation
// can re-derive it when checking pipeline outputs.
func NormalizeLayout(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, strings.Join(fields, " "))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
