package stages

import (
	"bytes"
	"context"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"docpipe/internal/ledger"
	"docpipe/internal/services"
)

const stageTextExtraction = "text_extraction"

// TextExtractionStage pulls plain text out of the staged file. Text-like
// payloads pass through with control characters stripped; binary payloads
// with no recoverable text fail permanently since retrying cannot fix the
// input.
type TextExtractionStage struct {
	store *ledger.Store
}

// NewTextExtractionStage builds the text extraction handler.
func NewTextExtractionStage(store *ledger.Store) *TextExtractionStage {
	return &TextExtractionStage{store: store}
}

func (s *TextExtractionStage) Execute(ctx context.Context, doc *ledger.Document) (string, error) {
	staged, err := stagedFile(ctx, s.store, doc.ID)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(staged)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, stageTextExtraction, "read staged file", staged, err)
	}

	text, ok := extractText(raw)
	if !ok {
		return "", services.Wrap(services.ErrPermanentInput, stageTextExtraction, "decode",
			"no recoverable text in "+doc.MimeType+" payload", nil)
	}
	if strings.TrimSpace(text) == "" {
		return "", services.Wrap(services.ErrPermanentInput, stageTextExtraction, "decode", "document is empty", nil)
	}

	return s.store.SaveArtifact(ctx, doc.ID, stageTextExtraction, ledger.NoChunk, artifactText, text)
}

// extractText keeps printable runes and whitespace, dropping everything
// else. It reports failure when the payload is mostly invalid UTF-8, which
// is the practical signal for an unsupported binary format.
func extractText(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})

	var b strings.Builder
	b.Grow(len(raw))
	var invalid int
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		raw = raw[size:]
		if r == utf8.RuneError && size == 1 {
			invalid++
			continue
		}
		if r == '\n' || r == '\t' || unicode.IsPrint(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	text := b.String()
	total := invalid + utf8.RuneCountInString(text)
	if total == 0 || invalid*10 > total*3 {
		return "", false
	}
	return text, true
}
