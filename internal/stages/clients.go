package stages

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/time/rate"

	"docpipe/internal/config"
	"docpipe/internal/services"
)

// EmbedClient produces a vector for one chunk of text. Implementations are
// expected to be safe for concurrent use; the embedding stage calls Embed
// from parallel chunk tasks.
type EmbedClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ExtractClient pulls structured fields out of one chunk of text, returned
// as a JSON object payload.
type ExtractClient interface {
	Extract(ctx context.Context, text string) (string, error)
}

const localVectorDims = 32

// localEmbedder is the in-process embedding provider. Vectors are derived
// from a content hash, so the same text always embeds to the same vector
// and reprocessing is reproducible. A shared limiter throttles request
// rate the same way a remote provider client would be throttled.
type localEmbedder struct {
	model   string
	limiter *rate.Limiter
}

// NewLocalEmbedder builds the default embedding client from config.
func NewLocalEmbedder(cfg *config.Config) EmbedClient {
	return &localEmbedder{
		model:   cfg.Embedding.Model,
		limiter: newLimiter(cfg.Embedding.RequestsPerSecond),
	}
}

func (c *localEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, services.Wrap(services.ErrTransient, "", "embed", "rate limiter interrupted", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, services.Wrap(services.ErrPermanentInput, "", "embed", "empty chunk text", nil)
	}

	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	vec := make([]float32, localVectorDims)
	for i := range vec {
		// Map 4 hash bytes per dimension onto [-1, 1).
		offset := (i * 4) % (len(sum) - 4)
		bits := binary.LittleEndian.Uint32(sum[offset:offset+4]) ^ uint32(i)*0x9e3779b9
		vec[i] = float32(bits%2000)/1000 - 1
	}
	return vec, nil
}

// localExtractor is the in-process structured extraction provider. It emits
// a deterministic JSON object with simple lexical features, standing in for
// a model-backed field extractor.
type localExtractor struct {
	model   string
	limiter *rate.Limiter
}

// NewLocalExtractor builds the default extraction client from config.
func NewLocalExtractor(cfg *config.Config) ExtractClient {
	return &localExtractor{
		model:   cfg.Extraction.Model,
		limiter: newLimiter(cfg.Extraction.RequestsPerSecond),
	}
}

func (c *localExtractor) Extract(ctx context.Context, text string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", services.Wrap(services.ErrTransient, "", "extract", "rate limiter interrupted", err)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", services.Wrap(services.ErrPermanentInput, "", "extract", "empty chunk text", nil)
	}

	words := strings.FieldsFunc(trimmed, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var numbers int
	for _, w := range words {
		if _, ok := firstDigit(w); ok {
			numbers++
		}
	}
	return fmt.Sprintf(`{"model":%q,"word_count":%d,"numeric_tokens":%d,"char_count":%d}`,
		c.model, len(words), numbers, len(trimmed)), nil
}

func firstDigit(s string) (rune, bool) {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return r, true
		}
	}
	return 0, false
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
