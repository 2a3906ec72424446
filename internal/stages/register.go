package stages

import (
	"time"

	"docpipe/internal/config"
	"docpipe/internal/ledger"
	"docpipe/internal/stage"
)

// Clients bundles the provider clients the fan-out stages depend on. Zero
// fields fall back to the local deterministic implementations.
type Clients struct {
	Embed   EmbedClient
	Extract ExtractClient
}

// Register installs the built-in pipeline for the configured schema
// version. Stage order is fixed; the embedding stage is optional and
// follows the embedding_enabled config toggle.
func Register(reg *stage.Registry, cfg *config.Config, store *ledger.Store, clients Clients) error {
	if clients.Embed == nil {
		clients.Embed = NewLocalEmbedder(cfg)
	}
	if clients.Extract == nil {
		clients.Extract = NewLocalExtractor(cfg)
	}

	timeout := time.Duration(cfg.Pipeline.StageTimeoutSeconds) * time.Second
	maxAttempts := cfg.Pipeline.MaxAttempts

	type entry struct {
		desc    stage.Descriptor
		handler stage.Handler
	}
	pipeline := []entry{
		{
			desc:    stage.Descriptor{Name: stageIngest, Order: 10, Retryable: true, MaxAttempts: maxAttempts, AttemptTimeout: timeout},
			handler: NewIngestStage(cfg, store),
		},
		{
			desc:    stage.Descriptor{Name: stageTextExtraction, Order: 20, Retryable: true, MaxAttempts: maxAttempts, AttemptTimeout: timeout},
			handler: NewTextExtractionStage(store),
		},
		{
			desc:    stage.Descriptor{Name: stageLayoutNormalization, Order: 30, Retryable: true, MaxAttempts: maxAttempts, AttemptTimeout: timeout},
			handler: NewLayoutNormalizationStage(store),
		},
		{
			desc:    stage.Descriptor{Name: stageChunking, Order: 40, Retryable: true, MaxAttempts: maxAttempts, AttemptTimeout: timeout},
			handler: NewChunkingStage(cfg, store),
		},
		{
			desc: stage.Descriptor{
				Name: stageEmbedding, Order: 50, FanOut: true, Retryable: true, MaxAttempts: maxAttempts, AttemptTimeout: timeout,
				Optional: true, Disabled: !cfg.Pipeline.EmbeddingEnabled,
			},
			handler: NewEmbeddingStage(cfg, store, clients.Embed),
		},
		{
			desc:    stage.Descriptor{Name: stageStructuredExtraction, Order: 60, FanOut: true, Retryable: true, MaxAttempts: maxAttempts, AttemptTimeout: timeout},
			handler: NewStructuredExtractionStage(store, clients.Extract),
		},
		{
			// Validation failures are judgments about the input, not flakes;
			// retrying the same artifacts cannot change the verdict.
			desc:    stage.Descriptor{Name: stageValidation, Order: 70, Retryable: false, MaxAttempts: 1, AttemptTimeout: timeout},
			handler: NewValidationStage(store, cfg.Pipeline.EmbeddingEnabled),
		},
		{
			desc:    stage.Descriptor{Name: stagePersistence, Order: 80, Retryable: true, MaxAttempts: maxAttempts, AttemptTimeout: timeout},
			handler: NewPersistenceStage(cfg, store),
		},
		{
			desc:    stage.Descriptor{Name: stageAudit, Order: 90, Retryable: true, MaxAttempts: maxAttempts, AttemptTimeout: timeout},
			handler: NewAuditStage(store),
		},
	}

	schema := cfg.Pipeline.DefaultSchemaVersion
	for _, e := range pipeline {
		if err := reg.Register(schema, e.desc, e.handler); err != nil {
			return err
		}
	}
	return nil
}
