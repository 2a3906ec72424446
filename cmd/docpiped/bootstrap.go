package main

import (
	"log/slog"
	"math/rand/v2"

	"docpipe/internal/config"
	"docpipe/internal/engine"
	"docpipe/internal/governor"
	"docpipe/internal/ledger"
	"docpipe/internal/retry"
	"docpipe/internal/stage"
	"docpipe/internal/stages"
)

// buildEngine wires the built-in stage set behind a ready-to-run engine.
func buildEngine(cfg *config.Config, store *ledger.Store, logger *slog.Logger) (*engine.Engine, error) {
	registry := stage.NewRegistry()
	if err := stages.Register(registry, cfg, store, stages.Clients{}); err != nil {
		return nil, err
	}
	gov, err := governor.New(cfg.Pipeline.StagePoolSize, cfg.Pipeline.ChunkPoolSize)
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, store, registry, gov, retry.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), logger)
}
