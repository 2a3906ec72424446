package main

import (
	"fmt"
	"math/rand/v2"

	"docpipe/internal/api"
	"docpipe/internal/config"
	"docpipe/internal/engine"
	"docpipe/internal/governor"
	"docpipe/internal/ledger"
	"docpipe/internal/logging"
	"docpipe/internal/retry"
	"docpipe/internal/stage"
	"docpipe/internal/stages"
)

// commandContext lazily builds the shared dependency stack so commands
// like "config" work without touching the ledger.
type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	cfg     *config.Config
	store   *ledger.Store
	engine  *engine.Engine
	service *api.DocumentService
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{configFlag: configFlag, jsonFlag: jsonFlag}
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

// ensureStack opens the ledger and wires the engine behind it. The CLI
// talks to the same SQLite database as the daemon; attempt exclusivity in
// the ledger keeps the two from stepping on each other.
func (c *commandContext) ensureStack() (*api.DocumentService, *engine.Engine, error) {
	if c.service != nil {
		return c.service, c.engine, nil
	}

	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, err
	}

	store, err := ledger.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	registry := stage.NewRegistry()
	if err := stages.Register(registry, cfg, store, stages.Clients{}); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("register stages: %w", err)
	}
	gov, err := governor.New(cfg.Pipeline.StagePoolSize, cfg.Pipeline.ChunkPoolSize)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	eng, err := engine.New(cfg, store, registry, gov, retry.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), logging.NewNop())
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	c.store = store
	c.engine = eng
	c.service = api.NewDocumentService(store, eng)
	return c.service, c.engine, nil
}

func (c *commandContext) close() {
	if c.store != nil {
		c.store.Close()
		c.store = nil
	}
}
