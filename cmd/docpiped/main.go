package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"docpipe/internal/api"
	"docpipe/internal/config"
	"docpipe/internal/daemon"
	"docpipe/internal/ledger"
	"docpipe/internal/logging"
	"docpipe/internal/workflow"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store, err := ledger.Open(cfg)
	if err != nil {
		logger.Error("open ledger", logging.Error(err))
		return
	}
	defer store.Close()

	eng, err := buildEngine(cfg, store, logger)
	if err != nil {
		logger.Error("build engine", logging.Error(err))
		return
	}

	manager := workflow.NewManager(cfg, store, eng, logger)
	service := api.NewDocumentService(store, eng)

	d, err := daemon.New(cfg, store, logger, manager, service)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return
	}
	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("docpiped shutting down")
	d.Stop()
}
