package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"vodsum/internal/config"
	"vodsum/internal/daemon"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		log.Fatalf("open queue store: %v", err)
	}

	manager, sched := buildServices(cfg, store, logger)

	d, err := daemon.New(cfg, store, logger, manager, sched)
	if err != nil {
		log.Fatalf("create daemon: %v", err)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		log.Fatalf("start daemon: %v", err)
	}

	<-ctx.Done()
	logger.Info("vodsumd shutting down")
}
