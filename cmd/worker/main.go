package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"billswap/app"
	"billswap/config"
	"billswap/logging"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	relay, closePublisher, err := a.Relay()
	if err != nil {
		logger.Error("outbox publisher", "error", err)
		os.Exit(1)
	}
	defer closePublisher()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sweeper started", "interval", cfg.SweepInterval().String(), "batch", cfg.Worker.SweepBatchSize)
		return a.Sweeper.Loop(gctx, cfg.SweepInterval())
	})
	g.Go(func() error {
		logger.Info("outbox relay started", "interval", cfg.OutboxInterval().String())
		return relay.Run(gctx, cfg.OutboxInterval())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
