package main

import (
	"context"
	"log"
	"time"

	"billswap/config"
	"billswap/db"
	"billswap/logging"
	"billswap/migrations"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DB.DSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	applied, err := migrations.Apply(ctx, pool)
	if err != nil {
		log.Fatalf("apply migrations: %v", err)
	}
	if len(applied) == 0 {
		logger.Info("schema up to date")
		return
	}
	logger.Info("migrations applied", "count", len(applied), "names", applied)
}
