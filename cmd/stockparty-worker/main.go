package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockparty/internal/config"
	"stockparty/internal/db"
	"stockparty/internal/market"
	"stockparty/internal/store"
)

// The worker restores persisted sessions and drives fluctuation and
// expiry housekeeping against the snapshot store. It is meant for
// deployments where the API process is not the ticker, or as a run-once
// maintenance pass.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		slog.Error("worker requires DATABASE_URL")
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: int32(cfg.DBMaxConns),
		MinConns: int32(cfg.DBMinConns),
	})
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	pg := store.NewPostgres(pool, logger)
	if err := pg.Init(ctx); err != nil {
		logger.Error("db init failed", "err", err)
		os.Exit(1)
	}

	reg := market.NewRegistry(pg, nil, market.NewBroker(), logger)
	if err := reg.Restore(ctx); err != nil {
		logger.Error("session restore failed", "err", err)
		os.Exit(1)
	}
	engine := market.NewEngine(reg, logger)

	if cfg.WorkerRunOnce {
		engine.AdvanceDue(ctx, time.Now())
		logger.Info("worker run-once completed", "sessions", len(reg.SessionIDs()))
		return
	}

	ticker := time.NewTicker(cfg.WorkerTickEvery)
	defer ticker.Stop()

	logger.Info("worker started", "tick_every", cfg.WorkerTickEvery.String(), "sessions", len(reg.SessionIDs()))
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case now := <-ticker.C:
			engine.AdvanceDue(ctx, now)
		}
	}
}
