package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockparty/internal/api"
	"stockparty/internal/config"
	"stockparty/internal/db"
	"stockparty/internal/market"
	"stockparty/internal/relay"
	"stockparty/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var snapshots market.Store = market.NoopStore{}
	if cfg.DatabaseURL != "" {
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
		snapshots = pg
	} else {
		logger.Warn("no database configured, sessions are memory only")
	}

	var relayClient market.RelayClient
	if cfg.RelayURL != "" {
		relayClient = relay.NewClient(cfg.RelayURL, cfg.RelayTimeout)
	}

	reg := market.NewRegistry(snapshots, relayClient, market.NewBroker(), logger)
	if cfg.RestoreOnStartup {
		if err := reg.Restore(ctx); err != nil {
			logger.Error("session restore failed", "err", err)
			os.Exit(1)
		}
		logger.Info("sessions restored", "count", len(reg.SessionIDs()))
	}
	engine := market.NewEngine(reg, logger)

	// Fluctuation driver. Sessions advance on their own schedule, the
	// ticker just polls for due ones.
	go func() {
		ticker := time.NewTicker(cfg.WorkerTickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				engine.AdvanceDue(ctx, now)
			}
		}
	}()

	server := api.New(cfg, logger, reg, engine)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("stockparty api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
