package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stardust/internal/app"
	"stardust/internal/config"
	"stardust/internal/game"
	"stardust/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	shutdownTracing, err := telemetry.Setup(ctx, "stardust-worker", cfg.Telemetry)
	if err != nil {
		logger.Error("telemetry setup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	st, err := app.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store open failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	svc, err := app.NewGame(st, cfg.Mail, cfg.Game, logger)
	if err != nil {
		logger.Error("game init failed", "err", err)
		os.Exit(1)
	}

	if cfg.RunOnce {
		if err := sweep(ctx, svc, logger); err != nil {
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	ticker := time.NewTicker(cfg.SweepEvery)
	defer ticker.Stop()

	logger.Info("worker started", "sweep_every", cfg.SweepEvery.String(), "mission_delay", cfg.Game.MissionDelay().String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			_ = sweep(ctx, svc, logger)
		}
	}
}

func sweep(ctx context.Context, svc *game.Service, logger *slog.Logger) error {
	res, err := svc.Sweep(ctx, 0)
	if err != nil {
		logger.Error("sweep failed", "err", err, "processed", res.Processed)
		return err
	}
	failed := 0
	for _, item := range res.Results {
		if !item.Success {
			failed++
		}
	}
	logger.Info("sweep complete", "processed", res.Processed, "failed", failed)
	return nil
}
