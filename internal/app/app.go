// Package app wires the store, mail sender and game service shared by the API and worker.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"stardust/internal/config"
	"stardust/internal/db"
	"stardust/internal/game"
	"stardust/internal/mail"
	"stardust/internal/store"
	"stardust/internal/store/postgres"
	"stardust/internal/store/sqlite"
)

// OpenStore connects to the configured backend and applies its migrations.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("store ready", "driver", cfg.Driver, "path", cfg.SQLitePath)
		return st, nil
	case config.StoreDriverPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("store ready", "driver", cfg.Driver)
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func NewSender(cfg config.MailConfig, logger *slog.Logger) mail.Sender {
	if cfg.Driver == config.MailDriverLog {
		return mail.LogSender{Log: logger}
	}
	return mail.NewPostmarkClient(cfg.PostmarkURL, cfg.PostmarkToken)
}

// SweepLimiter paces sweep sends at perSecond. Zero disables pacing.
func SweepLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

func NewGame(st store.Store, mailCfg config.MailConfig, gameCfg config.GameConfig, logger *slog.Logger) (*game.Service, error) {
	return game.NewService(st, NewSender(mailCfg, logger), logger, game.Options{
		MailFrom:     mailCfg.From,
		MailReplyTo:  mailCfg.ReplyTo,
		ReplyReward:  gameCfg.ReplyReward,
		WelcomeBonus: gameCfg.WelcomeBonus,
		MissionDelay: gameCfg.MissionDelay(),
		SweepLimiter: SweepLimiter(gameCfg.SweepSendsPerSecond),
	})
}
