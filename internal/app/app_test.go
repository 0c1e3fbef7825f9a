package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stardust/internal/config"
	"stardust/internal/mail"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStoreSQLite(t *testing.T) {
	ctx := context.Background()
	st, err := OpenStore(ctx, config.StoreConfig{
		Driver:     config.StoreDriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "app.db"),
	}, discard())
	require.NoError(t, err)
	defer st.Close()

	players, err := st.ListPlayers(ctx)
	require.NoError(t, err)
	require.Empty(t, players)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.StoreConfig{Driver: "mysql"}, discard())
	require.Error(t, err)
}

func TestNewSenderPicksDriver(t *testing.T) {
	_, ok := NewSender(config.MailConfig{Driver: config.MailDriverLog}, discard()).(mail.LogSender)
	require.True(t, ok)
	_, ok = NewSender(config.MailConfig{Driver: config.MailDriverPostmark, PostmarkToken: "x"}, discard()).(*mail.PostmarkClient)
	require.True(t, ok)
}

func TestSweepLimiter(t *testing.T) {
	require.Nil(t, SweepLimiter(0))
	lim := SweepLimiter(4)
	require.NotNil(t, lim)
	require.InDelta(t, 4, float64(lim.Limit()), 0.001)
	require.True(t, lim.Allow())
}

func TestNewGameSignsUpWithLogSender(t *testing.T) {
	ctx := context.Background()
	st, err := OpenStore(ctx, config.StoreConfig{
		Driver:     config.StoreDriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "game.db"),
	}, discard())
	require.NoError(t, err)
	defer st.Close()

	svc, err := NewGame(st, config.MailConfig{Driver: config.MailDriverLog, From: "letta@example.com"},
		config.GameConfig{MissionDelayHours: 1, ReplyReward: 10, WelcomeBonus: 50}, discard())
	require.NoError(t, err)

	res, err := svc.Signup(ctx, "ann@example.com")
	require.NoError(t, err)
	require.True(t, res.MissionSent)

	sweep, err := svc.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, sweep.Processed)
}
