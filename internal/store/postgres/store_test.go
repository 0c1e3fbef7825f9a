package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"stardust/internal/db"
	"stardust/internal/mission"
	"stardust/internal/store"
)

func TestMapErr(t *testing.T) {
	require.NoError(t, mapErr(nil))
	require.ErrorIs(t, mapErr(pgx.ErrNoRows), store.ErrNotFound)
	require.ErrorIs(t, mapErr(fmt.Errorf("scan: %w", pgx.ErrNoRows)), store.ErrNotFound)
	require.ErrorIs(t, mapErr(&pgconn.PgError{Code: "23505"}), store.ErrConflict)

	other := errors.New("boom")
	require.Equal(t, other, mapErr(other))
}

func TestIsSerializationError(t *testing.T) {
	require.True(t, isSerializationError(&pgconn.PgError{Code: "40001"}))
	require.True(t, isSerializationError(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40P01"})))
	require.False(t, isSerializationError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isSerializationError(errors.New("plain")))
}

func TestOptString(t *testing.T) {
	require.Nil(t, optString(""))
	require.Equal(t, "chaos", deref(optString("chaos")))
	require.Equal(t, "", deref(nil))
}

// TestStoreAgainstPostgres needs a disposable database in STARDUST_TEST_DATABASE_URL.
func TestStoreAgainstPostgres(t *testing.T) {
	url := os.Getenv("STARDUST_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("STARDUST_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, pool))
	s := New(pool)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now().UTC().Truncate(time.Millisecond)
	p := store.Player{ID: uuid.NewString(), Email: uuid.NewString() + "@example.com", Token: "tok", CreatedAt: now}
	require.NoError(t, s.CreatePlayer(ctx, p))
	require.ErrorIs(t, s.CreatePlayer(ctx, store.Player{ID: uuid.NewString(), Email: p.Email, Token: "x", CreatedAt: now}), store.ErrConflict)

	err = s.InTx(ctx, func(r store.Repository) error {
		if err := r.UpsertProgressSent(ctx, p.ID, 1, now); err != nil {
			return err
		}
		prog, err := r.LockProgress(ctx, p.ID)
		if err != nil {
			return err
		}
		if prog.CurrentMission != 1 {
			return fmt.Errorf("mission %d", prog.CurrentMission)
		}
		ok, err := r.MarkResponded(ctx, p.ID, 1, now)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("mark responded did not apply")
		}
		return r.SetPathChoice(ctx, p.ID, mission.PathChaos, now)
	})
	require.NoError(t, err)

	prog, err := s.Progress(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, mission.Answered, prog.State())
	require.Equal(t, mission.PathChaos, prog.PathChoice)
}
