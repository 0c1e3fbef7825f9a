// Package postgres is the production backend. Tables live in the stardust schema
// created by internal/db migrations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stardust/internal/ledger"
	"stardust/internal/mission"
	"stardust/internal/store"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	repo
	db *pgxpool.Pool
}

type repo struct {
	q querier
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{repo: repo{q: pool}, db: pool}
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// InTx runs fn in a serializable transaction, retrying on serialization failures.
// fn may run more than once and must only touch the Repository it is given.
func (s *Store) InTx(ctx context.Context, fn func(store.Repository) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(repo{q: tx}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return fmt.Errorf("%w: transaction kept conflicting", store.ErrConflict)
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return store.ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	default:
		return err
	}
}

func optString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// Players

const playerColumns = `id, email, token, stardust_balance, current_arc, created_at`

func scanPlayer(row pgx.Row) (store.Player, error) {
	var (
		p   store.Player
		arc *string
	)
	if err := row.Scan(&p.ID, &p.Email, &p.Token, &p.Balance, &arc, &p.CreatedAt); err != nil {
		return store.Player{}, mapErr(err)
	}
	p.Arc = mission.Path(deref(arc))
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (r repo) CreatePlayer(ctx context.Context, p store.Player) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO stardust.players (id, email, token, stardust_balance, current_arc, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Email, p.Token, p.Balance, optString(string(p.Arc)), p.CreatedAt)
	return mapErr(err)
}

func (r repo) PlayerByID(ctx context.Context, id string) (store.Player, error) {
	return scanPlayer(r.q.QueryRow(ctx, `SELECT `+playerColumns+` FROM stardust.players WHERE id = $1`, id))
}

func (r repo) PlayerByEmail(ctx context.Context, email string) (store.Player, error) {
	return scanPlayer(r.q.QueryRow(ctx, `SELECT `+playerColumns+` FROM stardust.players WHERE email = $1`, email))
}

func (r repo) SetPlayerArc(ctx context.Context, playerID string, arc mission.Path) error {
	tag, err := r.q.Exec(ctx, `UPDATE stardust.players SET current_arc = $1 WHERE id = $2`, optString(string(arc)), playerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r repo) SetPlayerBalance(ctx context.Context, playerID string, balance int64) error {
	tag, err := r.q.Exec(ctx, `UPDATE stardust.players SET stardust_balance = $1 WHERE id = $2`, balance, playerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r repo) ListPlayers(ctx context.Context) ([]store.PlayerOverview, error) {
	rows, err := r.q.Query(ctx, `
		SELECT p.id, p.email, p.token, p.stardust_balance, p.current_arc, p.created_at,
		       mp.current_mission, mp.path_choice, mp.last_sent_at, mp.responded_at, mp.updated_at
		FROM stardust.players p
		LEFT JOIN stardust.missions_progress mp ON mp.player_id = p.id
		ORDER BY p.created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.PlayerOverview, 0, 16)
	for rows.Next() {
		var (
			o        store.PlayerOverview
			arc      *string
			current  *int
			path     *string
			lastSent *time.Time
			answered *time.Time
			updated  *time.Time
		)
		if err := rows.Scan(&o.ID, &o.Email, &o.Token, &o.Balance, &arc, &o.CreatedAt,
			&current, &path, &lastSent, &answered, &updated); err != nil {
			return nil, err
		}
		o.Arc = mission.Path(deref(arc))
		if current != nil {
			o.Progress = &store.Progress{
				PlayerID:       o.ID,
				CurrentMission: *current,
				PathChoice:     mission.Path(deref(path)),
				LastSentAt:     lastSent,
				RespondedAt:    answered,
			}
			if updated != nil {
				o.Progress.UpdatedAt = *updated
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Progress

const progressColumns = `player_id, current_mission, path_choice, last_sent_at, responded_at, updated_at`

func scanProgress(row pgx.Row) (store.Progress, error) {
	var (
		p    store.Progress
		path *string
	)
	if err := row.Scan(&p.PlayerID, &p.CurrentMission, &path, &p.LastSentAt, &p.RespondedAt, &p.UpdatedAt); err != nil {
		return store.Progress{}, mapErr(err)
	}
	p.PathChoice = mission.Path(deref(path))
	return p, nil
}

func (r repo) Progress(ctx context.Context, playerID string) (store.Progress, error) {
	return scanProgress(r.q.QueryRow(ctx, `
		SELECT `+progressColumns+` FROM stardust.missions_progress WHERE player_id = $1
	`, playerID))
}

func (r repo) LockProgress(ctx context.Context, playerID string) (store.Progress, error) {
	return scanProgress(r.q.QueryRow(ctx, `
		SELECT `+progressColumns+` FROM stardust.missions_progress WHERE player_id = $1 FOR UPDATE
	`, playerID))
}

func (r repo) UpsertProgressSent(ctx context.Context, playerID string, missionNumber int, sentAt time.Time) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO stardust.missions_progress (player_id, current_mission, last_sent_at, responded_at, updated_at)
		VALUES ($1, $2, $3, NULL, $3)
		ON CONFLICT (player_id) DO UPDATE SET
			current_mission = EXCLUDED.current_mission,
			last_sent_at = EXCLUDED.last_sent_at,
			responded_at = NULL,
			updated_at = EXCLUDED.updated_at
	`, playerID, missionNumber, sentAt)
	return mapErr(err)
}

func (r repo) SetPathChoice(ctx context.Context, playerID string, path mission.Path, at time.Time) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE stardust.missions_progress SET path_choice = $1, updated_at = $2 WHERE player_id = $3
	`, optString(string(path)), at, playerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r repo) MarkResponded(ctx context.Context, playerID string, missionNumber int, at time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE stardust.missions_progress
		SET responded_at = $1, updated_at = $1
		WHERE player_id = $2 AND current_mission = $3 AND responded_at IS NULL
	`, at, playerID, missionNumber)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r repo) DueProgress(ctx context.Context, cutoff time.Time, maxMission int) ([]store.Progress, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+progressColumns+`
		FROM stardust.missions_progress
		WHERE responded_at IS NOT NULL AND responded_at <= $1 AND current_mission < $2
		ORDER BY responded_at ASC
	`, cutoff, maxMission)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Ledger

func (r repo) AppendLedger(ctx context.Context, e ledger.Entry) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO stardust.stardust_transactions (id, player_id, amount, tx_type, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.PlayerID, e.Amount, string(e.Type), e.Reason, e.Metadata, e.CreatedAt)
	return mapErr(err)
}

func (r repo) LedgerEntries(ctx context.Context, playerID string) ([]ledger.Entry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, player_id, amount, tx_type, reason, metadata, created_at
		FROM stardust.stardust_transactions
		WHERE player_id = $1
		ORDER BY created_at ASC, id ASC
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e   ledger.Entry
			typ string
		)
		if err := rows.Scan(&e.ID, &e.PlayerID, &e.Amount, &typ, &e.Reason, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = ledger.TxType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Responses and choices

func (r repo) InsertResponse(ctx context.Context, resp store.MissionResponse) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO stardust.mission_responses (id, player_id, mission_number, response_text, word_count, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, resp.ID, resp.PlayerID, resp.MissionNumber, resp.ResponseText, resp.WordCount, resp.RespondedAt)
	return mapErr(err)
}

func (r repo) ListResponses(ctx context.Context, playerID string) ([]store.MissionResponse, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, player_id, mission_number, response_text, word_count, responded_at
		FROM stardust.mission_responses
		WHERE player_id = $1
		ORDER BY responded_at ASC
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.MissionResponse
	for rows.Next() {
		var resp store.MissionResponse
		if err := rows.Scan(&resp.ID, &resp.PlayerID, &resp.MissionNumber, &resp.ResponseText, &resp.WordCount, &resp.RespondedAt); err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

func (r repo) InsertChoice(ctx context.Context, c store.Choice) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO stardust.choices (id, player_id, mission_number, arc, response, arrival_time, response_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.PlayerID, c.MissionNumber, optString(string(c.Arc)), c.Response, c.ArrivalTime, c.ResponseTime)
	return mapErr(err)
}

func (r repo) ListChoices(ctx context.Context, playerID string) ([]store.Choice, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, player_id, mission_number, arc, response, arrival_time, response_time
		FROM stardust.choices
		WHERE player_id = $1
		ORDER BY response_time ASC
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Choice
	for rows.Next() {
		var (
			c   store.Choice
			arc *string
		)
		if err := rows.Scan(&c.ID, &c.PlayerID, &c.MissionNumber, &arc, &c.Response, &c.ArrivalTime, &c.ResponseTime); err != nil {
			return nil, err
		}
		c.Arc = mission.Path(deref(arc))
		out = append(out, c)
	}
	return out, rows.Err()
}

// Question pool

const questionColumns = `id, player_id, question_text, path_choice, paired_with, created_at`

func scanQuestion(row pgx.Row) (store.Question, error) {
	var (
		q      store.Question
		path   string
		paired *string
	)
	if err := row.Scan(&q.ID, &q.PlayerID, &q.Text, &path, &paired, &q.CreatedAt); err != nil {
		return store.Question{}, mapErr(err)
	}
	q.Path = mission.Path(path)
	q.PairedWith = deref(paired)
	return q, nil
}

func (r repo) InsertQuestion(ctx context.Context, q store.Question) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO stardust.questions_pool (id, player_id, question_text, path_choice, paired_with, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, q.ID, q.PlayerID, q.Text, string(q.Path), optString(q.PairedWith), q.CreatedAt)
	return mapErr(err)
}

// OldestUnpairedQuestion skips rows another transaction is pairing right now.
func (r repo) OldestUnpairedQuestion(ctx context.Context, path mission.Path, excludePlayerID string) (store.Question, error) {
	return scanQuestion(r.q.QueryRow(ctx, `
		SELECT `+questionColumns+`
		FROM stardust.questions_pool
		WHERE path_choice = $1 AND paired_with IS NULL AND player_id <> $2
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(path), excludePlayerID))
}

func (r repo) UnpairedQuestionOf(ctx context.Context, playerID string) (store.Question, error) {
	return scanQuestion(r.q.QueryRow(ctx, `
		SELECT `+questionColumns+`
		FROM stardust.questions_pool
		WHERE player_id = $1 AND paired_with IS NULL
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
		FOR UPDATE
	`, playerID))
}

func (r repo) PairQuestion(ctx context.Context, questionID, pairedWith string) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE stardust.questions_pool SET paired_with = $1 WHERE id = $2 AND paired_with IS NULL
	`, pairedWith, questionID)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r repo) QuestionPairedWith(ctx context.Context, playerID string) (store.Question, error) {
	return scanQuestion(r.q.QueryRow(ctx, `
		SELECT `+questionColumns+`
		FROM stardust.questions_pool
		WHERE paired_with = $1 AND player_id <> $1
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
	`, playerID))
}

func (r repo) ListQuestions(ctx context.Context, playerID string) ([]store.Question, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+questionColumns+`
		FROM stardust.questions_pool
		WHERE player_id = $1
		ORDER BY created_at ASC, seq ASC
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Secrets and unlocks

const secretColumns = `id, code, title, content, cost, is_active`

func scanSecret(row pgx.Row) (store.Secret, error) {
	var s store.Secret
	if err := row.Scan(&s.ID, &s.Code, &s.Title, &s.Content, &s.Cost, &s.IsActive); err != nil {
		return store.Secret{}, mapErr(err)
	}
	return s, nil
}

func (r repo) UpsertSecret(ctx context.Context, s store.Secret) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO stardust.secrets (id, code, title, content, cost, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			cost = EXCLUDED.cost,
			is_active = EXCLUDED.is_active
	`, s.ID, s.Code, s.Title, s.Content, s.Cost, s.IsActive)
	return mapErr(err)
}

func (r repo) ActiveSecretByCode(ctx context.Context, code string) (store.Secret, error) {
	return scanSecret(r.q.QueryRow(ctx, `
		SELECT `+secretColumns+` FROM stardust.secrets WHERE code = $1 AND is_active
	`, code))
}

func (r repo) ListActiveSecrets(ctx context.Context) ([]store.Secret, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+secretColumns+` FROM stardust.secrets WHERE is_active ORDER BY cost ASC, code ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r repo) InsertUnlock(ctx context.Context, u store.Unlock) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO stardust.player_unlocks (id, player_id, unlock_type, ref_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.PlayerID, u.UnlockType, u.RefID, u.CreatedAt)
	return mapErr(err)
}

func (r repo) HasUnlock(ctx context.Context, playerID, unlockType, refID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM stardust.player_unlocks
			WHERE player_id = $1 AND unlock_type = $2 AND ref_id = $3
		)
	`, playerID, unlockType, refID).Scan(&exists)
	return exists, err
}

func (r repo) ListUnlockRefs(ctx context.Context, playerID, unlockType string) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT ref_id FROM stardust.player_unlocks
		WHERE player_id = $1 AND unlock_type = $2
		ORDER BY created_at ASC
	`, playerID, unlockType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (r repo) InsertReflection(ctx context.Context, ref store.Reflection) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO stardust.reflections (id, player_id, reflection_text, created_at)
		VALUES ($1, $2, $3, $4)
	`, ref.ID, ref.PlayerID, ref.Text, ref.CreatedAt)
	return mapErr(err)
}
