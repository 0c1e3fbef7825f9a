// Package sqlite is the single-file backend used for local play and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"stardust/internal/ledger"
	"stardust/internal/mission"
	"stardust/internal/store"
	"stardust/internal/store/sqlite/migrations"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a store.Store on one SQLite file.
type Store struct {
	repo
	sqlDB *sql.DB
}

type repo struct {
	q querier
}

var _ store.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func timePtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

// Open opens (creating if needed) the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; transactions must never wait on a second connection.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{repo: repo{q: sqlDB}, sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// InTx runs fn inside one transaction, committing only if fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(store.Repository) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(repo{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w: rollback: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

func applyMigrations(db *sql.DB, migrationFS fs.FS) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(migrationFS, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		var exists int
		if err := db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, name).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if exists > 0 {
			continue
		}
		body, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, name, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	default:
		return err
	}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Players

const playerColumns = `id, email, token, stardust_balance, current_arc, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlayer(row rowScanner) (store.Player, error) {
	var (
		p       store.Player
		arc     sql.NullString
		created int64
	)
	if err := row.Scan(&p.ID, &p.Email, &p.Token, &p.Balance, &arc, &created); err != nil {
		return store.Player{}, mapErr(err)
	}
	p.Arc = mission.Path(arc.String)
	p.CreatedAt = fromMillis(created)
	return p, nil
}

func (r repo) CreatePlayer(ctx context.Context, p store.Player) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO players (id, email, token, stardust_balance, current_arc, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Email, p.Token, p.Balance, nullString(string(p.Arc)), toMillis(p.CreatedAt))
	return mapErr(err)
}

func (r repo) PlayerByID(ctx context.Context, id string) (store.Player, error) {
	return scanPlayer(r.q.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE id = ?`, id))
}

func (r repo) PlayerByEmail(ctx context.Context, email string) (store.Player, error) {
	return scanPlayer(r.q.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE email = ?`, email))
}

func (r repo) SetPlayerArc(ctx context.Context, playerID string, arc mission.Path) error {
	res, err := r.q.ExecContext(ctx, `UPDATE players SET current_arc = ? WHERE id = ?`, nullString(string(arc)), playerID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r repo) SetPlayerBalance(ctx context.Context, playerID string, balance int64) error {
	res, err := r.q.ExecContext(ctx, `UPDATE players SET stardust_balance = ? WHERE id = ?`, balance, playerID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r repo) ListPlayers(ctx context.Context) ([]store.PlayerOverview, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT p.id, p.email, p.token, p.stardust_balance, p.current_arc, p.created_at,
		       mp.current_mission, mp.path_choice, mp.last_sent_at, mp.responded_at, mp.updated_at
		FROM players p
		LEFT JOIN missions_progress mp ON mp.player_id = p.id
		ORDER BY p.created_at DESC, p.rowid DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.PlayerOverview, 0, 16)
	for rows.Next() {
		var (
			o         store.PlayerOverview
			arc       sql.NullString
			created   int64
			current   sql.NullInt64
			path      sql.NullString
			lastSent  sql.NullInt64
			responded sql.NullInt64
			updated   sql.NullInt64
		)
		if err := rows.Scan(&o.ID, &o.Email, &o.Token, &o.Balance, &arc, &created,
			&current, &path, &lastSent, &responded, &updated); err != nil {
			return nil, err
		}
		o.Arc = mission.Path(arc.String)
		o.CreatedAt = fromMillis(created)
		if current.Valid {
			o.Progress = &store.Progress{
				PlayerID:       o.ID,
				CurrentMission: int(current.Int64),
				PathChoice:     mission.Path(path.String),
				LastSentAt:     timePtr(lastSent),
				RespondedAt:    timePtr(responded),
				UpdatedAt:      fromMillis(updated.Int64),
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Progress

const progressColumns = `player_id, current_mission, path_choice, last_sent_at, responded_at, updated_at`

func scanProgress(row rowScanner) (store.Progress, error) {
	var (
		p         store.Progress
		path      sql.NullString
		lastSent  sql.NullInt64
		responded sql.NullInt64
		updated   int64
	)
	if err := row.Scan(&p.PlayerID, &p.CurrentMission, &path, &lastSent, &responded, &updated); err != nil {
		return store.Progress{}, mapErr(err)
	}
	p.PathChoice = mission.Path(path.String)
	p.LastSentAt = timePtr(lastSent)
	p.RespondedAt = timePtr(responded)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func (r repo) Progress(ctx context.Context, playerID string) (store.Progress, error) {
	return scanProgress(r.q.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM missions_progress WHERE player_id = ?`, playerID))
}

// LockProgress is a plain read: a SQLite write transaction already holds the database lock.
func (r repo) LockProgress(ctx context.Context, playerID string) (store.Progress, error) {
	return r.Progress(ctx, playerID)
}

func (r repo) UpsertProgressSent(ctx context.Context, playerID string, missionNumber int, sentAt time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO missions_progress (player_id, current_mission, last_sent_at, responded_at, updated_at)
		VALUES (?, ?, ?, NULL, ?)
		ON CONFLICT (player_id) DO UPDATE SET
			current_mission = excluded.current_mission,
			last_sent_at = excluded.last_sent_at,
			responded_at = NULL,
			updated_at = excluded.updated_at
	`, playerID, missionNumber, toMillis(sentAt), toMillis(sentAt))
	return mapErr(err)
}

func (r repo) SetPathChoice(ctx context.Context, playerID string, path mission.Path, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE missions_progress SET path_choice = ?, updated_at = ? WHERE player_id = ?
	`, nullString(string(path)), toMillis(at), playerID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r repo) MarkResponded(ctx context.Context, playerID string, missionNumber int, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE missions_progress
		SET responded_at = ?, updated_at = ?
		WHERE player_id = ? AND current_mission = ? AND responded_at IS NULL
	`, toMillis(at), toMillis(at), playerID, missionNumber)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r repo) DueProgress(ctx context.Context, cutoff time.Time, maxMission int) ([]store.Progress, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+progressColumns+`
		FROM missions_progress
		WHERE responded_at IS NOT NULL AND responded_at <= ? AND current_mission < ?
		ORDER BY responded_at ASC
	`, toMillis(cutoff), maxMission)
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
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO stardust_transactions (id, player_id, amount, tx_type, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.PlayerID, e.Amount, string(e.Type), e.Reason, string(meta), toMillis(e.CreatedAt))
	return mapErr(err)
}

func (r repo) LedgerEntries(ctx context.Context, playerID string) ([]ledger.Entry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, player_id, amount, tx_type, reason, metadata, created_at
		FROM stardust_transactions
		WHERE player_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e       ledger.Entry
			typ     string
			meta    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.PlayerID, &e.Amount, &typ, &e.Reason, &meta, &created); err != nil {
			return nil, err
		}
		e.Type = ledger.TxType(typ)
		e.CreatedAt = fromMillis(created)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Responses and choices

func (r repo) InsertResponse(ctx context.Context, resp store.MissionResponse) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO mission_responses (id, player_id, mission_number, response_text, word_count, responded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, resp.ID, resp.PlayerID, resp.MissionNumber, resp.ResponseText, resp.WordCount, toMillis(resp.RespondedAt))
	return mapErr(err)
}

func (r repo) ListResponses(ctx context.Context, playerID string) ([]store.MissionResponse, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, player_id, mission_number, response_text, word_count, responded_at
		FROM mission_responses
		WHERE player_id = ?
		ORDER BY responded_at ASC, rowid ASC
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.MissionResponse
	for rows.Next() {
		var (
			resp      store.MissionResponse
			responded int64
		)
		if err := rows.Scan(&resp.ID, &resp.PlayerID, &resp.MissionNumber, &resp.ResponseText, &resp.WordCount, &responded); err != nil {
			return nil, err
		}
		resp.RespondedAt = fromMillis(responded)
		out = append(out, resp)
	}
	return out, rows.Err()
}

func (r repo) InsertChoice(ctx context.Context, c store.Choice) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO choices (id, player_id, mission_number, arc, response, arrival_time, response_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.PlayerID, c.MissionNumber, nullString(string(c.Arc)), c.Response, nullMillis(c.ArrivalTime), toMillis(c.ResponseTime))
	return mapErr(err)
}

func (r repo) ListChoices(ctx context.Context, playerID string) ([]store.Choice, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, player_id, mission_number, arc, response, arrival_time, response_time
		FROM choices
		WHERE player_id = ?
		ORDER BY response_time ASC, rowid ASC
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Choice
	for rows.Next() {
		var (
			c        store.Choice
			arc      sql.NullString
			arrival  sql.NullInt64
			response int64
		)
		if err := rows.Scan(&c.ID, &c.PlayerID, &c.MissionNumber, &arc, &c.Response, &arrival, &response); err != nil {
			return nil, err
		}
		c.Arc = mission.Path(arc.String)
		c.ArrivalTime = timePtr(arrival)
		c.ResponseTime = fromMillis(response)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Question pool

const questionColumns = `id, player_id, question_text, path_choice, paired_with, created_at`

func scanQuestion(row rowScanner) (store.Question, error) {
	var (
		q       store.Question
		path    string
		paired  sql.NullString
		created int64
	)
	if err := row.Scan(&q.ID, &q.PlayerID, &q.Text, &path, &paired, &created); err != nil {
		return store.Question{}, mapErr(err)
	}
	q.Path = mission.Path(path)
	q.PairedWith = paired.String
	q.CreatedAt = fromMillis(created)
	return q, nil
}

func (r repo) InsertQuestion(ctx context.Context, q store.Question) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO questions_pool (id, player_id, question_text, path_choice, paired_with, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, q.ID, q.PlayerID, q.Text, string(q.Path), nullString(q.PairedWith), toMillis(q.CreatedAt))
	return mapErr(err)
}

func (r repo) OldestUnpairedQuestion(ctx context.Context, path mission.Path, excludePlayerID string) (store.Question, error) {
	return scanQuestion(r.q.QueryRowContext(ctx, `
		SELECT `+questionColumns+`
		FROM questions_pool
		WHERE path_choice = ? AND paired_with IS NULL AND player_id <> ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1
	`, string(path), excludePlayerID))
}

func (r repo) UnpairedQuestionOf(ctx context.Context, playerID string) (store.Question, error) {
	return scanQuestion(r.q.QueryRowContext(ctx, `
		SELECT `+questionColumns+`
		FROM questions_pool
		WHERE player_id = ? AND paired_with IS NULL
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1
	`, playerID))
}

func (r repo) PairQuestion(ctx context.Context, questionID, pairedWith string) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE questions_pool SET paired_with = ? WHERE id = ? AND paired_with IS NULL
	`, pairedWith, questionID)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r repo) QuestionPairedWith(ctx context.Context, playerID string) (store.Question, error) {
	return scanQuestion(r.q.QueryRowContext(ctx, `
		SELECT `+questionColumns+`
		FROM questions_pool
		WHERE paired_with = ? AND player_id <> ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1
	`, playerID, playerID))
}

func (r repo) ListQuestions(ctx context.Context, playerID string) ([]store.Question, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+questionColumns+`
		FROM questions_pool
		WHERE player_id = ?
		ORDER BY created_at ASC, rowid ASC
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

func scanSecret(row rowScanner) (store.Secret, error) {
	var (
		s      store.Secret
		active int
	)
	if err := row.Scan(&s.ID, &s.Code, &s.Title, &s.Content, &s.Cost, &active); err != nil {
		return store.Secret{}, mapErr(err)
	}
	s.IsActive = active == 1
	return s, nil
}

func (r repo) UpsertSecret(ctx context.Context, s store.Secret) error {
	active := 0
	if s.IsActive {
		active = 1
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO secrets (id, code, title, content, cost, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			cost = excluded.cost,
			is_active = excluded.is_active
	`, s.ID, s.Code, s.Title, s.Content, s.Cost, active)
	return mapErr(err)
}

func (r repo) ActiveSecretByCode(ctx context.Context, code string) (store.Secret, error) {
	return scanSecret(r.q.QueryRowContext(ctx, `
		SELECT `+secretColumns+` FROM secrets WHERE code = ? AND is_active = 1
	`, code))
}

func (r repo) ListActiveSecrets(ctx context.Context) ([]store.Secret, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+secretColumns+` FROM secrets WHERE is_active = 1 ORDER BY cost ASC, code ASC
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
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO player_unlocks (id, player_id, unlock_type, ref_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.PlayerID, u.UnlockType, u.RefID, toMillis(u.CreatedAt))
	return mapErr(err)
}

func (r repo) HasUnlock(ctx context.Context, playerID, unlockType, refID string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM player_unlocks WHERE player_id = ? AND unlock_type = ? AND ref_id = ?
	`, playerID, unlockType, refID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r repo) ListUnlockRefs(ctx context.Context, playerID, unlockType string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT ref_id FROM player_unlocks WHERE player_id = ? AND unlock_type = ? ORDER BY created_at ASC
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
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO reflections (id, player_id, reflection_text, created_at)
		VALUES (?, ?, ?, ?)
	`, ref.ID, ref.PlayerID, ref.Text, toMillis(ref.CreatedAt))
	return mapErr(err)
}
