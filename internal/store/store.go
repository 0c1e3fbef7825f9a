// Package store defines the persistence contract shared by the Postgres and SQLite
// backends. The game service never holds authoritative state in memory; every
// operation reloads what it needs through a Repository.
package store

import (
	"context"
	"errors"
	"time"

	"stardust/internal/ledger"
	"stardust/internal/mission"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type Player struct {
	ID        string       `json:"id"`
	Email     string       `json:"email"`
	Token     string       `json:"-"`
	Balance   int64        `json:"stardust_balance"`
	Arc       mission.Path `json:"current_arc"`
	CreatedAt time.Time    `json:"created_at"`
}

// Progress is the 1:1 mission tracker row for a player.
type Progress struct {
	PlayerID       string       `json:"player_id"`
	CurrentMission int          `json:"current_mission"`
	PathChoice     mission.Path `json:"path_choice"`
	LastSentAt     *time.Time   `json:"last_sent_at"`
	RespondedAt    *time.Time   `json:"responded_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (p Progress) State() mission.ReplyState {
	return mission.StateOf(p.RespondedAt)
}

type MissionResponse struct {
	ID            string    `json:"id"`
	PlayerID      string    `json:"player_id"`
	MissionNumber int       `json:"mission_number"`
	ResponseText  string    `json:"response_text"`
	WordCount     int       `json:"word_count"`
	RespondedAt   time.Time `json:"responded_at"`
}

type Choice struct {
	ID            string       `json:"id"`
	PlayerID      string       `json:"player_id"`
	MissionNumber int          `json:"mission_number"`
	Arc           mission.Path `json:"arc"`
	Response      string       `json:"response"`
	ArrivalTime   *time.Time   `json:"arrival_time"`
	ResponseTime  time.Time    `json:"response_time"`
}

type Question struct {
	ID         string       `json:"id"`
	PlayerID   string       `json:"player_id"`
	Text       string       `json:"question_text"`
	Path       mission.Path `json:"path_choice"`
	PairedWith string       `json:"paired_with,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

type Secret struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Title    string `json:"title"`
	Content  string `json:"content,omitempty"`
	Cost     int64  `json:"cost"`
	IsActive bool   `json:"is_active"`
}

type Unlock struct {
	ID         string    `json:"id"`
	PlayerID   string    `json:"player_id"`
	UnlockType string    `json:"unlock_type"`
	RefID      string    `json:"ref_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type Reflection struct {
	ID        string    `json:"id"`
	PlayerID  string    `json:"player_id"`
	Text      string    `json:"reflection_text"`
	CreatedAt time.Time `json:"created_at"`
}

// PlayerOverview is a player joined with their progress row, if any.
type PlayerOverview struct {
	Player
	Progress *Progress `json:"missions_progress"`
}

// Repository is every read and write the engine performs. Implementations must be safe
// to use both directly and inside InTx.
type Repository interface {
	CreatePlayer(ctx context.Context, p Player) error
	PlayerByID(ctx context.Context, id string) (Player, error)
	PlayerByEmail(ctx context.Context, email string) (Player, error)
	SetPlayerArc(ctx context.Context, playerID string, arc mission.Path) error
	SetPlayerBalance(ctx context.Context, playerID string, balance int64) error
	ListPlayers(ctx context.Context) ([]PlayerOverview, error)

	Progress(ctx context.Context, playerID string) (Progress, error)
	// LockProgress reads the progress row and holds it for the rest of the transaction.
	LockProgress(ctx context.Context, playerID string) (Progress, error)
	UpsertProgressSent(ctx context.Context, playerID string, missionNumber int, sentAt time.Time) error
	SetPathChoice(ctx context.Context, playerID string, path mission.Path, at time.Time) error
	// MarkResponded moves the current mission to Answered. It reports false when the row
	// is no longer awaiting a reply to missionNumber.
	MarkResponded(ctx context.Context, playerID string, missionNumber int, at time.Time) (bool, error)
	// DueProgress lists rows answered at or before cutoff whose mission is below maxMission,
	// oldest reply first.
	DueProgress(ctx context.Context, cutoff time.Time, maxMission int) ([]Progress, error)

	AppendLedger(ctx context.Context, e ledger.Entry) error
	LedgerEntries(ctx context.Context, playerID string) ([]ledger.Entry, error)

	InsertResponse(ctx context.Context, r MissionResponse) error
	ListResponses(ctx context.Context, playerID string) ([]MissionResponse, error)
	InsertChoice(ctx context.Context, c Choice) error
	ListChoices(ctx context.Context, playerID string) ([]Choice, error)

	InsertQuestion(ctx context.Context, q Question) error
	// OldestUnpairedQuestion returns the earliest unpaired question on path that does not
	// belong to excludePlayerID.
	OldestUnpairedQuestion(ctx context.Context, path mission.Path, excludePlayerID string) (Question, error)
	UnpairedQuestionOf(ctx context.Context, playerID string) (Question, error)
	// PairQuestion sets paired_with on an unpaired question; false means it was already paired.
	PairQuestion(ctx context.Context, questionID, pairedWith string) (bool, error)
	// QuestionPairedWith returns a question some other player asked that is paired with playerID.
	QuestionPairedWith(ctx context.Context, playerID string) (Question, error)
	ListQuestions(ctx context.Context, playerID string) ([]Question, error)

	UpsertSecret(ctx context.Context, s Secret) error
	ActiveSecretByCode(ctx context.Context, code string) (Secret, error)
	ListActiveSecrets(ctx context.Context) ([]Secret, error)
	InsertUnlock(ctx context.Context, u Unlock) error
	HasUnlock(ctx context.Context, playerID, unlockType, refID string) (bool, error)
	ListUnlockRefs(ctx context.Context, playerID, unlockType string) ([]string, error)

	InsertReflection(ctx context.Context, r Reflection) error
}

// Store is a Repository that can also scope a group of calls to one transaction.
type Store interface {
	Repository
	InTx(ctx context.Context, fn func(Repository) error) error
	Close() error
}
