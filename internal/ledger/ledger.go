// Package ledger keeps the stardust event log. A player's balance is never stored as
// ground truth: it is a fold over every entry, recomputed and written back after each
// mutation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TxType string

const (
	Earn  TxType = "earn"
	Spend TxType = "spend"
)

var (
	ErrInvalidAmount = errors.New("amount must be a positive integer")
	ErrInvalidType   = errors.New("tx_type must be earn or spend")
)

// Entry is one immutable ledger row. Amount is always positive; Type gives the direction.
type Entry struct {
	ID        string         `json:"id"`
	PlayerID  string         `json:"player_id"`
	Amount    int64          `json:"amount"`
	Type      TxType         `json:"tx_type"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// Journal is the persistence the ledger needs. Store transactions satisfy it.
type Journal interface {
	AppendLedger(ctx context.Context, e Entry) error
	LedgerEntries(ctx context.Context, playerID string) ([]Entry, error)
	SetPlayerBalance(ctx context.Context, playerID string, balance int64) error
}

func (e Entry) Validate() error {
	if e.Amount <= 0 {
		return ErrInvalidAmount
	}
	if e.Type != Earn && e.Type != Spend {
		return ErrInvalidType
	}
	if strings.TrimSpace(e.PlayerID) == "" {
		return fmt.Errorf("player id is required")
	}
	return nil
}

// Signed returns the entry's contribution to a balance.
func (e Entry) Signed() int64 {
	if e.Type == Spend {
		return -e.Amount
	}
	return e.Amount
}

// Fold sums earn minus spend over entries. The result may be negative.
func Fold(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Signed()
	}
	return total
}

// Balance is Fold clamped at zero, the value projected onto the player row.
func Balance(entries []Entry) int64 {
	return max(Fold(entries), 0)
}

// Post appends e and rewrites the cached balance from the full history. It returns the
// stored entry and the new balance.
func Post(ctx context.Context, j Journal, e Entry, now time.Time) (Entry, int64, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Reason = strings.TrimSpace(e.Reason)
	if err := e.Validate(); err != nil {
		return Entry{}, 0, err
	}
	if err := j.AppendLedger(ctx, e); err != nil {
		return Entry{}, 0, fmt.Errorf("append ledger entry: %w", err)
	}
	balance, err := Recompute(ctx, j, e.PlayerID)
	if err != nil {
		return Entry{}, 0, err
	}
	return e, balance, nil
}

// Recompute folds the player's whole history and writes the projection back.
func Recompute(ctx context.Context, j Journal, playerID string) (int64, error) {
	entries, err := j.LedgerEntries(ctx, playerID)
	if err != nil {
		return 0, fmt.Errorf("load ledger: %w", err)
	}
	balance := Balance(entries)
	if err := j.SetPlayerBalance(ctx, playerID, balance); err != nil {
		return 0, fmt.Errorf("write balance: %w", err)
	}
	return balance, nil
}
