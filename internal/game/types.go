package game

import (
	"stardust/internal/ledger"
	"stardust/internal/mission"
	"stardust/internal/store"
)

type DispatchResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// InboundReply is the part of a provider's inbound webhook the engine reads.
type InboundReply struct {
	From              string
	TextBody          string
	StrippedTextReply string
}

type ReplyOutcome string

const (
	OutcomeProcessed     ReplyOutcome = "processed"
	OutcomeUnknownSender ReplyOutcome = "unknown_sender"
	OutcomeNoProgress    ReplyOutcome = "no_progress"
	OutcomeDuplicate     ReplyOutcome = "already_responded"
)

type ReplyResult struct {
	Outcome  ReplyOutcome `json:"outcome"`
	PlayerID string       `json:"player_id,omitempty"`
	Mission  int          `json:"mission,omitempty"`
	Path     mission.Path `json:"path,omitempty"`
	Paired   bool         `json:"paired,omitempty"`
	Balance  int64        `json:"balance,omitempty"`
}

type PairResult struct {
	Paired     bool   `json:"paired"`
	QuestionID string `json:"question_id,omitempty"`
	PartnerID  string `json:"partner_id,omitempty"`
}

type SweepItem struct {
	PlayerID string `json:"player_id"`
	Mission  int    `json:"mission"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

type SweepResult struct {
	Processed int         `json:"processed"`
	Results   []SweepItem `json:"results"`
}

type SignupResult struct {
	PlayerID    string `json:"player_id"`
	Created     bool   `json:"created"`
	MissionSent bool   `json:"mission_sent"`
}

type EarnInput struct {
	Email    string
	Amount   int64
	Reason   string
	Metadata map[string]any
}

type EarnResult struct {
	NewBalance  int64        `json:"new_balance"`
	Transaction ledger.Entry `json:"transaction"`
}

type SpendResult struct {
	Secret     store.Secret `json:"secret"`
	NewBalance int64        `json:"new_balance"`
}

type PlayerSummary struct {
	Email   string `json:"email"`
	Balance int64  `json:"stardust_balance"`
}

type SecretView struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Title    string `json:"title"`
	Cost     int64  `json:"cost"`
	Unlocked bool   `json:"unlocked"`
	Content  string `json:"content,omitempty"`
}

type PlayerState struct {
	Player  PlayerSummary `json:"player"`
	Secrets []SecretView  `json:"secrets"`
}

type AdminPlayerRow struct {
	store.PlayerOverview
	SuggestedNextMission int `json:"suggested_next_mission"`
}
