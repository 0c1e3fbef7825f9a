package mission

import (
	"fmt"
	"time"
)

const (
	TotalMissions = 10

	PathSelectionMission = 3
	QuestionMission      = 6
	PairedRevealMission  = 7
)

// ReplyState is the per-mission-cycle state of a player. Dispatch moves a player to
// AwaitingReply; a processed reply moves them to Answered.
type ReplyState int

const (
	AwaitingReply ReplyState = iota
	Answered
)

func (s ReplyState) String() string {
	switch s {
	case AwaitingReply:
		return "awaiting_reply"
	case Answered:
		return "answered"
	default:
		return fmt.Sprintf("ReplyState(%d)", int(s))
	}
}

// StateOf derives the reply state from the nullable responded_at column.
func StateOf(respondedAt *time.Time) ReplyState {
	if respondedAt == nil {
		return AwaitingReply
	}
	return Answered
}

func ValidNumber(n int) bool {
	return n >= 1 && n <= TotalMissions
}

// SuggestedNext is the next mission an operator would send, capped at the final mission.
// Display only; the engine never clamps.
func SuggestedNext(current int) int {
	if current+1 > TotalMissions {
		return TotalMissions
	}
	return current + 1
}
