package game

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"stardust/internal/ledger"
	"stardust/internal/mission"
	"stardust/internal/store"
)

// HandleReply applies one inbound reply. Everything after the sender lookup runs in a
// single transaction with the progress row locked, so a reply is either fully applied
// or leaves the player awaiting a reply.
func (s *Service) HandleReply(ctx context.Context, in InboundReply) (res ReplyResult, err error) {
	ctx, span := s.tracer.Start(ctx, "game.HandleReply")
	defer func() { endSpan(span, err) }()

	email := ExtractAddress(in.From)
	if email == "" {
		return ReplyResult{Outcome: OutcomeUnknownSender}, nil
	}
	player, err := s.store.PlayerByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info("reply from unknown sender")
		return ReplyResult{Outcome: OutcomeUnknownSender}, nil
	}
	if err != nil {
		return ReplyResult{}, storeErr(err)
	}
	span.SetAttributes(attribute.String("player_id", player.ID))

	text := strings.TrimSpace(in.StrippedTextReply)
	if text == "" {
		text = strings.TrimSpace(in.TextBody)
	}

	err = s.store.InTx(ctx, func(r store.Repository) error {
		res = ReplyResult{PlayerID: player.ID}

		prog, err := r.LockProgress(ctx, player.ID)
		if errors.Is(err, store.ErrNotFound) {
			res.Outcome = OutcomeNoProgress
			return nil
		}
		if err != nil {
			return err
		}
		n := prog.CurrentMission
		res.Mission = n
		if prog.State() == mission.Answered {
			res.Outcome = OutcomeDuplicate
			return nil
		}

		now := s.clock()
		marked, err := r.MarkResponded(ctx, player.ID, n, now)
		if err != nil {
			return err
		}
		if !marked {
			res.Outcome = OutcomeDuplicate
			return nil
		}

		path := prog.PathChoice
		if n == mission.PathSelectionMission {
			path = mission.ClassifyPath(text)
			if err := r.SetPathChoice(ctx, player.ID, path, now); err != nil {
				return err
			}
			if err := r.SetPlayerArc(ctx, player.ID, path); err != nil {
				return err
			}
		}
		res.Path = path

		if err := r.InsertResponse(ctx, store.MissionResponse{
			ID:            uuid.NewString(),
			PlayerID:      player.ID,
			MissionNumber: n,
			ResponseText:  text,
			WordCount:     WordCount(text),
			RespondedAt:   now,
		}); err != nil {
			return err
		}
		if err := r.InsertChoice(ctx, store.Choice{
			ID:            uuid.NewString(),
			PlayerID:      player.ID,
			MissionNumber: n,
			Arc:           path,
			Response:      text,
			ArrivalTime:   prog.LastSentAt,
			ResponseTime:  now,
		}); err != nil {
			return err
		}

		_, balance, err := ledger.Post(ctx, r, ledger.Entry{
			PlayerID: player.ID,
			Amount:   s.replyReward,
			Type:     ledger.Earn,
			Reason:   fmt.Sprintf("Mission %d reply", n),
			Metadata: map[string]any{"mission": n},
		}, now)
		if err != nil {
			return err
		}
		res.Balance = balance

		switch n {
		case mission.QuestionMission:
			if text != "" {
				if err := r.InsertQuestion(ctx, store.Question{
					ID:        uuid.NewString(),
					PlayerID:  player.ID,
					Text:      text,
					Path:      path.OrUnknown(),
					CreatedAt: now,
				}); err != nil {
					return err
				}
			}
		case mission.PairedRevealMission:
			pr, err := s.pairIn(ctx, r, player.ID, path)
			if err != nil {
				return err
			}
			res.Paired = pr.Paired
		}

		res.Outcome = OutcomeProcessed
		return nil
	})
	if err != nil {
		s.log.Error("reply not applied", "player_id", player.ID, "err", err)
		return ReplyResult{}, storeErr(err)
	}

	s.log.Info("reply handled", "player_id", player.ID, "mission", res.Mission, "outcome", string(res.Outcome))
	return res, nil
}
