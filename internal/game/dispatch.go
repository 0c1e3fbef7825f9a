package game

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stardust/internal/mail"
	"stardust/internal/mission"
	"stardust/internal/store"
)

// Dispatch renders and sends missionNumber to the player. Progress moves to the new
// mission (awaiting a reply) only after the provider has accepted the message.
func (s *Service) Dispatch(ctx context.Context, playerID string, missionNumber int) (res DispatchResult, err error) {
	ctx, span := s.tracer.Start(ctx, "game.Dispatch", trace.WithAttributes(
		attribute.String("player_id", playerID),
		attribute.Int("mission", missionNumber),
	))
	defer func() { endSpan(span, err) }()

	if !mission.ValidNumber(missionNumber) {
		return DispatchResult{Error: ErrInvalidMission.Error()}, ErrInvalidMission
	}

	player, err := s.store.PlayerByID(ctx, playerID)
	if err != nil {
		err = notFoundAs(err, ErrPlayerNotFound)
		return DispatchResult{Error: err.Error()}, err
	}

	path := mission.PathUnset
	prog, err := s.store.Progress(ctx, playerID)
	switch {
	case err == nil:
		path = prog.PathChoice
	case !errors.Is(err, store.ErrNotFound):
		err = storeErr(err)
		return DispatchResult{Error: err.Error()}, err
	}

	var params mission.Params
	if missionNumber == mission.PairedRevealMission {
		q, err := s.store.QuestionPairedWith(ctx, playerID)
		switch {
		case err == nil:
			params.PairedQuestion = q.Text
		case errors.Is(err, store.ErrNotFound):
			s.log.Info("no paired question yet", "player_id", playerID)
		default:
			err = storeErr(err)
			return DispatchResult{Error: err.Error()}, err
		}
	}

	email, err := s.catalog.Resolve(missionNumber, path.OrUnknown(), params)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrValidation, err)
		return DispatchResult{Error: err.Error()}, err
	}

	messageID, err := s.mail.Send(ctx, mail.Message{
		From:    s.from,
		ReplyTo: s.replyTo,
		To:      player.Email,
		Subject: email.Subject,
		HTML:    email.HTML,
		Tag:     fmt.Sprintf("mission-%d", missionNumber),
	})
	if err != nil {
		s.log.Error("mission send failed", "player_id", playerID, "mission", missionNumber, "err", err)
		err = fmt.Errorf("%w: %w", ErrDelivery, err)
		return DispatchResult{Error: err.Error()}, err
	}

	if err := s.store.UpsertProgressSent(ctx, playerID, missionNumber, s.clock()); err != nil {
		s.log.Error("mission sent but progress not recorded", "player_id", playerID, "mission", missionNumber, "message_id", messageID, "err", err)
		err = storeErr(err)
		return DispatchResult{MessageID: messageID, Error: err.Error()}, err
	}

	s.log.Info("mission sent", "player_id", playerID, "mission", missionNumber, "message_id", messageID)
	return DispatchResult{Success: true, MessageID: messageID}, nil
}
