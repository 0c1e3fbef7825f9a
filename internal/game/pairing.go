package game

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stardust/internal/mission"
	"stardust/internal/store"
)

var errPairingRace = errors.New("own question was paired concurrently")

// Pair matches the player's unpaired question with the oldest unpaired question another
// player left on the same path. Both rows point at the other's author afterwards.
func (s *Service) Pair(ctx context.Context, playerID string, path mission.Path) (res PairResult, err error) {
	ctx, span := s.tracer.Start(ctx, "game.Pair", trace.WithAttributes(
		attribute.String("player_id", playerID),
		attribute.String("path", path.OrUnknown().String()),
	))
	defer func() { endSpan(span, err) }()

	err = s.store.InTx(ctx, func(r store.Repository) error {
		var err error
		res, err = s.pairIn(ctx, r, playerID, path)
		return err
	})
	if err != nil {
		return PairResult{}, storeErr(err)
	}
	return res, nil
}

// pairIn is Pair inside an existing transaction. No match is not an error; the player
// simply waits for a later reply to find one.
func (s *Service) pairIn(ctx context.Context, r store.Repository, playerID string, path mission.Path) (PairResult, error) {
	if _, err := r.QuestionPairedWith(ctx, playerID); err == nil {
		return PairResult{}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return PairResult{}, err
	}

	own, err := r.UnpairedQuestionOf(ctx, playerID)
	if errors.Is(err, store.ErrNotFound) {
		return PairResult{}, nil
	}
	if err != nil {
		return PairResult{}, err
	}

	candidate, err := r.OldestUnpairedQuestion(ctx, path.OrUnknown(), playerID)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info("no pairing candidate", "player_id", playerID, "path", path.OrUnknown().String())
		return PairResult{}, nil
	}
	if err != nil {
		return PairResult{}, err
	}

	ok, err := r.PairQuestion(ctx, candidate.ID, playerID)
	if err != nil {
		return PairResult{}, err
	}
	if !ok {
		return PairResult{}, nil
	}
	ok, err = r.PairQuestion(ctx, own.ID, candidate.PlayerID)
	if err != nil {
		return PairResult{}, err
	}
	if !ok {
		return PairResult{}, fmt.Errorf("pair %s with %s: %w", playerID, candidate.PlayerID, errPairingRace)
	}

	s.log.Info("players paired", "player_id", playerID, "partner_id", candidate.PlayerID, "question_id", candidate.ID)
	return PairResult{Paired: true, QuestionID: candidate.ID, PartnerID: candidate.PlayerID}, nil
}
