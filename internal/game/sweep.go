package game

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stardust/internal/mission"
)

// Sweep sends the next mission to every player whose last reply is at least delay old.
// Rows are handled one at a time; a failed send is recorded and the sweep moves on.
// A non-positive delay uses the configured mission delay.
func (s *Service) Sweep(ctx context.Context, delay time.Duration) (res SweepResult, err error) {
	ctx, span := s.tracer.Start(ctx, "game.Sweep")
	defer func() { endSpan(span, err) }()

	if delay <= 0 {
		delay = s.missionDelay
	}
	cutoff := s.clock().Add(-delay)

	due, err := s.store.DueProgress(ctx, cutoff, mission.TotalMissions)
	if err != nil {
		return SweepResult{}, storeErr(err)
	}
	span.SetAttributes(attribute.Int("due", len(due)))

	res.Results = make([]SweepItem, 0, len(due))
	for _, p := range due {
		if s.sweepLimiter != nil {
			if err := s.sweepLimiter.Wait(ctx); err != nil {
				res.Processed = len(res.Results)
				return res, err
			}
		}
		next := p.CurrentMission + 1
		item := SweepItem{PlayerID: p.PlayerID, Mission: next}
		out, err := s.Dispatch(ctx, p.PlayerID, next)
		item.Success = out.Success
		if err != nil {
			item.Error = err.Error()
		}
		res.Results = append(res.Results, item)
	}
	res.Processed = len(res.Results)

	s.log.Info("sweep finished", "processed", res.Processed, "cutoff", cutoff)
	return res, nil
}
