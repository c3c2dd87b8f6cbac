package monitor

import (
	"context"

	"orb-trading-bot/internal/types"
)

// NoopEvaluator rejects every signal. Used when the bot should watch the
// session and reconcile state without opening new positions.
type NoopEvaluator struct{}

func (NoopEvaluator) Evaluate(_ context.Context, _ string, _ []types.Candle) Evaluation {
	return Evaluation{Reason: "entries_disabled"}
}

// StaticBars serves a fixed window, for dry runs and tests.
type StaticBars struct {
	Bars []types.Candle
}

func (s StaticBars) RecentBars(_ context.Context, _ string, n int) ([]types.Candle, error) {
	if n >= len(s.Bars) {
		return s.Bars, nil
	}
	return s.Bars[len(s.Bars)-n:], nil
}
