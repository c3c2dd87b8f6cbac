package monitor

import (
	"context"
	"fmt"

	"orb-trading-bot/internal/types"
)

// RangeBreakoutEvaluator signals an entry when price closes outside the
// opening range, with the stop at the opposite range bound and the target
// a configurable multiple of the range width.
type RangeBreakoutEvaluator struct {
	RangeBars    int     // bars that define the opening range
	TargetRatio  float64 // take-profit distance as a multiple of range width
	LotSize      int     // quantity per signal
	MinRangeFrac float64 // minimum range width as a fraction of price, filters flat opens
}

func NewRangeBreakout(rangeBars, lotSize int) *RangeBreakoutEvaluator {
	return &RangeBreakoutEvaluator{
		RangeBars:    rangeBars,
		TargetRatio:  2.0,
		LotSize:      lotSize,
		MinRangeFrac: 0.001,
	}
}

func (e *RangeBreakoutEvaluator) Evaluate(_ context.Context, symbol string, bars []types.Candle) Evaluation {
	if len(bars) <= e.RangeBars {
		return Evaluation{Reason: "insufficient_bars"}
	}

	high, low := bars[0].High, bars[0].Low
	for _, b := range bars[1:e.RangeBars] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}

	last := bars[len(bars)-1]
	width := high - low
	if last.Close <= 0 || width < last.Close*e.MinRangeFrac {
		return Evaluation{Reason: "range_too_narrow"}
	}

	switch {
	case last.Close > high:
		return Evaluation{
			Accept:     true,
			Direction:  types.SideLong,
			Contract:   symbol,
			Premium:    last.Close,
			Quantity:   e.LotSize,
			Entry:      last.Close,
			StopLoss:   low,
			TakeProfit: last.Close + width*e.TargetRatio,
		}
	case last.Close < low:
		return Evaluation{
			Accept:     true,
			Direction:  types.SideShort,
			Contract:   symbol,
			Premium:    last.Close,
			Quantity:   e.LotSize,
			Entry:      last.Close,
			StopLoss:   high,
			TakeProfit: last.Close - width*e.TargetRatio,
		}
	default:
		return Evaluation{Reason: fmt.Sprintf("inside_range_%.2f_%.2f", low, high)}
	}
}
