package level

import (
	"gonum.org/v1/gonum/stat"

	"github.com/matiasvillaverde/trust/internal/money"
)

// TradeOutcome is one closed trade's contribution to a performance
// snapshot, most-recent-first ordering expected by BuildSnapshot.
type TradeOutcome struct {
	Win          bool
	PerformancePct money.Amount // signed return on equity, <= 0 for a loss
}

// decayFactor discounts older trades when smoothing the win-rate trend, so
// a hot or cold streak shows up before EvaluationWindowDays trades have
// accumulated evidence either way.
const decayFactor = 0.9

// BuildSnapshot turns a trailing slice of closed-trade outcomes (most
// recent first) into the Snapshot the transition policy evaluates. The
// win rate is an exponentially-weighted mean rather than a flat average,
// so a trader's recent form moves the number faster than one old win or
// loss sitting at the edge of the window.
func BuildSnapshot(outcomes []TradeOutcome) Snapshot {
	if len(outcomes) == 0 {
		return Snapshot{}
	}

	wins := make([]float64, len(outcomes))
	weights := make([]float64, len(outcomes))
	w := 1.0
	profitable := 0
	for i, o := range outcomes {
		if o.Win {
			wins[i] = 1
			profitable++
		}
		weights[i] = w
		w *= decayFactor
	}
	smoothedWinRate := stat.Mean(wins, weights) * 100

	consecutive := 0
	for _, o := range outcomes {
		if !o.Win {
			break
		}
		consecutive++
	}

	var monthlyLossPct, largestLossPct money.Amount
	for _, o := range outcomes {
		if o.PerformancePct.IsNegative() {
			monthlyLossPct = monthlyLossPct.Add(o.PerformancePct)
			if largestLossPct.IsZero() || o.PerformancePct.LessThan(largestLossPct) {
				largestLossPct = o.PerformancePct
			}
		}
	}

	winRate, err := money.FromFloat32Percent(float32(smoothedWinRate))
	if err != nil {
		winRate = money.FromInt(0)
	}

	return Snapshot{
		ProfitableTrades: profitable,
		WinRatePct:       winRate,
		MonthlyLossPct:   monthlyLossPct,
		LargestLossPct:   largestLossPct,
		ConsecutiveWins:  consecutive,
	}
}
