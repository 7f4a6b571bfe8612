package level_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/level"
	"github.com/matiasvillaverde/trust/internal/money"
)

func pct(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.FromString(s)
	require.NoError(t, err)
	return a
}

func TestPolicyUpgrade(t *testing.T) {
	rules := level.DefaultAdjustmentRules("acct")
	lvl := level.Level{AccountID: "acct", CurrentLevel: 2, Status: domain.LevelStatusNormal}
	snap := level.Snapshot{ProfitableTrades: 12, WinRatePct: pct(t, "75"), ConsecutiveWins: 4}

	decision, _ := level.Evaluate(lvl, rules, snap)
	require.NotNil(t, decision)
	require.Equal(t, 3, decision.TargetLevel)
	require.Equal(t, domain.TriggerPerformanceUpgrade, decision.Trigger)
}

func TestPolicyDowngradePriorityRiskBreachWins(t *testing.T) {
	rules := level.DefaultAdjustmentRules("acct")
	lvl := level.Level{AccountID: "acct", CurrentLevel: 3, Status: domain.LevelStatusNormal}
	snap := level.Snapshot{
		ProfitableTrades: 12, WinRatePct: pct(t, "75"), ConsecutiveWins: 4,
		MonthlyLossPct: pct(t, "-5.5"),
	}

	decision, _ := level.Evaluate(lvl, rules, snap)
	require.NotNil(t, decision)
	require.Equal(t, 2, decision.TargetLevel)
	require.Equal(t, domain.TriggerRiskBreach, decision.Trigger)
}

func TestPolicyLevelFourEntersCooldownOnExceptionalPerformance(t *testing.T) {
	rules := level.DefaultAdjustmentRules("acct")
	lvl := level.Level{AccountID: "acct", CurrentLevel: 4, Status: domain.LevelStatusNormal}
	snap := level.Snapshot{ProfitableTrades: 25, WinRatePct: pct(t, "95"), ConsecutiveWins: 10}

	decision, _ := level.Evaluate(lvl, rules, snap)
	require.NotNil(t, decision)
	require.Equal(t, 3, decision.TargetLevel)
	require.Equal(t, domain.TriggerPerformanceCooldown, decision.Trigger)
}

func TestPolicyDoesNotDowngradeBelowZero(t *testing.T) {
	rules := level.DefaultAdjustmentRules("acct")
	lvl := level.Level{AccountID: "acct", CurrentLevel: 0, Status: domain.LevelStatusNormal}
	snap := level.Snapshot{MonthlyLossPct: pct(t, "-90"), LargestLossPct: pct(t, "-90")}

	decision, _ := level.Evaluate(lvl, rules, snap)
	require.Nil(t, decision)
}

func TestPolicyRecoversFromCooldownQuickly(t *testing.T) {
	rules := level.DefaultAdjustmentRules("acct")
	lvl := level.Level{AccountID: "acct", CurrentLevel: 2, Status: domain.LevelStatusCooldown}
	snap := level.Snapshot{ProfitableTrades: 5, WinRatePct: pct(t, "60"), ConsecutiveWins: 2}

	decision, _ := level.Evaluate(lvl, rules, snap)
	require.NotNil(t, decision)
	require.Equal(t, 3, decision.TargetLevel)
	require.Equal(t, level.DirectionUpgrade, decision.Direction)
}

func TestProgressReportMissingUpgradeCriteria(t *testing.T) {
	rules := level.DefaultAdjustmentRules("acct")
	lvl := level.Level{AccountID: "acct", CurrentLevel: 3, Status: domain.LevelStatusNormal}
	snap := level.Snapshot{ProfitableTrades: 7, WinRatePct: pct(t, "64"), ConsecutiveWins: 1}

	decision, report := level.Evaluate(lvl, rules, snap)
	require.Nil(t, decision)
	require.NotNil(t, report.UpgradeProgress)
	require.Equal(t, 4, report.UpgradeProgress.TargetLevel)

	byName := map[string]level.Criterion{}
	for _, c := range report.UpgradeProgress.Criteria {
		byName[c.Name] = c
	}
	require.True(t, byName["profitable_trades"].Missing.Equal(money.FromInt(3)))
	require.True(t, byName["consecutive_wins"].Missing.Equal(money.FromInt(2)))
}
