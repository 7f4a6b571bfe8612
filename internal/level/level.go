// Package level implements the per-account Level Governor (C5): the
// position-size multiplier, the transition policy that reads a
// PerformanceSnapshot and proposes at most one Decision, the atomic apply
// via a named savepoint, and a distance-to-threshold progress report.
// Grounded directly on the original leveling service's policy precedence
// and test fixtures (see DESIGN.md).
package level

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/store"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// EvaluationWindowDays is the trailing window a PerformanceSnapshot is
// built from and the window LevelChange rate limiting uses.
const EvaluationWindowDays = 30

// Multiplier returns the position-size multiplier for a level 0..4.
func Multiplier(lvl int) money.Amount {
	switch lvl {
	case 0:
		return mustAmount("0.10")
	case 1:
		return mustAmount("0.25")
	case 2:
		return mustAmount("0.50")
	case 3:
		return mustAmount("1.00")
	case 4:
		return mustAmount("1.50")
	default:
		return mustAmount("1.00")
	}
}

func mustAmount(s string) money.Amount {
	a, err := money.FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// DefaultLevel is the level new Primary accounts start at.
const DefaultLevel = 3

// Level is the per-Primary-account governor row.
type Level struct {
	AccountID      string
	CurrentLevel   int
	RiskMultiplier money.Amount
	Status         domain.LevelStatus
	TradesAtLevel  int
	LevelStartDate time.Time
}

// AdjustmentRules holds the thresholds that drive the transition policy.
type AdjustmentRules struct {
	AccountID string

	UpgradeProfitableTrades  int
	UpgradeWinRatePct        money.Amount
	UpgradeConsecutiveWins   int

	CooldownEntryProfitableTrades int
	CooldownEntryWinRatePct       money.Amount
	CooldownEntryConsecutiveWins  int

	RecoveryProfitableTrades int
	RecoveryWinRatePct       money.Amount
	RecoveryConsecutiveWins  int

	MonthlyLossDowngradePct money.Amount // negative
	SingleLossDowngradePct  money.Amount // negative

	MinTradesAtLevelForUpgrade int
	MaxChangesIn30Days         int
}

// DefaultAdjustmentRules mirrors the original policy's hardcoded
// defaults, reproduced in Go so every new Primary account starts with
// the same behaviour the original system shipped with.
func DefaultAdjustmentRules(accountID string) AdjustmentRules {
	return AdjustmentRules{
		AccountID:                     accountID,
		UpgradeProfitableTrades:       10,
		UpgradeWinRatePct:             mustAmount("70"),
		UpgradeConsecutiveWins:        3,
		CooldownEntryProfitableTrades: 20,
		CooldownEntryWinRatePct:       mustAmount("90"),
		CooldownEntryConsecutiveWins:  8,
		RecoveryProfitableTrades:      5,
		RecoveryWinRatePct:            mustAmount("60"),
		RecoveryConsecutiveWins:       2,
		MonthlyLossDowngradePct:       mustAmount("-5"),
		SingleLossDowngradePct:        mustAmount("-2"),
		MinTradesAtLevelForUpgrade:    5,
		MaxChangesIn30Days:            2,
	}
}

// Snapshot summarises trailing performance, the policy's sole input
// besides the current Level.
type Snapshot struct {
	ProfitableTrades int
	WinRatePct       money.Amount
	MonthlyLossPct   money.Amount // <= 0
	LargestLossPct   money.Amount // <= 0
	ConsecutiveWins  int
}

// Direction is the sign of a proposed level change.
type Direction int

const (
	DirectionUpgrade   Direction = 1
	DirectionDowngrade Direction = -1
)

// Decision is the policy's proposed transition, at most one per
// evaluation.
type Decision struct {
	TargetLevel int
	Reason      string
	Trigger     domain.LevelTrigger
	Direction   Direction
}

// Criterion is one row of a progress report: how far actual is from
// threshold for a single condition of a path.
type Criterion struct {
	Name      string
	Actual    money.Amount
	Threshold money.Amount
	Missing   money.Amount // max(threshold - actual, 0) when more-is-better
	Met       bool
}

// PathProgress groups the criteria for one adjacent transition path.
type PathProgress struct {
	Path       string
	TargetLevel int
	Criteria    []Criterion
}

// ProgressReport is the governor's distance-to-threshold observability
// output (spec §4.5, supplemented per DESIGN.md from leveling.rs).
type ProgressReport struct {
	UpgradeProgress     *PathProgress
	RiskBreachProgress  *PathProgress
	CooldownProgress    *PathProgress
}

// Evaluate runs the transition policy precedence (spec §4.5):
//  1. Cooldown + recovery met -> upgrade.
//  2. Normal + cooldown-entry met -> downgrade, PerformanceCooldown.
//  3. Risk breach (monthly or single loss) -> downgrade, RiskBreach.
//  4. Upgrade thresholds met -> upgrade, PerformanceUpgrade.
//  5. Else no decision.
//
// Bounds (0..4) and the stabilization rules (min trades at level for an
// upgrade, max changes in any 30-day window) are applied by the caller
// via Apply, which can suppress a decision without hiding the progress
// report.
func Evaluate(lvl Level, rules AdjustmentRules, snap Snapshot) (*Decision, ProgressReport) {
	report := buildProgressReport(lvl, rules, snap)

	if lvl.Status == domain.LevelStatusCooldown && meetsRecovery(rules, snap) {
		if lvl.CurrentLevel < 4 {
			return &Decision{TargetLevel: lvl.CurrentLevel + 1, Reason: "recovered from cooldown", Trigger: domain.TriggerPerformanceUpgrade, Direction: DirectionUpgrade}, report
		}
		return nil, report
	}
	if lvl.Status == domain.LevelStatusNormal && meetsCooldownEntry(rules, snap) {
		if lvl.CurrentLevel > 0 {
			return &Decision{TargetLevel: lvl.CurrentLevel - 1, Reason: "exceptional performance triggers cooldown", Trigger: domain.TriggerPerformanceCooldown, Direction: DirectionDowngrade}, report
		}
		return nil, report
	}
	if snap.MonthlyLossPct.LessThanOrEqual(rules.MonthlyLossDowngradePct) || snap.LargestLossPct.LessThanOrEqual(rules.SingleLossDowngradePct) {
		if lvl.CurrentLevel > 0 {
			return &Decision{TargetLevel: lvl.CurrentLevel - 1, Reason: "risk threshold breached", Trigger: domain.TriggerRiskBreach, Direction: DirectionDowngrade}, report
		}
		return nil, report
	}
	if meetsUpgrade(rules, snap) {
		if lvl.CurrentLevel < 4 {
			return &Decision{TargetLevel: lvl.CurrentLevel + 1, Reason: "upgrade thresholds met", Trigger: domain.TriggerPerformanceUpgrade, Direction: DirectionUpgrade}, report
		}
		return nil, report
	}
	return nil, report
}

func meetsUpgrade(rules AdjustmentRules, snap Snapshot) bool {
	return snap.ProfitableTrades >= rules.UpgradeProfitableTrades &&
		snap.WinRatePct.GreaterThanOrEqual(rules.UpgradeWinRatePct) &&
		snap.ConsecutiveWins >= rules.UpgradeConsecutiveWins
}

func meetsCooldownEntry(rules AdjustmentRules, snap Snapshot) bool {
	return snap.ProfitableTrades >= rules.CooldownEntryProfitableTrades &&
		snap.WinRatePct.GreaterThanOrEqual(rules.CooldownEntryWinRatePct) &&
		snap.ConsecutiveWins >= rules.CooldownEntryConsecutiveWins
}

func meetsRecovery(rules AdjustmentRules, snap Snapshot) bool {
	return snap.ProfitableTrades >= rules.RecoveryProfitableTrades &&
		snap.WinRatePct.GreaterThanOrEqual(rules.RecoveryWinRatePct) &&
		snap.ConsecutiveWins >= rules.RecoveryConsecutiveWins
}

func intCriterion(name string, actual, threshold int, met bool) Criterion {
	a := money.FromInt(int64(actual))
	th := money.FromInt(int64(threshold))
	missing := th.Sub(a)
	if missing.IsNegative() {
		missing = money.Zero
	}
	return Criterion{Name: name, Actual: a, Threshold: th, Missing: missing, Met: met}
}

func pctCriterion(name string, actual, threshold money.Amount, met bool) Criterion {
	missing := threshold.Sub(actual)
	if missing.IsNegative() {
		missing = money.Zero
	}
	return Criterion{Name: name, Actual: actual, Threshold: threshold, Missing: missing, Met: met}
}

func buildProgressReport(lvl Level, rules AdjustmentRules, snap Snapshot) ProgressReport {
	var report ProgressReport
	if lvl.CurrentLevel < 4 {
		report.UpgradeProgress = &PathProgress{
			Path:        "performance_upgrade",
			TargetLevel: lvl.CurrentLevel + 1,
			Criteria: []Criterion{
				intCriterion("profitable_trades", snap.ProfitableTrades, rules.UpgradeProfitableTrades, snap.ProfitableTrades >= rules.UpgradeProfitableTrades),
				pctCriterion("win_rate_pct", snap.WinRatePct, rules.UpgradeWinRatePct, snap.WinRatePct.GreaterThanOrEqual(rules.UpgradeWinRatePct)),
				intCriterion("consecutive_wins", snap.ConsecutiveWins, rules.UpgradeConsecutiveWins, snap.ConsecutiveWins >= rules.UpgradeConsecutiveWins),
			},
		}
	}
	if lvl.CurrentLevel > 0 {
		report.RiskBreachProgress = &PathProgress{
			Path:        "risk_breach",
			TargetLevel: lvl.CurrentLevel - 1,
			Criteria: []Criterion{
				pctCriterion("monthly_loss_pct", snap.MonthlyLossPct.Neg(), rules.MonthlyLossDowngradePct.Neg(), snap.MonthlyLossPct.LessThanOrEqual(rules.MonthlyLossDowngradePct)),
				pctCriterion("largest_loss_pct", snap.LargestLossPct.Neg(), rules.SingleLossDowngradePct.Neg(), snap.LargestLossPct.LessThanOrEqual(rules.SingleLossDowngradePct)),
			},
		}
		report.CooldownProgress = &PathProgress{
			Path:        "performance_cooldown",
			TargetLevel: lvl.CurrentLevel - 1,
			Criteria: []Criterion{
				intCriterion("profitable_trades", snap.ProfitableTrades, rules.CooldownEntryProfitableTrades, snap.ProfitableTrades >= rules.CooldownEntryProfitableTrades),
				pctCriterion("win_rate_pct", snap.WinRatePct, rules.CooldownEntryWinRatePct, snap.WinRatePct.GreaterThanOrEqual(rules.CooldownEntryWinRatePct)),
				intCriterion("consecutive_wins", snap.ConsecutiveWins, rules.CooldownEntryConsecutiveWins, snap.ConsecutiveWins >= rules.CooldownEntryConsecutiveWins),
			},
		}
	}
	return report
}

// LevelChange is the append-only history row written by Apply.
type LevelChange struct {
	ID        string
	AccountID string
	OldLevel  int
	NewLevel  int
	Reason    string
	Trigger   domain.LevelTrigger
	ChangedAt time.Time
}

// Repository persists Level and LevelChange rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository builds a Repository bound to db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "level_repo").Logger()}
}

// GetOrInit loads the Level row for an account, creating the default
// L3-Normal row if none exists yet.
func (r *Repository) GetOrInit(ctx context.Context, accountID string) (*Level, error) {
	lvl, err := r.get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if lvl != nil {
		return lvl, nil
	}
	now := time.Now().UTC()
	lvl = &Level{AccountID: accountID, CurrentLevel: DefaultLevel, RiskMultiplier: Multiplier(DefaultLevel), Status: domain.LevelStatusNormal, TradesAtLevel: 0, LevelStartDate: now}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO levels (id, account_id, current_level, risk_multiplier, status, trades_at_level, level_start_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), accountID, lvl.CurrentLevel, lvl.RiskMultiplier.String(), string(lvl.Status), lvl.TradesAtLevel,
		lvl.LevelStartDate.Format("2006-01-02"), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
		return nil, trusterr.Persistence("level.GetOrInit", err)
	}
	return lvl, nil
}

func (r *Repository) get(ctx context.Context, accountID string) (*Level, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT account_id, current_level, risk_multiplier, status, trades_at_level, level_start_date
		FROM levels WHERE account_id = ? AND deleted_at IS NULL`, accountID)
	var lvl Level
	var mult, status, startDate string
	if err := row.Scan(&lvl.AccountID, &lvl.CurrentLevel, &mult, &status, &lvl.TradesAtLevel, &startDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, trusterr.Persistence("level.get", err)
	}
	lvl.Status = domain.LevelStatus(status)
	amt, err := money.FromString(mult)
	if err != nil {
		return nil, trusterr.Invariant("level.get", "corrupt risk_multiplier: %v", err)
	}
	lvl.RiskMultiplier = amt
	lvl.LevelStartDate, _ = time.Parse("2006-01-02", startDate)
	return &lvl, nil
}

// ChangesWithinWindow counts LevelChange rows for an account within the
// trailing EvaluationWindowDays, the input to the max-changes stabilization
// rule.
func (r *Repository) ChangesWithinWindow(ctx context.Context, accountID string) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -EvaluationWindowDays).Format(time.RFC3339Nano)
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM level_changes WHERE account_id = ? AND changed_at >= ?`, accountID, cutoff).Scan(&n)
	if err != nil {
		return 0, trusterr.Persistence("level.ChangesWithinWindow", err)
	}
	return n, nil
}

// Apply applies decision atomically under a named savepoint: updates the
// Level row and appends a LevelChange row, or rolls back both. Stabilization
// rules (min trades at level for an upgrade, max changes in 30 days) are
// enforced here so the caller always gets the progress report from
// Evaluate regardless of whether the decision is ultimately suppressed.
func (r *Repository) Apply(ctx context.Context, lvl *Level, rules AdjustmentRules, decision *Decision) (*LevelChange, error) {
	if decision.Direction == DirectionUpgrade && lvl.TradesAtLevel < rules.MinTradesAtLevelForUpgrade {
		return nil, trusterr.StateMachine("level.Apply", "insufficient trades at current level for upgrade")
	}
	changes, err := r.ChangesWithinWindow(ctx, lvl.AccountID)
	if err != nil {
		return nil, err
	}
	if changes >= rules.MaxChangesIn30Days {
		return nil, trusterr.StateMachine("level.Apply", "maximum level changes within 30 days reached")
	}
	if decision.TargetLevel < 0 || decision.TargetLevel > 4 {
		return nil, trusterr.StateMachine("level.Apply", "target level %d out of bounds", decision.TargetLevel)
	}

	var change *LevelChange
	err = errRunTx(r.db, func(tx *sql.Tx) error {
		sp, err := store.Savepoint(tx, "level_transition")
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		newStatus := lvl.Status
		switch decision.Trigger {
		case domain.TriggerPerformanceCooldown:
			newStatus = domain.LevelStatusCooldown
		case domain.TriggerPerformanceUpgrade:
			if lvl.Status == domain.LevelStatusCooldown {
				newStatus = domain.LevelStatusNormal
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE levels SET current_level = ?, risk_multiplier = ?, status = ?, trades_at_level = 0, level_start_date = ?, updated_at = ?
			WHERE account_id = ?`,
			decision.TargetLevel, Multiplier(decision.TargetLevel).String(), string(newStatus), now.Format("2006-01-02"), now.Format(time.RFC3339Nano), lvl.AccountID); err != nil {
			_ = sp.Rollback()
			return trusterr.Persistence("level.Apply", err)
		}

		change = &LevelChange{
			ID: uuid.NewString(), AccountID: lvl.AccountID, OldLevel: lvl.CurrentLevel, NewLevel: decision.TargetLevel,
			Reason: decision.Reason, Trigger: decision.Trigger, ChangedAt: now,
		}
		ts := now.Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO level_changes (id, account_id, old_level, new_level, reason, trigger_type, changed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			change.ID, change.AccountID, change.OldLevel, change.NewLevel, change.Reason, string(change.Trigger), ts, ts, ts); err != nil {
			_ = sp.Rollback()
			return trusterr.Persistence("level.Apply", err)
		}

		return sp.Release()
	})
	if err != nil {
		return nil, err
	}
	lvl.CurrentLevel = decision.TargetLevel
	lvl.RiskMultiplier = Multiplier(decision.TargetLevel)
	lvl.TradesAtLevel = 0
	r.log.Info().Str("account_id", lvl.AccountID).Int("new_level", decision.TargetLevel).Str("trigger", string(decision.Trigger)).Msg("level transitioned")
	return change, nil
}

// IncrementTradesAtLevel bumps the trade-count-at-current-level counter.
// No trade transition calls it; the counter changes only through this
// method and is reset by Apply.
func (r *Repository) IncrementTradesAtLevel(ctx context.Context, accountID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `UPDATE levels SET trades_at_level = trades_at_level + 1, updated_at = ? WHERE account_id = ?`, now, accountID)
	if err != nil {
		return trusterr.Persistence("level.IncrementTradesAtLevel", err)
	}
	return nil
}

func errRunTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return trusterr.Persistence("level.errRunTx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
