// Package rule implements the per-account risk rule registry (C4):
// RiskPerTrade caps the worst-case loss of a single new trade as a
// fraction of equity, RiskPerMonth caps aggregate worst-case loss across
// currently open trades. Only one active rule per (account, variant).
package rule

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// Rule is the named per-account risk cap described in spec §3.
type Rule struct {
	ID          string
	AccountID   string
	Name        domain.RuleName
	RiskPct     money.Amount
	Description string
	Priority    int
	Level       domain.RuleLevel
	Active      bool
}

// Repository persists Rule rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository builds a Repository bound to db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "rule_repo").Logger()}
}

// Create validates the percentage (§9 open question 5: must be
// 0 <= pct <= 100 and finite — enforced upstream by
// money.FromFloat32Percent rejecting non-finite values, this checks
// range), deactivates any existing active rule of the same variant, and
// inserts the new one active.
func (r *Repository) Create(ctx context.Context, rule *Rule) error {
	zero := money.Zero
	hundred := money.FromInt(100)
	if rule.RiskPct.LessThan(zero) || rule.RiskPct.GreaterThan(hundred) {
		return trusterr.Validation("rule.Create", "risk percentage must be within [0, 100]")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return trusterr.Persistence("rule.Create", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		UPDATE rules SET active = 0, updated_at = ? WHERE account_id = ? AND name = ? AND active = 1`,
		now, rule.AccountID, string(rule.Name)); err != nil {
		return trusterr.Persistence("rule.Create", err)
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.Active = true
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rules (id, account_id, name, risk_percentage, description, priority, level, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		rule.ID, rule.AccountID, string(rule.Name), rule.RiskPct.String(), rule.Description, rule.Priority, string(rule.Level), now, now); err != nil {
		return trusterr.Persistence("rule.Create", err)
	}

	if err := tx.Commit(); err != nil {
		return trusterr.Persistence("rule.Create", err)
	}
	r.log.Info().Str("account_id", rule.AccountID).Str("name", string(rule.Name)).Msg("rule created")
	return nil
}

// Deactivate soft-flips a rule's active state.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `UPDATE rules SET active = 0, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return trusterr.Persistence("rule.Deactivate", err)
	}
	return nil
}

// ActiveRule returns the active rule of the given variant for an
// account, or nil if none is set.
func (r *Repository) ActiveRule(ctx context.Context, accountID string, name domain.RuleName) (*Rule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, risk_percentage, description, priority, level, active
		FROM rules WHERE account_id = ? AND name = ? AND active = 1 AND deleted_at IS NULL`, accountID, string(name))
	var rule Rule
	var nameStr, pct, level string
	if err := row.Scan(&rule.ID, &rule.AccountID, &nameStr, &pct, &rule.Description, &rule.Priority, &level, &rule.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, trusterr.Persistence("rule.ActiveRule", err)
	}
	rule.Name = domain.RuleName(nameStr)
	rule.Level = domain.RuleLevel(level)
	amt, err := money.FromString(pct)
	if err != nil {
		return nil, trusterr.Invariant("rule.ActiveRule", "corrupt risk_percentage: %v", err)
	}
	rule.RiskPct = amt
	return &rule, nil
}
