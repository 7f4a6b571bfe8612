// Package account implements the account hierarchy (C3): Primary accounts
// own balances and fund trades; Earnings/TaxReserve/Reinvestment children
// receive distributions. Deposit, withdrawal and transfer are the only
// ways total_available and total_balance move outside of trade-driven
// ledger postings, and they go through the same ledger the trade and
// reconciler packages use.
package account

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/ledger"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// Account is the hierarchy entity described in spec §3.
type Account struct {
	ID                 string
	Name               string
	Description        string
	Environment        domain.Environment
	TaxesPct           money.Amount
	EarningsPct        money.Amount
	Type                domain.AccountType
	ParentAccountID     *string
	CreatedAt, UpdatedAt time.Time
}

// Balance is the per-currency projection described in spec §3.
type Balance struct {
	AccountID      string
	Currency       domain.Currency
	TotalBalance   money.Amount
	TotalInTrade   money.Amount
	TotalAvailable money.Amount
	Taxed          money.Amount
	TotalEarnings  money.Amount
}

// Repository persists accounts and their balance projections.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository builds a Repository bound to db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "account_repo").Logger()}
}

// Create inserts a new account. Rejects a duplicate case-folded name, a
// non-Primary account with no parent, a Primary with a parent, and
// taxes_pct + earnings_pct > 100 or negative percentages (§9 open
// questions 5 and 6).
func (r *Repository) Create(ctx context.Context, a *Account) error {
	if strings.TrimSpace(a.Name) == "" {
		return trusterr.Validation("account.Create", "name must not be empty")
	}
	if a.Type == domain.AccountTypePrimary && a.ParentAccountID != nil {
		return trusterr.Validation("account.Create", "a primary account may not have a parent")
	}
	if a.Type != domain.AccountTypePrimary && a.ParentAccountID == nil {
		return trusterr.Validation("account.Create", "non-primary accounts must reference a primary parent")
	}
	if a.TaxesPct.IsNegative() || a.EarningsPct.IsNegative() {
		return trusterr.Validation("account.Create", "taxes_pct and earnings_pct must be non-negative")
	}
	hundred := money.FromInt(100)
	if a.TaxesPct.Add(a.EarningsPct).GreaterThan(hundred) {
		return trusterr.Validation("account.Create", "taxes_pct + earnings_pct must not exceed 100")
	}

	existing, err := r.findByNameCI(ctx, a.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return trusterr.Validation("account.Create", "account name %q already exists", a.Name)
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, description, environment, taxes_percentage, earnings_percentage, account_type, parent_account_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Description, string(a.Environment), a.TaxesPct.String(), a.EarningsPct.String(),
		string(a.Type), a.ParentAccountID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return trusterr.Persistence("account.Create", err)
	}
	r.log.Info().Str("account_id", a.ID).Str("name", a.Name).Msg("account created")
	return nil
}

func (r *Repository) findByNameCI(ctx context.Context, name string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE name = ? COLLATE NOCASE AND deleted_at IS NULL`, name)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, trusterr.Persistence("account.findByNameCI", err)
	}
	return &Account{ID: id}, nil
}

// Get loads an account by id.
func (r *Repository) Get(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, environment, taxes_percentage, earnings_percentage, account_type, parent_account_id, created_at, updated_at
		FROM accounts WHERE id = ? AND deleted_at IS NULL`, id)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var env, taxes, earnings, typ string
	var parent sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &env, &taxes, &earnings, &typ, &parent, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, trusterr.Persistence("account.Get", err)
	}
	a.Environment = domain.Environment(env)
	a.Type = domain.AccountType(typ)
	var err error
	if a.TaxesPct, err = money.FromString(taxes); err != nil {
		return nil, trusterr.Invariant("account.Get", "corrupt taxes_percentage: %v", err)
	}
	if a.EarningsPct, err = money.FromString(earnings); err != nil {
		return nil, trusterr.Invariant("account.Get", "corrupt earnings_percentage: %v", err)
	}
	if parent.Valid {
		p := parent.String
		a.ParentAccountID = &p
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &a, nil
}

// GetBalance computes the (account_id, currency) projection by replaying
// the ledger on every call; it does not read the accounts_balances row
// (spec §4.2).
func (r *Repository) GetBalance(ctx context.Context, ledgerRepo *ledger.Repository, accountID string, currency domain.Currency) (*Balance, error) {
	projected, err := ledgerRepo.ProjectBalance(ctx, accountID, currency)
	if err != nil {
		return nil, err
	}
	bal := &Balance{
		AccountID:      accountID,
		Currency:       currency,
		TotalAvailable: projected.Available,
		TotalInTrade:   projected.InTrade,
		TotalBalance:   projected.Available.Add(projected.InTrade),
		Taxed:          projected.Taxed,
		TotalEarnings:  projected.Earnings,
	}
	return bal, nil
}

// AllCurrencies returns every currency this account has ever posted in,
// used by GetAccountTransactions to answer across all currencies rather
// than hardcoding USD (§9 open question 9).
func (r *Repository) AllCurrencies(ctx context.Context, accountID string) ([]domain.Currency, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT currency FROM transactions WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, trusterr.Persistence("account.AllCurrencies", err)
	}
	defer rows.Close()
	var out []domain.Currency
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, trusterr.Persistence("account.AllCurrencies", err)
		}
		out = append(out, domain.Currency(c))
	}
	return out, rows.Err()
}

// AllPrimaryAccountIDs lists every non-deleted Primary account.
// CalculateOpenPositions(nil) does not use it; it aggregates through
// trade.Repository.ListAllOpen.
func (r *Repository) AllPrimaryAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM accounts WHERE account_type = 'primary' AND deleted_at IS NULL`)
	if err != nil {
		return nil, trusterr.Persistence("account.AllPrimaryAccountIDs", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trusterr.Persistence("account.AllPrimaryAccountIDs", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
