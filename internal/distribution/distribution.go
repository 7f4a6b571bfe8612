// Package distribution implements the Distribution Engine (C9): splitting
// a Primary account's realised profit across its Earnings, TaxReserve and
// Reinvestment children as one atomic multi-leg transfer, plus the rule
// registry that pins each split's percentages. Grounded in full on
// original_source/db-sqlite/src/workers/worker_distribution.rs: the
// atomic-plan executor, the omit-zero-leg rule, and the DistributionHistory
// row shape all port that file's behaviour rather than its syntax.
package distribution

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/account"
	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/ledger"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/store"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// Rules is the per-Primary-account split configuration (spec §3
// DistributionRules): earnings_pct + tax_pct + reinvestment_pct == 1, all
// non-negative. ConfigurationPasswordHash gates changes to this row
// beyond the facade's per-call protected-mutation token (spec §6:
// distribution configure is one of the facade's grouped operations).
type Rules struct {
	ID                        string
	AccountID                 string
	EarningsPct               money.Amount
	TaxPct                    money.Amount
	ReinvestmentPct           money.Amount
	MinimumThreshold          money.Amount
	ConfigurationPasswordHash string
}

// HashPassword derives the stored comparison hash for a configuration
// password. No pack example wires a password-hashing library (grep across
// _examples/ for bcrypt/argon2/scrypt returns nothing), so this uses
// crypto/sha256 directly rather than inventing a dependency the corpus
// never reaches for.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Repository persists Rules and History rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository builds a Repository bound to db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "distribution_repo").Logger()}
}

// Configure validates and upserts the single Rules row for an account
// (spec §3: earnings_pct + tax_pct + reinvestment_pct == 1, all
// non-negative).
func (r *Repository) Configure(ctx context.Context, rules *Rules) error {
	if rules.EarningsPct.IsNegative() || rules.TaxPct.IsNegative() || rules.ReinvestmentPct.IsNegative() {
		return trusterr.Validation("distribution.Configure", "split percentages must be non-negative")
	}
	sum := rules.EarningsPct.Add(rules.TaxPct).Add(rules.ReinvestmentPct)
	if !sum.Equal(money.FromInt(1)) {
		return trusterr.Validation("distribution.Configure", "earnings_pct + tax_pct + reinvestment_pct must equal 1, got %s", sum)
	}
	if rules.MinimumThreshold.IsNegative() {
		return trusterr.Validation("distribution.Configure", "minimum_threshold must be non-negative")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	existing, err := r.byAccount(ctx, rules.AccountID)
	if err != nil {
		return err
	}
	if existing == nil {
		rules.ID = uuid.NewString()
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO distribution_rules (id, account_id, earnings_percentage, tax_percentage, reinvestment_percentage, minimum_threshold, configuration_password_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rules.ID, rules.AccountID, rules.EarningsPct.String(), rules.TaxPct.String(), rules.ReinvestmentPct.String(), rules.MinimumThreshold.String(), rules.ConfigurationPasswordHash, now, now)
		if err != nil {
			return trusterr.Persistence("distribution.Configure", err)
		}
		r.log.Info().Str("account_id", rules.AccountID).Msg("distribution rules created")
		return nil
	}

	rules.ID = existing.ID
	_, err = r.db.ExecContext(ctx, `
		UPDATE distribution_rules SET earnings_percentage = ?, tax_percentage = ?, reinvestment_percentage = ?, minimum_threshold = ?, configuration_password_hash = ?, updated_at = ?
		WHERE id = ?`,
		rules.EarningsPct.String(), rules.TaxPct.String(), rules.ReinvestmentPct.String(), rules.MinimumThreshold.String(), rules.ConfigurationPasswordHash, now, rules.ID)
	if err != nil {
		return trusterr.Persistence("distribution.Configure", err)
	}
	r.log.Info().Str("account_id", rules.AccountID).Msg("distribution rules updated")
	return nil
}

func (r *Repository) byAccount(ctx context.Context, accountID string) (*Rules, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, earnings_percentage, tax_percentage, reinvestment_percentage, minimum_threshold, configuration_password_hash
		FROM distribution_rules WHERE account_id = ? AND deleted_at IS NULL`, accountID)
	var rules Rules
	var earnings, tax, reinvestment, minThreshold string
	if err := row.Scan(&rules.ID, &rules.AccountID, &earnings, &tax, &reinvestment, &minThreshold, &rules.ConfigurationPasswordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, trusterr.Persistence("distribution.byAccount", err)
	}
	var err error
	if rules.EarningsPct, err = money.FromString(earnings); err != nil {
		return nil, trusterr.Invariant("distribution.byAccount", "corrupt earnings_percentage: %v", err)
	}
	if rules.TaxPct, err = money.FromString(tax); err != nil {
		return nil, trusterr.Invariant("distribution.byAccount", "corrupt tax_percentage: %v", err)
	}
	if rules.ReinvestmentPct, err = money.FromString(reinvestment); err != nil {
		return nil, trusterr.Invariant("distribution.byAccount", "corrupt reinvestment_percentage: %v", err)
	}
	if rules.MinimumThreshold, err = money.FromString(minThreshold); err != nil {
		return nil, trusterr.Invariant("distribution.byAccount", "corrupt minimum_threshold: %v", err)
	}
	return &rules, nil
}

// ForAccount is the exported lookup the execution service and facade use.
func (r *Repository) ForAccount(ctx context.Context, accountID string) (*Rules, error) {
	return r.byAccount(ctx, accountID)
}

// History is one executed distribution (spec §3 DistributionHistory).
type History struct {
	ID                 string
	SourceAccountID    string
	TradeID            *string
	Currency           domain.Currency
	OriginalAmount     money.Amount
	EarningsAmount     *money.Amount
	TaxAmount          *money.Amount
	ReinvestmentAmount *money.Amount
	DistributionDate   time.Time
}

// ForSourceAccount returns every History row for a source account, newest
// first, the read projection backing the facade's distribution reporting.
func (r *Repository) ForSourceAccount(ctx context.Context, accountID string) ([]*History, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_account_id, trade_id, currency, original_amount, earnings_amount, tax_amount, reinvestment_amount, distribution_date
		FROM distribution_history WHERE source_account_id = ? AND deleted_at IS NULL ORDER BY distribution_date DESC`, accountID)
	if err != nil {
		return nil, trusterr.Persistence("distribution.ForSourceAccount", err)
	}
	defer rows.Close()

	var out []*History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHistory(rows *sql.Rows) (*History, error) {
	var h History
	var tradeID sql.NullString
	var currency, original string
	var earnings, tax, reinvestment sql.NullString
	var distributedAt string
	if err := rows.Scan(&h.ID, &h.SourceAccountID, &tradeID, &currency, &original, &earnings, &tax, &reinvestment, &distributedAt); err != nil {
		return nil, trusterr.Persistence("distribution.scanHistory", err)
	}
	if tradeID.Valid {
		v := tradeID.String
		h.TradeID = &v
	}
	h.Currency = domain.Currency(currency)
	var err error
	if h.OriginalAmount, err = money.FromString(original); err != nil {
		return nil, trusterr.Invariant("distribution.scanHistory", "corrupt original_amount: %v", err)
	}
	if earnings.Valid {
		a, err := money.FromString(earnings.String)
		if err != nil {
			return nil, trusterr.Invariant("distribution.scanHistory", "corrupt earnings_amount: %v", err)
		}
		h.EarningsAmount = &a
	}
	if tax.Valid {
		a, err := money.FromString(tax.String)
		if err != nil {
			return nil, trusterr.Invariant("distribution.scanHistory", "corrupt tax_amount: %v", err)
		}
		h.TaxAmount = &a
	}
	if reinvestment.Valid {
		a, err := money.FromString(reinvestment.String)
		if err != nil {
			return nil, trusterr.Invariant("distribution.scanHistory", "corrupt reinvestment_amount: %v", err)
		}
		h.ReinvestmentAmount = &a
	}
	h.DistributionDate, _ = time.Parse(time.RFC3339Nano, distributedAt)
	return &h, nil
}

// leg is one internal computed split before zero-amount legs are omitted.
type leg struct {
	toAccountID string
	category    domain.TransactionCategory
	amount      money.Amount
	assign      func(*History, money.Amount)
}

// Plan is the engine's input: which accounts receive which share of
// original_amount. The caller supplies the Earnings, Tax and Reinvestment
// account ids; Execute verifies each is a child of SourceAccountID of the
// matching AccountType (spec §4.9 precondition).
type Plan struct {
	SourceAccountID    string
	TradeID            *string
	Currency           domain.Currency
	OriginalAmount     money.Amount
	EarningsAccountID     string
	TaxAccountID          string
	ReinvestmentAccountID string
}

// Service executes distribution plans.
type Service struct {
	db       *sql.DB
	rules    *Repository
	ledger   *ledger.Repository
	accounts *account.Repository
	log      zerolog.Logger
}

// NewService builds a Service over its dependencies.
func NewService(db *sql.DB, rules *Repository, ledgerRepo *ledger.Repository, accounts *account.Repository, log zerolog.Logger) *Service {
	return &Service{db: db, rules: rules, ledger: ledgerRepo, accounts: accounts, log: log.With().Str("component", "distribution_service").Logger()}
}

// Execute computes each leg as floor(original * pct, 2dp), assigns any
// rounding remainder to the reinvestment leg so sum(legs) == original
// (spec §4.9 rounding rule), omits any leg that rounds to zero, and posts
// every surviving leg's paired Withdrawal(source)+Deposit(target) plus one
// DistributionHistory row inside a single atomic ledger batch (property 7:
// original_amount == sum(legs.amount)).
func (s *Service) Execute(ctx context.Context, plan Plan) (*History, error) {
	if !plan.OriginalAmount.IsPositive() {
		return nil, trusterr.Validation("distribution.Execute", "original_amount must be positive")
	}
	for _, id := range []string{plan.SourceAccountID, plan.EarningsAccountID, plan.TaxAccountID, plan.ReinvestmentAccountID} {
		acc, err := s.accounts.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, trusterr.Validation("distribution.Execute", "account %s does not exist", id)
		}
	}
	source, err := s.accounts.Get(ctx, plan.SourceAccountID)
	if err != nil {
		return nil, err
	}
	for _, childID := range []struct {
		id       string
		wantType domain.AccountType
	}{
		{plan.EarningsAccountID, domain.AccountTypeEarnings},
		{plan.TaxAccountID, domain.AccountTypeTaxReserve},
		{plan.ReinvestmentAccountID, domain.AccountTypeReinvestment},
	} {
		child, err := s.accounts.Get(ctx, childID.id)
		if err != nil {
			return nil, err
		}
		if child.Type != childID.wantType {
			return nil, trusterr.Validation("distribution.Execute", "account %s is not a %s child", childID.id, childID.wantType)
		}
		if child.ParentAccountID == nil || *child.ParentAccountID != source.ID {
			return nil, trusterr.Validation("distribution.Execute", "account %s is not a child of %s", childID.id, source.ID)
		}
	}

	rules, err := s.rules.ForAccount(ctx, plan.SourceAccountID)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		return nil, trusterr.Validation("distribution.Execute", "no distribution rules configured for account %s", plan.SourceAccountID)
	}

	earningsAmt := plan.OriginalAmount.Mul(rules.EarningsPct).FloorDP(2)
	taxAmt := plan.OriginalAmount.Mul(rules.TaxPct).FloorDP(2)
	reinvestAmt := plan.OriginalAmount.Sub(earningsAmt).Sub(taxAmt)

	legs := []leg{
		{toAccountID: plan.EarningsAccountID, category: domain.CategoryWithdrawalEarnings, amount: earningsAmt,
			assign: func(h *History, a money.Amount) { h.EarningsAmount = &a }},
		{toAccountID: plan.TaxAccountID, category: domain.CategoryWithdrawalTax, amount: taxAmt,
			assign: func(h *History, a money.Amount) { h.TaxAmount = &a }},
		{toAccountID: plan.ReinvestmentAccountID, category: domain.CategoryWithdrawal, amount: reinvestAmt,
			assign: func(h *History, a money.Amount) { h.ReinvestmentAmount = &a }},
	}

	hist := &History{
		ID: uuid.NewString(), SourceAccountID: plan.SourceAccountID, TradeID: plan.TradeID,
		Currency: plan.Currency, OriginalAmount: plan.OriginalAmount, DistributionDate: time.Now().UTC(),
	}

	var legPostings []leg
	survivingTotal := money.Zero
	for _, l := range legs {
		if l.amount.IsZero() {
			continue
		}
		l.assign(hist, l.amount)
		legPostings = append(legPostings, l)
		survivingTotal = survivingTotal.Add(l.amount)
	}
	if len(legPostings) == 0 {
		return nil, trusterr.Validation("distribution.Execute", "every leg rounds to zero for amount %s", plan.OriginalAmount)
	}
	if !survivingTotal.Equal(plan.OriginalAmount) {
		return nil, trusterr.Invariant("distribution.Execute", "leg sum %s does not equal original_amount %s", survivingTotal, plan.OriginalAmount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, trusterr.Persistence("distribution.Execute", err)
	}
	sp, err := store.Savepoint(tx, "distribution_execute")
	if err != nil {
		_ = tx.Rollback()
		return nil, trusterr.Persistence("distribution.Execute", err)
	}

	for _, l := range legPostings {
		if _, err := s.ledger.PostTx(ctx, tx, ledger.Posting{AccountID: plan.SourceAccountID, TradeID: plan.TradeID, Currency: plan.Currency, Amount: l.amount, Category: l.category}); err != nil {
			_ = sp.Rollback()
			_ = tx.Rollback()
			return nil, err
		}
		if _, err := s.ledger.PostTx(ctx, tx, ledger.Posting{AccountID: l.toAccountID, TradeID: plan.TradeID, Currency: plan.Currency, Amount: l.amount, Category: domain.CategoryDeposit}); err != nil {
			_ = sp.Rollback()
			_ = tx.Rollback()
			return nil, err
		}
	}
	if err := insertHistoryTx(ctx, tx, hist); err != nil {
		_ = sp.Rollback()
		_ = tx.Rollback()
		return nil, err
	}
	if err := sp.Release(); err != nil {
		_ = tx.Rollback()
		return nil, trusterr.Persistence("distribution.Execute", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, trusterr.Persistence("distribution.Execute", err)
	}

	s.log.Info().Str("source_account_id", plan.SourceAccountID).Str("original_amount", plan.OriginalAmount.String()).Msg("distribution executed")
	return hist, nil
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, h *History) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var earnings, tax, reinvestment *string
	if h.EarningsAmount != nil {
		v := h.EarningsAmount.String()
		earnings = &v
	}
	if h.TaxAmount != nil {
		v := h.TaxAmount.String()
		tax = &v
	}
	if h.ReinvestmentAmount != nil {
		v := h.ReinvestmentAmount.String()
		reinvestment = &v
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO distribution_history (id, source_account_id, trade_id, currency, original_amount, earnings_amount, tax_amount, reinvestment_amount, distribution_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.SourceAccountID, h.TradeID, string(h.Currency), h.OriginalAmount.String(), earnings, tax, reinvestment, h.DistributionDate.Format(time.RFC3339Nano), now, now)
	if err != nil {
		return trusterr.Persistence("distribution.insertHistoryTx", err)
	}
	return nil
}
