// Package ledger implements the append-only transaction log (C2). Every
// balance in the system is a fold over this log; nothing here is ever
// updated or deleted. Components reuse Repository.PostTx so every
// multi-row mutation (funding, reconciliation, distribution) posts inside
// the caller's own transaction (and, for reconciliation and distribution,
// inside its named savepoint).
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// Transaction is one immutable posting.
type Transaction struct {
	ID        string
	AccountID string
	TradeID   *string
	Currency  domain.Currency
	Amount    money.Amount // always a positive magnitude; sign is implied by Category
	Category  domain.TransactionCategory
	CreatedAt time.Time
}

// Posting is the input to Post / PostManyAtomic: everything needed to
// build a Transaction except its id and timestamp.
type Posting struct {
	AccountID string
	TradeID   *string
	Currency  domain.Currency
	Amount    money.Amount
	Category  domain.TransactionCategory
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting Repository's
// methods run standalone or inside a caller-owned transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the ledger's persistence surface.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository builds a Repository bound to db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "ledger_repo").Logger()}
}

// Balance is the projection folded from postings for one
// (account_id, currency) pair.
type Balance struct {
	Available money.Amount
	InTrade   money.Amount
	Taxed     money.Amount
	Earnings  money.Amount
}

// Post writes a single posting, enforcing that a Withdrawal or FundTrade
// never drives total_available negative (spec §4.2).
func (r *Repository) Post(ctx context.Context, p Posting) (*Transaction, error) {
	return r.post(ctx, r.db, p)
}

// PostTx is Post scoped to an existing transaction, used by callers that
// need this posting to share a savepoint with other writes.
func (r *Repository) PostTx(ctx context.Context, tx *sql.Tx, p Posting) (*Transaction, error) {
	return r.post(ctx, tx, p)
}

func (r *Repository) post(ctx context.Context, ex execer, p Posting) (*Transaction, error) {
	if p.Amount.IsNegative() {
		return nil, trusterr.Validation("ledger.Post", "posting amount must be a non-negative magnitude")
	}
	if p.Category.AvailableSign() < 0 {
		bal, err := r.projectBalance(ctx, ex, p.AccountID, p.Currency)
		if err != nil {
			return nil, err
		}
		if bal.Available.LessThan(p.Amount) {
			return nil, trusterr.Validation("ledger.Post", "insufficient available balance for %s: have %s, need %s", p.Category, bal.Available, p.Amount)
		}
	}

	txn := &Transaction{
		ID:        uuid.NewString(),
		AccountID: p.AccountID,
		TradeID:   p.TradeID,
		Currency:  p.Currency,
		Amount:    p.Amount,
		Category:  p.Category,
		CreatedAt: time.Now().UTC(),
	}
	ts := txn.CreatedAt.Format(time.RFC3339Nano)
	_, err := ex.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, trade_id, currency, amount, category, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.AccountID, txn.TradeID, string(txn.Currency), txn.Amount.String(), string(txn.Category), ts, ts)
	if err != nil {
		return nil, trusterr.Persistence("ledger.Post", err)
	}
	r.log.Info().Str("account_id", txn.AccountID).Str("category", string(txn.Category)).Str("amount", txn.Amount.String()).Msg("posted transaction")
	return txn, nil
}

// PostManyAtomic posts every Posting inside one transaction, all-or-
// nothing, used by account transfers. The distribution engine and the
// reconciler post through PostTx inside their own transactions instead.
func (r *Repository) PostManyAtomic(ctx context.Context, postings []Posting) ([]*Transaction, error) {
	if len(postings) == 0 {
		return nil, trusterr.Validation("ledger.PostManyAtomic", "postings must not be empty")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, trusterr.Persistence("ledger.PostManyAtomic", err)
	}
	var out []*Transaction
	for _, p := range postings {
		t, err := r.post(ctx, tx, p)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		out = append(out, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, trusterr.Persistence("ledger.PostManyAtomic", err)
	}
	return out, nil
}

// ExistsForTrade reports whether a posting with the given (trade_id,
// category) pair already exists, the idempotence check the reconciler
// runs before every close posting (spec §4.8).
func (r *Repository) ExistsForTrade(ctx context.Context, tradeID string, category domain.TransactionCategory) (bool, error) {
	return r.existsForTrade(ctx, r.db, tradeID, category)
}

// ExistsForTradeTx is ExistsForTrade scoped to a transaction the caller
// already owns, so the reconciler's idempotence check and the postings it
// gates share one atomic pass rather than reading outside the transaction
// that then writes.
func (r *Repository) ExistsForTradeTx(ctx context.Context, tx *sql.Tx, tradeID string, category domain.TransactionCategory) (bool, error) {
	return r.existsForTrade(ctx, tx, tradeID, category)
}

func (r *Repository) existsForTrade(ctx context.Context, ex execer, tradeID string, category domain.TransactionCategory) (bool, error) {
	var n int
	err := ex.QueryRowContext(ctx, `SELECT COUNT(1) FROM transactions WHERE trade_id = ? AND category = ?`, tradeID, string(category)).Scan(&n)
	if err != nil {
		return false, trusterr.Persistence("ledger.ExistsForTrade", err)
	}
	return n > 0, nil
}

// ReadForAccount returns every posting for an account in chronological
// order.
func (r *Repository) ReadForAccount(ctx context.Context, accountID string) ([]*Transaction, error) {
	return r.query(ctx, `SELECT id, account_id, trade_id, currency, amount, category, created_at FROM transactions WHERE account_id = ? ORDER BY created_at ASC`, accountID)
}

// ReadForAccountCurrency scopes ReadForAccount to one currency.
func (r *Repository) ReadForAccountCurrency(ctx context.Context, accountID string, currency domain.Currency) ([]*Transaction, error) {
	return r.query(ctx, `SELECT id, account_id, trade_id, currency, amount, category, created_at FROM transactions WHERE account_id = ? AND currency = ? ORDER BY created_at ASC`, accountID, string(currency))
}

// ReadForTrade returns every posting tied to a trade.
func (r *Repository) ReadForTrade(ctx context.Context, tradeID string) ([]*Transaction, error) {
	return r.query(ctx, `SELECT id, account_id, trade_id, currency, amount, category, created_at FROM transactions WHERE trade_id = ? ORDER BY created_at ASC`, tradeID)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]*Transaction, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, trusterr.Persistence("ledger.query", err)
	}
	defer rows.Close()
	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(rows *sql.Rows) (*Transaction, error) {
	var t Transaction
	var tradeID sql.NullString
	var currency, amount, category, createdAt string
	if err := rows.Scan(&t.ID, &t.AccountID, &tradeID, &currency, &amount, &category, &createdAt); err != nil {
		return nil, trusterr.Persistence("ledger.scanTransaction", err)
	}
	if tradeID.Valid {
		id := tradeID.String
		t.TradeID = &id
	}
	t.Currency = domain.Currency(currency)
	t.Category = domain.TransactionCategory(category)
	amt, err := money.FromString(amount)
	if err != nil {
		return nil, trusterr.Invariant("ledger.scanTransaction", "corrupt amount: %v", err)
	}
	t.Amount = amt
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &t, nil
}

// ProjectBalance folds every posting for (account_id, currency) into the
// canonical Balance. This is the sole source of truth for
// total_available and total_in_trade; any cached row must be validated
// against this on startup (spec §4.2).
func (r *Repository) ProjectBalance(ctx context.Context, accountID string, currency domain.Currency) (Balance, error) {
	return r.projectBalance(ctx, r.db, accountID, currency)
}

func (r *Repository) projectBalance(ctx context.Context, ex execer, accountID string, currency domain.Currency) (Balance, error) {
	rows, err := ex.QueryContext(ctx, `SELECT amount, category FROM transactions WHERE account_id = ? AND currency = ?`, accountID, string(currency))
	if err != nil {
		return Balance{}, trusterr.Persistence("ledger.projectBalance", err)
	}
	defer rows.Close()

	available := money.Zero
	inTrade := money.Zero
	taxed := money.Zero
	earnings := money.Zero

	for rows.Next() {
		var amountStr, categoryStr string
		if err := rows.Scan(&amountStr, &categoryStr); err != nil {
			return Balance{}, trusterr.Persistence("ledger.projectBalance", err)
		}
		amount, err := money.FromString(amountStr)
		if err != nil {
			return Balance{}, trusterr.Invariant("ledger.projectBalance", "corrupt amount: %v", err)
		}
		category := domain.TransactionCategory(categoryStr)
		switch category.AvailableSign() {
		case 1:
			available = available.Add(amount)
		case -1:
			available = available.Sub(amount)
		}
		switch category {
		case domain.CategoryFundTrade:
			inTrade = inTrade.Add(amount)
		case domain.CategoryPaymentFromTrade:
			inTrade = inTrade.Sub(amount)
		case domain.CategoryWithdrawalTax, domain.CategoryPaymentTax:
			taxed = taxed.Add(amount)
		case domain.CategoryWithdrawalEarnings:
			earnings = earnings.Add(amount)
		}
	}
	if err := rows.Err(); err != nil {
		return Balance{}, trusterr.Persistence("ledger.projectBalance", err)
	}
	return Balance{Available: available, InTrade: inTrade, Taxed: taxed, Earnings: earnings}, nil
}

