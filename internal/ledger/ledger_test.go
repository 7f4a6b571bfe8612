package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/ledger"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/store"
)

func newTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(store.Config{Path: "file::memory:?cache=shared", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// seedAccount inserts the accounts row a posting references; the schema's
// foreign keys reject a posting for an account that does not exist.
func seedAccount(t *testing.T, db *store.DB, id string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Conn().Exec(`INSERT INTO accounts (id, name, environment, created_at, updated_at) VALUES (?, ?, 'paper', ?, ?)`, id, id, now, now)
	require.NoError(t, err)
}

// seedTrade inserts a minimal trade (one vehicle, one order used for all
// three legs, one balance row) so a posting may reference its id.
func seedTrade(t *testing.T, db *store.DB, id, accountID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, stmt := range []string{
		`INSERT INTO trading_vehicles (id, symbol, category, broker, created_at, updated_at) VALUES ('veh-1', 'ACME', 'stock', 'mock', ?, ?)`,
		`INSERT INTO orders (id, unit_price, currency, quantity, category, action, status, created_at, updated_at) VALUES ('ord-1', '100', 'USD', 1, 'limit', 'buy', 'new', ?, ?)`,
		`INSERT INTO trades_balances (id, currency, created_at, updated_at) VALUES ('bal-1', 'USD', ?, ?)`,
	} {
		_, err := db.Conn().Exec(stmt, now, now)
		require.NoError(t, err)
	}
	_, err := db.Conn().Exec(`
		INSERT INTO trades (id, account_id, trading_vehicle_id, currency, category, status, entry_id, safety_stop_id, target_id, balance_id, created_at, updated_at)
		VALUES (?, ?, 'veh-1', 'USD', 'long', 'submitted', 'ord-1', 'ord-1', 'ord-1', 'bal-1', ?, ?)`, id, accountID, now, now)
	require.NoError(t, err)
}

func TestPostAndProjectBalance(t *testing.T) {
	db := newTestStore(t)
	repo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()
	accountID := "acct-1"
	seedAccount(t, db, accountID)

	_, err := repo.Post(ctx, ledger.Posting{
		AccountID: accountID, Currency: "USD", Amount: money.FromInt(50000), Category: domain.CategoryDeposit,
	})
	require.NoError(t, err)

	bal, err := repo.ProjectBalance(ctx, accountID, "USD")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(money.FromInt(50000)))
	require.True(t, bal.InTrade.IsZero())
}

func TestWithdrawalRejectedWhenInsufficient(t *testing.T) {
	db := newTestStore(t)
	repo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()
	seedAccount(t, db, "a")

	_, err := repo.Post(ctx, ledger.Posting{AccountID: "a", Currency: "USD", Amount: money.FromInt(100), Category: domain.CategoryWithdrawal})
	require.Error(t, err)
}

func TestPostManyAtomicRollsBackOnFailure(t *testing.T) {
	db := newTestStore(t)
	repo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()
	seedAccount(t, db, "a")

	_, err := repo.Post(ctx, ledger.Posting{AccountID: "a", Currency: "USD", Amount: money.FromInt(1000), Category: domain.CategoryDeposit})
	require.NoError(t, err)

	_, err = repo.PostManyAtomic(ctx, []ledger.Posting{
		{AccountID: "a", Currency: "USD", Amount: money.FromInt(500), Category: domain.CategoryWithdrawal},
		{AccountID: "a", Currency: "USD", Amount: money.FromInt(10000), Category: domain.CategoryWithdrawal},
	})
	require.Error(t, err)

	bal, err := repo.ProjectBalance(ctx, "a", "USD")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(money.FromInt(1000)), "partial batch must not have landed")
}

func TestIdempotenceCheck(t *testing.T) {
	db := newTestStore(t)
	repo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()
	tradeID := "trade-1"
	seedAccount(t, db, "a")
	seedTrade(t, db, tradeID, "a")

	exists, err := repo.ExistsForTrade(ctx, tradeID, domain.CategoryOpenTrade)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = repo.Post(ctx, ledger.Posting{AccountID: "a", TradeID: &tradeID, Currency: "USD", Amount: money.FromInt(100), Category: domain.CategoryOpenTrade})
	require.NoError(t, err)

	exists, err = repo.ExistsForTrade(ctx, tradeID, domain.CategoryOpenTrade)
	require.NoError(t, err)
	require.True(t, exists)
}
