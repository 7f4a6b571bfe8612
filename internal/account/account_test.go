package account_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/matiasvillaverde/trust/internal/account"
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

func TestCreateRejectsExcessivePercentages(t *testing.T) {
	db := newTestStore(t)
	repo := account.NewRepository(db.Conn(), zerolog.Nop())
	pct60, _ := money.FromString("60")
	pct50, _ := money.FromString("50")

	err := repo.Create(context.Background(), &account.Account{
		Name: "primary-1", Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary,
		TaxesPct: pct60, EarningsPct: pct50,
	})
	require.Error(t, err)
}

func TestCreateRejectsDuplicateNameCaseInsensitive(t *testing.T) {
	db := newTestStore(t)
	repo := account.NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &account.Account{Name: "Primary", Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary}))
	err := repo.Create(ctx, &account.Account{Name: "primary", Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary})
	require.Error(t, err)
}

func TestDepositAndWithdraw(t *testing.T) {
	db := newTestStore(t)
	repo := account.NewRepository(db.Conn(), zerolog.Nop())
	ledgerRepo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	svc := account.NewService(repo, ledgerRepo)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &account.Account{ID: "acct-1", Name: "P1", Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary}))
	require.NoError(t, svc.Deposit(ctx, "acct-1", "USD", money.FromInt(50000)))

	bal, err := repo.GetBalance(ctx, ledgerRepo, "acct-1", "USD")
	require.NoError(t, err)
	require.True(t, bal.TotalAvailable.Equal(money.FromInt(50000)))

	require.NoError(t, svc.Withdraw(ctx, "acct-1", "USD", money.FromInt(20000)))
	bal, err = repo.GetBalance(ctx, ledgerRepo, "acct-1", "USD")
	require.NoError(t, err)
	require.True(t, bal.TotalAvailable.Equal(money.FromInt(30000)))

	err = svc.Withdraw(ctx, "acct-1", "USD", money.FromInt(1000000))
	require.Error(t, err)
}
