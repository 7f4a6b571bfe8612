package distribution_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/matiasvillaverde/trust/internal/account"
	"github.com/matiasvillaverde/trust/internal/distribution"
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

type harness struct {
	accounts *account.Repository
	ledger   *ledger.Repository
	rules    *distribution.Repository
	svc      *distribution.Service
	primary  string
	earnings string
	tax      string
	reinvest string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestStore(t)
	accounts := account.NewRepository(db.Conn(), zerolog.Nop())
	ledgerRepo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	acctSvc := account.NewService(accounts, ledgerRepo)
	rules := distribution.NewRepository(db.Conn(), zerolog.Nop())
	svc := distribution.NewService(db.Conn(), rules, ledgerRepo, accounts, zerolog.Nop())

	primary := uuid.NewString()
	require.NoError(t, accounts.Create(context.Background(), &account.Account{ID: primary, Name: "primary-" + primary, Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary}))
	require.NoError(t, acctSvc.Deposit(context.Background(), primary, "USD", money.FromInt(1000)))

	mkChild := func(typ domain.AccountType) string {
		id := uuid.NewString()
		require.NoError(t, accounts.Create(context.Background(), &account.Account{ID: id, Name: string(typ) + "-" + id, Environment: domain.EnvironmentPaper, Type: typ, ParentAccountID: &primary}))
		return id
	}
	earnings := mkChild(domain.AccountTypeEarnings)
	tax := mkChild(domain.AccountTypeTaxReserve)
	reinvest := mkChild(domain.AccountTypeReinvestment)

	require.NoError(t, rules.Configure(context.Background(), &distribution.Rules{
		AccountID: primary, EarningsPct: mustPct("0.40"), TaxPct: mustPct("0.30"), ReinvestmentPct: mustPct("0.30"),
		MinimumThreshold: money.FromInt(100), ConfigurationPasswordHash: distribution.HashPassword("s3cret"),
	}))

	return &harness{accounts: accounts, ledger: ledgerRepo, rules: rules, svc: svc, primary: primary, earnings: earnings, tax: tax, reinvest: reinvest}
}

func mustPct(s string) money.Amount {
	a, err := money.FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestExecuteSplitsProfitAcrossChildren(t *testing.T) {
	h := newHarness(t)

	hist, err := h.svc.Execute(context.Background(), distribution.Plan{
		SourceAccountID: h.primary, Currency: "USD", OriginalAmount: money.FromInt(300),
		EarningsAccountID: h.earnings, TaxAccountID: h.tax, ReinvestmentAccountID: h.reinvest,
	})
	require.NoError(t, err)
	require.NotNil(t, hist.EarningsAmount)
	require.True(t, hist.EarningsAmount.Equal(money.FromInt(120)))
	require.True(t, hist.TaxAmount.Equal(money.FromInt(90)))
	require.True(t, hist.ReinvestmentAmount.Equal(money.FromInt(90)))

	earningsBal, err := h.ledger.ProjectBalance(context.Background(), h.earnings, "USD")
	require.NoError(t, err)
	require.True(t, earningsBal.Available.Equal(money.FromInt(120)))

	sourceBal, err := h.ledger.ProjectBalance(context.Background(), h.primary, "USD")
	require.NoError(t, err)
	require.True(t, sourceBal.Available.Equal(money.FromInt(700)))

	rows, err := h.rules.ForSourceAccount(context.Background(), h.primary)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestExecuteOmitsLegsThatRoundToZero(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rules.Configure(context.Background(), &distribution.Rules{
		AccountID: h.primary, EarningsPct: money.FromInt(1), TaxPct: money.Zero, ReinvestmentPct: money.Zero,
		MinimumThreshold: money.Zero, ConfigurationPasswordHash: distribution.HashPassword("s3cret"),
	}))

	hist, err := h.svc.Execute(context.Background(), distribution.Plan{
		SourceAccountID: h.primary, Currency: "USD", OriginalAmount: money.FromInt(50),
		EarningsAccountID: h.earnings, TaxAccountID: h.tax, ReinvestmentAccountID: h.reinvest,
	})
	require.NoError(t, err)
	require.Nil(t, hist.TaxAmount)
	require.Nil(t, hist.ReinvestmentAmount)
	require.True(t, hist.EarningsAmount.Equal(money.FromInt(50)))
}

func TestConfigureRejectsSplitNotSummingToOne(t *testing.T) {
	h := newHarness(t)
	err := h.rules.Configure(context.Background(), &distribution.Rules{
		AccountID: h.primary, EarningsPct: mustPct("0.5"), TaxPct: mustPct("0.2"), ReinvestmentPct: mustPct("0.2"),
		MinimumThreshold: money.Zero, ConfigurationPasswordHash: distribution.HashPassword("s3cret"),
	})
	require.Error(t, err)
}
