package rule_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/matiasvillaverde/trust/internal/account"
	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/rule"
	"github.com/matiasvillaverde/trust/internal/store"
)

func newTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(store.Config{Path: "file::memory:?cache=shared", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedAccount(t *testing.T, db *store.DB, id string) {
	t.Helper()
	repo := account.NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, repo.Create(context.Background(), &account.Account{
		ID: id, Name: id, Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary,
	}))
}

func TestCreateRejectsOutOfRangePercentage(t *testing.T) {
	db := newTestStore(t)
	seedAccount(t, db, "acct-1")
	repo := rule.NewRepository(db.Conn(), zerolog.Nop())

	pct := money.FromInt(150)
	err := repo.Create(context.Background(), &rule.Rule{
		AccountID: "acct-1", Name: domain.RuleRiskPerTrade, RiskPct: pct, Level: domain.RuleLevelError,
	})
	require.Error(t, err)

	neg, _ := money.FromString("-1")
	err = repo.Create(context.Background(), &rule.Rule{
		AccountID: "acct-1", Name: domain.RuleRiskPerTrade, RiskPct: neg, Level: domain.RuleLevelError,
	})
	require.Error(t, err)
}

func TestCreateDeactivatesPriorActiveOfSameVariant(t *testing.T) {
	db := newTestStore(t)
	seedAccount(t, db, "acct-1")
	repo := rule.NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &rule.Rule{
		AccountID: "acct-1", Name: domain.RuleRiskPerTrade, RiskPct: money.FromInt(2), Level: domain.RuleLevelError,
	}))
	active, err := repo.ActiveRule(ctx, "acct-1", domain.RuleRiskPerTrade)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.True(t, active.RiskPct.Equal(money.FromInt(2)))
	firstID := active.ID

	require.NoError(t, repo.Create(ctx, &rule.Rule{
		AccountID: "acct-1", Name: domain.RuleRiskPerTrade, RiskPct: money.FromInt(5), Level: domain.RuleLevelError,
	}))
	active, err = repo.ActiveRule(ctx, "acct-1", domain.RuleRiskPerTrade)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.True(t, active.RiskPct.Equal(money.FromInt(5)))
	require.NotEqual(t, firstID, active.ID)
}

func TestDifferentVariantsCoexist(t *testing.T) {
	db := newTestStore(t)
	seedAccount(t, db, "acct-1")
	repo := rule.NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &rule.Rule{
		AccountID: "acct-1", Name: domain.RuleRiskPerTrade, RiskPct: money.FromInt(2), Level: domain.RuleLevelError,
	}))
	require.NoError(t, repo.Create(ctx, &rule.Rule{
		AccountID: "acct-1", Name: domain.RuleRiskPerMonth, RiskPct: money.FromInt(6), Level: domain.RuleLevelError,
	}))

	perTrade, err := repo.ActiveRule(ctx, "acct-1", domain.RuleRiskPerTrade)
	require.NoError(t, err)
	require.NotNil(t, perTrade)

	perMonth, err := repo.ActiveRule(ctx, "acct-1", domain.RuleRiskPerMonth)
	require.NoError(t, err)
	require.NotNil(t, perMonth)
}

func TestDeactivate(t *testing.T) {
	db := newTestStore(t)
	seedAccount(t, db, "acct-1")
	repo := rule.NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &rule.Rule{
		AccountID: "acct-1", Name: domain.RuleRiskPerTrade, RiskPct: money.FromInt(2), Level: domain.RuleLevelError,
	}))
	active, err := repo.ActiveRule(ctx, "acct-1", domain.RuleRiskPerTrade)
	require.NoError(t, err)
	require.NotNil(t, active)

	require.NoError(t, repo.Deactivate(ctx, active.ID))

	active, err = repo.ActiveRule(ctx, "acct-1", domain.RuleRiskPerTrade)
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestActiveRuleReturnsNilWhenNoneSet(t *testing.T) {
	db := newTestStore(t)
	seedAccount(t, db, "acct-1")
	repo := rule.NewRepository(db.Conn(), zerolog.Nop())

	active, err := repo.ActiveRule(context.Background(), "acct-1", domain.RuleRiskPerTrade)
	require.NoError(t, err)
	require.Nil(t, active)
}
