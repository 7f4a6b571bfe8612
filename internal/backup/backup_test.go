package backup_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/matiasvillaverde/trust/internal/account"
	"github.com/matiasvillaverde/trust/internal/backup"
	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/store"
)

func newTestStore(t *testing.T) *store.DB {
	t.Helper()
	// A uniquely named in-memory database per store: tests here open two
	// stores at once and need them independent, which one shared
	// "file::memory:" name would not give them.
	db, err := store.Open(store.Config{Path: "file:" + uuid.NewString() + "?mode=memory&cache=shared", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestExportRoundTripsThroughImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	accounts := account.NewRepository(src.Conn(), zerolog.Nop())
	require.NoError(t, accounts.Create(ctx, &account.Account{
		ID: "acct-1", Name: "Primary", Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary,
		TaxesPct: money.Zero, EarningsPct: money.Zero,
	}))

	svc := backup.NewService(src, zerolog.Nop())
	env, err := svc.Export(ctx)
	require.NoError(t, err)
	require.Equal(t, backup.Format, env.Format)
	require.Len(t, env.Tables["accounts"], 1)
	require.Equal(t, "acct-1", env.Tables["accounts"][0]["id"])

	dst := newTestStore(t)
	dstSvc := backup.NewService(dst, zerolog.Nop())
	report, err := dstSvc.Import(ctx, env, backup.ImportOptions{Mode: backup.ModeStrict})
	require.NoError(t, err)
	require.Equal(t, uint64(1), report.InsertedRows)

	got, err := account.NewRepository(dst.Conn(), zerolog.Nop()).Get(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "Primary", got.Name)
}

func TestImportStrictRejectsNonEmptyDatabase(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	accounts := account.NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, accounts.Create(ctx, &account.Account{
		ID: "acct-1", Name: "Primary", Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary,
		TaxesPct: money.Zero, EarningsPct: money.Zero,
	}))

	svc := backup.NewService(db, zerolog.Nop())
	env, err := svc.Export(ctx)
	require.NoError(t, err)

	_, err = svc.Import(ctx, env, backup.ImportOptions{Mode: backup.ModeStrict})
	require.Error(t, err)
}

func TestImportReplaceClearsExistingRows(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	accounts := account.NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, accounts.Create(ctx, &account.Account{
		ID: "acct-old", Name: "Old", Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary,
		TaxesPct: money.Zero, EarningsPct: money.Zero,
	}))

	other := newTestStore(t)
	otherAccounts := account.NewRepository(other.Conn(), zerolog.Nop())
	require.NoError(t, otherAccounts.Create(ctx, &account.Account{
		ID: "acct-new", Name: "New", Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary,
		TaxesPct: money.Zero, EarningsPct: money.Zero,
	}))
	env, err := backup.NewService(other, zerolog.Nop()).Export(ctx)
	require.NoError(t, err)

	report, err := backup.NewService(db, zerolog.Nop()).Import(ctx, env, backup.ImportOptions{Mode: backup.ModeReplace})
	require.NoError(t, err)
	require.Equal(t, uint64(1), report.ClearedRows)
	require.Equal(t, uint64(1), report.InsertedRows)

	cleared, err := accounts.Get(ctx, "acct-old")
	require.NoError(t, err)
	require.Nil(t, cleared)

	got, err := accounts.Get(ctx, "acct-new")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestImportRejectsMismatchedFormat(t *testing.T) {
	db := newTestStore(t)
	svc := backup.NewService(db, zerolog.Nop())
	env, err := svc.Export(context.Background())
	require.NoError(t, err)
	env.Format = "something-else"

	_, err = svc.Import(context.Background(), env, backup.ImportOptions{Mode: backup.ModeReplace})
	require.Error(t, err)
}

func TestDryRunImportWritesNothing(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	svc := backup.NewService(db, zerolog.Nop())
	env, err := svc.Export(ctx)
	require.NoError(t, err)

	report, err := svc.Import(ctx, env, backup.ImportOptions{Mode: backup.ModeReplace, DryRun: true})
	require.NoError(t, err)
	require.Equal(t, backup.ImportReport{}, *report)
}
