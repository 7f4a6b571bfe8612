package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/matiasvillaverde/trust/internal/account"
	"github.com/matiasvillaverde/trust/internal/broker"
	"github.com/matiasvillaverde/trust/internal/distribution"
	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/facade"
	"github.com/matiasvillaverde/trust/internal/ledger"
	"github.com/matiasvillaverde/trust/internal/level"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/reconciler"
	"github.com/matiasvillaverde/trust/internal/rule"
	"github.com/matiasvillaverde/trust/internal/server"
	"github.com/matiasvillaverde/trust/internal/store"
	"github.com/matiasvillaverde/trust/internal/trade"
	"github.com/matiasvillaverde/trust/internal/vehicle"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	db, err := store.Open(store.Config{Path: "file::memory:?cache=shared", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	accounts := account.NewRepository(db.Conn(), zerolog.Nop())
	ledgerRepo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	acctSvc := account.NewService(accounts, ledgerRepo)
	rules := rule.NewRepository(db.Conn(), zerolog.Nop())
	vehicles := vehicle.NewRepository(db.Conn(), zerolog.Nop())
	trades := trade.NewRepository(db.Conn(), zerolog.Nop())
	levels := level.NewRepository(db.Conn(), zerolog.Nop())
	mock := broker.NewMock()
	tradeSvc := trade.NewService(trades, ledgerRepo, rules, levels, mock)
	recon := reconciler.NewService(db.Conn(), trades, ledgerRepo, mock, zerolog.Nop())
	distRules := distribution.NewRepository(db.Conn(), zerolog.Nop())
	distSvc := distribution.NewService(db.Conn(), distRules, ledgerRepo, accounts, zerolog.Nop())

	f := facade.New(facade.Deps{
		Accounts: accounts, AccountService: acctSvc, Ledger: ledgerRepo, Rules: rules, Vehicles: vehicles,
		Trades: trades, TradeService: tradeSvc, Levels: levels, Reconciler: recon,
		DistributionRules: distRules, DistributionService: distSvc,
		Log: zerolog.Nop(),
	})

	accountID := uuid.NewString()
	require.NoError(t, f.CreateAccount(context.Background(), facade.NewMutationToken(), &account.Account{
		ID: accountID, Name: "srv-" + accountID, Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary,
	}))
	require.NoError(t, f.Deposit(context.Background(), facade.NewMutationToken(), accountID, "USD", money.FromInt(250)))

	srv := server.New(server.Config{Log: zerolog.Nop(), Store: db, Facade: f, Port: 0})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, accountID
}

func TestHealthReportsHealthy(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
}

func TestGetAccountBalanceReflectsDeposit(t *testing.T) {
	ts, accountID := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/accounts/" + accountID + "/balance?currency=USD")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "250", body["TotalAvailable"])
}

func TestOpenPositionsEmptyWhenNoTrades(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/positions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body []interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Empty(t, body)
}
