package trade_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/matiasvillaverde/trust/internal/account"
	"github.com/matiasvillaverde/trust/internal/broker"
	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/ledger"
	"github.com/matiasvillaverde/trust/internal/level"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/rule"
	"github.com/matiasvillaverde/trust/internal/store"
	"github.com/matiasvillaverde/trust/internal/trade"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

func newTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(store.Config{Path: "file::memory:?cache=shared", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedVehicle(t *testing.T, db *store.DB) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Conn().Exec(`
		INSERT INTO trading_vehicles (id, symbol, category, broker, created_at, updated_at)
		VALUES (?, 'ACME', 'stock', 'mock', ?, ?)`, id, now, now)
	require.NoError(t, err)
	return id
}

type harness struct {
	db      *store.DB
	trades  *trade.Repository
	svc     *trade.Service
	ledger  *ledger.Repository
	rules   *rule.Repository
	levels  *level.Repository
	mock    *broker.Mock
	vehicle string
	account string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestStore(t)
	accounts := account.NewRepository(db.Conn(), zerolog.Nop())
	ledgerRepo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	acctSvc := account.NewService(accounts, ledgerRepo)

	accountID := uuid.NewString()
	require.NoError(t, accounts.Create(context.Background(), &account.Account{
		ID: accountID, Name: "primary-" + accountID, Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary,
	}))
	require.NoError(t, acctSvc.Deposit(context.Background(), accountID, "USD", money.FromInt(100000)))

	tradesRepo := trade.NewRepository(db.Conn(), zerolog.Nop())
	rulesRepo := rule.NewRepository(db.Conn(), zerolog.Nop())
	levelsRepo := level.NewRepository(db.Conn(), zerolog.Nop())
	mockBroker := broker.NewMock()
	svc := trade.NewService(tradesRepo, ledgerRepo, rulesRepo, levelsRepo, mockBroker)

	return &harness{
		db: db, trades: tradesRepo, svc: svc, ledger: ledgerRepo, rules: rulesRepo, levels: levelsRepo,
		mock: mockBroker, vehicle: seedVehicle(t, db), account: accountID,
	}
}

func (h *harness) createDraft(t *testing.T, category domain.TradeCategory, qty int64) *trade.Trade {
	t.Helper()
	var d trade.Draft
	switch category {
	case domain.TradeLong:
		d = trade.Draft{
			AccountID: h.account, TradingVehicleID: h.vehicle, Currency: "USD", Category: category, Quantity: qty,
			Entry: money.FromInt(100), Stop: money.FromInt(90), Target: money.FromInt(130),
		}
	case domain.TradeShort:
		d = trade.Draft{
			AccountID: h.account, TradingVehicleID: h.vehicle, Currency: "USD", Category: category, Quantity: qty,
			Entry: money.FromInt(100), Stop: money.FromInt(110), Target: money.FromInt(70),
		}
	}
	tr, err := h.trades.Create(context.Background(), d)
	require.NoError(t, err)
	return tr
}

func TestDraftValidateRejectsZeroRiskAndBadOrdering(t *testing.T) {
	long := trade.Draft{Category: domain.TradeLong, Quantity: 1, Entry: money.FromInt(100), Stop: money.FromInt(100), Target: money.FromInt(120)}
	require.Error(t, long.Validate())

	short := trade.Draft{Category: domain.TradeShort, Quantity: 1, Entry: money.FromInt(100), Stop: money.FromInt(90), Target: money.FromInt(80)}
	require.Error(t, short.Validate())
}

func TestFundLongTradePostsFundTradeAndTransitionsToFunded(t *testing.T) {
	h := newHarness(t)
	tr := h.createDraft(t, domain.TradeLong, 10)

	funded, err := h.svc.Fund(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeFunded, funded.Status)
	require.True(t, funded.Balance.Funding.Equal(money.FromInt(1000)))

	bal, err := h.ledger.ProjectBalance(context.Background(), h.account, "USD")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(money.FromInt(99000)))
	require.True(t, bal.InTrade.Equal(money.FromInt(1000)))
}

func TestFundRejectsDoubleFund(t *testing.T) {
	h := newHarness(t)
	tr := h.createDraft(t, domain.TradeLong, 10)

	_, err := h.svc.Fund(context.Background(), tr.ID)
	require.NoError(t, err)

	_, err = h.svc.Fund(context.Background(), tr.ID)
	require.Error(t, err)
	require.True(t, trusterr.Is(err, trusterr.KindStateMachine))
}

func TestFundVetoesWhenRiskPerTradeExceeded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rules.Create(context.Background(), &rule.Rule{
		AccountID: h.account, Name: domain.RuleRiskPerTrade, RiskPct: money.FromInt(1), Level: domain.RuleLevelError,
	}))

	// worst case loss = (100-90)*10 = 1000, equity = 100000, cap at 1% = 1000: exactly at the boundary passes.
	tr := h.createDraft(t, domain.TradeLong, 10)
	_, err := h.svc.Fund(context.Background(), tr.ID)
	require.NoError(t, err)

	// A second trade on the same account now pushes the aggregate RiskPerMonth-equivalent risk past
	// the single-trade cap (RiskPerTrade applies per-trade, so this verifies a second trade with a
	// larger worst-case loss is itself vetoed at 1%).
	big := h.createDraft(t, domain.TradeLong, 10000)
	_, err = h.svc.Fund(context.Background(), big.ID)
	require.Error(t, err)
	require.True(t, trusterr.Is(err, trusterr.KindRiskVeto))
}

func TestFundRejectsQuantityAboveLevelAdjustedCapForShort(t *testing.T) {
	h := newHarness(t)
	tr := h.createDraft(t, domain.TradeShort, 1000000)

	_, err := h.svc.Fund(context.Background(), tr.ID)
	require.Error(t, err)
	require.True(t, trusterr.Is(err, trusterr.KindRiskVeto))
}

func TestSubmitAndCancelSubmittedReturnsFundsAndCancelsWithBroker(t *testing.T) {
	h := newHarness(t)
	tr := h.createDraft(t, domain.TradeLong, 10)

	_, err := h.svc.Fund(context.Background(), tr.ID)
	require.NoError(t, err)

	submitted, err := h.svc.Submit(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeSubmitted, submitted.Status)
	require.NotNil(t, submitted.Entry.BrokerOrderID)

	canceled, err := h.svc.CancelSubmitted(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeCanceled, canceled.Status)

	bal, err := h.ledger.ProjectBalance(context.Background(), h.account, "USD")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(money.FromInt(100000)))
	require.True(t, bal.InTrade.IsZero())
}

func TestCancelSubmittedOnNonSubmittedTradeReturnsStateMachineError(t *testing.T) {
	h := newHarness(t)
	tr := h.createDraft(t, domain.TradeLong, 10)

	_, err := h.svc.CancelSubmitted(context.Background(), tr.ID)
	require.Error(t, err)
	require.True(t, trusterr.Is(err, trusterr.KindStateMachine))
}

func TestCloseTradeManualCloseLandsInCanceled(t *testing.T) {
	h := newHarness(t)
	tr := h.createDraft(t, domain.TradeLong, 10)

	_, err := h.svc.Fund(context.Background(), tr.ID)
	require.NoError(t, err)
	_, err = h.svc.Submit(context.Background(), tr.ID)
	require.NoError(t, err)

	// Simulate a broker fill by directly moving the trade to Filled via the
	// repository, mirroring what the reconciler would otherwise do.
	require.NoError(t, h.trades.MarkFilled(context.Background(), tr.ID))

	closed, err := h.svc.CloseTrade(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeCanceled, closed.Status)
	require.Equal(t, domain.OrderCanceled, closed.SafetyStop.Status)
}

func TestModifyStopRejectsLooseningForLong(t *testing.T) {
	h := newHarness(t)
	tr := h.createDraft(t, domain.TradeLong, 10)
	_, err := h.svc.Fund(context.Background(), tr.ID)
	require.NoError(t, err)
	_, err = h.svc.Submit(context.Background(), tr.ID)
	require.NoError(t, err)
	require.NoError(t, h.trades.MarkFilled(context.Background(), tr.ID))

	_, err = h.svc.ModifyStop(context.Background(), tr.ID, money.FromInt(80))
	require.Error(t, err)

	tightened, err := h.svc.ModifyStop(context.Background(), tr.ID, money.FromInt(95))
	require.NoError(t, err)
	require.True(t, tightened.SafetyStop.UnitPrice.Equal(money.FromInt(95)))
}

func TestBrokerFailureLeavesTradeUnchanged(t *testing.T) {
	h := newHarness(t)
	tr := h.createDraft(t, domain.TradeLong, 10)
	_, err := h.svc.Fund(context.Background(), tr.ID)
	require.NoError(t, err)

	h.mock.FailNext(tr.ID, assertErr)
	_, err = h.svc.Submit(context.Background(), tr.ID)
	require.Error(t, err)

	still, err := h.trades.Get(context.Background(), tr.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeFunded, still.Status)
}

var assertErr = trusterr.Broker("test", context.DeadlineExceeded)
