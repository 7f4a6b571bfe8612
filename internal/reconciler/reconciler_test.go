package reconciler_test

import (
	"context"
	"errors"
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
	"github.com/matiasvillaverde/trust/internal/reconciler"
	"github.com/matiasvillaverde/trust/internal/rule"
	"github.com/matiasvillaverde/trust/internal/store"
	"github.com/matiasvillaverde/trust/internal/trade"
)

func setup(t *testing.T) (*store.DB, string, string) {
	t.Helper()
	db, err := store.Open(store.Config{Path: "file::memory:?cache=shared", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	accounts := account.NewRepository(db.Conn(), zerolog.Nop())
	ledgerRepo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	acctSvc := account.NewService(accounts, ledgerRepo)
	accountID := uuid.NewString()
	require.NoError(t, accounts.Create(context.Background(), &account.Account{
		ID: accountID, Name: "primary-" + accountID, Environment: domain.EnvironmentPaper, Type: domain.AccountTypePrimary,
	}))
	require.NoError(t, acctSvc.Deposit(context.Background(), accountID, "USD", money.FromInt(100000)))

	vehicleID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = db.Conn().Exec(`INSERT INTO trading_vehicles (id, symbol, category, broker, created_at, updated_at) VALUES (?, 'ACME', 'stock', 'mock', ?, ?)`, vehicleID, now, now)
	require.NoError(t, err)

	return db, accountID, vehicleID
}

func TestReconcileOneAppliesClosedTargetAndIsIdempotent(t *testing.T) {
	db, accountID, vehicleID := setup(t)
	ledgerRepo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	tradesRepo := trade.NewRepository(db.Conn(), zerolog.Nop())
	rulesRepo := rule.NewRepository(db.Conn(), zerolog.Nop())
	levelsRepo := level.NewRepository(db.Conn(), zerolog.Nop())
	mockBroker := broker.NewMock()
	tradeSvc := trade.NewService(tradesRepo, ledgerRepo, rulesRepo, levelsRepo, mockBroker)
	recSvc := reconciler.NewService(db.Conn(), tradesRepo, ledgerRepo, mockBroker, zerolog.Nop())
	ctx := context.Background()

	tr, err := tradesRepo.Create(ctx, trade.Draft{
		AccountID: accountID, TradingVehicleID: vehicleID, Currency: "USD", Category: domain.TradeLong, Quantity: 10,
		Entry: money.FromInt(100), Stop: money.FromInt(90), Target: money.FromInt(130),
	})
	require.NoError(t, err)
	_, err = tradeSvc.Fund(ctx, tr.ID)
	require.NoError(t, err)
	submitted, err := tradeSvc.Submit(ctx, tr.ID)
	require.NoError(t, err)

	entryID := *submitted.Entry.BrokerOrderID
	stopID := *submitted.SafetyStop.BrokerOrderID
	targetID := *submitted.Target.BrokerOrderID

	mockBroker.QueueSync(tr.ID, broker.SyncResult{
		Status: domain.TradeClosedTarget,
		Orders: []broker.ReportedOrder{
			{LocalOrderID: entryID, Status: domain.OrderFilled, FilledQuantity: 10},
			{LocalOrderID: targetID, Status: domain.OrderFilled, FilledQuantity: 10},
			{LocalOrderID: stopID, Status: domain.OrderHeld},
		},
	})

	out, err := recSvc.ReconcileOne(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeClosedTarget, out.After)
	require.False(t, out.NoChange)

	closed, err := tradesRepo.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeClosedTarget, closed.Status)
	require.Equal(t, domain.OrderCanceled, closed.SafetyStop.Status)

	bal, err := ledgerRepo.ProjectBalance(ctx, accountID, "USD")
	require.NoError(t, err)
	// 1300 in proceeds returned, 1000 funding already moved to in-trade, net available = 100000 - 1000 + 1300.
	require.True(t, bal.Available.Equal(money.FromInt(100300)))
	// PaymentFromTrade posts the full net return (spec §4.6), so the
	// in-trade tracker nets to funding-minus-return for this trade: a
	// profitable close drives it negative here (-300), offset by future
	// fundings across the account.
	require.True(t, bal.InTrade.Equal(money.FromInt(-300)))

	// Reconciling again must be a no-op: the trade is now ClosedTarget, so
	// ReconcileOne returns before calling the broker and neither re-posts
	// nor re-errors.
	out2, err := recSvc.ReconcileOne(ctx, tr.ID)
	require.NoError(t, err)
	require.True(t, out2.NoChange)

	bal2, err := ledgerRepo.ProjectBalance(ctx, accountID, "USD")
	require.NoError(t, err)
	require.True(t, bal2.Available.Equal(bal.Available))
}

func TestReconcileOneFailsWholeSyncOnUnmatchedOrderID(t *testing.T) {
	db, accountID, vehicleID := setup(t)
	ledgerRepo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	tradesRepo := trade.NewRepository(db.Conn(), zerolog.Nop())
	rulesRepo := rule.NewRepository(db.Conn(), zerolog.Nop())
	levelsRepo := level.NewRepository(db.Conn(), zerolog.Nop())
	mockBroker := broker.NewMock()
	tradeSvc := trade.NewService(tradesRepo, ledgerRepo, rulesRepo, levelsRepo, mockBroker)
	recSvc := reconciler.NewService(db.Conn(), tradesRepo, ledgerRepo, mockBroker, zerolog.Nop())
	ctx := context.Background()

	tr, err := tradesRepo.Create(ctx, trade.Draft{
		AccountID: accountID, TradingVehicleID: vehicleID, Currency: "USD", Category: domain.TradeLong, Quantity: 10,
		Entry: money.FromInt(100), Stop: money.FromInt(90), Target: money.FromInt(130),
	})
	require.NoError(t, err)
	_, err = tradeSvc.Fund(ctx, tr.ID)
	require.NoError(t, err)
	submitted, err := tradeSvc.Submit(ctx, tr.ID)
	require.NoError(t, err)
	entryID := *submitted.Entry.BrokerOrderID

	// The entry leg matches and would normally apply fine; the second
	// reported order id matches none of the trade's three legs. The whole
	// sync must fail, and the entry leg's update must not have landed
	// either — no partial update persists.
	mockBroker.QueueSync(tr.ID, broker.SyncResult{
		Status: domain.TradePartiallyFilled,
		Orders: []broker.ReportedOrder{
			{LocalOrderID: entryID, Status: domain.OrderFilled, FilledQuantity: 10},
			{LocalOrderID: "not-a-real-broker-order-id", Status: domain.OrderFilled, FilledQuantity: 10},
		},
	})

	out, err := recSvc.ReconcileOne(ctx, tr.ID)
	require.Error(t, err)
	require.Nil(t, out)

	unchanged, err := tradesRepo.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeSubmitted, unchanged.Status)
	require.Equal(t, submitted.Entry.Status, unchanged.Entry.Status)
	require.NotEqual(t, domain.OrderFilled, unchanged.Entry.Status)

	bal, err := ledgerRepo.ProjectBalance(ctx, accountID, "USD")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(money.FromInt(99000)))
}

func TestReconcileOneRollsBackOnDownstreamFailure(t *testing.T) {
	db, accountID, vehicleID := setup(t)
	ledgerRepo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	tradesRepo := trade.NewRepository(db.Conn(), zerolog.Nop())
	rulesRepo := rule.NewRepository(db.Conn(), zerolog.Nop())
	levelsRepo := level.NewRepository(db.Conn(), zerolog.Nop())
	mockBroker := broker.NewMock()
	tradeSvc := trade.NewService(tradesRepo, ledgerRepo, rulesRepo, levelsRepo, mockBroker)
	recSvc := reconciler.NewService(db.Conn(), tradesRepo, ledgerRepo, mockBroker, zerolog.Nop())
	ctx := context.Background()

	tr, err := tradesRepo.Create(ctx, trade.Draft{
		AccountID: accountID, TradingVehicleID: vehicleID, Currency: "USD", Category: domain.TradeLong, Quantity: 10,
		Entry: money.FromInt(100), Stop: money.FromInt(90), Target: money.FromInt(130),
	})
	require.NoError(t, err)
	_, err = tradeSvc.Fund(ctx, tr.ID)
	require.NoError(t, err)
	submitted, err := tradeSvc.Submit(ctx, tr.ID)
	require.NoError(t, err)

	entryID := *submitted.Entry.BrokerOrderID
	stopID := *submitted.SafetyStop.BrokerOrderID
	targetID := *submitted.Target.BrokerOrderID

	mockBroker.QueueSync(tr.ID, broker.SyncResult{
		Status: domain.TradeClosedTarget,
		Orders: []broker.ReportedOrder{
			{LocalOrderID: entryID, Status: domain.OrderFilled, FilledQuantity: 10},
			{LocalOrderID: targetID, Status: domain.OrderFilled, FilledQuantity: 10},
			{LocalOrderID: stopID, Status: domain.OrderHeld},
		},
	})

	// Cancel the context the instant the broker call returns, before
	// apply()'s BeginTx/ExecContext calls run: this forces a genuine
	// downstream persistence failure after a successful broker sync,
	// simulating the case the atomicity guarantee exists for.
	syncCtx, cancel := context.WithCancel(context.Background())
	mockBroker.OnSyncTrade = func(string) { cancel() }

	out, err := recSvc.ReconcileOne(syncCtx, tr.ID)
	require.Error(t, err)
	require.Nil(t, out)

	readCtx := context.Background()
	unchanged, err := tradesRepo.Get(readCtx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeSubmitted, unchanged.Status)
	require.NotEqual(t, domain.OrderCanceled, unchanged.SafetyStop.Status)
	require.NotEqual(t, domain.OrderFilled, unchanged.Entry.Status)

	exists, err := ledgerRepo.ExistsForTrade(readCtx, tr.ID, domain.CategoryCloseTarget)
	require.NoError(t, err)
	require.False(t, exists)

	bal, err := ledgerRepo.ProjectBalance(readCtx, accountID, "USD")
	require.NoError(t, err)
	require.True(t, bal.Available.Equal(money.FromInt(99000)))
}

func TestReconcileOneIsNoOpOnTerminalTradeAndNeverCallsBroker(t *testing.T) {
	db, accountID, vehicleID := setup(t)
	ledgerRepo := ledger.NewRepository(db.Conn(), zerolog.Nop())
	tradesRepo := trade.NewRepository(db.Conn(), zerolog.Nop())
	mockBroker := broker.NewMock()
	recSvc := reconciler.NewService(db.Conn(), tradesRepo, ledgerRepo, mockBroker, zerolog.Nop())
	ctx := context.Background()

	tr, err := tradesRepo.Create(ctx, trade.Draft{
		AccountID: accountID, TradingVehicleID: vehicleID, Currency: "USD", Category: domain.TradeLong, Quantity: 10,
		Entry: money.FromInt(100), Stop: money.FromInt(90), Target: money.FromInt(130),
	})
	require.NoError(t, err)
	require.NoError(t, tradesRepo.SetStatus(ctx, tr.ID, domain.TradeCanceled))

	// If ReconcileOne called the broker despite the trade already being
	// terminal, this scripted failure would surface as an error.
	mockBroker.FailNext(tr.ID, errors.New("broker should not be called for a terminal trade"))

	out, err := recSvc.ReconcileOne(ctx, tr.ID)
	require.NoError(t, err)
	require.True(t, out.NoChange)
}
