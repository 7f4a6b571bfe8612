// Package trade implements the Trade Lifecycle Engine (C6): the state
// machine governing a trade from draft through funding, submission,
// fill, close and cancellation, and the three child orders (entry, stop,
// target) each trade owns. See spec §4.6 for the transition matrix this
// package enforces exhaustively.
package trade

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// Order is one of a trade's three child orders.
type Order struct {
	ID                  string
	BrokerOrderID       *string
	UnitPrice           money.Amount
	Currency            domain.Currency
	Quantity            int64
	Category            domain.OrderCategory
	Action              domain.OrderAction
	Status              domain.OrderStatus
	TimeInForce         domain.TimeInForce
	FilledQuantity      int64
	AverageFilledPrice  *money.Amount
	SubmittedAt, FilledAt, ExpiredAt, CancelledAt, ClosedAt *time.Time
}

// Balance is the per-trade projection described in spec §3.
type Balance struct {
	Currency          domain.Currency
	Funding           money.Amount
	CapitalInMarket   money.Amount
	CapitalOutMarket  money.Amount
	Taxed             money.Amount
	TotalPerformance  money.Amount
}

// Trade is the aggregate root: a draft through a terminal state, always
// owning exactly three orders.
type Trade struct {
	ID               string
	AccountID        string
	TradingVehicleID string
	Currency         domain.Currency
	Category         domain.TradeCategory
	Status           domain.TradeStatus
	Entry            Order
	SafetyStop       Order
	Target           Order
	Balance          Balance
	Thesis, Sector, AssetClass, Context *string
}

// Draft is the input to Create.
type Draft struct {
	AccountID        string
	TradingVehicleID string
	Currency         domain.Currency
	Category         domain.TradeCategory
	Quantity         int64
	Entry, Stop, Target money.Amount
	Thesis, Sector, AssetClass, Context *string
}

// Validate enforces the entry/stop/target price-ordering and
// zero-risk/zero-reward invariants at creation (spec §4.6, §9 open
// question 4): Long requires stop < entry < target; Short requires
// target < entry < stop. Equal prices anywhere in the triple are
// rejected outright since they would produce a zero-risk or zero-reward
// trade.
func (d Draft) Validate() error {
	if d.Quantity <= 0 {
		return trusterr.Validation("trade.Create", "quantity must be positive")
	}
	switch d.Category {
	case domain.TradeLong:
		if !(d.Stop.LessThan(d.Entry) && d.Entry.LessThan(d.Target)) {
			return trusterr.Validation("trade.Create", "long trade requires stop < entry < target")
		}
	case domain.TradeShort:
		if !(d.Target.LessThan(d.Entry) && d.Entry.LessThan(d.Stop)) {
			return trusterr.Validation("trade.Create", "short trade requires target < entry < stop")
		}
	default:
		return trusterr.Validation("trade.Create", "unknown trade category %q", d.Category)
	}
	return nil
}

// WorstCaseLoss is |entry - stop| * quantity, the dollar amount at risk
// if the stop fills at price (glossary: Worst-case loss).
func (d Draft) WorstCaseLoss() money.Amount {
	diff := d.Entry.Sub(d.Stop).Abs()
	return diff.Mul(money.FromInt(d.Quantity))
}

// fundingPrice is the price funding is computed against: entry for Long,
// stop for Short (spec §4.6 fund contract).
func (t *Trade) fundingPrice() money.Amount {
	if t.Category == domain.TradeLong {
		return t.Entry.UnitPrice
	}
	return t.SafetyStop.UnitPrice
}

// Repository persists trades and their orders/balances.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository builds a Repository bound to db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("component", "trade_repo").Logger()}
}

// Create persists three new orders, a zeroed balance row, and a trade in
// New, after validating the draft.
func (r *Repository) Create(ctx context.Context, d Draft) (*Trade, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	entry := newOrder(d.Currency, d.Entry, d.Quantity, domain.OrderLimit, entryAction(d.Category))
	stop := newOrder(d.Currency, d.Stop, d.Quantity, domain.OrderStop, exitAction(d.Category))
	target := newOrder(d.Currency, d.Target, d.Quantity, domain.OrderLimit, exitAction(d.Category))

	balance := Balance{Currency: d.Currency, Funding: money.Zero, CapitalInMarket: money.Zero, CapitalOutMarket: money.Zero, Taxed: money.Zero, TotalPerformance: money.Zero}

	t := &Trade{
		ID: uuid.NewString(), AccountID: d.AccountID, TradingVehicleID: d.TradingVehicleID, Currency: d.Currency,
		Category: d.Category, Status: domain.TradeNew, Entry: entry, SafetyStop: stop, Target: target, Balance: balance,
		Thesis: d.Thesis, Sector: d.Sector, AssetClass: d.AssetClass, Context: d.Context,
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for _, o := range []*Order{&t.Entry, &t.SafetyStop, &t.Target} {
			if err := insertOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		balanceID := uuid.NewString()
		now := nowStr()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trades_balances (id, currency, funding, capital_in_market, capital_out_market, taxed, total_performance, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			balanceID, string(balance.Currency), balance.Funding.String(), balance.CapitalInMarket.String(), balance.CapitalOutMarket.String(), balance.Taxed.String(), balance.TotalPerformance.String(), now, now); err != nil {
			return trusterr.Persistence("trade.Create", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trades (id, account_id, trading_vehicle_id, currency, category, status, entry_id, safety_stop_id, target_id, balance_id, thesis, sector, asset_class, context, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.AccountID, t.TradingVehicleID, string(t.Currency), string(t.Category), string(t.Status),
			t.Entry.ID, t.SafetyStop.ID, t.Target.ID, balanceID, t.Thesis, t.Sector, t.AssetClass, t.Context, now, now); err != nil {
			return trusterr.Persistence("trade.Create", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("trade_id", t.ID).Str("category", string(t.Category)).Msg("trade created")
	return t, nil
}

func entryAction(cat domain.TradeCategory) domain.OrderAction {
	if cat == domain.TradeLong {
		return domain.ActionBuy
	}
	return domain.ActionSell
}

func exitAction(cat domain.TradeCategory) domain.OrderAction {
	if cat == domain.TradeLong {
		return domain.ActionSell
	}
	return domain.ActionBuy
}

func newOrder(currency domain.Currency, price money.Amount, qty int64, cat domain.OrderCategory, action domain.OrderAction) Order {
	return Order{ID: uuid.NewString(), UnitPrice: price, Currency: currency, Quantity: qty, Category: cat, Action: action, Status: domain.OrderNew, TimeInForce: domain.TimeInForceDay}
}

func insertOrder(ctx context.Context, tx *sql.Tx, o *Order) error {
	now := nowStr()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, broker_order_id, unit_price, currency, quantity, category, action, status, time_in_force, filled_quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		o.ID, o.BrokerOrderID, o.UnitPrice.String(), string(o.Currency), o.Quantity, string(o.Category), string(o.Action), string(o.Status), string(o.TimeInForce), now, now)
	if err != nil {
		return trusterr.Persistence("trade.insertOrder", err)
	}
	return nil
}

func nowStr() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (r *Repository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return trusterr.Persistence("trade.withTx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return trusterr.Persistence("trade.withTx", err)
	}
	return nil
}

// Get loads a trade with its orders and balance.
func (r *Repository) Get(ctx context.Context, id string) (*Trade, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, trading_vehicle_id, currency, category, status, entry_id, safety_stop_id, target_id, balance_id, thesis, sector, asset_class, context
		FROM trades WHERE id = ? AND deleted_at IS NULL`, id)
	var t Trade
	var category, status, currency string
	var entryID, stopID, targetID, balanceID string
	if err := row.Scan(&t.ID, &t.AccountID, &t.TradingVehicleID, &currency, &category, &status, &entryID, &stopID, &targetID, &balanceID, &t.Thesis, &t.Sector, &t.AssetClass, &t.Context); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, trusterr.Persistence("trade.Get", err)
	}
	t.Currency = domain.Currency(currency)
	t.Category = domain.TradeCategory(category)
	t.Status = domain.TradeStatus(status)

	entry, err := r.getOrder(ctx, entryID)
	if err != nil {
		return nil, err
	}
	stop, err := r.getOrder(ctx, stopID)
	if err != nil {
		return nil, err
	}
	target, err := r.getOrder(ctx, targetID)
	if err != nil {
		return nil, err
	}
	t.Entry, t.SafetyStop, t.Target = *entry, *stop, *target

	bal, err := r.getBalance(ctx, balanceID)
	if err != nil {
		return nil, err
	}
	t.Balance = *bal
	return &t, nil
}

func (r *Repository) getOrder(ctx context.Context, id string) (*Order, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, broker_order_id, unit_price, currency, quantity, category, action, status, time_in_force, filled_quantity, average_filled_price
		FROM orders WHERE id = ?`, id)
	var o Order
	var brokerID sql.NullString
	var price, currency, category, action, status, tif string
	var avgPrice sql.NullString
	if err := row.Scan(&o.ID, &brokerID, &price, &currency, &o.Quantity, &category, &action, &status, &tif, &o.FilledQuantity, &avgPrice); err != nil {
		return nil, trusterr.Persistence("trade.getOrder", err)
	}
	if brokerID.Valid {
		v := brokerID.String
		o.BrokerOrderID = &v
	}
	amt, err := money.FromString(price)
	if err != nil {
		return nil, trusterr.Invariant("trade.getOrder", "corrupt unit_price: %v", err)
	}
	o.UnitPrice = amt
	o.Currency = domain.Currency(currency)
	o.Category = domain.OrderCategory(category)
	o.Action = domain.OrderAction(action)
	o.Status = domain.OrderStatus(status)
	o.TimeInForce = domain.TimeInForce(tif)
	if avgPrice.Valid {
		a, err := money.FromString(avgPrice.String)
		if err != nil {
			return nil, trusterr.Invariant("trade.getOrder", "corrupt average_filled_price: %v", err)
		}
		o.AverageFilledPrice = &a
	}
	return &o, nil
}

func (r *Repository) getBalance(ctx context.Context, id string) (*Balance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT currency, funding, capital_in_market, capital_out_market, taxed, total_performance
		FROM trades_balances WHERE id = ?`, id)
	var b Balance
	var currency, funding, inMarket, outMarket, taxed, perf string
	if err := row.Scan(&currency, &funding, &inMarket, &outMarket, &taxed, &perf); err != nil {
		return nil, trusterr.Persistence("trade.getBalance", err)
	}
	b.Currency = domain.Currency(currency)
	var err error
	if b.Funding, err = money.FromString(funding); err != nil {
		return nil, trusterr.Invariant("trade.getBalance", "corrupt funding: %v", err)
	}
	if b.CapitalInMarket, err = money.FromString(inMarket); err != nil {
		return nil, trusterr.Invariant("trade.getBalance", "corrupt capital_in_market: %v", err)
	}
	if b.CapitalOutMarket, err = money.FromString(outMarket); err != nil {
		return nil, trusterr.Invariant("trade.getBalance", "corrupt capital_out_market: %v", err)
	}
	if b.Taxed, err = money.FromString(taxed); err != nil {
		return nil, trusterr.Invariant("trade.getBalance", "corrupt taxed: %v", err)
	}
	if b.TotalPerformance, err = money.FromString(perf); err != nil {
		return nil, trusterr.Invariant("trade.getBalance", "corrupt total_performance: %v", err)
	}
	return &b, nil
}

func (r *Repository) setStatus(ctx context.Context, tx *sql.Tx, tradeID string, status domain.TradeStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE trades SET status = ?, updated_at = ? WHERE id = ?`, string(status), nowStr(), tradeID)
	if err != nil {
		return trusterr.Persistence("trade.setStatus", err)
	}
	return nil
}

func (r *Repository) updateBalance(ctx context.Context, tx *sql.Tx, balanceID string, b Balance) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE trades_balances SET funding = ?, capital_in_market = ?, capital_out_market = ?, taxed = ?, total_performance = ?, updated_at = ?
		WHERE id = ?`,
		b.Funding.String(), b.CapitalInMarket.String(), b.CapitalOutMarket.String(), b.Taxed.String(), b.TotalPerformance.String(), nowStr(), balanceID)
	if err != nil {
		return trusterr.Persistence("trade.updateBalance", err)
	}
	return nil
}

func (r *Repository) updateOrderStatus(ctx context.Context, tx *sql.Tx, orderID string, status domain.OrderStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`, string(status), nowStr(), orderID)
	if err != nil {
		return trusterr.Persistence("trade.updateOrderStatus", err)
	}
	return nil
}

func (r *Repository) updateOrderBrokerID(ctx context.Context, tx *sql.Tx, orderID string, brokerID string, status domain.OrderStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE orders SET broker_order_id = ?, status = ?, updated_at = ? WHERE id = ?`, brokerID, string(status), nowStr(), orderID)
	if err != nil {
		return trusterr.Persistence("trade.updateOrderBrokerID", err)
	}
	return nil
}

// balanceRowID looks up the trades_balances id for a trade, needed since
// Trade itself only carries the embedded Balance value, not its row id.
func (r *Repository) balanceRowID(ctx context.Context, tradeID string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT balance_id FROM trades WHERE id = ?`, tradeID).Scan(&id)
	if err != nil {
		return "", trusterr.Persistence("trade.balanceRowID", err)
	}
	return id, nil
}

// SetStatus updates a trade's status in its own transaction, for callers
// outside this package (the reconciler) that only need a single-field
// update rather than a multi-step atomic sequence.
func (r *Repository) SetStatus(ctx context.Context, tradeID string, status domain.TradeStatus) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.setStatus(ctx, tx, tradeID, status)
	})
}

// SetOrderStatus updates one order's status in its own transaction.
func (r *Repository) SetOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.updateOrderStatus(ctx, tx, orderID, status)
	})
}

// SetStatusTx is SetStatus scoped to a transaction the caller already
// owns, so a multi-table atomic pass (the reconciler's order updates,
// ledger postings and trade-status transition) shares one savepoint
// instead of committing each write independently.
func (r *Repository) SetStatusTx(ctx context.Context, tx *sql.Tx, tradeID string, status domain.TradeStatus) error {
	return r.setStatus(ctx, tx, tradeID, status)
}

// SetOrderStatusTx is SetOrderStatus scoped to a transaction the caller
// already owns.
func (r *Repository) SetOrderStatusTx(ctx context.Context, tx *sql.Tx, orderID string, status domain.OrderStatus) error {
	return r.updateOrderStatus(ctx, tx, orderID, status)
}

// MarkFilled forces a trade and its entry order directly to Filled,
// bypassing the broker. Used by tests that need a Filled trade without
// driving a full reconciliation cycle; the reconciler does not call it.
func (r *Repository) MarkFilled(ctx context.Context, tradeID string) error {
	t, err := r.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if t == nil {
		return trusterr.Validation("trade.MarkFilled", "trade %s does not exist", tradeID)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := r.updateOrderStatus(ctx, tx, t.Entry.ID, domain.OrderFilled); err != nil {
			return err
		}
		return r.setStatus(ctx, tx, tradeID, domain.TradeFilled)
	})
}
