// Package broker defines the abstract outbound interface to a live or
// mock broker (C7). The core never talks HTTP directly: every submit,
// sync, close, cancel, modify-stop and modify-target call goes through
// Port, so the trade and reconciler packages can run identically against
// an HTTP-backed implementation or the in-memory Mock used by tests.
// Grounded on the teacher's tradernet Client/SDKClient split
// (internal/clients/tradernet/client.go): a narrow interface wraps an
// SDK/HTTP client, and a second constructor injects a fake for tests.
package broker

import (
	"context"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/money"
)

// OrderIDs are the broker-assigned ids for a submitted bracket.
type OrderIDs struct {
	Entry  string
	Target string
	Stop   string
}

// ReportedOrder is one order as the broker currently sees it, the input
// the reconciler matches against local order ids.
type ReportedOrder struct {
	LocalOrderID       string
	Status             domain.OrderStatus
	FilledQuantity     int64
	AverageFilledPrice *money.Amount
}

// SyncResult is what a sync call reports for one trade.
type SyncResult struct {
	Status domain.TradeStatus
	Orders []ReportedOrder
	Log    string
}

// TradeView is the minimal read-only trade shape the port needs; trade.Trade
// satisfies this, letting broker avoid importing the trade package (which
// imports broker for its facade wiring) and keeping the dependency
// direction leaf-ward, per spec §2's dependency order.
type TradeView struct {
	ID         string
	AccountID  string
	Currency   domain.Currency
	Category   domain.TradeCategory
	Symbol     string
	Quantity   int64
	EntryPrice money.Amount
	StopPrice  money.Amount
	TargetPrice money.Amount
}

// Port is the sole outbound interface to a broker. Every method may fail;
// failure never mutates local state (spec §4.7) — callers must not persist
// any broker-reported value until the call returns successfully.
type Port interface {
	// SubmitTrade places the entry/stop/target bracket and returns the
	// broker's assigned order ids.
	SubmitTrade(ctx context.Context, t TradeView) (OrderIDs, string, error)

	// SyncTrade polls the broker for the trade's current reported state.
	SyncTrade(ctx context.Context, t TradeView, ids OrderIDs) (SyncResult, error)

	// CloseTrade replaces the target with a Market order, used by the
	// manual-close path. The returned ReportedOrder carries the existing
	// target id and the replacement's status; no new order id is returned.
	CloseTrade(ctx context.Context, t TradeView, ids OrderIDs) (ReportedOrder, string, error)

	// CancelTrade cancels every open order for the trade.
	CancelTrade(ctx context.Context, t TradeView, ids OrderIDs) error

	// ModifyStop replaces the stop order's price.
	ModifyStop(ctx context.Context, t TradeView, ids OrderIDs, newPrice money.Amount) (string, error)

	// ModifyTarget replaces the target order's price.
	ModifyTarget(ctx context.Context, t TradeView, ids OrderIDs, newPrice money.Amount) (string, error)
}
