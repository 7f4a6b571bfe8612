// Package reconciler implements C8: translating a broker-reported
// snapshot into local ledger postings and trade/order state transitions,
// idempotently. Reconciliation never trusts a second call to double-post
// — every posting it writes is guarded by ledger.ExistsForTrade first, so
// replaying the same broker snapshot twice is a no-op (spec §4.8,
// property 5). Every order-record update, ledger posting and trade-status
// transition one sync pass makes lands inside a single named savepoint
// (spec §4.8: "atomically"); a failure anywhere in the pass — including
// a broker-reported order id matching none of the trade's three legs —
// rolls back the whole pass, never a subset of it.
package reconciler

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/broker"
	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/ledger"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/store"
	"github.com/matiasvillaverde/trust/internal/trade"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// Service drives one trade's reconciliation pass.
type Service struct {
	db     *sql.DB
	trades *trade.Repository
	ledger *ledger.Repository
	broker broker.Port
	log    zerolog.Logger
}

// NewService builds a Service over its dependencies. db must be the same
// handle trades and ledgerRepo were built from: apply opens its own
// transaction on it so an order update, a ledger posting and a
// trade-status transition land under one savepoint.
func NewService(db *sql.DB, trades *trade.Repository, ledgerRepo *ledger.Repository, brokerPort broker.Port, log zerolog.Logger) *Service {
	return &Service{db: db, trades: trades, ledger: ledgerRepo, broker: brokerPort, log: log.With().Str("component", "reconciler").Logger()}
}

// Outcome summarizes one reconciliation pass for a trade.
type Outcome struct {
	TradeID  string
	Before   domain.TradeStatus
	After    domain.TradeStatus
	Posted   []domain.TransactionCategory
	NoChange bool
}

// ReconcileOne polls the broker for tradeID's current state and applies
// every legal transition per spec §4.8's status matrix. Only Submitted,
// Filled and PartiallyFilled trades are reconciled; any other status (New,
// Funded, or a terminal ClosedTarget, ClosedStopLoss, Canceled) is a
// no-op that never calls the broker.
func (s *Service) ReconcileOne(ctx context.Context, tradeID string) (*Outcome, error) {
	t, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, trusterr.Validation("reconciler.ReconcileOne", "trade %s does not exist", tradeID)
	}
	switch t.Status {
	case domain.TradeSubmitted, domain.TradeFilled, domain.TradePartiallyFilled:
	default:
		return &Outcome{TradeID: tradeID, Before: t.Status, After: t.Status, NoChange: true}, nil
	}

	view := broker.TradeView{
		ID: t.ID, AccountID: t.AccountID, Currency: t.Currency, Category: t.Category,
		Quantity: t.Entry.Quantity, EntryPrice: t.Entry.UnitPrice, StopPrice: t.SafetyStop.UnitPrice, TargetPrice: t.Target.UnitPrice,
	}
	ids := broker.OrderIDs{}
	if t.Entry.BrokerOrderID != nil {
		ids.Entry = *t.Entry.BrokerOrderID
	}
	if t.SafetyStop.BrokerOrderID != nil {
		ids.Stop = *t.SafetyStop.BrokerOrderID
	}
	if t.Target.BrokerOrderID != nil {
		ids.Target = *t.Target.BrokerOrderID
	}

	result, err := s.broker.SyncTrade(ctx, view, ids)
	if err != nil {
		return nil, trusterr.Broker("reconciler.ReconcileOne", err)
	}

	before := t.Status
	posted, err := s.apply(ctx, t, result)
	if err != nil {
		return nil, err
	}

	after := t.Status
	if len(posted) == 0 && before == after {
		s.log.Debug().Str("trade_id", tradeID).Msg("no reportable change")
		return &Outcome{TradeID: tradeID, Before: before, After: after, NoChange: true}, nil
	}
	s.log.Info().Str("trade_id", tradeID).Str("before", string(before)).Str("after", string(after)).Msg("reconciled")
	return &Outcome{TradeID: tradeID, Before: before, After: after, Posted: posted}, nil
}

// apply opens one transaction and a named savepoint around applyTx, so
// the whole reconciliation pass either lands completely or not at all —
// a failing order match, a failing ledger post or a failing status
// update all unwind to the pre-call state (spec §4.8, property 6's
// sibling guarantee for reconcile).
func (s *Service) apply(ctx context.Context, t *trade.Trade, result broker.SyncResult) ([]domain.TransactionCategory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, trusterr.Persistence("reconciler.apply", err)
	}
	sp, err := store.Savepoint(tx, "reconcile_trade")
	if err != nil {
		_ = tx.Rollback()
		return nil, trusterr.Persistence("reconciler.apply", err)
	}

	posted, err := s.applyTx(ctx, tx, t, result)
	if err != nil {
		_ = sp.Rollback()
		_ = tx.Rollback()
		return nil, err
	}
	if err := sp.Release(); err != nil {
		_ = tx.Rollback()
		return nil, trusterr.Persistence("reconciler.apply", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, trusterr.Persistence("reconciler.apply", err)
	}
	return posted, nil
}

// applyTx maps the reported per-order statuses onto local orders and the
// trade status, posting ledger transactions where a status legally
// implies one. Every posting is guarded by ExistsForTradeTx so a repeated
// SyncTrade reporting the same fill twice never double-posts. Every
// reported order id must match one of the trade's three legs; an
// unmatched id fails the whole pass (spec §4.8: "Any unmatched id fails
// the whole sync; no partial update persists").
func (s *Service) applyTx(ctx context.Context, tx *sql.Tx, t *trade.Trade, result broker.SyncResult) ([]domain.TransactionCategory, error) {
	var posted []domain.TransactionCategory

	for _, ro := range result.Orders {
		switch ro.LocalOrderID {
		case entryBrokerID(t):
			if err := s.updateOrderTx(ctx, tx, &t.Entry, ro); err != nil {
				return nil, err
			}
		case stopBrokerID(t):
			if err := s.updateOrderTx(ctx, tx, &t.SafetyStop, ro); err != nil {
				return nil, err
			}
		case targetBrokerID(t):
			if err := s.updateOrderTx(ctx, tx, &t.Target, ro); err != nil {
				return nil, err
			}
		default:
			return nil, trusterr.Invariant("reconciler.apply", "reported order id %q on trade %s matches none of its entry, stop or target legs", ro.LocalOrderID, t.ID)
		}
	}

	switch result.Status {
	case domain.TradeFilled, domain.TradePartiallyFilled:
		// Submitted -> Filled: post OpenTrade for the fill, then return any
		// favourable fill-price difference to available (spec §4.8).
		if t.Status == domain.TradeSubmitted && t.Entry.AverageFilledPrice != nil {
			exists, err := s.ledger.ExistsForTradeTx(ctx, tx, t.ID, domain.CategoryOpenTrade)
			if err != nil {
				return nil, err
			}
			if !exists {
				fillValue := t.Entry.AverageFilledPrice.Mul(money.FromInt(t.Entry.FilledQuantity))
				if _, err := s.ledger.PostTx(ctx, tx, ledger.Posting{AccountID: t.AccountID, TradeID: &t.ID, Currency: t.Currency, Amount: fillValue, Category: domain.CategoryOpenTrade}); err != nil {
					return nil, err
				}
				posted = append(posted, domain.CategoryOpenTrade)

				favourable := money.Zero
				switch t.Category {
				case domain.TradeLong:
					if t.Entry.AverageFilledPrice.LessThan(t.Entry.UnitPrice) {
						favourable = t.Entry.UnitPrice.Sub(*t.Entry.AverageFilledPrice).Mul(money.FromInt(t.Entry.FilledQuantity))
					}
				case domain.TradeShort:
					if t.Entry.AverageFilledPrice.GreaterThan(t.Entry.UnitPrice) {
						favourable = t.Entry.AverageFilledPrice.Sub(t.Entry.UnitPrice).Mul(money.FromInt(t.Entry.FilledQuantity))
					}
				}
				if favourable.IsPositive() {
					if _, err := s.ledger.PostTx(ctx, tx, ledger.Posting{AccountID: t.AccountID, TradeID: &t.ID, Currency: t.Currency, Amount: favourable, Category: domain.CategoryPaymentFromTrade}); err != nil {
						return nil, err
					}
					posted = append(posted, domain.CategoryPaymentFromTrade)
				}
			}
		}

		if t.Status != result.Status {
			if err := s.trades.SetStatusTx(ctx, tx, t.ID, result.Status); err != nil {
				return nil, err
			}
			t.Status = result.Status
		}

	case domain.TradeClosedTarget:
		cat := domain.CategoryCloseTarget
		exists, err := s.ledger.ExistsForTradeTx(ctx, tx, t.ID, cat)
		if err != nil {
			return nil, err
		}
		if !exists {
			// Resolution #7: a reported ClosedTarget forces the stop to
			// Canceled locally even if the broker still reports it Held
			// or Accepted — the bracket's other leg is moot once the
			// target fills.
			if err := s.trades.SetOrderStatusTx(ctx, tx, t.SafetyStop.ID, domain.OrderCanceled); err != nil {
				return nil, err
			}
			t.SafetyStop.Status = domain.OrderCanceled

			proceeds := t.Target.UnitPrice.Mul(money.FromInt(t.Entry.Quantity))
			if err := s.postCloseAndReturnTx(ctx, tx, t, cat, proceeds); err != nil {
				return nil, err
			}
			posted = append(posted, cat, domain.CategoryPaymentFromTrade)
			if err := s.trades.SetStatusTx(ctx, tx, t.ID, domain.TradeClosedTarget); err != nil {
				return nil, err
			}
			t.Status = domain.TradeClosedTarget
		}

	case domain.TradeClosedStopLoss:
		cat := domain.CategoryCloseSafetyStop
		exists, err := s.ledger.ExistsForTradeTx(ctx, tx, t.ID, cat)
		if err != nil {
			return nil, err
		}
		if !exists {
			proceeds := t.SafetyStop.UnitPrice.Mul(money.FromInt(t.Entry.Quantity))
			if err := s.postCloseAndReturnTx(ctx, tx, t, cat, proceeds); err != nil {
				return nil, err
			}
			posted = append(posted, cat, domain.CategoryPaymentFromTrade)
			if err := s.trades.SetStatusTx(ctx, tx, t.ID, domain.TradeClosedStopLoss); err != nil {
				return nil, err
			}
			t.Status = domain.TradeClosedStopLoss
		}
	}

	return posted, nil
}

// postCloseAndReturnTx records the internal close marker (category
// carries no balance effect, see domain.TransactionCategory.AvailableSign)
// and the paired PaymentFromTrade that actually returns proceeds to
// available cash, inside the caller's transaction.
func (s *Service) postCloseAndReturnTx(ctx context.Context, tx *sql.Tx, t *trade.Trade, closeCategory domain.TransactionCategory, proceeds money.Amount) error {
	if _, err := s.ledger.PostTx(ctx, tx, ledger.Posting{AccountID: t.AccountID, TradeID: &t.ID, Currency: t.Currency, Amount: proceeds, Category: closeCategory}); err != nil {
		return err
	}
	_, err := s.ledger.PostTx(ctx, tx, ledger.Posting{AccountID: t.AccountID, TradeID: &t.ID, Currency: t.Currency, Amount: proceeds, Category: domain.CategoryPaymentFromTrade})
	return err
}

func (s *Service) updateOrderTx(ctx context.Context, tx *sql.Tx, local *trade.Order, reported broker.ReportedOrder) error {
	if local.Status == reported.Status && local.FilledQuantity == reported.FilledQuantity {
		return nil
	}
	if err := s.trades.SetOrderStatusTx(ctx, tx, local.ID, reported.Status); err != nil {
		return err
	}
	local.Status = reported.Status
	local.FilledQuantity = reported.FilledQuantity
	local.AverageFilledPrice = reported.AverageFilledPrice
	return nil
}

func entryBrokerID(t *trade.Trade) string {
	if t.Entry.BrokerOrderID == nil {
		return ""
	}
	return *t.Entry.BrokerOrderID
}

func stopBrokerID(t *trade.Trade) string {
	if t.SafetyStop.BrokerOrderID == nil {
		return ""
	}
	return *t.SafetyStop.BrokerOrderID
}

func targetBrokerID(t *trade.Trade) string {
	if t.Target.BrokerOrderID == nil {
		return ""
	}
	return *t.Target.BrokerOrderID
}

// ReconcileAccount reconciles every open trade for an account, continuing
// past individual failures so one broken trade does not block the rest of
// the sweep; errors are collected and logged, not raised.
func (s *Service) ReconcileAccount(ctx context.Context, accountID string) ([]*Outcome, error) {
	open, err := s.trades.ListOpenByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var outcomes []*Outcome
	for _, t := range open {
		o, err := s.ReconcileOne(ctx, t.ID)
		if err != nil {
			s.log.Error().Err(err).Str("trade_id", t.ID).Msg("reconcile failed")
			continue
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}
