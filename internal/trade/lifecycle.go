package trade

import (
	"context"
	"database/sql"

	"github.com/matiasvillaverde/trust/internal/broker"
	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/ledger"
	"github.com/matiasvillaverde/trust/internal/level"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/rule"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// Service drives the trade lifecycle state machine (spec §4.6), tying
// every transition to the ledger (C2), the rule registry and level
// governor (C4/C5, which feed into C6 per the dependency order in spec
// §2), and the broker port (C7).
type Service struct {
	repo   *Repository
	ledger *ledger.Repository
	rules  *rule.Repository
	levels *level.Repository
	broker broker.Port
}

// NewService builds a Service over its dependencies.
func NewService(repo *Repository, ledgerRepo *ledger.Repository, rules *rule.Repository, levels *level.Repository, brokerPort broker.Port) *Service {
	return &Service{repo: repo, ledger: ledgerRepo, rules: rules, levels: levels, broker: brokerPort}
}

// SizePreview is the read-only result of the position-sizing computation
// in spec §4.5, reused by Fund's gate and by a preview-only call.
type SizePreview struct {
	BaseQuantity  int64
	FinalQuantity int64
	RiskBudget    money.Amount
}

// equity is total_balance for an account/currency: available + in-trade.
func (s *Service) equity(ctx context.Context, accountID string, currency domain.Currency) (money.Amount, error) {
	bal, err := s.ledger.ProjectBalance(ctx, accountID, currency)
	if err != nil {
		return money.Zero, err
	}
	return bal.Available.Add(bal.InTrade), nil
}

// openWorstCaseLoss sums |entry-stop|*qty across every currently open
// trade for the account (New excluded: an unfunded draft carries no
// risk yet), optionally adding a candidate's own worst-case loss.
func (r *Repository) openWorstCaseLoss(ctx context.Context, accountID string, excludeTradeID string, candidate money.Amount) (money.Amount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.category, e.unit_price, p.unit_price, o.quantity
		FROM trades t
		JOIN orders e ON e.id = t.entry_id
		JOIN orders p ON p.id = t.safety_stop_id
		JOIN orders o ON o.id = t.entry_id
		WHERE t.account_id = ? AND t.status IN ('funded','submitted','filled','partially_filled') AND t.id != ? AND t.deleted_at IS NULL`,
		accountID, excludeTradeID)
	if err != nil {
		return money.Zero, trusterr.Persistence("trade.openWorstCaseLoss", err)
	}
	defer rows.Close()

	sum := candidate
	for rows.Next() {
		var category, entryPrice, stopPrice string
		var qty int64
		if err := rows.Scan(&category, &entryPrice, &stopPrice, &qty); err != nil {
			return money.Zero, trusterr.Persistence("trade.openWorstCaseLoss", err)
		}
		entry, err := money.FromString(entryPrice)
		if err != nil {
			return money.Zero, trusterr.Invariant("trade.openWorstCaseLoss", "corrupt entry price: %v", err)
		}
		stop, err := money.FromString(stopPrice)
		if err != nil {
			return money.Zero, trusterr.Invariant("trade.openWorstCaseLoss", "corrupt stop price: %v", err)
		}
		wcl := entry.Sub(stop).Abs().Mul(money.FromInt(qty))
		sum = sum.Add(wcl)
	}
	return sum, rows.Err()
}

// riskPerTradeLimitPct returns the account's active RiskPerTrade cap, or
// 100 (unbounded) if no rule is active.
func (s *Service) riskPerTradeLimitPct(ctx context.Context, accountID string) (money.Amount, *rule.Rule, error) {
	r, err := s.rules.ActiveRule(ctx, accountID, domain.RuleRiskPerTrade)
	if err != nil {
		return money.Zero, nil, err
	}
	if r == nil {
		return money.FromInt(100), nil, nil
	}
	return r.RiskPct, r, nil
}

func (s *Service) riskPerMonthLimitPct(ctx context.Context, accountID string) (money.Amount, *rule.Rule, error) {
	r, err := s.rules.ActiveRule(ctx, accountID, domain.RuleRiskPerMonth)
	if err != nil {
		return money.Zero, nil, err
	}
	if r == nil {
		return money.FromInt(100), nil, nil
	}
	return r.RiskPct, r, nil
}

// sizePosition implements spec §4.5's position-sizing function: base_qty
// = floor(risk_budget / risk_per_share), final_qty = floor(base_qty *
// level_multiplier). risk_budget = min(RiskPerTrade_limit,
// RiskPerMonth_remaining) * equity.
func (s *Service) sizePosition(ctx context.Context, accountID string, currency domain.Currency, entry, stop money.Amount, multiplier money.Amount) (SizePreview, error) {
	eq, err := s.equity(ctx, accountID, currency)
	if err != nil {
		return SizePreview{}, err
	}
	hundred := money.FromInt(100)

	tradeLimitPct, _, err := s.riskPerTradeLimitPct(ctx, accountID)
	if err != nil {
		return SizePreview{}, err
	}
	monthLimitPct, _, err := s.riskPerMonthLimitPct(ctx, accountID)
	if err != nil {
		return SizePreview{}, err
	}

	usedSoFar, err := s.repo.openWorstCaseLoss(ctx, accountID, "", money.Zero)
	if err != nil {
		return SizePreview{}, err
	}
	usedPct := money.Zero
	if eq.IsPositive() {
		usedPct, err = usedSoFar.Mul(hundred).Div(eq)
		if err != nil {
			return SizePreview{}, trusterr.Invariant("trade.sizePosition", "%v", err)
		}
	}
	monthRemainingPct := monthLimitPct.Sub(usedPct)
	if monthRemainingPct.IsNegative() {
		monthRemainingPct = money.Zero
	}

	limitPct := money.Min(tradeLimitPct, monthRemainingPct)
	limitRatio, err := limitPct.Div(hundred)
	if err != nil {
		return SizePreview{}, trusterr.Invariant("trade.sizePosition", "%v", err)
	}
	riskBudget := limitRatio.Mul(eq)

	riskPerShare := entry.Sub(stop).Abs()
	if riskPerShare.IsZero() {
		return SizePreview{}, trusterr.Validation("trade.sizePosition", "risk per share is zero")
	}
	riskBudgetPerShare, err := riskBudget.Div(riskPerShare)
	if err != nil {
		return SizePreview{}, trusterr.Validation("trade.sizePosition", "risk per share is zero")
	}
	baseQty := riskBudgetPerShare.Floor()
	finalQty := money.FromInt(baseQty).Mul(multiplier).Floor()

	return SizePreview{BaseQuantity: baseQty, FinalQuantity: finalQty, RiskBudget: riskBudget}, nil
}

// PreviewSize exposes sizePosition as a read-only API for the facade's
// size-preview use case (spec §4.5).
func (s *Service) PreviewSize(ctx context.Context, accountID string, currency domain.Currency, entry, stop money.Amount, lvl level.Level) (SizePreview, error) {
	return s.sizePosition(ctx, accountID, currency, entry, stop, lvl.RiskMultiplier)
}

// Fund transitions a trade New -> Funded (spec §4.6 fund contract).
// Preconditions: trade exists and is New (double-fund rejected per §9 open
// question 2 / property 10); RiskPerTrade and RiskPerMonth rules at Error
// level pass; the level-adjusted quantity check passes for both Long and
// Short (§9 open question 3). All effects are atomic.
func (s *Service) Fund(ctx context.Context, tradeID string) (*Trade, error) {
	t, err := s.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, trusterr.Validation("trade.Fund", "trade %s does not exist", tradeID)
	}
	if t.Status != domain.TradeNew {
		return nil, trusterr.StateMachine("trade.Fund", "TradeNotNew: trade %s is %s, not New", tradeID, t.Status)
	}

	lvl, err := s.levels.GetOrInit(ctx, t.AccountID)
	if err != nil {
		return nil, err
	}

	candidateWCL := wcl(t)
	if err := s.checkRiskVetoes(ctx, t, candidateWCL); err != nil {
		return nil, err
	}

	preview, err := s.sizePosition(ctx, t.AccountID, t.Currency, t.Entry.UnitPrice, t.SafetyStop.UnitPrice, lvl.RiskMultiplier)
	if err != nil {
		return nil, err
	}
	if t.Entry.Quantity > preview.FinalQuantity {
		return nil, trusterr.RiskVeto("trade.Fund", "requested quantity %d exceeds level-adjusted limit %d", t.Entry.Quantity, preview.FinalQuantity)
	}

	fundingAmount := t.fundingPrice().Mul(money.FromInt(t.Entry.Quantity))

	err = s.repo.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.ledger.PostTx(ctx, tx, ledger.Posting{
			AccountID: t.AccountID, TradeID: &t.ID, Currency: t.Currency, Amount: fundingAmount, Category: domain.CategoryFundTrade,
		}); err != nil {
			return err
		}
		balanceID, err := s.repo.balanceRowID(ctx, t.ID)
		if err != nil {
			return err
		}
		t.Balance.Funding = fundingAmount
		t.Balance.CapitalInMarket = fundingAmount
		if err := s.repo.updateBalance(ctx, tx, balanceID, t.Balance); err != nil {
			return err
		}
		t.Status = domain.TradeFunded
		return s.repo.setStatus(ctx, tx, t.ID, t.Status)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// checkRiskVetoes evaluates RiskPerTrade and RiskPerMonth. An Error-level
// violation blocks funding; a Warning- or Advice-level violation does not
// block and is not logged here (spec §4.4 treats it as a diagnostic, not a
// gate).
func (s *Service) checkRiskVetoes(ctx context.Context, t *Trade, candidateWCL money.Amount) error {
	eq, err := s.equity(ctx, t.AccountID, t.Currency)
	if err != nil {
		return err
	}
	hundred := money.FromInt(100)

	if r, err := s.rules.ActiveRule(ctx, t.AccountID, domain.RuleRiskPerTrade); err != nil {
		return err
	} else if r != nil {
		ratio, err := r.RiskPct.Div(hundred)
		if err != nil {
			return trusterr.Invariant("trade.Fund", "%v", err)
		}
		cap := ratio.Mul(eq)
		if candidateWCL.GreaterThan(cap) && r.Level == domain.RuleLevelError {
			return trusterr.RiskVeto("trade.Fund", "RiskPerTrade: worst-case loss %s exceeds cap %s", candidateWCL, cap)
		}
	}

	if r, err := s.rules.ActiveRule(ctx, t.AccountID, domain.RuleRiskPerMonth); err != nil {
		return err
	} else if r != nil {
		total, err := s.repo.openWorstCaseLoss(ctx, t.AccountID, t.ID, candidateWCL)
		if err != nil {
			return err
		}
		ratio, err := r.RiskPct.Div(hundred)
		if err != nil {
			return trusterr.Invariant("trade.Fund", "%v", err)
		}
		cap := ratio.Mul(eq)
		if total.GreaterThan(cap) && r.Level == domain.RuleLevelError {
			return trusterr.RiskVeto("trade.Fund", "RiskPerMonth: aggregate worst-case loss %s exceeds cap %s", total, cap)
		}
	}
	return nil
}

func wcl(t *Trade) money.Amount {
	return t.Entry.UnitPrice.Sub(t.SafetyStop.UnitPrice).Abs().Mul(money.FromInt(t.Entry.Quantity))
}

// Submit transitions Funded -> Submitted via the broker. On broker
// failure the trade remains Funded and no ledger mutation occurs (spec
// §4.6 submit contract, property 6).
func (s *Service) Submit(ctx context.Context, tradeID string) (*Trade, error) {
	t, err := s.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, trusterr.Validation("trade.Submit", "trade %s does not exist", tradeID)
	}
	if t.Status != domain.TradeFunded {
		return nil, trusterr.StateMachine("trade.Submit", "trade %s is %s, not Funded", tradeID, t.Status)
	}

	ids, _, err := s.broker.SubmitTrade(ctx, toTradeView(t))
	if err != nil {
		return nil, trusterr.Broker("trade.Submit", err)
	}

	err = s.repo.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.updateOrderBrokerID(ctx, tx, t.Entry.ID, ids.Entry, domain.OrderAccepted); err != nil {
			return err
		}
		if err := s.repo.updateOrderBrokerID(ctx, tx, t.SafetyStop.ID, ids.Stop, domain.OrderAccepted); err != nil {
			return err
		}
		if err := s.repo.updateOrderBrokerID(ctx, tx, t.Target.ID, ids.Target, domain.OrderAccepted); err != nil {
			return err
		}
		t.Status = domain.TradeSubmitted
		return s.repo.setStatus(ctx, tx, t.ID, t.Status)
	})
	if err != nil {
		return nil, err
	}
	t.Entry.BrokerOrderID, t.SafetyStop.BrokerOrderID, t.Target.BrokerOrderID = &ids.Entry, &ids.Stop, &ids.Target
	return t, nil
}

// CancelFunded transitions Funded -> Canceled, returning the full funding
// amount to available (spec §4.6 cancel contract).
func (s *Service) CancelFunded(ctx context.Context, tradeID string) (*Trade, error) {
	t, err := s.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, trusterr.Validation("trade.CancelFunded", "trade %s does not exist", tradeID)
	}
	if t.Status != domain.TradeFunded {
		return nil, trusterr.StateMachine("trade.CancelFunded", "trade %s is %s, not Funded", tradeID, t.Status)
	}

	err = s.repo.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.ledger.PostTx(ctx, tx, ledger.Posting{
			AccountID: t.AccountID, TradeID: &t.ID, Currency: t.Currency, Amount: t.Balance.Funding, Category: domain.CategoryPaymentFromTrade,
		}); err != nil {
			return err
		}
		balanceID, err := s.repo.balanceRowID(ctx, t.ID)
		if err != nil {
			return err
		}
		t.Balance.CapitalOutMarket = t.Balance.Funding
		t.Balance.CapitalInMarket = money.Zero
		if err := s.repo.updateBalance(ctx, tx, balanceID, t.Balance); err != nil {
			return err
		}
		t.Status = domain.TradeCanceled
		return s.repo.setStatus(ctx, tx, t.ID, t.Status)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CancelSubmitted transitions Submitted -> Canceled, cancelling with the
// broker first (spec §4.6, §9 open question 8: the error for a non-
// Submitted trade is named TradeNotSubmitted).
func (s *Service) CancelSubmitted(ctx context.Context, tradeID string) (*Trade, error) {
	t, err := s.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, trusterr.Validation("trade.CancelSubmitted", "trade %s does not exist", tradeID)
	}
	if t.Status != domain.TradeSubmitted {
		return nil, trusterr.StateMachine("trade.CancelSubmitted", "TradeNotSubmitted: trade %s is %s", tradeID, t.Status)
	}

	if err := s.broker.CancelTrade(ctx, toTradeView(t), orderIDsOf(t)); err != nil {
		return nil, trusterr.Broker("trade.CancelSubmitted", err)
	}

	err = s.repo.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.ledger.PostTx(ctx, tx, ledger.Posting{
			AccountID: t.AccountID, TradeID: &t.ID, Currency: t.Currency, Amount: t.Balance.Funding, Category: domain.CategoryPaymentFromTrade,
		}); err != nil {
			return err
		}
		balanceID, err := s.repo.balanceRowID(ctx, t.ID)
		if err != nil {
			return err
		}
		t.Balance.CapitalOutMarket = t.Balance.Funding
		t.Balance.CapitalInMarket = money.Zero
		if err := s.repo.updateBalance(ctx, tx, balanceID, t.Balance); err != nil {
			return err
		}
		t.Status = domain.TradeCanceled
		return s.repo.setStatus(ctx, tx, t.ID, t.Status)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CloseTrade performs a manual close from Filled: the broker replaces the
// target with a Market order, the safety stop is marked Canceled locally,
// and the trade lands in Canceled (spec §4.6 manual close; §9 open
// question 1 keeps Canceled as the terminal state rather than
// introducing a distinct ManuallyClosed state).
func (s *Service) CloseTrade(ctx context.Context, tradeID string) (*Trade, error) {
	t, err := s.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, trusterr.Validation("trade.CloseTrade", "trade %s does not exist", tradeID)
	}
	if t.Status != domain.TradeFilled {
		return nil, trusterr.StateMachine("trade.CloseTrade", "trade %s is %s, not Filled", tradeID, t.Status)
	}

	replacement, _, err := s.broker.CloseTrade(ctx, toTradeView(t), orderIDsOf(t))
	if err != nil {
		return nil, trusterr.Broker("trade.CloseTrade", err)
	}

	err = s.repo.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.repo.updateOrderStatus(ctx, tx, t.Target.ID, replacement.Status); err != nil {
			return err
		}
		if err := s.repo.updateOrderStatus(ctx, tx, t.SafetyStop.ID, domain.OrderCanceled); err != nil {
			return err
		}
		t.Status = domain.TradeCanceled
		return s.repo.setStatus(ctx, tx, t.ID, t.Status)
	})
	if err != nil {
		return nil, err
	}
	t.Target.Status = replacement.Status
	t.SafetyStop.Status = domain.OrderCanceled
	return t, nil
}

// ModifyStop replaces the stop order's price. Only legal from Filled;
// tightening direction is enforced: Long accepts only a new stop >=
// current stop, Short only <= current stop (spec §4.6).
func (s *Service) ModifyStop(ctx context.Context, tradeID string, newPrice money.Amount) (*Trade, error) {
	t, err := s.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, trusterr.Validation("trade.ModifyStop", "trade %s does not exist", tradeID)
	}
	if t.Status != domain.TradeFilled {
		return nil, trusterr.StateMachine("trade.ModifyStop", "trade %s is %s, not Filled", tradeID, t.Status)
	}
	if t.Category == domain.TradeLong && newPrice.LessThan(t.SafetyStop.UnitPrice) {
		return nil, trusterr.Validation("trade.ModifyStop", "long trade stop may only tighten upward")
	}
	if t.Category == domain.TradeShort && newPrice.GreaterThan(t.SafetyStop.UnitPrice) {
		return nil, trusterr.Validation("trade.ModifyStop", "short trade stop may only tighten downward")
	}

	brokerID, err := s.broker.ModifyStop(ctx, toTradeView(t), orderIDsOf(t), newPrice)
	if err != nil {
		return nil, trusterr.Broker("trade.ModifyStop", err)
	}

	err = s.repo.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET unit_price = ?, broker_order_id = ?, updated_at = ? WHERE id = ?`,
			newPrice.String(), brokerID, nowStr(), t.SafetyStop.ID); err != nil {
			return trusterr.Persistence("trade.ModifyStop", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.SafetyStop.UnitPrice = newPrice
	t.SafetyStop.BrokerOrderID = &brokerID
	return t, nil
}

// ModifyTarget replaces the target order's price. Only legal from Filled;
// the new target must stay strictly beyond entry on the profitable side.
func (s *Service) ModifyTarget(ctx context.Context, tradeID string, newPrice money.Amount) (*Trade, error) {
	t, err := s.repo.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, trusterr.Validation("trade.ModifyTarget", "trade %s does not exist", tradeID)
	}
	if t.Status != domain.TradeFilled {
		return nil, trusterr.StateMachine("trade.ModifyTarget", "trade %s is %s, not Filled", tradeID, t.Status)
	}
	if t.Category == domain.TradeLong && !newPrice.GreaterThan(t.Entry.UnitPrice) {
		return nil, trusterr.Validation("trade.ModifyTarget", "long trade target must be strictly above entry")
	}
	if t.Category == domain.TradeShort && !newPrice.LessThan(t.Entry.UnitPrice) {
		return nil, trusterr.Validation("trade.ModifyTarget", "short trade target must be strictly below entry")
	}

	brokerID, err := s.broker.ModifyTarget(ctx, toTradeView(t), orderIDsOf(t), newPrice)
	if err != nil {
		return nil, trusterr.Broker("trade.ModifyTarget", err)
	}

	err = s.repo.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET unit_price = ?, broker_order_id = ?, updated_at = ? WHERE id = ?`,
			newPrice.String(), brokerID, nowStr(), t.Target.ID); err != nil {
			return trusterr.Persistence("trade.ModifyTarget", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.Target.UnitPrice = newPrice
	t.Target.BrokerOrderID = &brokerID
	return t, nil
}

func toTradeView(t *Trade) broker.TradeView {
	return broker.TradeView{
		ID: t.ID, AccountID: t.AccountID, Currency: t.Currency, Category: t.Category,
		Quantity: t.Entry.Quantity, EntryPrice: t.Entry.UnitPrice, StopPrice: t.SafetyStop.UnitPrice, TargetPrice: t.Target.UnitPrice,
	}
}

func orderIDsOf(t *Trade) broker.OrderIDs {
	var ids broker.OrderIDs
	if t.Entry.BrokerOrderID != nil {
		ids.Entry = *t.Entry.BrokerOrderID
	}
	if t.SafetyStop.BrokerOrderID != nil {
		ids.Stop = *t.SafetyStop.BrokerOrderID
	}
	if t.Target.BrokerOrderID != nil {
		ids.Target = *t.Target.BrokerOrderID
	}
	return ids
}

// LevelSnapshot builds the trailing performance snapshot the level
// governor evaluates, from the account's most recently closed trades.
func (s *Service) LevelSnapshot(ctx context.Context, accountID string, currency domain.Currency, lookback int) (level.Snapshot, error) {
	closed, err := s.repo.ListClosedByAccount(ctx, accountID, lookback)
	if err != nil {
		return level.Snapshot{}, err
	}
	eq, err := s.equity(ctx, accountID, currency)
	if err != nil {
		return level.Snapshot{}, err
	}
	outcomes := make([]level.TradeOutcome, 0, len(closed))
	for _, t := range closed {
		pct := money.FromInt(0)
		if !eq.IsZero() {
			if p, err := t.Balance.TotalPerformance.Mul(money.FromInt(100)).Div(eq); err == nil {
				pct = p
			}
		}
		outcomes = append(outcomes, level.TradeOutcome{
			Win:            t.Balance.TotalPerformance.IsPositive(),
			PerformancePct: pct,
		})
	}
	return level.BuildSnapshot(outcomes), nil
}

// Repository exposes Get/repo helpers used by Service; ListOpenByAccount
// supports the reconciler's and facade's read projections.
func (r *Repository) ListOpenByAccount(ctx context.Context, accountID string) ([]*Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM trades WHERE account_id = ? AND status IN ('funded','submitted','filled','partially_filled') AND deleted_at IS NULL`, accountID)
	if err != nil {
		return nil, trusterr.Persistence("trade.ListOpenByAccount", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trusterr.Persistence("trade.ListOpenByAccount", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, trusterr.Persistence("trade.ListOpenByAccount", err)
	}
	var out []*Trade
	for _, id := range ids {
		t, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListClosedByAccount returns the account's most recently closed trades,
// most recent first, bounded by limit. Backs the level governor's
// performance snapshot.
func (r *Repository) ListClosedByAccount(ctx context.Context, accountID string, limit int) ([]*Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id FROM trades t
		JOIN orders o ON o.id = t.target_id
		WHERE t.account_id = ? AND t.status IN ('closed_target','closed_stop_loss','canceled') AND t.deleted_at IS NULL
		ORDER BY COALESCE(o.closed_at, t.updated_at) DESC
		LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, trusterr.Persistence("trade.ListClosedByAccount", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trusterr.Persistence("trade.ListClosedByAccount", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, trusterr.Persistence("trade.ListClosedByAccount", err)
	}
	var out []*Trade
	for _, id := range ids {
		t, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListAllOpen aggregates open trades across every account, supporting
// CalculateOpenPositions(nil) (§9 open question 10) instead of returning
// empty.
func (r *Repository) ListAllOpen(ctx context.Context) ([]*Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT account_id FROM trades WHERE status IN ('funded','submitted','filled','partially_filled') AND deleted_at IS NULL`)
	if err != nil {
		return nil, trusterr.Persistence("trade.ListAllOpen", err)
	}
	defer rows.Close()
	var accountIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, trusterr.Persistence("trade.ListAllOpen", err)
		}
		accountIDs = append(accountIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, trusterr.Persistence("trade.ListAllOpen", err)
	}
	var out []*Trade
	for _, id := range accountIDs {
		trades, err := r.ListOpenByAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, trades...)
	}
	return out, nil
}
