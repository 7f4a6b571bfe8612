// Package domain holds the tagged-variant types shared across the book of
// record's components: currencies, enums for account/order/trade/level
// state, and the ledger's transaction categories. Keeping these as a
// small closed set of string-backed types (rather than open strings)
// lets every switch that drives a state-machine transition be exhaustive.
package domain

// Currency is a three-letter ISO-ish code. The system does not validate
// against a fixed list beyond non-empty and upper-case, since new trading
// vehicles can introduce currencies the core has not seen before.
type Currency string

// Environment distinguishes paper trading from a live broker connection.
type Environment string

const (
	EnvironmentPaper Environment = "paper"
	EnvironmentLive  Environment = "live"
)

// AccountType is the account hierarchy position.
type AccountType string

const (
	AccountTypePrimary      AccountType = "primary"
	AccountTypeEarnings     AccountType = "earnings"
	AccountTypeTaxReserve   AccountType = "tax_reserve"
	AccountTypeReinvestment AccountType = "reinvestment"
)

// RuleName is the rule kind; each account may have at most one active
// rule per variant.
type RuleName string

const (
	RuleRiskPerTrade RuleName = "risk_per_trade"
	RuleRiskPerMonth RuleName = "risk_per_month"
)

// RuleLevel is the severity a rule violation carries.
type RuleLevel string

const (
	RuleLevelError   RuleLevel = "error"
	RuleLevelWarning RuleLevel = "warning"
	RuleLevelAdvice  RuleLevel = "advice"
)

// LevelStatus is the governor's cooldown state.
type LevelStatus string

const (
	LevelStatusNormal   LevelStatus = "normal"
	LevelStatusCooldown LevelStatus = "cooldown"
)

// LevelTrigger names why a LevelChange happened.
type LevelTrigger string

const (
	TriggerManualOverride     LevelTrigger = "manual_override"
	TriggerRiskBreach         LevelTrigger = "risk_breach"
	TriggerPerformanceUpgrade LevelTrigger = "performance_upgrade"
	TriggerPerformanceCooldown LevelTrigger = "performance_cooldown"
	TriggerCustomPrefix       LevelTrigger = "custom"
)

// TradingVehicleCategory is the instrument kind.
type TradingVehicleCategory string

const (
	VehicleStock TradingVehicleCategory = "stock"
	VehicleCrypto TradingVehicleCategory = "crypto"
	VehicleFiat  TradingVehicleCategory = "fiat"
)

// TradeCategory is the trade's directional side.
type TradeCategory string

const (
	TradeLong  TradeCategory = "long"
	TradeShort TradeCategory = "short"
)

// TradeStatus is the trade lifecycle's tagged state, see spec §4.6.
type TradeStatus string

const (
	TradeNew            TradeStatus = "new"
	TradeFunded         TradeStatus = "funded"
	TradeSubmitted      TradeStatus = "submitted"
	TradeFilled         TradeStatus = "filled"
	TradePartiallyFilled TradeStatus = "partially_filled"
	TradeClosedTarget   TradeStatus = "closed_target"
	TradeClosedStopLoss TradeStatus = "closed_stop_loss"
	TradeCanceled       TradeStatus = "canceled"
)

// IsTerminal reports whether status admits no further transition.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case TradeClosedTarget, TradeClosedStopLoss, TradeCanceled:
		return true
	default:
		return false
	}
}

// OrderCategory is the order type.
type OrderCategory string

const (
	OrderMarket OrderCategory = "market"
	OrderLimit  OrderCategory = "limit"
	OrderStop   OrderCategory = "stop"
)

// OrderAction is buy or sell.
type OrderAction string

const (
	ActionBuy  OrderAction = "buy"
	ActionSell OrderAction = "sell"
)

// OrderStatus is the broker-reported order state.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderHeld            OrderStatus = "held"
	OrderAccepted        OrderStatus = "accepted"
	OrderPendingNew      OrderStatus = "pending_new"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderExpired         OrderStatus = "expired"
	OrderRejected        OrderStatus = "rejected"
)

// TimeInForce is the order's validity window.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// TransactionCategory is the ledger posting category; see spec §3 for the
// sign-on-total_available table each of these implies.
type TransactionCategory string

const (
	CategoryDeposit                 TransactionCategory = "deposit"
	CategoryWithdrawal              TransactionCategory = "withdrawal"
	CategoryFundTrade               TransactionCategory = "fund_trade"
	CategoryPaymentFromTrade        TransactionCategory = "payment_from_trade"
	CategoryOpenTrade               TransactionCategory = "open_trade"
	CategoryCloseTarget             TransactionCategory = "close_target"
	CategoryCloseSafetyStop         TransactionCategory = "close_safety_stop"
	CategoryCloseSafetyStopSlippage TransactionCategory = "close_safety_stop_slippage"
	CategoryFeeOpen                 TransactionCategory = "fee_open"
	CategoryFeeClose                TransactionCategory = "fee_close"
	CategoryWithdrawalEarnings      TransactionCategory = "withdrawal_earnings"
	CategoryWithdrawalTax           TransactionCategory = "withdrawal_tax"
	CategoryPaymentTax              TransactionCategory = "payment_tax"
)

// AvailableSign returns +1, -1 or 0 for the category's effect on
// total_available, per the sign table in spec §3. Internal markers
// (OpenTrade, Close*) return 0: they record trade-level facts but do not
// themselves move available cash (the paired PaymentFromTrade does that).
func (c TransactionCategory) AvailableSign() int {
	switch c {
	case CategoryDeposit, CategoryPaymentFromTrade:
		return 1
	case CategoryWithdrawal, CategoryFundTrade, CategoryFeeOpen, CategoryFeeClose,
		CategoryWithdrawalEarnings, CategoryWithdrawalTax, CategoryPaymentTax:
		return -1
	default:
		return 0
	}
}
