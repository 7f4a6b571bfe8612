// Package facade implements the single entry point external collaborators
// (the CLI, the HTTP reporting surface, the websocket watch view) use to
// reach the core (C10). It groups account, rule, trading-vehicle, trade
// lifecycle, level and distribution operations behind one surface and
// wraps every mutating method with the protected-mutation gate.
//
// Grounded on the teacher's internal/services/trade_execution_service.go
// (a service constructed from narrow, already-built repository/service
// dependencies rather than raw connections) and on spec §9's design note:
// the gate is modelled as an explicit single-use capability passed into
// each call, not a process-wide boolean, removing the original's
// action-at-a-distance. A MutationToken is consumed — marked used — the
// instant a guarded call accepts it, whether that call goes on to succeed
// or fail, matching spec §4.10's "consumed on success or failure" rule.
package facade

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/account"
	"github.com/matiasvillaverde/trust/internal/distribution"
	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/ledger"
	"github.com/matiasvillaverde/trust/internal/level"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/reconciler"
	"github.com/matiasvillaverde/trust/internal/rule"
	"github.com/matiasvillaverde/trust/internal/trade"
	"github.com/matiasvillaverde/trust/internal/trusterr"
	"github.com/matiasvillaverde/trust/internal/vehicle"
)

// MutationToken is a single-use capability authorising exactly one
// protected mutation. The operator mints one out-of-band (CLI prompt,
// keychain confirmation per spec §4.10) and passes it into the one call
// it authorises; a second call with the same token is rejected.
type MutationToken struct {
	mu     sync.Mutex
	issued time.Time
	used   bool
}

// NewMutationToken mints a fresh, unconsumed token.
func NewMutationToken() *MutationToken {
	return &MutationToken{issued: time.Now().UTC()}
}

// consume marks tok used, rejecting a nil or already-consumed token. Every
// protected method calls this before doing any other work, so the token
// is burned regardless of whether the guarded operation itself succeeds.
func consume(op string, tok *MutationToken) error {
	if tok == nil {
		return trusterr.Gate(op, "protected mutation requires a token")
	}
	tok.mu.Lock()
	defer tok.mu.Unlock()
	if tok.used {
		return trusterr.Gate(op, "mutation token already consumed")
	}
	tok.used = true
	return nil
}

// Facade is the sole entry point wiring every core component.
type Facade struct {
	accounts    *account.Repository
	accountSvc  *account.Service
	ledger      *ledger.Repository
	rules       *rule.Repository
	vehicles    *vehicle.Repository
	trades      *trade.Repository
	tradeSvc    *trade.Service
	levels      *level.Repository
	reconciler  *reconciler.Service
	distRules   *distribution.Repository
	distSvc     *distribution.Service

	distributionPasswordHash string
	log                      zerolog.Logger
}

// Deps bundles every repository/service Facade wires. Each field is built
// once at startup (cmd/trustd) and shared; Facade itself holds no
// database handle of its own.
type Deps struct {
	Accounts           *account.Repository
	AccountService     *account.Service
	Ledger             *ledger.Repository
	Rules              *rule.Repository
	Vehicles           *vehicle.Repository
	Trades             *trade.Repository
	TradeService       *trade.Service
	Levels             *level.Repository
	Reconciler         *reconciler.Service
	DistributionRules  *distribution.Repository
	DistributionService *distribution.Service

	// DistributionConfigPassword gates ConfigureDistribution beyond the
	// per-call MutationToken, per config.Config.DistributionConfigPassword.
	// Empty disables the extra check (local/dev use).
	DistributionConfigPassword string

	Log zerolog.Logger
}

// New builds a Facade from Deps.
func New(d Deps) *Facade {
	hash := ""
	if d.DistributionConfigPassword != "" {
		hash = distribution.HashPassword(d.DistributionConfigPassword)
	}
	return &Facade{
		accounts: d.Accounts, accountSvc: d.AccountService, ledger: d.Ledger, rules: d.Rules, vehicles: d.Vehicles,
		trades: d.Trades, tradeSvc: d.TradeService, levels: d.Levels, reconciler: d.Reconciler,
		distRules: d.DistributionRules, distSvc: d.DistributionService,
		distributionPasswordHash: hash,
		log:                      d.Log.With().Str("component", "facade").Logger(),
	}
}

// --- Account CRUD --------------------------------------------------------

// CreateAccount is a protected mutation.
func (f *Facade) CreateAccount(ctx context.Context, tok *MutationToken, a *account.Account) error {
	if err := consume("facade.CreateAccount", tok); err != nil {
		return err
	}
	return f.accounts.Create(ctx, a)
}

// GetAccount is a read projection.
func (f *Facade) GetAccount(ctx context.Context, id string) (*account.Account, error) {
	return f.accounts.Get(ctx, id)
}

// GetAccountBalance is a read projection.
func (f *Facade) GetAccountBalance(ctx context.Context, accountID string, currency domain.Currency) (*account.Balance, error) {
	return f.accounts.GetBalance(ctx, f.ledger, accountID, currency)
}

// GetAccountTransactions returns every posting for accountID across every
// currency it has ever posted in (§9 open question 9), not just USD.
func (f *Facade) GetAccountTransactions(ctx context.Context, accountID string) ([]*ledger.Transaction, error) {
	currencies, err := f.accounts.AllCurrencies(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var out []*ledger.Transaction
	for _, c := range currencies {
		txs, err := f.ledger.ReadForAccountCurrency(ctx, accountID, c)
		if err != nil {
			return nil, err
		}
		out = append(out, txs...)
	}
	return out, nil
}

// Deposit is a protected mutation.
func (f *Facade) Deposit(ctx context.Context, tok *MutationToken, accountID string, currency domain.Currency, amount money.Amount) error {
	if err := consume("facade.Deposit", tok); err != nil {
		return err
	}
	return f.accountSvc.Deposit(ctx, accountID, currency, amount)
}

// Withdraw is a protected mutation.
func (f *Facade) Withdraw(ctx context.Context, tok *MutationToken, accountID string, currency domain.Currency, amount money.Amount) error {
	if err := consume("facade.Withdraw", tok); err != nil {
		return err
	}
	return f.accountSvc.Withdraw(ctx, accountID, currency, amount)
}

// Transfer is a protected mutation.
func (f *Facade) Transfer(ctx context.Context, tok *MutationToken, fromAccountID, toAccountID string, currency domain.Currency, amount money.Amount) error {
	if err := consume("facade.Transfer", tok); err != nil {
		return err
	}
	return f.accountSvc.Transfer(ctx, fromAccountID, toAccountID, currency, amount)
}

// --- Rule CRUD ------------------------------------------------------------

// CreateRule is a protected mutation.
func (f *Facade) CreateRule(ctx context.Context, tok *MutationToken, r *rule.Rule) error {
	if err := consume("facade.CreateRule", tok); err != nil {
		return err
	}
	return f.rules.Create(ctx, r)
}

// DeactivateRule is a protected mutation.
func (f *Facade) DeactivateRule(ctx context.Context, tok *MutationToken, ruleID string) error {
	if err := consume("facade.DeactivateRule", tok); err != nil {
		return err
	}
	return f.rules.Deactivate(ctx, ruleID)
}

// GetActiveRule is a read projection.
func (f *Facade) GetActiveRule(ctx context.Context, accountID string, name domain.RuleName) (*rule.Rule, error) {
	return f.rules.ActiveRule(ctx, accountID, name)
}

// --- Trading vehicle CRUD / upsert -----------------------------------------

// UpsertVehicle is a protected mutation.
func (f *Facade) UpsertVehicle(ctx context.Context, tok *MutationToken, v *vehicle.Vehicle) (*vehicle.Vehicle, error) {
	if err := consume("facade.UpsertVehicle", tok); err != nil {
		return nil, err
	}
	return f.vehicles.Upsert(ctx, v)
}

// GetVehicle is a read projection.
func (f *Facade) GetVehicle(ctx context.Context, id string) (*vehicle.Vehicle, error) {
	return f.vehicles.Get(ctx, id)
}

// ListVehicles is a read projection.
func (f *Facade) ListVehicles(ctx context.Context) ([]*vehicle.Vehicle, error) {
	return f.vehicles.List(ctx)
}

// --- Trade lifecycle --------------------------------------------------------

// CreateTrade is a protected mutation: the new trade starts in New, not
// yet risk-evaluated (that happens at Fund).
func (f *Facade) CreateTrade(ctx context.Context, tok *MutationToken, d trade.Draft) (*trade.Trade, error) {
	if err := consume("facade.CreateTrade", tok); err != nil {
		return nil, err
	}
	return f.trades.Create(ctx, d)
}

// GetTrade is a read projection.
func (f *Facade) GetTrade(ctx context.Context, id string) (*trade.Trade, error) {
	return f.trades.Get(ctx, id)
}

// PreviewSize is a read projection: position sizing against the account's
// current level (spec §4.5 size-preview API). Its only write is the
// default level row GetOrInit inserts for an account seen for the first
// time.
func (f *Facade) PreviewSize(ctx context.Context, accountID string, currency domain.Currency, entry, stop money.Amount) (trade.SizePreview, error) {
	lvl, err := f.levels.GetOrInit(ctx, accountID)
	if err != nil {
		return trade.SizePreview{}, err
	}
	return f.tradeSvc.PreviewSize(ctx, accountID, currency, entry, stop, *lvl)
}

// FundTrade is a protected mutation.
func (f *Facade) FundTrade(ctx context.Context, tok *MutationToken, tradeID string) (*trade.Trade, error) {
	if err := consume("facade.FundTrade", tok); err != nil {
		return nil, err
	}
	return f.tradeSvc.Fund(ctx, tradeID)
}

// SubmitTrade is a protected mutation.
func (f *Facade) SubmitTrade(ctx context.Context, tok *MutationToken, tradeID string) (*trade.Trade, error) {
	if err := consume("facade.SubmitTrade", tok); err != nil {
		return nil, err
	}
	return f.tradeSvc.Submit(ctx, tradeID)
}

// SyncTrade is a protected mutation: it may write ledger postings and
// transition trade/order status. The poller (§5: "invoking sync_trade
// through the same facade, which serialises the reconciliation step")
// calls this with a fresh token per trade each sweep.
func (f *Facade) SyncTrade(ctx context.Context, tok *MutationToken, tradeID string) (*reconciler.Outcome, error) {
	if err := consume("facade.SyncTrade", tok); err != nil {
		return nil, err
	}
	return f.reconciler.ReconcileOne(ctx, tradeID)
}

// CancelFunded is a protected mutation.
func (f *Facade) CancelFunded(ctx context.Context, tok *MutationToken, tradeID string) (*trade.Trade, error) {
	if err := consume("facade.CancelFunded", tok); err != nil {
		return nil, err
	}
	return f.tradeSvc.CancelFunded(ctx, tradeID)
}

// CancelSubmitted is a protected mutation.
func (f *Facade) CancelSubmitted(ctx context.Context, tok *MutationToken, tradeID string) (*trade.Trade, error) {
	if err := consume("facade.CancelSubmitted", tok); err != nil {
		return nil, err
	}
	return f.tradeSvc.CancelSubmitted(ctx, tradeID)
}

// CloseTrade is a protected mutation.
func (f *Facade) CloseTrade(ctx context.Context, tok *MutationToken, tradeID string) (*trade.Trade, error) {
	if err := consume("facade.CloseTrade", tok); err != nil {
		return nil, err
	}
	return f.tradeSvc.CloseTrade(ctx, tradeID)
}

// ModifyStop is a protected mutation.
func (f *Facade) ModifyStop(ctx context.Context, tok *MutationToken, tradeID string, newPrice money.Amount) (*trade.Trade, error) {
	if err := consume("facade.ModifyStop", tok); err != nil {
		return nil, err
	}
	return f.tradeSvc.ModifyStop(ctx, tradeID, newPrice)
}

// ModifyTarget is a protected mutation.
func (f *Facade) ModifyTarget(ctx context.Context, tok *MutationToken, tradeID string, newPrice money.Amount) (*trade.Trade, error) {
	if err := consume("facade.ModifyTarget", tok); err != nil {
		return nil, err
	}
	return f.tradeSvc.ModifyTarget(ctx, tradeID, newPrice)
}

// --- Risk / level ------------------------------------------------------------

// GetLevel is a read projection, initialising the default L3/Normal row
// for an account seen for the first time.
func (f *Facade) GetLevel(ctx context.Context, accountID string) (*level.Level, error) {
	return f.levels.GetOrInit(ctx, accountID)
}

// BuildLevelSnapshot is a read projection: derives the trailing
// performance snapshot EvaluateLevel consumes from the account's recently
// closed trades, rather than requiring the caller to assemble it by hand.
func (f *Facade) BuildLevelSnapshot(ctx context.Context, accountID string, currency domain.Currency) (level.Snapshot, error) {
	return f.tradeSvc.LevelSnapshot(ctx, accountID, currency, level.EvaluationWindowDays)
}

// EvaluateLevel is a read projection: runs the transition policy without
// applying anything, returning both a candidate Decision (if any) and the
// distance-to-threshold ProgressReport.
func (f *Facade) EvaluateLevel(ctx context.Context, accountID string, rules level.AdjustmentRules, snap level.Snapshot) (*level.Decision, level.ProgressReport, error) {
	lvl, err := f.levels.GetOrInit(ctx, accountID)
	if err != nil {
		return nil, level.ProgressReport{}, err
	}
	decision, report := level.Evaluate(*lvl, rules, snap)
	return decision, report, nil
}

// ApplyLevelDecision is a protected mutation: applies a Decision
// previously returned by EvaluateLevel, atomically updating the Level row
// and appending a LevelChange.
func (f *Facade) ApplyLevelDecision(ctx context.Context, tok *MutationToken, accountID string, rules level.AdjustmentRules, decision *level.Decision) (*level.LevelChange, error) {
	if err := consume("facade.ApplyLevelDecision", tok); err != nil {
		return nil, err
	}
	lvl, err := f.levels.GetOrInit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return f.levels.Apply(ctx, lvl, rules, decision)
}

// SetLevelManualOverride is a protected mutation for an operator-driven
// level change outside the automatic policy (domain.TriggerManualOverride).
func (f *Facade) SetLevelManualOverride(ctx context.Context, tok *MutationToken, accountID string, targetLevel int, reason string) (*level.LevelChange, error) {
	if err := consume("facade.SetLevelManualOverride", tok); err != nil {
		return nil, err
	}
	lvl, err := f.levels.GetOrInit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	direction := level.DirectionUpgrade
	if targetLevel < lvl.CurrentLevel {
		direction = level.DirectionDowngrade
	}
	decision := &level.Decision{TargetLevel: targetLevel, Reason: reason, Trigger: domain.TriggerManualOverride, Direction: direction}
	return f.levels.Apply(ctx, lvl, level.DefaultAdjustmentRules(accountID), decision)
}

// --- Distribution ------------------------------------------------------------

// ConfigureDistribution is a protected mutation additionally gated by the
// operator's distribution configuration password (spec §6: distribution
// configure is the one facade surface needing an out-of-band confirmation
// beyond the per-call token). If no DistributionConfigPassword was
// configured at startup, this extra check is skipped.
func (f *Facade) ConfigureDistribution(ctx context.Context, tok *MutationToken, password string, rules *distribution.Rules) error {
	if err := consume("facade.ConfigureDistribution", tok); err != nil {
		return err
	}
	if f.distributionPasswordHash != "" && distribution.HashPassword(password) != f.distributionPasswordHash {
		return trusterr.Gate("facade.ConfigureDistribution", "distribution configuration password mismatch")
	}
	rules.ConfigurationPasswordHash = f.distributionPasswordHash
	return f.distRules.Configure(ctx, rules)
}

// ExecuteDistribution is a protected mutation.
func (f *Facade) ExecuteDistribution(ctx context.Context, tok *MutationToken, plan distribution.Plan) (*distribution.History, error) {
	if err := consume("facade.ExecuteDistribution", tok); err != nil {
		return nil, err
	}
	return f.distSvc.Execute(ctx, plan)
}

// GetDistributionHistory is a read projection.
func (f *Facade) GetDistributionHistory(ctx context.Context, sourceAccountID string) ([]*distribution.History, error) {
	return f.distRules.ForSourceAccount(ctx, sourceAccountID)
}

// --- Reporting projections --------------------------------------------------

// CalculateOpenPositions aggregates open trades for accountID, or across
// every account when accountID is nil (§9 open question 10).
func (f *Facade) CalculateOpenPositions(ctx context.Context, accountID *string) ([]*trade.Trade, error) {
	if accountID == nil {
		return f.trades.ListAllOpen(ctx)
	}
	return f.trades.ListOpenByAccount(ctx, *accountID)
}
