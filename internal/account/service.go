package account

import (
	"context"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/ledger"
	"github.com/matiasvillaverde/trust/internal/money"
	"github.com/matiasvillaverde/trust/internal/trusterr"
)

// Service wraps Repository with the deposit/withdrawal/transfer contracts
// of spec §4.3.
type Service struct {
	repo   *Repository
	ledger *ledger.Repository
}

// NewService builds a Service over the given repositories.
func NewService(repo *Repository, ledgerRepo *ledger.Repository) *Service {
	return &Service{repo: repo, ledger: ledgerRepo}
}

// Deposit adds funds to an account's per-currency balance. amount must be
// strictly positive.
func (s *Service) Deposit(ctx context.Context, accountID string, currency domain.Currency, amount money.Amount) error {
	if !amount.IsPositive() {
		return trusterr.Validation("account.Deposit", "amount must be positive")
	}
	if acc, err := s.repo.Get(ctx, accountID); err != nil {
		return err
	} else if acc == nil {
		return trusterr.Validation("account.Deposit", "account %s does not exist", accountID)
	}
	_, err := s.ledger.Post(ctx, ledger.Posting{AccountID: accountID, Currency: currency, Amount: amount, Category: domain.CategoryDeposit})
	return err
}

// Withdraw removes funds, requiring amount <= total_available.
func (s *Service) Withdraw(ctx context.Context, accountID string, currency domain.Currency, amount money.Amount) error {
	if !amount.IsPositive() {
		return trusterr.Validation("account.Withdraw", "amount must be positive")
	}
	_, err := s.ledger.Post(ctx, ledger.Posting{AccountID: accountID, Currency: currency, Amount: amount, Category: domain.CategoryWithdrawal})
	return err
}

// Transfer moves funds between two distinct existing accounts as one
// atomic paired posting (Withdrawal on from, Deposit on to).
func (s *Service) Transfer(ctx context.Context, fromAccountID, toAccountID string, currency domain.Currency, amount money.Amount) error {
	if fromAccountID == toAccountID {
		return trusterr.Validation("account.Transfer", "from and to accounts must differ")
	}
	if !amount.IsPositive() {
		return trusterr.Validation("account.Transfer", "amount must be positive")
	}
	for _, id := range []string{fromAccountID, toAccountID} {
		acc, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if acc == nil {
			return trusterr.Validation("account.Transfer", "account %s does not exist", id)
		}
	}
	_, err := s.ledger.PostManyAtomic(ctx, []ledger.Posting{
		{AccountID: fromAccountID, Currency: currency, Amount: amount, Category: domain.CategoryWithdrawal},
		{AccountID: toAccountID, Currency: currency, Amount: amount, Category: domain.CategoryDeposit},
	})
	return err
}
