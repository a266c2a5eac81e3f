package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"banking-ledger/internal/domain"
	"banking-ledger/internal/errors"
	"banking-ledger/internal/events"
)

const (
	defaultCurrency          = "EUR"
	accountNumberMaxAttempts = 5
)

type AccountService struct {
	accounts     domain.AccountRepository
	transactions domain.TransactionRepository
	reconciler   reconciler
	locker       *AccountLocker
	publisher    events.Publisher
	cfg          Config
	logger       *slog.Logger
}

func NewAccountService(repos Repositories, locker *AccountLocker, publisher events.Publisher, cfg Config, logger *slog.Logger) *AccountService {
	return &AccountService{
		accounts:     repos.Accounts,
		transactions: repos.Transactions,
		reconciler:   newReconciler(repos.Reconciliation, cfg),
		locker:       locker,
		publisher:    publisher,
		cfg:          cfg,
		logger:       logger,
	}
}

// Balance is the lightweight view served by the balance endpoint.
type Balance struct {
	AccountID     uuid.UUID       `json:"accountId"`
	AccountNumber string          `json:"accountNumber"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
}

func (s *AccountService) CreateAccount(ctx context.Context, userID string, accountType domain.AccountType, currency string) (*domain.Account, error) {
	s.logger.Info("Creating account", "user_id", userID, "account_type", accountType, "currency", currency)

	if userID == "" {
		return nil, errors.ErrUnauthorized
	}
	if !accountType.Valid() {
		return nil, errors.NewAppError(errors.InvalidInput, "accountType must be one of CHECKING, SAVINGS, BUSINESS").
			WithDetails(string(accountType))
	}

	currency = strings.TrimSpace(currency)
	if currency == "" {
		currency = defaultCurrency
	}
	if !validCurrency(currency) {
		return nil, errors.NewAppError(errors.InvalidInput, "currency must be a 3-letter ISO code").WithDetails(currency)
	}

	for attempt := 1; attempt <= accountNumberMaxAttempts; attempt++ {
		number, err := generateAccountNumber()
		if err != nil {
			return nil, errors.ErrInternal.WithDetails(err.Error())
		}

		account := &domain.Account{
			ID:            uuid.New(),
			AccountNumber: number,
			OwnerID:       userID,
			AccountType:   accountType,
			Balance:       decimal.Zero,
			Currency:      currency,
			Status:        domain.AccountStatusActive,
		}

		err = s.accounts.CreateAccount(ctx, account)
		if err == nil {
			s.logger.Info("Account created", "account_id", account.ID, "account_number", account.AccountNumber)
			return account, nil
		}
		if !errors.IsCode(err, errors.DuplicateAccount) {
			return nil, err
		}
		s.logger.Warn("Account number collision, regenerating", "attempt", attempt)
	}

	return nil, errors.NewAppError(errors.InternalError, "could not allocate a unique account number")
}

func (s *AccountService) ListForUser(ctx context.Context, userID string) ([]*domain.Account, error) {
	if userID == "" {
		return nil, errors.ErrUnauthorized
	}
	return s.accounts.ListAccountsByOwner(ctx, userID)
}

func (s *AccountService) GetAccount(ctx context.Context, userID, accountID string) (*domain.Account, error) {
	id, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	return ownedAccount(ctx, s.accounts, userID, id)
}

func (s *AccountService) GetBalance(ctx context.Context, userID, accountID string) (*Balance, error) {
	account, err := s.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		AccountID:     account.ID,
		AccountNumber: account.AccountNumber,
		Balance:       account.Balance,
		Currency:      account.Currency,
	}, nil
}

func (s *AccountService) Suspend(ctx context.Context, userID, accountID string) (*domain.Account, error) {
	return s.changeStatus(ctx, userID, accountID, domain.AccountStatusSuspended)
}

func (s *AccountService) Activate(ctx context.Context, userID, accountID string) (*domain.Account, error) {
	return s.changeStatus(ctx, userID, accountID, domain.AccountStatusActive)
}

func (s *AccountService) Close(ctx context.Context, userID, accountID string) (*domain.Account, error) {
	return s.changeStatus(ctx, userID, accountID, domain.AccountStatusClosed)
}

// changeStatus holds the account lock so a status change never lands between
// the debit and the credit of a transfer touching the account.
func (s *AccountService) changeStatus(ctx context.Context, userID, accountID string, target domain.AccountStatus) (*domain.Account, error) {
	id, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	if _, err := ownedAccount(ctx, s.accounts, userID, id); err != nil {
		return nil, err
	}

	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(target) {
		return nil, errors.ErrInvalidStateTransition.WithDetails(
			fmt.Sprintf("account is %s, cannot become %s", current.Status, target))
	}

	account, err := s.accounts.UpdateAccountStatus(ctx, id, target)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Account status changed", "account_id", id, "from", current.Status, "to", target)
	return account, nil
}

func (s *AccountService) Deposit(ctx context.Context, userID, accountID string, amount decimal.Decimal, description string) (*domain.Transaction, error) {
	return s.applySingleLeg(ctx, userID, accountID, amount, description, domain.TransactionTypeDeposit)
}

func (s *AccountService) Withdraw(ctx context.Context, userID, accountID string, amount decimal.Decimal, description string) (*domain.Transaction, error) {
	return s.applySingleLeg(ctx, userID, accountID, amount, description, domain.TransactionTypeWithdrawal)
}

// applySingleLeg moves the balance and records one ledger entry under the
// account lock. A failed ledger write undoes the balance change.
func (s *AccountService) applySingleLeg(ctx context.Context, userID, accountID string, amount decimal.Decimal, description string, txType domain.TransactionType) (*domain.Transaction, error) {
	log := s.logger.With("account_id", accountID, "type", txType, "amount", amount)
	log.Info("Processing single-leg transaction")

	id, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	if err := validateAmount(amount, s.cfg.MaxAmount); err != nil {
		return nil, err
	}
	account, err := ownedAccount(ctx, s.accounts, userID, id)
	if err != nil {
		return nil, err
	}
	if !account.IsActive() {
		return nil, errors.ErrAccountNotActive.WithDetails("account is " + string(account.Status))
	}

	if ctx.Err() != nil {
		return nil, errors.ErrRequestCancelled
	}
	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}

	// Past this point the operation runs to completion.
	work := context.WithoutCancel(ctx)
	var out outbox
	tx, err := s.settleSingleLeg(work, log, account, amount, description, txType, &out)
	release()

	out.flush(work, s.publisher, s.logger)
	return tx, err
}

func (s *AccountService) settleSingleLeg(ctx context.Context, log *slog.Logger, account *domain.Account, amount decimal.Decimal, description string, txType domain.TransactionType, out *outbox) (*domain.Transaction, error) {
	apply, undo := s.balanceOps(ctx, account, amount, txType)

	if err := s.cfg.Retry.Do(ctx, log, "apply balance change", apply); err != nil {
		if errors.IsTransient(err) {
			return nil, errors.ErrTransferFailed.WithDetails(err.Error())
		}
		return nil, err
	}

	draft := domain.TransactionDraft{
		AccountID:   account.ID,
		Amount:      amount,
		Currency:    account.Currency,
		Type:        txType,
		Description: singleLegDescription(txType, description),
		Reference:   newReference(),
	}
	if txType == domain.TransactionTypeDeposit {
		draft.ToAccountID = &account.ID
	} else {
		draft.FromAccountID = &account.ID
	}

	var tx *domain.Transaction
	err := s.cfg.Retry.Do(ctx, log, "append ledger entry", func() error {
		var err error
		tx, err = s.transactions.Append(ctx, draft)
		return err
	})
	if err == nil {
		err = s.cfg.Retry.Do(ctx, log, "complete ledger entry", func() error {
			completed, err := s.transactions.Complete(ctx, tx.ID)
			if err == nil {
				tx = completed
			}
			return err
		})
	}
	if err == nil {
		log.Info("Single-leg transaction completed", "transaction_id", tx.ID)
		out.addTransactions(s.cfg.TransactionTopic, tx)
		return tx, nil
	}

	log.Error("Ledger write failed, undoing balance change", "error", err)
	if undoErr := s.cfg.Retry.Do(ctx, log, "undo balance change", undo); undoErr != nil {
		return nil, s.reconciler.escalate(ctx, log, out, &domain.ReconciliationRecord{
			SourceAccountID:      account.ID,
			DestinationAccountID: account.ID,
			Amount:               amount,
			Currency:             account.Currency,
			Stage:                domain.TransferDebited,
			Reason:               fmt.Sprintf("%s ledger write failed: %v; undo failed: %v", txType, err, undoErr),
		})
	}

	if tx != nil {
		if failed, failErr := s.transactions.Fail(ctx, tx.ID, err.Error()); failErr != nil {
			log.Error("Failed to mark ledger entry as failed", "transaction_id", tx.ID, "error", failErr)
		} else {
			out.addTransactions(s.cfg.TransactionTopic, failed)
		}
	}
	return nil, errors.ErrTransferFailed.WithDetails(err.Error())
}

func (s *AccountService) balanceOps(ctx context.Context, account *domain.Account, amount decimal.Decimal, txType domain.TransactionType) (apply, undo func() error) {
	credit := func() error {
		_, err := s.accounts.Credit(ctx, account.ID, amount)
		return err
	}
	debit := func() error {
		_, err := s.accounts.CompareAndDebit(ctx, account.ID, amount, account.MinimumBalance())
		return err
	}
	if txType == domain.TransactionTypeDeposit {
		return credit, debit
	}
	return debit, credit
}

func singleLegDescription(txType domain.TransactionType, description string) string {
	label := "Deposit"
	if txType == domain.TransactionTypeWithdrawal {
		label = "Withdrawal"
	}
	if d := strings.TrimSpace(description); d != "" {
		return label + " - " + d
	}
	return label
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
