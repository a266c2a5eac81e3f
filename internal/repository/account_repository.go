package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"banking-ledger/internal/domain"
	"banking-ledger/internal/errors"
)

const accountColumns = `id, account_number, owner_id, account_type, balance, currency, status, created_at, updated_at`

type accountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:     db,
		logger: logger,
	}
}

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query,
		account.ID,
		account.AccountNumber,
		account.OwnerID,
		account.AccountType,
		account.Balance,
		account.Currency,
		account.Status,
		now,
		now,
	)

	if err != nil {
		if isUniqueViolation(err, "") {
			r.logger.Warn("Duplicate account creation attempt", "account_id", account.ID, "account_number", account.AccountNumber)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create account", "account_id", account.ID, "error", err)
		return translateError(err, "failed to create account")
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	r.logger.Info("Account created successfully", "account_id", account.ID)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account", "account_id", id, "error", err)
		return nil, translateError(err, "failed to get account")
	}
	return account, nil
}

func (r *accountRepository) GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_number = $1`

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, accountNumber))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account by number", "account_number", accountNumber, "error", err)
		return nil, translateError(err, "failed to get account")
	}
	return account, nil
}

func (r *accountRepository) ListAccountsByOwner(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE owner_id = $1 ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		r.logger.Error("Failed to list accounts", "owner_id", ownerID, "error", err)
		return nil, translateError(err, "failed to list accounts")
	}
	defer rows.Close()

	accounts := make([]*domain.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, translateError(err, "failed to scan account")
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, "failed to list accounts")
	}
	return accounts, nil
}

// CompareAndDebit relies on a single conditional UPDATE so concurrent debits
// serialize on the row lock and can never drive the balance below the floor.
func (r *accountRepository) CompareAndDebit(ctx context.Context, id uuid.UUID, amount, expectedMinBalance decimal.Decimal) (*domain.Account, error) {
	query := `
		UPDATE accounts
		SET balance = balance - $2, updated_at = $4
		WHERE id = $1 AND status = 'ACTIVE' AND balance - $2 >= $3
		RETURNING ` + accountColumns

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id, amount, expectedMinBalance, time.Now().UTC()))
	if err == nil {
		r.logger.Debug("Account debited", "account_id", id, "amount", amount, "new_balance", account.Balance)
		return account, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		r.logger.Error("Failed to debit account", "account_id", id, "amount", amount, "error", err)
		return nil, translateError(err, "failed to debit account")
	}

	current, getErr := r.GetAccount(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if !current.IsActive() {
		return nil, errors.ErrAccountNotActive.WithDetails("account " + id.String() + " is " + string(current.Status))
	}
	r.logger.Warn("Insufficient funds", "account_id", id, "balance", current.Balance, "amount", amount)
	return nil, errors.ErrInsufficientFunds
}

func (r *accountRepository) Credit(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (*domain.Account, error) {
	query := `
		UPDATE accounts
		SET balance = balance + $2, updated_at = $3
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING ` + accountColumns

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id, amount, time.Now().UTC()))
	if err == nil {
		r.logger.Debug("Account credited", "account_id", id, "amount", amount, "new_balance", account.Balance)
		return account, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		r.logger.Error("Failed to credit account", "account_id", id, "amount", amount, "error", err)
		return nil, translateError(err, "failed to credit account")
	}

	current, getErr := r.GetAccount(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, errors.ErrAccountNotActive.WithDetails("account " + id.String() + " is " + string(current.Status))
}

// UpdateAccountStatus refuses to close an account that still holds funds.
func (r *accountRepository) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) (*domain.Account, error) {
	query := `
		UPDATE accounts
		SET status = $2::VARCHAR, updated_at = $3
		WHERE id = $1 AND ($2::VARCHAR <> 'CLOSED' OR balance = 0)
		RETURNING ` + accountColumns

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id, status, time.Now().UTC()))
	if err == nil {
		r.logger.Info("Account status updated", "account_id", id, "status", status)
		return account, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		r.logger.Error("Failed to update account status", "account_id", id, "status", status, "error", err)
		return nil, translateError(err, "failed to update account status")
	}

	if _, getErr := r.GetAccount(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, errors.ErrAccountNotEmpty
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.AccountNumber,
		&account.OwnerID,
		&account.AccountType,
		&account.Balance,
		&account.Currency,
		&account.Status,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}
