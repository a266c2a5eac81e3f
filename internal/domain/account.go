package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountTypeChecking AccountType = "CHECKING"
	AccountTypeSavings  AccountType = "SAVINGS"
	AccountTypeBusiness AccountType = "BUSINESS"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeChecking, AccountTypeSavings, AccountTypeBusiness:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
	AccountStatusClosed    AccountStatus = "CLOSED"
)

// CanTransitionTo reports whether an account may move from s to next.
// CLOSED is terminal.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	switch s {
	case AccountStatusActive:
		return next == AccountStatusSuspended || next == AccountStatusClosed
	case AccountStatusSuspended:
		return next == AccountStatusActive || next == AccountStatusClosed
	}
	return false
}

type Account struct {
	ID            uuid.UUID       `json:"id"`
	AccountNumber string          `json:"accountNumber"`
	OwnerID       string          `json:"userId"`
	AccountType   AccountType     `json:"accountType"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	Status        AccountStatus   `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// MinimumBalance is the floor a debit may not cross. No account type allows overdraft.
func (a *Account) MinimumBalance() decimal.Decimal {
	return decimal.Zero
}

// AccountRepository is the Account Store. Balance mutations are atomic per account.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	GetAccountByNumber(ctx context.Context, accountNumber string) (*Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error)

	// CompareAndDebit subtracts amount only if the account is ACTIVE and the
	// resulting balance stays at or above expectedMinBalance.
	CompareAndDebit(ctx context.Context, id uuid.UUID, amount, expectedMinBalance decimal.Decimal) (*Account, error)

	// Credit adds amount to an ACTIVE account.
	Credit(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (*Account, error)

	UpdateAccountStatus(ctx context.Context, id uuid.UUID, status AccountStatus) (*Account, error)
}
