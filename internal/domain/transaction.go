package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeDeposit     TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal  TransactionType = "WITHDRAWAL"
	TransactionTypePayment     TransactionType = "PAYMENT"
	TransactionTypeTransferIn  TransactionType = "TRANSFER_IN"
	TransactionTypeTransferOut TransactionType = "TRANSFER_OUT"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
)

// IsTerminal reports whether no further status change is allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s != TransactionStatusPending
}

// Transaction is one immutable ledger entry: a single-account balance effect.
// AccountID is the account whose balance the entry describes.
type Transaction struct {
	ID            uuid.UUID         `json:"id"`
	AccountID     uuid.UUID         `json:"accountId"`
	FromAccountID *uuid.UUID        `json:"fromAccountId,omitempty"`
	ToAccountID   *uuid.UUID        `json:"toAccountId,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	Description   string            `json:"description"`
	Reference     string            `json:"reference"`
	ReferenceID   string            `json:"referenceId,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// TransactionDraft carries the immutable part of a ledger entry before it is appended.
type TransactionDraft struct {
	AccountID     uuid.UUID
	FromAccountID *uuid.UUID
	ToAccountID   *uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	Type          TransactionType
	Description   string
	Reference     string
	ReferenceID   string
}

// TransactionRepository is the Ledger. Entries are append-only; only status
// (and completion/failure metadata) changes, and only out of PENDING.
type TransactionRepository interface {
	Append(ctx context.Context, draft TransactionDraft) (*Transaction, error)

	// AppendPair appends both legs of a transfer atomically.
	AppendPair(ctx context.Context, debit, credit TransactionDraft) (*Transaction, *Transaction, error)

	Complete(ctx context.Context, id uuid.UUID) (*Transaction, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) (*Transaction, error)

	// CompleteReference and FailReference move every PENDING entry sharing
	// referenceID in a single step.
	CompleteReference(ctx context.Context, referenceID string) ([]*Transaction, error)
	FailReference(ctx context.Context, referenceID, reason string) ([]*Transaction, error)

	GetTransactionByID(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// ListByAccounts returns entries owned by any of accountIDs, newest first,
	// together with the total count. limit <= 0 returns everything from offset.
	ListByAccounts(ctx context.Context, accountIDs []uuid.UUID, limit, offset int) ([]*Transaction, int, error)
}
