package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"banking-ledger/internal/domain"
	"banking-ledger/internal/errors"
)

const transactionColumns = `id, account_id, from_account_id, to_account_id, amount, currency, type, status,
	description, reference, reference_id, failure_reason, created_at, completed_at`

type transactionRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransactionRepository(db SQLExecutor, logger *slog.Logger) domain.TransactionRepository {
	return &transactionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transactionRepository) Append(ctx context.Context, draft domain.TransactionDraft) (*domain.Transaction, error) {
	query := `
		INSERT INTO transactions
		(id, account_id, from_account_id, to_account_id, amount, currency, type, status, description, reference, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + transactionColumns

	args := insertArgs(uuid.New(), draft, time.Now().UTC())
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		r.logger.Error("Failed to append transaction",
			"account_id", draft.AccountID,
			"type", draft.Type,
			"amount", draft.Amount,
			"error", err)
		return nil, translateError(err, "failed to append transaction")
	}

	r.logger.Info("Transaction appended", "transaction_id", tx.ID, "type", tx.Type)
	return tx, nil
}

// AppendPair inserts both legs in one statement, so either both rows exist or neither does.
func (r *transactionRepository) AppendPair(ctx context.Context, debit, credit domain.TransactionDraft) (*domain.Transaction, *domain.Transaction, error) {
	query := `
		INSERT INTO transactions
		(id, account_id, from_account_id, to_account_id, amount, currency, type, status, description, reference, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12),
		       ($13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		RETURNING ` + transactionColumns

	now := time.Now().UTC()
	debitID, creditID := uuid.New(), uuid.New()
	args := append(insertArgs(debitID, debit, now), insertArgs(creditID, credit, now)...)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to append transfer legs", "reference_id", debit.ReferenceID, "error", err)
		return nil, nil, translateError(err, "failed to append transfer legs")
	}

	legs, err := collectTransactions(rows)
	if err != nil {
		r.logger.Error("Failed to append transfer legs", "reference_id", debit.ReferenceID, "error", err)
		return nil, nil, translateError(err, "failed to append transfer legs")
	}

	var out, in *domain.Transaction
	for _, leg := range legs {
		switch leg.ID {
		case debitID:
			out = leg
		case creditID:
			in = leg
		}
	}
	if out == nil || in == nil {
		return nil, nil, errors.NewAppError(errors.InternalError, "transfer legs were not returned")
	}

	r.logger.Info("Transfer legs appended", "reference_id", debit.ReferenceID, "out_id", out.ID, "in_id", in.ID)
	return out, in, nil
}

func (r *transactionRepository) Complete(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `
		UPDATE transactions
		SET status = 'COMPLETED', completed_at = $2
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + transactionColumns

	return r.transition(ctx, id, domain.TransactionStatusCompleted, query, id, time.Now().UTC())
}

func (r *transactionRepository) Fail(ctx context.Context, id uuid.UUID, reason string) (*domain.Transaction, error) {
	query := `
		UPDATE transactions
		SET status = 'FAILED', failure_reason = $2
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + transactionColumns

	return r.transition(ctx, id, domain.TransactionStatusFailed, query, id, reason)
}

func (r *transactionRepository) transition(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, query string, args ...interface{}) (*domain.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		r.logger.Info("Transaction status updated", "transaction_id", id, "status", status)
		return tx, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		r.logger.Error("Failed to update transaction status", "transaction_id", id, "status", status, "error", err)
		return nil, translateError(err, "failed to update transaction status")
	}

	current, getErr := r.GetTransactionByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, errors.ErrInvalidStateTransition.WithDetails(
		"transaction " + id.String() + " is " + string(current.Status) + ", cannot become " + string(status))
}

func (r *transactionRepository) CompleteReference(ctx context.Context, referenceID string) ([]*domain.Transaction, error) {
	query := `
		UPDATE transactions
		SET status = 'COMPLETED', completed_at = $2
		WHERE reference_id = $1 AND status = 'PENDING'
		RETURNING ` + transactionColumns

	return r.transitionReference(ctx, referenceID, domain.TransactionStatusCompleted, query, referenceID, time.Now().UTC())
}

func (r *transactionRepository) FailReference(ctx context.Context, referenceID, reason string) ([]*domain.Transaction, error) {
	query := `
		UPDATE transactions
		SET status = 'FAILED', failure_reason = $2
		WHERE reference_id = $1 AND status = 'PENDING'
		RETURNING ` + transactionColumns

	return r.transitionReference(ctx, referenceID, domain.TransactionStatusFailed, query, referenceID, reason)
}

func (r *transactionRepository) transitionReference(ctx context.Context, referenceID string, status domain.TransactionStatus, query string, args ...interface{}) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to update transfer legs", "reference_id", referenceID, "status", status, "error", err)
		return nil, translateError(err, "failed to update transfer legs")
	}

	legs, err := collectTransactions(rows)
	if err != nil {
		return nil, translateError(err, "failed to update transfer legs")
	}
	if len(legs) == 0 {
		return nil, errors.ErrTransactionNotFound.WithDetails("no pending entries for reference " + referenceID)
	}

	r.logger.Info("Transfer legs updated", "reference_id", referenceID, "status", status, "count", len(legs))
	return legs, nil
}

func (r *transactionRepository) GetTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrTransactionNotFound
		}
		r.logger.Error("Failed to get transaction", "transaction_id", id, "error", err)
		return nil, translateError(err, "failed to get transaction")
	}
	return tx, nil
}

func (r *transactionRepository) ListByAccounts(ctx context.Context, accountIDs []uuid.UUID, limit, offset int) ([]*domain.Transaction, int, error) {
	if len(accountIDs) == 0 {
		return []*domain.Transaction{}, 0, nil
	}

	ids := make([]string, len(accountIDs))
	for i, id := range accountIDs {
		ids[i] = id.String()
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM transactions WHERE account_id = ANY($1::uuid[])`
	if err := r.db.QueryRowContext(ctx, countQuery, pq.Array(ids)).Scan(&total); err != nil {
		r.logger.Error("Failed to count transactions", "account_ids", ids, "error", err)
		return nil, 0, translateError(err, "failed to count transactions")
	}

	if offset < 0 {
		offset = 0
	}

	// LIMIT NULL means no limit.
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = ANY($1::uuid[])
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids), limitArg, offset)
	if err != nil {
		r.logger.Error("Failed to list transactions", "account_ids", ids, "error", err)
		return nil, 0, translateError(err, "failed to list transactions")
	}

	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, translateError(err, "failed to list transactions")
	}
	return txs, total, nil
}

func insertArgs(id uuid.UUID, draft domain.TransactionDraft, createdAt time.Time) []interface{} {
	var referenceID interface{}
	if draft.ReferenceID != "" {
		referenceID = draft.ReferenceID
	}

	return []interface{}{
		id,
		draft.AccountID,
		nullableUUID(draft.FromAccountID),
		nullableUUID(draft.ToAccountID),
		draft.Amount,
		draft.Currency,
		draft.Type,
		domain.TransactionStatusPending,
		draft.Description,
		draft.Reference,
		referenceID,
		createdAt,
	}
}

func nullableUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func collectTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	defer rows.Close()

	txs := make([]*domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx            domain.Transaction
		fromAccountID uuid.NullUUID
		toAccountID   uuid.NullUUID
		referenceID   sql.NullString
		failureReason sql.NullString
		completedAt   sql.NullTime
	)

	err := row.Scan(
		&tx.ID,
		&tx.AccountID,
		&fromAccountID,
		&toAccountID,
		&tx.Amount,
		&tx.Currency,
		&tx.Type,
		&tx.Status,
		&tx.Description,
		&tx.Reference,
		&referenceID,
		&failureReason,
		&tx.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if fromAccountID.Valid {
		id := fromAccountID.UUID
		tx.FromAccountID = &id
	}
	if toAccountID.Valid {
		id := toAccountID.UUID
		tx.ToAccountID = &id
	}
	tx.ReferenceID = referenceID.String
	tx.FailureReason = failureReason.String
	if completedAt.Valid {
		t := completedAt.Time
		tx.CompletedAt = &t
	}

	return &tx, nil
}
