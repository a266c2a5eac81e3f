package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"banking-ledger/internal/domain"
)

type reconciliationRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewReconciliationRepository(db SQLExecutor, logger *slog.Logger) domain.ReconciliationRepository {
	return &reconciliationRepository{
		db:     db,
		logger: logger,
	}
}

func (r *reconciliationRepository) CreateRecord(ctx context.Context, record *domain.ReconciliationRecord) error {
	query := `
		INSERT INTO reconciliation_records
		(id, reference_id, source_account_id, destination_account_id, amount, currency, stage, reason, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
	`

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.ReferenceID,
		record.SourceAccountID,
		record.DestinationAccountID,
		record.Amount,
		record.Currency,
		record.Stage,
		record.Reason,
		record.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to write reconciliation record", "reference_id", record.ReferenceID, "error", err)
		return translateError(err, "failed to write reconciliation record")
	}
	return nil
}

func (r *reconciliationRepository) ListOpenRecords(ctx context.Context) ([]*domain.ReconciliationRecord, error) {
	query := `
		SELECT id, reference_id, source_account_id, destination_account_id, amount, currency, stage, reason, resolved, created_at
		FROM reconciliation_records
		WHERE NOT resolved
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, translateError(err, "failed to list reconciliation records")
	}
	defer rows.Close()

	records := make([]*domain.ReconciliationRecord, 0)
	for rows.Next() {
		var rec domain.ReconciliationRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.ReferenceID,
			&rec.SourceAccountID,
			&rec.DestinationAccountID,
			&rec.Amount,
			&rec.Currency,
			&rec.Stage,
			&rec.Reason,
			&rec.Resolved,
			&rec.CreatedAt,
		); err != nil {
			return nil, translateError(err, "failed to scan reconciliation record")
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, "failed to list reconciliation records")
	}
	return records, nil
}
