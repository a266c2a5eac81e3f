// Package events publishes ledger activity to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"banking-ledger/internal/domain"
)

const (
	TransactionCompleted   = "TRANSACTION_COMPLETED"
	TransactionFailed      = "TRANSACTION_FAILED"
	ReconciliationRequired = "RECONCILIATION_REQUIRED"
)

// Publisher delivers an event to topic. Key is used for partitioning.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
	Close() error
}

type TransactionEvent struct {
	EventType     string                   `json:"eventType"`
	TransactionID string                   `json:"transactionId"`
	AccountID     string                   `json:"accountId"`
	ReferenceID   string                   `json:"referenceId,omitempty"`
	Type          domain.TransactionType   `json:"type"`
	Status        domain.TransactionStatus `json:"status"`
	Amount        decimal.Decimal          `json:"amount"`
	Currency      string                   `json:"currency"`
	OccurredAt    time.Time                `json:"occurredAt"`
}

func NewTransactionEvent(tx *domain.Transaction) TransactionEvent {
	eventType := TransactionCompleted
	if tx.Status == domain.TransactionStatusFailed {
		eventType = TransactionFailed
	}
	return TransactionEvent{
		EventType:     eventType,
		TransactionID: tx.ID.String(),
		AccountID:     tx.AccountID.String(),
		ReferenceID:   tx.ReferenceID,
		Type:          tx.Type,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		OccurredAt:    time.Now().UTC(),
	}
}

type ReconciliationEvent struct {
	EventType            string               `json:"eventType"`
	RecordID             string               `json:"recordId"`
	ReferenceID          string               `json:"referenceId"`
	SourceAccountID      string               `json:"sourceAccountId"`
	DestinationAccountID string               `json:"destinationAccountId"`
	Amount               decimal.Decimal      `json:"amount"`
	Currency             string               `json:"currency"`
	Stage                domain.TransferState `json:"stage"`
	Reason               string               `json:"reason"`
	OccurredAt           time.Time            `json:"occurredAt"`
}

func NewReconciliationEvent(rec *domain.ReconciliationRecord) ReconciliationEvent {
	return ReconciliationEvent{
		EventType:            ReconciliationRequired,
		RecordID:             rec.ID.String(),
		ReferenceID:          rec.ReferenceID,
		SourceAccountID:      rec.SourceAccountID.String(),
		DestinationAccountID: rec.DestinationAccountID.String(),
		Amount:               rec.Amount,
		Currency:             rec.Currency,
		Stage:                rec.Stage,
		Reason:               rec.Reason,
		OccurredAt:           time.Now().UTC(),
	}
}

// Discard drops every event. Used when no brokers are configured.
type Discard struct{}

func (Discard) Publish(context.Context, string, string, any) error { return nil }

func (Discard) Close() error { return nil }
