package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferState tracks a single transfer through the coordinator.
type TransferState string

const (
	TransferInitiated TransferState = "INITIATED"
	TransferValidated TransferState = "VALIDATED"
	TransferDebited   TransferState = "DEBITED"
	TransferCredited  TransferState = "CREDITED"
	TransferLedgered  TransferState = "LEDGERED"
	TransferCompleted TransferState = "COMPLETED"
	TransferReversed  TransferState = "REVERSED"
	TransferFailed    TransferState = "FAILED"
)

var transferTransitions = map[TransferState][]TransferState{
	TransferInitiated: {TransferValidated, TransferFailed},
	TransferValidated: {TransferDebited, TransferFailed},
	TransferDebited:   {TransferCredited, TransferReversed},
	TransferCredited:  {TransferLedgered, TransferReversed},
	TransferLedgered:  {TransferCompleted},
	TransferReversed:  {TransferFailed},
}

func (s TransferState) CanTransitionTo(next TransferState) bool {
	for _, allowed := range transferTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Advance returns next if the transition from s is allowed.
func (s TransferState) Advance(next TransferState) (TransferState, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("illegal transfer transition %s -> %s", s, next)
	}
	return next, nil
}

// TransferResult is what the coordinator hands back for a transfer.
// Outgoing is the TRANSFER_OUT leg seen by the initiating caller.
type TransferResult struct {
	ReferenceID string
	State       TransferState
	Outgoing    *Transaction
	Incoming    *Transaction
}

// ReconciliationRecord is written when a transfer could not be driven to
// COMPLETED or REVERSED and needs an operator.
type ReconciliationRecord struct {
	ID                   uuid.UUID       `json:"id"`
	ReferenceID          string          `json:"referenceId"`
	SourceAccountID      uuid.UUID       `json:"sourceAccountId"`
	DestinationAccountID uuid.UUID       `json:"destinationAccountId"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Stage                TransferState   `json:"stage"`
	Reason               string          `json:"reason"`
	Resolved             bool            `json:"resolved"`
	CreatedAt            time.Time       `json:"createdAt"`
}

type ReconciliationRepository interface {
	CreateRecord(ctx context.Context, record *ReconciliationRecord) error
	ListOpenRecords(ctx context.Context) ([]*ReconciliationRecord, error)
}
