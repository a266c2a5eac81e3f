package service

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"banking-ledger/internal/domain"
	"banking-ledger/internal/errors"
	"banking-ledger/internal/events"
)

const publishTimeout = 5 * time.Second

// Repositories groups the stores a service works against. The PostgreSQL
// Store and the memory Store both provide all three.
type Repositories struct {
	Accounts       domain.AccountRepository
	Transactions   domain.TransactionRepository
	Reconciliation domain.ReconciliationRepository
}

type Config struct {
	Retry               RetryPolicy
	MaxAmount           decimal.Decimal
	TransactionTopic    string
	ReconciliationTopic string
}

func parseAccountID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, errors.ErrInvalidAccountID.WithDetails(raw)
	}
	return id, nil
}

// ownedAccount hides accounts of other users behind account_not_found.
func ownedAccount(ctx context.Context, accounts domain.AccountRepository, userID string, id uuid.UUID) (*domain.Account, error) {
	if userID == "" {
		return nil, errors.ErrUnauthorized
	}
	account, err := accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != userID {
		return nil, errors.ErrAccountNotFound
	}
	return account, nil
}

func validateAmount(amount, max decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(domain.MoneyScale)) {
		return errors.NewAppError(errors.InvalidAmount, "amount must have at most 2 decimal places")
	}
	if max.IsPositive() && amount.GreaterThan(max) {
		return errors.NewAppErrorf(errors.InvalidAmount, "amount exceeds the maximum of %s", max.StringFixed(2))
	}
	return nil
}

// newReference returns a human label such as TXN-1A2B3C4D.
func newReference() string {
	return "TXN-" + strings.ToUpper(uuid.NewString()[:8])
}

func newTransferReferenceID() string {
	return "TRF-" + uuid.NewString()
}

// maskAccountNumber keeps the country prefix and the last four digits: FR76****7890.
func maskAccountNumber(number string) string {
	if len(number) < 8 {
		return number
	}
	return number[:4] + "****" + number[len(number)-4:]
}

// generateAccountNumber builds a French IBAN shaped number: FR76, bank and
// branch codes, account number and key, 27 characters in total.
func generateAccountNumber() (string, error) {
	const digits = 23
	var b strings.Builder
	b.WriteString("FR76")
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

type envelope struct {
	topic string
	key   string
	event any
}

// outbox collects events during a locked section so they are published only
// after the account locks are released.
type outbox struct {
	pending []envelope
}

func (o *outbox) add(topic, key string, event any) {
	if topic == "" {
		return
	}
	o.pending = append(o.pending, envelope{topic: topic, key: key, event: event})
}

func (o *outbox) addTransactions(topic string, txs ...*domain.Transaction) {
	for _, tx := range txs {
		if tx != nil {
			o.add(topic, tx.AccountID.String(), events.NewTransactionEvent(tx))
		}
	}
}

// flush publishes best effort. Failures are logged and never change the
// outcome of the operation that produced the events.
func (o *outbox) flush(ctx context.Context, publisher events.Publisher, logger *slog.Logger) {
	if publisher == nil || len(o.pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, e := range o.pending {
		if err := publisher.Publish(ctx, e.topic, e.key, e.event); err != nil {
			logger.Warn("Event not published", "topic", e.topic, "key", e.key, "error", err)
		}
	}
	o.pending = nil
}

// reconciler escalates balance inconsistencies that compensation could not
// repair to an operator-visible record.
type reconciler struct {
	records domain.ReconciliationRepository
	retry   RetryPolicy
	topic   string
}

func newReconciler(records domain.ReconciliationRepository, cfg Config) reconciler {
	return reconciler{records: records, retry: cfg.Retry, topic: cfg.ReconciliationTopic}
}

func (r reconciler) escalate(ctx context.Context, log *slog.Logger, out *outbox, rec *domain.ReconciliationRecord) error {
	if rec.ReferenceID == "" {
		rec.ReferenceID = newTransferReferenceID()
	}
	log.Error("Compensation failed, reconciliation required",
		"reference_id", rec.ReferenceID,
		"stage", rec.Stage,
		"reason", rec.Reason)

	err := r.retry.Do(ctx, log, "write reconciliation record", func() error {
		return r.records.CreateRecord(ctx, rec)
	})
	if err != nil {
		log.Error("Failed to write reconciliation record", "reference_id", rec.ReferenceID, "error", err)
	} else {
		out.add(r.topic, rec.ReferenceID, events.NewReconciliationEvent(rec))
	}
	return errors.ErrCompensationFailed.WithDetails("reference " + rec.ReferenceID)
}
