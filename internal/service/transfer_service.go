package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"banking-ledger/internal/domain"
	"banking-ledger/internal/errors"
	"banking-ledger/internal/events"
)

// TransferService is the transfer coordinator. It validates a request without
// side effects, then moves funds and writes both ledger legs while holding the
// locks of both accounts.
type TransferService struct {
	accounts     domain.AccountRepository
	transactions domain.TransactionRepository
	reconciler   reconciler
	locker       *AccountLocker
	publisher    events.Publisher
	cfg          Config
	logger       *slog.Logger
}

func NewTransferService(repos Repositories, locker *AccountLocker, publisher events.Publisher, cfg Config, logger *slog.Logger) *TransferService {
	return &TransferService{
		accounts:     repos.Accounts,
		transactions: repos.Transactions,
		reconciler:   newReconciler(repos.Reconciliation, cfg),
		locker:       locker,
		publisher:    publisher,
		cfg:          cfg,
		logger:       logger,
	}
}

type TransferRequest struct {
	UserID          string
	FromAccountID   string
	ToAccountNumber string
	Amount          decimal.Decimal
	Description     string
}

// transferRun carries one transfer through its state machine.
type transferRun struct {
	referenceID string
	reference   string
	source      *domain.Account
	destination *domain.Account
	amount      decimal.Decimal
	description string

	state  domain.TransferState
	legs   bool
	out    outbox
	logger *slog.Logger
}

func (r *transferRun) advance(next domain.TransferState) {
	state, err := r.state.Advance(next)
	if err != nil {
		r.logger.Error("Illegal transfer state change", "error", err)
		return
	}
	r.state = state
	r.logger.Debug("Transfer state changed", "state", state)
}

func (s *TransferService) Transfer(ctx context.Context, req *TransferRequest) (*domain.TransferResult, error) {
	log := s.logger.With(
		"user_id", req.UserID,
		"from_account_id", req.FromAccountID,
		"to_account_number", req.ToAccountNumber,
		"amount", req.Amount)
	log.Info("Processing transfer")

	run, err := s.validate(ctx, req, log)
	if err != nil {
		log.Warn("Transfer rejected", "error", err)
		return nil, err
	}

	// Caller cancellation is honoured only until the locks are held.
	if ctx.Err() != nil {
		run.advance(domain.TransferFailed)
		log.Warn("Transfer cancelled before debit")
		return nil, errors.ErrRequestCancelled
	}
	release, err := s.locker.Lock(ctx, run.source.ID, run.destination.ID)
	if err != nil {
		run.advance(domain.TransferFailed)
		log.Warn("Transfer cancelled while waiting for account locks")
		return nil, err
	}

	work := context.WithoutCancel(ctx)
	result, err := s.execute(work, run)
	release()

	run.out.flush(work, s.publisher, s.logger)
	return result, err
}

func (s *TransferService) validate(ctx context.Context, req *TransferRequest, log *slog.Logger) (*transferRun, error) {
	if req.UserID == "" {
		return nil, errors.ErrUnauthorized
	}
	fromID, err := parseAccountID(req.FromAccountID)
	if err != nil {
		return nil, err
	}

	number := strings.TrimSpace(req.ToAccountNumber)
	if number == "" {
		return nil, errors.NewAppError(errors.InvalidInput, "toAccountNumber is required")
	}
	var destination *domain.Account
	err = s.cfg.Retry.Do(ctx, log, "look up destination", func() error {
		var err error
		destination, err = s.accounts.GetAccountByNumber(ctx, number)
		return err
	})
	if err != nil {
		if errors.IsCode(err, errors.AccountNotFound) {
			return nil, errors.ErrDestinationNotFound.WithDetails(maskAccountNumber(number))
		}
		return nil, lookupFailure(ctx, err)
	}
	if destination.ID == fromID {
		return nil, errors.ErrSameAccountTransfer
	}

	if err := validateAmount(req.Amount, s.cfg.MaxAmount); err != nil {
		return nil, err
	}

	var source *domain.Account
	err = s.cfg.Retry.Do(ctx, log, "look up source", func() error {
		var err error
		source, err = ownedAccount(ctx, s.accounts, req.UserID, fromID)
		return err
	})
	if err != nil {
		return nil, lookupFailure(ctx, err)
	}
	if !source.IsActive() {
		return nil, errors.ErrAccountNotActive.WithDetails("source account is " + string(source.Status))
	}
	if !destination.IsActive() {
		return nil, errors.ErrAccountNotActive.WithDetails("destination account is " + string(destination.Status))
	}
	if source.Currency != destination.Currency {
		return nil, errors.ErrCurrencyMismatch.WithDetails(source.Currency + " -> " + destination.Currency)
	}

	referenceID := newTransferReferenceID()
	run := &transferRun{
		referenceID: referenceID,
		reference:   newReference(),
		source:      source,
		destination: destination,
		amount:      req.Amount,
		description: strings.TrimSpace(req.Description),
		state:       domain.TransferInitiated,
		logger:      log.With("reference_id", referenceID),
	}
	run.advance(domain.TransferValidated)
	return run, nil
}

func (s *TransferService) execute(ctx context.Context, run *transferRun) (*domain.TransferResult, error) {
	log := run.logger

	err := s.cfg.Retry.Do(ctx, log, "debit source", func() error {
		_, err := s.accounts.CompareAndDebit(ctx, run.source.ID, run.amount, run.source.MinimumBalance())
		return err
	})
	if err != nil {
		run.advance(domain.TransferFailed)
		log.Warn("Debit failed, nothing to undo", "error", err)
		if errors.IsTransient(err) {
			return nil, errors.ErrTransferFailed.WithDetails(err.Error())
		}
		return nil, err
	}
	run.advance(domain.TransferDebited)

	err = s.cfg.Retry.Do(ctx, log, "credit destination", func() error {
		_, err := s.accounts.Credit(ctx, run.destination.ID, run.amount)
		return err
	})
	if err != nil {
		return nil, s.reverseDebit(ctx, run, err)
	}
	run.advance(domain.TransferCredited)

	outgoing, incoming, err := s.writeLegs(ctx, run)
	if err != nil {
		return nil, s.reverseTransfer(ctx, run, err)
	}
	run.advance(domain.TransferLedgered)
	run.advance(domain.TransferCompleted)

	run.out.addTransactions(s.cfg.TransactionTopic, outgoing, incoming)
	log.Info("Transfer completed", "out_id", outgoing.ID, "in_id", incoming.ID)

	return &domain.TransferResult{
		ReferenceID: run.referenceID,
		State:       run.state,
		Outgoing:    outgoing,
		Incoming:    incoming,
	}, nil
}

func (s *TransferService) drafts(run *transferRun) (debit, credit domain.TransactionDraft) {
	from, to := run.source.ID, run.destination.ID
	debit = domain.TransactionDraft{
		AccountID:     from,
		FromAccountID: &from,
		ToAccountID:   &to,
		Amount:        run.amount,
		Currency:      run.source.Currency,
		Type:          domain.TransactionTypeTransferOut,
		Description:   legDescription("Transfer to", run.destination.AccountNumber, run.description),
		Reference:     run.reference + "-OUT",
		ReferenceID:   run.referenceID,
	}
	credit = domain.TransactionDraft{
		AccountID:     to,
		FromAccountID: &from,
		ToAccountID:   &to,
		Amount:        run.amount,
		Currency:      run.destination.Currency,
		Type:          domain.TransactionTypeTransferIn,
		Description:   legDescription("Transfer from", run.source.AccountNumber, run.description),
		Reference:     run.reference + "-IN",
		ReferenceID:   run.referenceID,
	}
	return debit, credit
}

// writeLegs appends both legs as PENDING and then completes them together.
func (s *TransferService) writeLegs(ctx context.Context, run *transferRun) (*domain.Transaction, *domain.Transaction, error) {
	log := run.logger
	debit, credit := s.drafts(run)

	var outgoing, incoming *domain.Transaction
	err := s.cfg.Retry.Do(ctx, log, "append transfer legs", func() error {
		var err error
		outgoing, incoming, err = s.transactions.AppendPair(ctx, debit, credit)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	run.legs = true

	var completed []*domain.Transaction
	err = s.cfg.Retry.Do(ctx, log, "complete transfer legs", func() error {
		var err error
		completed, err = s.transactions.CompleteReference(ctx, run.referenceID)
		return err
	})
	if err != nil {
		// A retried completion may report nothing pending when an earlier
		// attempt did commit. Trust the ledger over the error.
		if current, getErr := s.transactions.GetTransactionByID(ctx, outgoing.ID); getErr == nil &&
			current.Status == domain.TransactionStatusCompleted {
			in, inErr := s.transactions.GetTransactionByID(ctx, incoming.ID)
			if inErr == nil && in.Status == domain.TransactionStatusCompleted {
				return current, in, nil
			}
		}
		return nil, nil, err
	}

	for _, leg := range completed {
		switch leg.Type {
		case domain.TransactionTypeTransferOut:
			outgoing = leg
		case domain.TransactionTypeTransferIn:
			incoming = leg
		}
	}
	return outgoing, incoming, nil
}

// reverseDebit runs when the credit failed after a successful debit.
func (s *TransferService) reverseDebit(ctx context.Context, run *transferRun, cause error) error {
	log := run.logger
	log.Error("Credit failed after debit, reversing debit", "error", cause)

	err := s.cfg.Retry.Do(ctx, log, "reverse debit", func() error {
		_, err := s.accounts.Credit(ctx, run.source.ID, run.amount)
		return err
	})
	if err != nil {
		return s.escalate(ctx, run, domain.TransferDebited,
			fmt.Sprintf("credit failed: %v; reversing debit failed: %v", cause, err))
	}
	run.advance(domain.TransferReversed)

	s.failLegs(ctx, run, "credit failed: "+cause.Error())
	run.advance(domain.TransferFailed)
	log.Warn("Transfer reversed", "error", cause)

	return creditFailure(cause)
}

// reverseTransfer runs when both balances moved but the ledger could not
// be written. Both balance changes are undone.
func (s *TransferService) reverseTransfer(ctx context.Context, run *transferRun, cause error) error {
	log := run.logger
	log.Error("Ledger write failed after balance changes, reversing transfer", "error", cause)

	err := s.cfg.Retry.Do(ctx, log, "reverse credit", func() error {
		_, err := s.accounts.CompareAndDebit(ctx, run.destination.ID, run.amount, run.destination.MinimumBalance())
		return err
	})
	if err != nil {
		return s.escalate(ctx, run, domain.TransferCredited,
			fmt.Sprintf("ledger write failed: %v; reversing credit failed: %v", cause, err))
	}

	err = s.cfg.Retry.Do(ctx, log, "reverse debit", func() error {
		_, err := s.accounts.Credit(ctx, run.source.ID, run.amount)
		return err
	})
	if err != nil {
		return s.escalate(ctx, run, domain.TransferDebited,
			fmt.Sprintf("ledger write failed: %v; credit reversed but reversing debit failed: %v", cause, err))
	}
	run.advance(domain.TransferReversed)

	s.failLegs(ctx, run, "ledger write failed: "+cause.Error())
	run.advance(domain.TransferFailed)
	log.Warn("Transfer reversed", "error", cause)

	return errors.ErrTransferFailed.WithDetails(cause.Error())
}

// failLegs leaves a FAILED trace of a reversed transfer in both accounts'
// history. Balances are already restored, so ledger errors are only logged.
func (s *TransferService) failLegs(ctx context.Context, run *transferRun, reason string) {
	log := run.logger

	if !run.legs {
		debit, credit := s.drafts(run)
		err := s.cfg.Retry.Do(ctx, log, "append failed transfer legs", func() error {
			_, _, err := s.transactions.AppendPair(ctx, debit, credit)
			return err
		})
		if err != nil {
			log.Error("Failed to record reversed transfer in ledger", "error", err)
			return
		}
		run.legs = true
	}

	var failed []*domain.Transaction
	err := s.cfg.Retry.Do(ctx, log, "fail transfer legs", func() error {
		var err error
		failed, err = s.transactions.FailReference(ctx, run.referenceID, reason)
		return err
	})
	if err != nil {
		log.Error("Failed to mark transfer legs as failed", "error", err)
		return
	}
	run.out.addTransactions(s.cfg.TransactionTopic, failed...)
}

func (s *TransferService) escalate(ctx context.Context, run *transferRun, stage domain.TransferState, reason string) error {
	return s.reconciler.escalate(ctx, run.logger, &run.out, &domain.ReconciliationRecord{
		ReferenceID:          run.referenceID,
		SourceAccountID:      run.source.ID,
		DestinationAccountID: run.destination.ID,
		Amount:               run.amount,
		Currency:             run.source.Currency,
		Stage:                stage,
		Reason:               reason,
	})
}

// creditFailure keeps business errors such as a destination closed mid-flight
// visible to the caller and folds storage failures into transfer_failed.
func creditFailure(cause error) error {
	appErr := errors.AsAppError(cause)
	switch appErr.Kind() {
	case errors.KindBusinessRule, errors.KindNotFound:
		return appErr
	}
	return errors.ErrTransferFailed.WithDetails(cause.Error())
}

// lookupFailure reports storage that stayed unavailable while resolving the
// accounts as transfer_failed, like the debit path does. A caller that went
// away mid-retry gets request_cancelled.
func lookupFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.ErrRequestCancelled
	}
	if errors.IsTransient(err) {
		return errors.ErrTransferFailed.WithDetails(err.Error())
	}
	return err
}

func legDescription(prefix, counterparty, description string) string {
	label := prefix + " " + maskAccountNumber(counterparty)
	if description != "" {
		return label + " - " + description
	}
	return label
}
