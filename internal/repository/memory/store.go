// Package memory is an in-process implementation of the account store, the
// ledger and the reconciliation store. Balance mutations lock only the account
// they touch.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"banking-ledger/internal/domain"
	"banking-ledger/internal/errors"
)

type accountRecord struct {
	mu      sync.Mutex
	account domain.Account
}

type ledgerEntry struct {
	seq uint64
	tx  domain.Transaction
}

type Store struct {
	mu       sync.RWMutex // guards the account maps, not balances
	accounts map[uuid.UUID]*accountRecord
	byNumber map[string]uuid.UUID

	txMu        sync.RWMutex
	seq         uint64
	entries     map[uuid.UUID]*ledgerEntry
	byAccount   map[uuid.UUID][]uuid.UUID
	byReference map[string][]uuid.UUID

	recMu   sync.Mutex
	records []*domain.ReconciliationRecord

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		accounts:    make(map[uuid.UUID]*accountRecord),
		byNumber:    make(map[string]uuid.UUID),
		entries:     make(map[uuid.UUID]*ledgerEntry),
		byAccount:   make(map[uuid.UUID][]uuid.UUID),
		byReference: make(map[string][]uuid.UUID),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ domain.AccountRepository        = (*Store)(nil)
	_ domain.TransactionRepository    = (*Store)(nil)
	_ domain.ReconciliationRepository = (*Store)(nil)
)

func (s *Store) CreateAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return errors.ErrDuplicateAccount
	}
	if _, exists := s.byNumber[account.AccountNumber]; exists {
		return errors.ErrDuplicateAccount
	}

	now := s.now()
	account.CreatedAt = now
	account.UpdatedAt = now

	s.accounts[account.ID] = &accountRecord{account: *account}
	s.byNumber[account.AccountNumber] = account.ID
	return nil
}

func (s *Store) record(id uuid.UUID) (*accountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.accounts[id]
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	return rec, nil
}

func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	return rec.snapshot(), nil
}

func (s *Store) GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	s.mu.RLock()
	id, ok := s.byNumber[accountNumber]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) ListAccountsByOwner(_ context.Context, ownerID string) ([]*domain.Account, error) {
	s.mu.RLock()
	recs := make([]*accountRecord, 0)
	for _, rec := range s.accounts {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	accounts := make([]*domain.Account, 0)
	for _, rec := range recs {
		if a := rec.snapshot(); a.OwnerID == ownerID {
			accounts = append(accounts, a)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].ID.String() < accounts[j].ID.String()
		}
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (s *Store) CompareAndDebit(_ context.Context, id uuid.UUID, amount, expectedMinBalance decimal.Decimal) (*domain.Account, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.account.IsActive() {
		return nil, errors.ErrAccountNotActive.WithDetails("account " + id.String() + " is " + string(rec.account.Status))
	}
	if rec.account.Balance.Sub(amount).LessThan(expectedMinBalance) {
		return nil, errors.ErrInsufficientFunds
	}

	rec.account.Balance = rec.account.Balance.Sub(amount)
	rec.account.UpdatedAt = s.now()
	cp := rec.account
	return &cp, nil
}

func (s *Store) Credit(_ context.Context, id uuid.UUID, amount decimal.Decimal) (*domain.Account, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.account.IsActive() {
		return nil, errors.ErrAccountNotActive.WithDetails("account " + id.String() + " is " + string(rec.account.Status))
	}

	rec.account.Balance = rec.account.Balance.Add(amount)
	rec.account.UpdatedAt = s.now()
	cp := rec.account
	return &cp, nil
}

func (s *Store) UpdateAccountStatus(_ context.Context, id uuid.UUID, status domain.AccountStatus) (*domain.Account, error) {
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if status == domain.AccountStatusClosed && !rec.account.Balance.IsZero() {
		return nil, errors.ErrAccountNotEmpty
	}

	rec.account.Status = status
	rec.account.UpdatedAt = s.now()
	cp := rec.account
	return &cp, nil
}

func (r *accountRecord) snapshot() *domain.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.account
	return &cp
}

func (s *Store) Append(_ context.Context, draft domain.TransactionDraft) (*domain.Transaction, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := s.insertLocked(draft, s.now())
	return &tx, nil
}

func (s *Store) AppendPair(_ context.Context, debit, credit domain.TransactionDraft) (*domain.Transaction, *domain.Transaction, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	now := s.now()
	out := s.insertLocked(debit, now)
	in := s.insertLocked(credit, now)
	return &out, &in, nil
}

func (s *Store) insertLocked(draft domain.TransactionDraft, now time.Time) domain.Transaction {
	s.seq++
	tx := domain.Transaction{
		ID:            uuid.New(),
		AccountID:     draft.AccountID,
		FromAccountID: draft.FromAccountID,
		ToAccountID:   draft.ToAccountID,
		Amount:        draft.Amount,
		Currency:      draft.Currency,
		Type:          draft.Type,
		Status:        domain.TransactionStatusPending,
		Description:   draft.Description,
		Reference:     draft.Reference,
		ReferenceID:   draft.ReferenceID,
		CreatedAt:     now,
	}

	s.entries[tx.ID] = &ledgerEntry{seq: s.seq, tx: tx}
	s.byAccount[tx.AccountID] = append(s.byAccount[tx.AccountID], tx.ID)
	if tx.ReferenceID != "" {
		s.byReference[tx.ReferenceID] = append(s.byReference[tx.ReferenceID], tx.ID)
	}
	return tx
}

func (s *Store) Complete(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	return s.transitionLocked(id, domain.TransactionStatusCompleted, "")
}

func (s *Store) Fail(_ context.Context, id uuid.UUID, reason string) (*domain.Transaction, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	return s.transitionLocked(id, domain.TransactionStatusFailed, reason)
}

func (s *Store) transitionLocked(id uuid.UUID, status domain.TransactionStatus, reason string) (*domain.Transaction, error) {
	entry, ok := s.entries[id]
	if !ok {
		return nil, errors.ErrTransactionNotFound
	}
	if entry.tx.Status.IsTerminal() {
		return nil, errors.ErrInvalidStateTransition.WithDetails(
			"transaction " + id.String() + " is " + string(entry.tx.Status) + ", cannot become " + string(status))
	}

	entry.tx.Status = status
	switch status {
	case domain.TransactionStatusCompleted:
		now := s.now()
		entry.tx.CompletedAt = &now
	case domain.TransactionStatusFailed:
		entry.tx.FailureReason = reason
	}

	cp := entry.tx
	return &cp, nil
}

func (s *Store) CompleteReference(_ context.Context, referenceID string) ([]*domain.Transaction, error) {
	return s.transitionReference(referenceID, domain.TransactionStatusCompleted, "")
}

func (s *Store) FailReference(_ context.Context, referenceID, reason string) ([]*domain.Transaction, error) {
	return s.transitionReference(referenceID, domain.TransactionStatusFailed, reason)
}

func (s *Store) transitionReference(referenceID string, status domain.TransactionStatus, reason string) ([]*domain.Transaction, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	updated := make([]*domain.Transaction, 0)
	for _, id := range s.byReference[referenceID] {
		if s.entries[id].tx.Status != domain.TransactionStatusPending {
			continue
		}
		tx, err := s.transitionLocked(id, status, reason)
		if err != nil {
			return nil, err
		}
		updated = append(updated, tx)
	}
	if len(updated) == 0 {
		return nil, errors.ErrTransactionNotFound.WithDetails("no pending entries for reference " + referenceID)
	}
	return updated, nil
}

func (s *Store) GetTransactionByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, errors.ErrTransactionNotFound
	}
	cp := entry.tx
	return &cp, nil
}

func (s *Store) ListByAccounts(_ context.Context, accountIDs []uuid.UUID, limit, offset int) ([]*domain.Transaction, int, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	seen := make(map[uuid.UUID]bool, len(accountIDs))
	matched := make([]*ledgerEntry, 0)
	for _, accountID := range accountIDs {
		if seen[accountID] {
			continue
		}
		seen[accountID] = true
		for _, id := range s.byAccount[accountID] {
			matched = append(matched, s.entries[id])
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].seq > matched[j].seq
	})

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	page := make([]*domain.Transaction, 0, end-offset)
	for _, entry := range matched[offset:end] {
		cp := entry.tx
		page = append(page, &cp)
	}
	return page, total, nil
}

func (s *Store) CreateRecord(_ context.Context, record *domain.ReconciliationRecord) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.CreatedAt = s.now()
	cp := *record
	s.records = append(s.records, &cp)
	return nil
}

func (s *Store) ListOpenRecords(_ context.Context) ([]*domain.ReconciliationRecord, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	open := make([]*domain.ReconciliationRecord, 0)
	for _, rec := range s.records {
		if !rec.Resolved {
			cp := *rec
			open = append(open, &cp)
		}
	}
	return open, nil
}
