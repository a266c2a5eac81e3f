package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"banking-ledger/internal/domain"
	"banking-ledger/internal/errors"
	"banking-ledger/internal/repository/memory"
)

const (
	testTransactionTopic    = "transaction-events"
	testReconciliationTopic = "transfer-reconciliation"
)

// MockPublisher is a mock implementation of events.Publisher for testing
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic, key string, event any) error {
	args := m.Called(ctx, topic, key, event)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	return nil
}

// faultyAccounts wraps an account store and lets a test fail chosen calls.
type faultyAccounts struct {
	domain.AccountRepository

	mu          sync.Mutex
	creditFault func(id uuid.UUID) error
	debitFault  func(id uuid.UUID) error
	lookupFault func() error
}

func (f *faultyAccounts) lookup() error {
	f.mu.Lock()
	fault := f.lookupFault
	f.mu.Unlock()
	if fault != nil {
		return fault()
	}
	return nil
}

func (f *faultyAccounts) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	if err := f.lookup(); err != nil {
		return nil, err
	}
	return f.AccountRepository.GetAccount(ctx, id)
}

func (f *faultyAccounts) GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	if err := f.lookup(); err != nil {
		return nil, err
	}
	return f.AccountRepository.GetAccountByNumber(ctx, accountNumber)
}

func (f *faultyAccounts) Credit(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (*domain.Account, error) {
	f.mu.Lock()
	fault := f.creditFault
	f.mu.Unlock()
	if fault != nil {
		if err := fault(id); err != nil {
			return nil, err
		}
	}
	return f.AccountRepository.Credit(ctx, id, amount)
}

func (f *faultyAccounts) CompareAndDebit(ctx context.Context, id uuid.UUID, amount, min decimal.Decimal) (*domain.Account, error) {
	f.mu.Lock()
	fault := f.debitFault
	f.mu.Unlock()
	if fault != nil {
		if err := fault(id); err != nil {
			return nil, err
		}
	}
	return f.AccountRepository.CompareAndDebit(ctx, id, amount, min)
}

// faultyLedger wraps a ledger and lets a test fail chosen calls.
type faultyLedger struct {
	domain.TransactionRepository

	mu               sync.Mutex
	appendPairFault  func() error
	completeRefFault func() error
	appendFault      func() error
}

func (f *faultyLedger) fault(get func() func() error) error {
	f.mu.Lock()
	fn := get()
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (f *faultyLedger) AppendPair(ctx context.Context, debit, credit domain.TransactionDraft) (*domain.Transaction, *domain.Transaction, error) {
	if err := f.fault(func() func() error { return f.appendPairFault }); err != nil {
		return nil, nil, err
	}
	return f.TransactionRepository.AppendPair(ctx, debit, credit)
}

func (f *faultyLedger) CompleteReference(ctx context.Context, referenceID string) ([]*domain.Transaction, error) {
	if err := f.fault(func() func() error { return f.completeRefFault }); err != nil {
		return nil, err
	}
	return f.TransactionRepository.CompleteReference(ctx, referenceID)
}

func (f *faultyLedger) Append(ctx context.Context, draft domain.TransactionDraft) (*domain.Transaction, error) {
	if err := f.fault(func() func() error { return f.appendFault }); err != nil {
		return nil, err
	}
	return f.TransactionRepository.Append(ctx, draft)
}

// countdown fails the first n calls with err and lets the rest through.
func countdown(n int, err error) func() error {
	var mu sync.Mutex
	return func() error {
		mu.Lock()
		defer mu.Unlock()
		if n > 0 {
			n--
			return err
		}
		return nil
	}
}

type fixture struct {
	store     *memory.Store
	accounts  *faultyAccounts
	ledger    *faultyLedger
	publisher *MockPublisher
	locker    *AccountLocker

	accountService  *AccountService
	transferService *TransferService
	queryService    *QueryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	accounts := &faultyAccounts{AccountRepository: store}
	ledger := &faultyLedger{TransactionRepository: store}

	publisher := &MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	repos := Repositories{Accounts: accounts, Transactions: ledger, Reconciliation: store}
	cfg := Config{
		Retry:               RetryPolicy{MaxRetries: 2, Interval: time.Millisecond},
		MaxAmount:           decimal.NewFromInt(10000),
		TransactionTopic:    testTransactionTopic,
		ReconciliationTopic: testReconciliationTopic,
	}
	locker := NewAccountLocker()

	return &fixture{
		store:           store,
		accounts:        accounts,
		ledger:          ledger,
		publisher:       publisher,
		locker:          locker,
		accountService:  NewAccountService(repos, locker, publisher, cfg, logger),
		transferService: NewTransferService(repos, locker, publisher, cfg, logger),
		queryService:    NewQueryService(repos, logger),
	}
}

// openAccount creates an ACTIVE EUR checking account for owner holding balance.
func (f *fixture) openAccount(t *testing.T, owner, balance string) *domain.Account {
	t.Helper()
	ctx := context.Background()

	account, err := f.accountService.CreateAccount(ctx, owner, domain.AccountTypeChecking, "EUR")
	require.NoError(t, err)

	if amount := decimal.RequireFromString(balance); amount.IsPositive() {
		_, err := f.store.Credit(ctx, account.ID, amount)
		require.NoError(t, err)
	}

	account, err = f.store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	return account
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	account, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func (f *fixture) history(t *testing.T, id uuid.UUID) []*domain.Transaction {
	t.Helper()
	txs, _, err := f.store.ListByAccounts(context.Background(), []uuid.UUID{id}, 0, 0)
	require.NoError(t, err)
	return txs
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, errors.AsAppError(err).Code, err.Error())
}
