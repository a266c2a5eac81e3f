package service

import (
	"context"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"banking-ledger/internal/domain"
	"banking-ledger/internal/errors"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// QueryService is the read path. Reads see committed state and make no
// cross-read consistency promise.
type QueryService struct {
	accounts       domain.AccountRepository
	transactions   domain.TransactionRepository
	reconciliation domain.ReconciliationRepository
	logger         *slog.Logger
}

func NewQueryService(repos Repositories, logger *slog.Logger) *QueryService {
	return &QueryService{
		accounts:       repos.Accounts,
		transactions:   repos.Transactions,
		reconciliation: repos.Reconciliation,
		logger:         logger,
	}
}

type Page struct {
	Content       []*domain.Transaction `json:"content"`
	TotalPages    int                   `json:"totalPages"`
	TotalElements int                   `json:"totalElements"`
	Page          int                   `json:"page"`
	Size          int                   `json:"size"`
}

// NormalizePage clamps page to >= 0 and size to 1..MaxPageSize, defaulting
// size to DefaultPageSize.
func NormalizePage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

func (s *QueryService) ListForUser(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	ids, err := s.userAccountIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	txs, _, err := s.transactions.ListByAccounts(ctx, ids, 0, 0)
	return txs, err
}

func (s *QueryService) ListForUserPaginated(ctx context.Context, userID string, page, size int) (*Page, error) {
	ids, err := s.userAccountIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.page(ctx, ids, page, size)
}

func (s *QueryService) GetByID(ctx context.Context, userID, transactionID string) (*domain.Transaction, error) {
	if userID == "" {
		return nil, errors.ErrUnauthorized
	}
	id, err := uuid.Parse(transactionID)
	if err != nil {
		return nil, errors.ErrInvalidTransactionID.WithDetails(transactionID)
	}

	tx, err := s.transactions.GetTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ownedAccount(ctx, s.accounts, userID, tx.AccountID); err != nil {
		if errors.IsCode(err, errors.AccountNotFound) {
			return nil, errors.ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (s *QueryService) ListForAccount(ctx context.Context, userID, accountID string) ([]*domain.Transaction, error) {
	account, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	txs, _, err := s.transactions.ListByAccounts(ctx, []uuid.UUID{account.ID}, 0, 0)
	return txs, err
}

func (s *QueryService) ListForAccountPaginated(ctx context.Context, userID, accountID string, page, size int) (*Page, error) {
	account, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	return s.page(ctx, []uuid.UUID{account.ID}, page, size)
}

func (s *QueryService) ListOpenReconciliation(ctx context.Context) ([]*domain.ReconciliationRecord, error) {
	return s.reconciliation.ListOpenRecords(ctx)
}

func (s *QueryService) ownedAccount(ctx context.Context, userID, accountID string) (*domain.Account, error) {
	id, err := parseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	return ownedAccount(ctx, s.accounts, userID, id)
}

func (s *QueryService) userAccountIDs(ctx context.Context, userID string) ([]uuid.UUID, error) {
	if userID == "" {
		return nil, errors.ErrUnauthorized
	}
	accounts, err := s.accounts.ListAccountsByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	return ids, nil
}

func (s *QueryService) page(ctx context.Context, accountIDs []uuid.UUID, page, size int) (*Page, error) {
	page, size = NormalizePage(page, size)

	content := []*domain.Transaction{}
	total := 0
	if len(accountIDs) > 0 {
		// page*size would overflow; such a page is past any ledger, so only
		// the total is read.
		limit, offset := size, 0
		beyond := page > math.MaxInt/size
		if beyond {
			limit = 1
		} else {
			offset = page * size
		}

		rows, count, err := s.transactions.ListByAccounts(ctx, accountIDs, limit, offset)
		if err != nil {
			return nil, err
		}
		total = count
		if !beyond {
			content = rows
		}
	}

	return &Page{
		Content:       content,
		TotalPages:    (total + size - 1) / size,
		TotalElements: total,
		Page:          page,
		Size:          size,
	}, nil
}
