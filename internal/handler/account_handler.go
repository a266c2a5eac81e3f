package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"banking-ledger/internal/domain"
	"banking-ledger/internal/middleware"
	"banking-ledger/internal/service"
)

type AccountHandler struct {
	accountService *service.AccountService
}

func NewAccountHandler(accountService *service.AccountService) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
	}
}

type CreateAccountRequest struct {
	AccountType domain.AccountType `json:"accountType"`
	Currency    string             `json:"currency"`
}

type MoneyRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accountService.ListForUser(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	account, err := h.accountService.CreateAccount(r.Context(), middleware.UserIDFromContext(r.Context()), req.AccountType, req.Currency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.GetAccount(r.Context(), middleware.UserIDFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.accountService.GetBalance(r.Context(), middleware.UserIDFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *AccountHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.accountService.Suspend)
}

func (h *AccountHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.accountService.Activate)
}

func (h *AccountHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.accountService.Close)
}

type statusChange func(ctx context.Context, userID, accountID string) (*domain.Account, error)

func (h *AccountHandler) changeStatus(w http.ResponseWriter, r *http.Request, change statusChange) {
	account, err := change(r.Context(), middleware.UserIDFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveMoney(w, r, h.accountService.Deposit)
}

func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveMoney(w, r, h.accountService.Withdraw)
}

type moneyMovement func(ctx context.Context, userID, accountID string, amount decimal.Decimal, description string) (*domain.Transaction, error)

func (h *AccountHandler) moveMoney(w http.ResponseWriter, r *http.Request, move moneyMovement) {
	var req MoneyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	tx, err := move(r.Context(), middleware.UserIDFromContext(r.Context()), mux.Vars(r)["id"], req.Amount, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}
