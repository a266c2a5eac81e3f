package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"banking-ledger/internal/middleware"
	"banking-ledger/internal/service"
)

type TransactionHandler struct {
	transferService *service.TransferService
	queryService    *service.QueryService
}

func NewTransactionHandler(transferService *service.TransferService, queryService *service.QueryService) *TransactionHandler {
	return &TransactionHandler{
		transferService: transferService,
		queryService:    queryService,
	}
}

type TransferRequest struct {
	FromAccountID   string          `json:"fromAccountId"`
	ToAccountNumber string          `json:"toAccountNumber"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
}

// Transfer answers with the TRANSFER_OUT leg, the one the caller sees in
// their own history.
func (h *TransactionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.transferService.Transfer(r.Context(), &service.TransferRequest{
		UserID:          middleware.UserIDFromContext(r.Context()),
		FromAccountID:   req.FromAccountID,
		ToAccountNumber: req.ToAccountNumber,
		Amount:          req.Amount,
		Description:     req.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result.Outgoing)
}

func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.queryService.ListForUser(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *TransactionHandler) ListTransactionsPaginated(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.queryService.ListForUserPaginated(r.Context(), middleware.UserIDFromContext(r.Context()), page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.queryService.GetByID(r.Context(), middleware.UserIDFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *TransactionHandler) ListAccountTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.queryService.ListForAccount(r.Context(), middleware.UserIDFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *TransactionHandler) ListAccountTransactionsPaginated(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.queryService.ListForAccountPaginated(r.Context(), middleware.UserIDFromContext(r.Context()), mux.Vars(r)["id"], page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *TransactionHandler) ListReconciliation(w http.ResponseWriter, r *http.Request) {
	records, err := h.queryService.ListOpenReconciliation(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
