package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidInput           ErrorCode = "invalid_input"
	InvalidAmount          ErrorCode = "invalid_amount"
	SameAccountTransfer    ErrorCode = "same_account_transfer"
	CurrencyMismatch       ErrorCode = "currency_mismatch"
	DestinationNotFound    ErrorCode = "destination_not_found"
	InsufficientFunds      ErrorCode = "insufficient_funds"
	AccountNotActive       ErrorCode = "account_not_active"
	AccountNotFound        ErrorCode = "account_not_found"
	TransactionNotFound    ErrorCode = "transaction_not_found"
	DuplicateAccount       ErrorCode = "duplicate_account"
	AccountNotEmpty        ErrorCode = "account_not_empty"
	InvalidStateTransition ErrorCode = "invalid_state_transition"
	Unauthorized           ErrorCode = "unauthorized"
	RequestCancelled       ErrorCode = "request_cancelled"
	StorageUnavailable     ErrorCode = "storage_unavailable"
	TransferFailed         ErrorCode = "transfer_failed"
	CompensationFailed     ErrorCode = "compensation_failed"
	InternalError          ErrorCode = "internal_error"
)

// Kind groups error codes by how callers are expected to react to them.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindBusinessRule Kind = "business_rule"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindTransient    Kind = "transient"
	KindCompensation Kind = "compensation"
	KindInternal     Kind = "internal"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy carrying details, so the predefined errors below stay untouched.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *AppError) Kind() Kind {
	switch e.Code {
	case InvalidInput, InvalidAmount, SameAccountTransfer, CurrencyMismatch, DestinationNotFound:
		return KindValidation
	case InsufficientFunds, AccountNotActive, DuplicateAccount, AccountNotEmpty, InvalidStateTransition, RequestCancelled:
		return KindBusinessRule
	case AccountNotFound, TransactionNotFound:
		return KindNotFound
	case Unauthorized:
		return KindUnauthorized
	case StorageUnavailable:
		return KindTransient
	case CompensationFailed:
		return KindCompensation
	default:
		return KindInternal
	}
}

func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidInput, InvalidAmount, SameAccountTransfer, CurrencyMismatch, InsufficientFunds:
		return http.StatusBadRequest
	case DestinationNotFound, AccountNotFound, TransactionNotFound:
		return http.StatusNotFound
	case AccountNotActive, DuplicateAccount, AccountNotEmpty, InvalidStateTransition:
		return http.StatusConflict
	case Unauthorized:
		return http.StatusUnauthorized
	case RequestCancelled:
		return http.StatusRequestTimeout
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AsAppError unwraps err to an *AppError. Anything else is reported as an internal error.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return ErrInternal.WithDetails(err.Error())
}

func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}

func IsTransient(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Kind() == KindTransient
}

// Predefined errors for common cases
var (
	ErrInvalidInput           = NewAppError(InvalidInput, "invalid request")
	ErrInvalidAccountID       = NewAppError(InvalidInput, "invalid account id")
	ErrInvalidTransactionID   = NewAppError(InvalidInput, "invalid transaction id")
	ErrInvalidAmount          = NewAppError(InvalidAmount, "amount must be greater than zero")
	ErrSameAccountTransfer    = NewAppError(SameAccountTransfer, "cannot transfer to the same account")
	ErrCurrencyMismatch       = NewAppError(CurrencyMismatch, "source and destination currencies differ")
	ErrDestinationNotFound    = NewAppError(DestinationNotFound, "destination account not found")
	ErrInsufficientFunds      = NewAppError(InsufficientFunds, "insufficient funds")
	ErrAccountNotActive       = NewAppError(AccountNotActive, "account is not active")
	ErrAccountNotFound        = NewAppError(AccountNotFound, "account not found")
	ErrTransactionNotFound    = NewAppError(TransactionNotFound, "transaction not found")
	ErrDuplicateAccount       = NewAppError(DuplicateAccount, "account already exists")
	ErrAccountNotEmpty        = NewAppError(AccountNotEmpty, "account balance must be zero")
	ErrInvalidStateTransition = NewAppError(InvalidStateTransition, "invalid state transition")
	ErrUnauthorized           = NewAppError(Unauthorized, "authentication required")
	ErrRequestCancelled       = NewAppError(RequestCancelled, "request cancelled before funds were moved")
	ErrStorageUnavailable     = NewAppError(StorageUnavailable, "storage temporarily unavailable")
	ErrTransferFailed         = NewAppError(TransferFailed, "transfer failed")
	ErrCompensationFailed     = NewAppError(CompensationFailed, "transfer failed and could not be reversed; escalated for reconciliation")
	ErrInternal               = NewAppError(InternalError, "an unexpected error occurred")
)
