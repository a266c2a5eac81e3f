package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"net"

	"github.com/lib/pq"

	"banking-ledger/internal/errors"
)

// SQLExecutor represents both sql.DB and sql.Tx
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

var (
	_ SQLExecutor = (*sql.DB)(nil)
	_ SQLExecutor = (*sql.Tx)(nil)
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqAdminShutdown        = "57P01"
	pqCannotConnectNow     = "57P03"
	pqConnectionClass      = "08"
)

// translateError maps driver errors onto the application taxonomy so callers
// never see lib/pq types. Transient failures are the ones where the statement
// is known not to have been applied.
func translateError(err error, message string) *errors.AppError {
	if err == nil {
		return nil
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected, pqAdminShutdown, pqCannotConnectNow:
			return errors.ErrStorageUnavailable.WithDetails(message + ": " + pqErr.Message)
		}
		if pqErr.Code.Class() == pqConnectionClass {
			return errors.ErrStorageUnavailable.WithDetails(message + ": " + pqErr.Message)
		}
		return errors.NewAppError(errors.InternalError, message).WithDetails(pqErr.Message)
	}

	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) {
		return errors.ErrStorageUnavailable.WithDetails(message + ": " + err.Error())
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.ErrStorageUnavailable.WithDetails(message + ": " + err.Error())
	}

	return errors.NewAppError(errors.InternalError, message).WithDetails(err.Error())
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
