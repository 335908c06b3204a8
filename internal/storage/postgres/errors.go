package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
	sqlStateCheckViolation      = "23514"
	sqlStateLockNotAvailable    = "55P03"
	sqlStateDeadlockDetected    = "40P01"
	sqlStateSerialization       = "40001"
)

// uniqueConstraintErrors сопоставляет имена ограничений из миграций с доменными ошибками.
var uniqueConstraintErrors = map[string]error{
	"clients_email_key":    domain.ErrClientEmailTaken,
	"clients_tax_id_key":   domain.ErrClientTaxIDTaken,
	"products_barcode_key": domain.ErrProductBarcodeTaken,
	"users_email_key":      domain.ErrUserEmailTaken,
	"users_username_key":   domain.ErrUsernameTaken,
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateUniqueViolation
	}
	return false
}

// isConflict сообщает, что транзакцию можно безопасно повторить.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case sqlStateLockNotAvailable, sqlStateDeadlockDetected, sqlStateSerialization:
		return true
	default:
		return false
	}
}

// mapError переводит ошибки PostgreSQL в доменные. op описывает операцию для контекста.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch pgErr.Code {
	case sqlStateUniqueViolation:
		if mapped, ok := uniqueConstraintErrors[pgErr.ConstraintName]; ok {
			return mapped
		}
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, pgErr.ConstraintName)
	case sqlStateForeignKeyViolation:
		return domain.ErrReferenced
	case sqlStateCheckViolation:
		if pgErr.ConstraintName == "products_stock_check" {
			return domain.ErrStockWouldBeNegative
		}
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, pgErr.ConstraintName)
	case sqlStateLockNotAvailable, sqlStateDeadlockDetected, sqlStateSerialization:
		return fmt.Errorf("%w: %s", domain.ErrTransactionConflict, pgErr.Message)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
