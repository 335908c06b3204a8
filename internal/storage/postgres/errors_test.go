package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"client email", &pgconn.PgError{Code: sqlStateUniqueViolation, ConstraintName: "clients_email_key"}, domain.ErrClientEmailTaken},
		{"client tax id", &pgconn.PgError{Code: sqlStateUniqueViolation, ConstraintName: "clients_tax_id_key"}, domain.ErrClientTaxIDTaken},
		{"barcode", &pgconn.PgError{Code: sqlStateUniqueViolation, ConstraintName: "products_barcode_key"}, domain.ErrProductBarcodeTaken},
		{"username", &pgconn.PgError{Code: sqlStateUniqueViolation, ConstraintName: "users_username_key"}, domain.ErrUsernameTaken},
		{"unknown unique", &pgconn.PgError{Code: sqlStateUniqueViolation, ConstraintName: "other_key"}, domain.ErrAlreadyExists},
		{"foreign key", &pgconn.PgError{Code: sqlStateForeignKeyViolation}, domain.ErrReferenced},
		{"negative stock", &pgconn.PgError{Code: sqlStateCheckViolation, ConstraintName: "products_stock_check"}, domain.ErrStockWouldBeNegative},
		{"other check", &pgconn.PgError{Code: sqlStateCheckViolation, ConstraintName: "orders_status_check"}, domain.ErrInvalidArgument},
		{"lock timeout", &pgconn.PgError{Code: sqlStateLockNotAvailable}, domain.ErrTransactionConflict},
		{"deadlock", &pgconn.PgError{Code: sqlStateDeadlockDetected}, domain.ErrTransactionConflict},
		{"serialization", &pgconn.PgError{Code: sqlStateSerialization}, domain.ErrTransactionConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, mapError("op", tt.err), tt.want)
		})
	}
}

func TestMapErrorKeepsUnknownErrors(t *testing.T) {
	require.NoError(t, mapError("op", nil))

	plain := errors.New("connection reset")
	err := mapError("list products", plain)
	require.ErrorIs(t, err, plain)
	require.Contains(t, err.Error(), "list products")

	syntax := &pgconn.PgError{Code: "42601"}
	err = mapError("query", syntax)
	require.False(t, domain.IsTransactionConflict(err))
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
}

func TestIsUniqueViolationAndConflict(t *testing.T) {
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: sqlStateUniqueViolation}))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "22001"}))
	require.False(t, isUniqueViolation(errors.New("plain error")))

	require.True(t, isConflict(&pgconn.PgError{Code: sqlStateLockNotAvailable}))
	require.False(t, isConflict(&pgconn.PgError{Code: sqlStateUniqueViolation}))
	require.False(t, isConflict(errors.New("plain error")))
}

func TestLockTimeoutSetting(t *testing.T) {
	require.Equal(t, "5000ms", lockTimeoutSetting(defaultLockTimeout))
}
