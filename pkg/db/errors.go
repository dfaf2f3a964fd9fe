package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Postgres SQLSTATE codes the ledger cares about.
const (
	SQLStateUniqueViolation      = "23505"
	SQLStateSerializationFailure = "40001"
	SQLStateDeadlockDetected     = "40P01"
	SQLStateLockNotAvailable     = "55P03"
)

// SQLState extracts the SQLSTATE from pgx or lib/pq errors, or "" when none is present.
func SQLState(err error) string {
	if err == nil {
		return ""
	}
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsUniqueViolation reports whether the provided error is a unique violation.
// When constraintName is provided, the constraint (or, on sqlite, the column
// list) must also appear in the error.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	unique := SQLState(err) == SQLStateUniqueViolation ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
	if !unique {
		return false
	}
	if constraintName != "" {
		var pgxErr *pgconn.PgError
		if errors.As(err, &pgxErr) && pgxErr.ConstraintName != "" {
			return pgxErr.ConstraintName == constraintName
		}
		return strings.Contains(msg, constraintName)
	}
	return true
}

// IsSerializationFailure covers both serializable aborts and detected deadlocks;
// either way the transaction can be replayed from the start.
func IsSerializationFailure(err error) bool {
	switch SQLState(err) {
	case SQLStateSerializationFailure, SQLStateDeadlockDetected:
		return true
	}
	return false
}

// IsLockTimeout reports a lock_timeout expiry while waiting on a row lock.
func IsLockTimeout(err error) bool {
	return SQLState(err) == SQLStateLockNotAvailable
}
