package ledger

import (
	"errors"

	"github.com/lib/pq"
)

const (
	uniqueViolation      pq.ErrorCode = "23505"
	duplicateTable       pq.ErrorCode = "42P07"
	serializationFailure pq.ErrorCode = "40001"
	undefinedTable       pq.ErrorCode = "42P01"
)

func errorCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// isConflict reports whether err was caused by a concurrent writer, in which case the transaction can be retried.
// Racing CREATE TABLE IF NOT EXISTS statements on Postgres also fail this way.
func isConflict(err error) bool {
	switch errorCode(err) {
	case uniqueViolation, duplicateTable, serializationFailure:
		return true
	}
	return false
}

func isUndefinedTable(err error) bool {
	return errorCode(err) == undefinedTable
}
