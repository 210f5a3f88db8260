// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// Postgres SQLSTATE codes.
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqLockNotAvailable     = "55P03"
)

func pqError(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr, true
	}
	return nil, false
}

// IsBusyError reports a transient contention failure: SQLITE_BUSY,
// "database is locked", a Postgres lock timeout or serialization failure,
// or a Postgres out-of-resources error.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := pqError(err); ok {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqLockNotAvailable:
			return true
		}
		return pqErr.Code.Class() == "53"
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// IsUniqueViolation reports a unique or primary key conflict from either
// SQL backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := pqError(err); ok {
		return string(pqErr.Code) == pqUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsConstraintError reports any integrity constraint failure (unique,
// foreign key, check, not null) from either SQL backend.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := pqError(err); ok {
		return pqErr.Code.Class() == "23"
	}
	return strings.Contains(err.Error(), "constraint failed")
}
