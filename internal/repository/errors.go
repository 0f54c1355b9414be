package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Sentinel errors mapped to HTTP statuses at the handler boundary.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("conflict")
)

// translate maps gorm/database errors onto the sentinel set.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// isUniqueViolation sniffs driver-specific unique-constraint messages
// (postgres 23505, sqlite "UNIQUE constraint failed").
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsTransient reports whether a database error is worth retrying.
// Uniqueness and not-found failures are deterministic; everything else
// (connection resets, timeouts, serialization failures) is assumed
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || isUniqueViolation(err) {
		return false
	}
	return true
}
