// Package store defines the persisted entities and the typed repository
// ports the chat runtime depends on. The Mongo driver lives under
// features/store/mongo; the in-memory implementation in this package
// backs unit tests and single-node development.
//
// Write operations that span more than one record (message append plus
// the sender's read marker, wallet balance plus its transaction log)
// execute atomically inside the driver, holding the aggregate root —
// room or wallet — for the duration.
package store

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotFound reports that no record matches the query.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey reports a uniqueness violation (username, email,
	// membership, wallet currency, external ref).
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrVersionConflict reports a lost optimistic-concurrency race.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrInsufficientFunds reports a debit that would take a wallet
	// negative without an overdraft entitlement.
	ErrInsufficientFunds = errors.New("store: insufficient funds")
)

// HashPassword derives a bcrypt hash for storage on User.PasswordHash.
func HashPassword(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}

// CheckPassword verifies a login attempt against a stored hash.
func CheckPassword(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}
