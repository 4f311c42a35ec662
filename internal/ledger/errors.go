package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is the parent of every request validation failure.
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	ErrInvalidPrice    = fmt.Errorf("%w: price must be positive", ErrInvalidInput)

	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrNoPosition           = errors.New("no position found for selling")
	ErrInsufficientQuantity = errors.New("insufficient position quantity")
	ErrPositionNotFound     = errors.New("position not found")

	// ErrPersistenceConflict is returned by Store.Apply when the rows it was
	// asked to change no longer match the versions the caller read.
	ErrPersistenceConflict = errors.New("persistence conflict")

	ErrNotFound       = errors.New("not found")
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
)
