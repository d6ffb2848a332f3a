package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a write violates a uniqueness rule, such as
	// a second action for the same diagnosis.
	ErrConflict = errors.New("storage: conflict")

	// ErrConstraint is returned when a write references a missing parent row.
	ErrConstraint = errors.New("storage: constraint violation")
)

// Kind classifies storage failures.
type Kind string

const (
	KindConnection Kind = "connection"
	KindQuery      Kind = "query"
	KindNotFound   Kind = "not_found"
	KindMigration  Kind = "migration"
	KindInternal   Kind = "internal"
)

// Error carries the failing operation and its kind. It unwraps to the driver
// error so callers can still use errors.Is with the sentinels above.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, otherwise an *Error. Errors already wrapping
// ErrNotFound get KindNotFound regardless of kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		kind = KindNotFound
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of err, or KindInternal when err is not a storage error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}
