package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Benny93/rowmerge/internal/record"
)

var (
	// ErrUniqueViolation matches every *UniqueViolationError.
	ErrUniqueViolation = errors.New("unique constraint violated")

	// ErrTableNotFound is returned for operations on a missing table.
	ErrTableNotFound = errors.New("table not found")

	// ErrInvalidTable is returned for malformed table definitions.
	ErrInvalidTable = errors.New("invalid table definition")

	// ErrUnknownColumn is returned when a value or query names a column
	// the table does not declare.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrValueTooLong is returned when a value exceeds its column bound.
	ErrValueTooLong = errors.New("value too long")

	// ErrNotInitialized is returned by a backend that has not been opened.
	ErrNotInitialized = errors.New("storage not initialized")
)

// UniqueViolationError reports an insert whose primary key is taken.
type UniqueViolationError struct {
	Table string
	Key   []any
}

func (e *UniqueViolationError) Error() string {
	parts := make([]string, len(e.Key))
	for i, k := range e.Key {
		parts[i] = record.CanonicalString(k)
	}
	return fmt.Sprintf("%s: duplicate key (%s) in %s", ErrUniqueViolation, strings.Join(parts, ", "), e.Table)
}

// Is makes errors.Is(err, ErrUniqueViolation) true.
func (e *UniqueViolationError) Is(target error) bool {
	return target == ErrUniqueViolation
}
