package repositories

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	scan, err := repo.Get(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint,
// for example when creating a catalog target whose external ID exists.
var ErrConflict = errors.New("record already exists")

// ErrUnavailable marks database I/O failures. Every unexpected database
// error is joined with this sentinel so callers can treat store outages
// uniformly without losing the underlying cause.
var ErrUnavailable = errors.New("store unavailable")

// storeErr wraps a database error with an operation prefix and the
// ErrUnavailable sentinel. Both the sentinel and the original error remain
// matchable via errors.Is.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}
