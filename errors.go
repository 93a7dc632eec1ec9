package reldoc

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrArgument marks calls made with an argument of the wrong kind, such as
	// saving a Document or an index row as an entity.
	ErrArgument = errors.New("invalid argument")

	// ErrInvalidOperation marks operations that cannot proceed in the current
	// state: an entity without an id, an update with no stored document, or
	// a reduce descriptor that cannot produce a single row per group.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrConcurrency is matched by every *ConcurrencyError.
	ErrConcurrency = errors.New("concurrency conflict")

	ErrSessionClosed = errors.New("session is closed")
)

// NoVersionCheck is the check version of updates that skip the optimistic
// concurrency check.
const NoVersionCheck int64 = -1

// ConcurrencyError is returned when a version-checked document update affects
// no rows because the stored version differs from the one loaded.
type ConcurrencyError struct {
	Table      string
	DocumentID int64
	Version    int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("reldoc: %s %d was modified concurrently (expected version %d)", e.Table, e.DocumentID, e.Version)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrency
}

func argErrf(format string, args ...any) error {
	return errors.Mark(errors.Newf("reldoc: "+format, args...), ErrArgument)
}

func invalidOpf(format string, args ...any) error {
	return errors.Mark(errors.Newf("reldoc: "+format, args...), ErrInvalidOperation)
}
