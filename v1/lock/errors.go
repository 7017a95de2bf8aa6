package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for an empty resource name, a missing
	// backend handle or an out of range duration.
	ErrInvalidArgument = errors.New("latch: invalid argument")
	// ErrDisposed is returned when a closed Lock or Factory is used.
	ErrDisposed = errors.New("latch: disposed")
)

// AcquisitionError reports a backend failure while acquiring or checking a
// lock. A plain timeout is never reported as an AcquisitionError.
type AcquisitionError struct {
	Key string
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("latch: acquire %q: %v", e.Key, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
