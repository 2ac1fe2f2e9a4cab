package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is the explicit empty result of Acquire: no idle handle
	// became available within the wait limit.
	ErrUnavailable = errors.New("pool: no resource available within the wait limit")

	// ErrPoolFull is reported when the idle store is at capacity and a handle
	// could not be admitted.
	ErrPoolFull = errors.New("pool: idle store is at capacity")

	// ErrPoolClosed is returned when operating on a pool that has been shut down.
	ErrPoolClosed = errors.New("pool: pool is shut down")
)

// CreationError wraps a failure of the resource factory. It is recoverable:
// the sizer logs it and skips one grow unit.
type CreationError struct {
	Driver string
	URL    string
	Err    error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("pool: create %s resource for %q: %v", e.Driver, e.URL, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// CancellationError is returned to a caller whose blocked Acquire was
// cancelled through its context.
type CancellationError struct {
	Err error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("pool: acquire cancelled: %v", e.Err)
}

func (e *CancellationError) Unwrap() error {
	return e.Err
}

// DestroyError reports a failure to close an underlying resource. Destruction
// is best-effort: pool and sizer log these and carry on.
type DestroyError struct {
	HandleID string
	Err      error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("pool: destroy handle %s: %v", e.HandleID, e.Err)
}

func (e *DestroyError) Unwrap() error {
	return e.Err
}
