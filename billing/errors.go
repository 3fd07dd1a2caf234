package billing

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload = errors.New("malformed billing payload")
	ErrNotStarted       = errors.New("billing coordinator not started")
	ErrAlreadyStarted   = errors.New("billing coordinator already started")
	ErrDestroyed        = errors.New("billing coordinator destroyed")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// InProgressError is returned by a Provider when an operation is requested
// while another asynchronous operation is still outstanding.
//
// Result describes the rejected attempt, including which operation is
// currently in flight when the provider knows it.
type InProgressError struct {
	Result Result
}

// NewInProgressError builds the rejection for an attempted operation while
// current is outstanding.
func NewInProgressError(attempted, current string) *InProgressError {
	msg := fmt.Sprintf("Can't start async operation (%s) because another async operation (%s) is in progress", attempted, current)
	return &InProgressError{Result: NewResult(HelperAsyncInProgress, msg)}
}

func (e *InProgressError) Error() string {
	return e.Result.Message
}

// IsInProgress reports whether err is, or wraps, an *InProgressError.
func IsInProgress(err error) bool {
	var target *InProgressError
	return errors.As(err, &target)
}
