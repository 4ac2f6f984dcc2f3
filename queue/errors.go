package queue

import "errors"

var (
	ErrUnknownMethod   = errors.New("queue: unknown method")
	ErrNotInitialized  = errors.New("queue: not initialized")
	ErrMissingResource = errors.New("queue: missing resource")
)

// permanent is implemented by transport errors that must not be retried
// (for example a 4xx validation response).
type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether any error in err's chain declares itself permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// PermanentError marks err as not retryable.
func PermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }
