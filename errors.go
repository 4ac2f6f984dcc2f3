package herdsync

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable tags results produced while the storage medium was
	// missing or failing. The operation itself degraded to a miss/no-op.
	ErrStorageUnavailable = errors.New("herdsync: storage unavailable")

	// ErrSetRejected is returned by Set when the medium dropped the write under
	// pressure (ristretto admission). Nothing was stored; the medium is healthy.
	ErrSetRejected = errors.New("herdsync: write rejected by provider")

	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("herdsync: closed")
)

// StorageError carries the failing operation and key of a degraded call.
// It matches both ErrStorageUnavailable and the provider's own error.
type StorageError struct {
	Op  string
	Key string
	Err error // nil when no provider is configured
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("herdsync: %s %q: storage unavailable", e.Op, e.Key)
	}
	return fmt.Sprintf("herdsync: %s %q: storage unavailable: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error {
	errs := make([]error, 0, 2)
	errs = append(errs, ErrStorageUnavailable)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Unavailable reports whether err came from a degraded storage call.
func Unavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
