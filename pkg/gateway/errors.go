package gateway

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/pawbase/datasync/pkg/models"
)

// TransientError marks a failure worth retrying: a network-class error or a
// 502/503/504 from the backend edge.
type TransientError struct {
	Status int
	cause  error
}

func NewTransientError(status int, cause error) *TransientError {
	return &TransientError{Status: status, cause: cause}
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient backend error: status %d", e.Status)
	}
	return fmt.Sprintf("transient network error: %v", e.cause)
}

func (e *TransientError) Unwrap() error { return e.cause }

// FatalError marks a request the backend rejected for a non-transient reason:
// validation, authorization, unknown record. Retrying cannot help.
type FatalError struct {
	Status int
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("request rejected: %s (status %d)", e.Reason, e.Status)
}

// ConflictError is a stale-version rejection of a write. It is never retried
// and always forces a rollback plus refetch of the affected keys.
type ConflictError struct {
	Entity models.Entity
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("write conflict on %s:%s", e.Entity, e.ID)
}

// transientStatuses are the gateway statuses worth retrying.
var transientStatuses = map[int]bool{502: true, 503: true, 504: true}

// IsTransient reports whether err should be retried. Network-class failures
// (timeouts, refused or reset connections, DNS errors) and transient backend
// statuses qualify; everything else is final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return te.Status == 0 || transientStatuses[te.Status]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	return false
}

// IsConflict reports whether err is a stale-version write rejection.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsFatal reports whether err is a non-retryable backend rejection.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
