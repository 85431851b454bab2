package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest         = errors.New("invalid decrement request")
	ErrNotFound               = errors.New("stock not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrLockTimeout            = errors.New("lock wait timeout")
	ErrConcurrencyExhausted   = errors.New("concurrency retries exhausted")
	ErrLockAcquisitionTimeout = errors.New("lease acquisition timeout")
	ErrLeaseLost              = errors.New("lease lost")
	ErrLeaseUnavailable       = errors.New("lease service unavailable")
)

// InsufficientStockError reports a rejected decrement. Nothing was written.
type InsufficientStockError struct {
	Key       string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: key=%s available=%d requested=%d", e.Key, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ConcurrencyExhaustedError is returned when every compare-and-set attempt lost
// its race. Callers may retry the whole operation.
type ConcurrencyExhaustedError struct {
	Key      string
	Attempts int
}

func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("concurrency retries exhausted: key=%s attempts=%d", e.Key, e.Attempts)
}

func (e *ConcurrencyExhaustedError) Is(target error) bool {
	return target == ErrConcurrencyExhausted
}

type ErrorKind string

const (
	KindNone           ErrorKind = "ok"
	KindInvalid        ErrorKind = "invalid"
	KindNotFound       ErrorKind = "not_found"
	KindBusinessRule   ErrorKind = "business_rule"
	KindContention     ErrorKind = "contention"
	KindInfrastructure ErrorKind = "infrastructure"
	KindCanceled       ErrorKind = "canceled"
	KindUnknown        ErrorKind = "unknown"
)

// Classify maps a decrement error onto its failure category. Contention must
// stay distinguishable from insufficient stock so callers do not mistake a
// busy key for an empty one.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalid
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientStock):
		return KindBusinessRule
	case errors.Is(err, ErrLockTimeout),
		errors.Is(err, ErrConcurrencyExhausted),
		errors.Is(err, ErrLockAcquisitionTimeout):
		return KindContention
	case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrLeaseUnavailable):
		return KindInfrastructure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether the caller may retry the same decrement.
func IsRetryable(err error) bool {
	return Classify(err) == KindContention
}
