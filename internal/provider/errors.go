package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/kamilpajak/wardwatch/pkg/models"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindUpstream        ErrorKind = "upstream"
	KindInvalidResponse ErrorKind = "invalid_response"
	// KindThrottled means the call never left the process because the
	// local rate limit had no token in time.
	KindThrottled ErrorKind = "throttled"
)

// Error is returned by adapters for any failed call.
type Error struct {
	Provider   models.ProviderID
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s (HTTP %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTimeout checks if an error is a provider timeout.
func IsTimeout(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindTimeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsThrottled checks if an error is a local rate-limit refusal.
func IsThrottled(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindThrottled
}

// wrap converts a transport error into an *Error, classifying deadline
// expiry as a timeout.
func wrap(id models.ProviderID, status int, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	kind := KindUpstream
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Provider: id, Kind: kind, StatusCode: status, Err: err}
}

func invalid(id models.ProviderID, format string, args ...any) error {
	return &Error{Provider: id, Kind: KindInvalidResponse, Err: fmt.Errorf(format, args...)}
}
