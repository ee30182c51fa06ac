package errors

import (
	"errors"
	"fmt"
)

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrNoActiveQuota = errors.New("no active quota")
	ErrInvalidState  = errors.New("invalid state")

	// ErrInvalidAddress rejects a destination before any provider interaction.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrCircuitOpen is returned without calling the provider.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrTransportCall matches every *TransportCallError.
	ErrTransportCall = errors.New("transport call failed")
)

// TransportCallError wraps a provider-level failure (timeout, 5xx, rejected request).
type TransportCallError struct {
	Service string
	// Code is the provider error code when the provider returned one.
	Code  string
	Cause error
	// Opened reports that this failure tripped the circuit.
	Opened bool
}

func (e *TransportCallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code %s): %v", e.Service, ErrTransportCall, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Service, ErrTransportCall, e.Cause)
}

func (e *TransportCallError) Unwrap() error { return e.Cause }

func (e *TransportCallError) Is(target error) bool { return target == ErrTransportCall }

// ProviderError carries the status and code a provider answered with.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider responded %d [%s]: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider responded %d: %s", e.StatusCode, e.Message)
}

// ErrorCode extracts a provider error code from err, if any.
func ErrorCode(err error) string {
	var tce *TransportCallError
	if errors.As(err, &tce) && tce.Code != "" {
		return tce.Code
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As re-exported for callers that alias this package.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
