package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrOrphanToolResult is returned when a tool result references a request
	// id that never appeared in the conversation.
	ErrOrphanToolResult = errors.New("tool result references unknown request")

	// ErrAssemblerClosed is returned when deltas arrive after the end marker.
	ErrAssemblerClosed = errors.New("assembler: delta after end of stream")
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindRateLimit      ErrorKind = "rate_limit"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindNetwork        ErrorKind = "network"
	KindUnknown        ErrorKind = "unknown"
)

// ProviderError is a failure reported by, or on the way to, a model provider.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	Retryable  bool
	StatusCode int
	Message    string
	Raw        string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// KindForStatus maps an HTTP status to an error kind and retryability.
func KindForStatus(status int) (ErrorKind, bool) {
	switch {
	case status == 401 || status == 403:
		return KindAuth, false
	case status == 429 || status == 529:
		return KindRateLimit, true
	case status == 408:
		return KindNetwork, true
	case status >= 400 && status < 500:
		return KindInvalidRequest, false
	case status >= 500:
		return KindUnknown, true
	default:
		return KindUnknown, false
	}
}

// TransportError wraps an error that never produced an HTTP status.
// Cancellation is passed through untouched; deadlines and client timeouts
// become retryable network errors that still match context.DeadlineExceeded.
func TransportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return &ProviderError{Provider: provider, Kind: KindNetwork, Retryable: true, Message: err.Error(), Cause: err}
	}
	return &ProviderError{Provider: provider, Kind: KindUnknown, Message: err.Error(), Cause: err}
}

// AsProviderError extracts a ProviderError from err.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a provider error marked retryable.
func IsRetryable(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Retryable
}

// NormalizationError means a provider response had a shape the normalizer
// does not understand. Raw holds the offending payload.
type NormalizationError struct {
	Provider string
	Reason   string
	Raw      string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("%s: cannot normalize response: %s", e.Provider, e.Reason)
}

// MalformedToolCallError means a tool call's arguments could not be parsed
// into a JSON object.
type MalformedToolCallError struct {
	ID        string
	Name      string
	Arguments string
	Cause     error
}

func (e *MalformedToolCallError) Error() string {
	return fmt.Sprintf("malformed arguments for tool call %s (%s): %v", e.ID, e.Name, e.Cause)
}

func (e *MalformedToolCallError) Unwrap() error { return e.Cause }

// UnsupportedCapabilityError means the history needs a capability the
// provider lacks.
type UnsupportedCapabilityError struct {
	Provider   string
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("%s: provider does not support %s", e.Provider, e.Capability)
}
