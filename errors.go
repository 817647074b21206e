package go_netservice

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrInvalidDescriptor is returned before any native call is made when the
	// descriptor (port, type, TXT attributes...) cannot be advertised.
	ErrInvalidDescriptor = errors.New("invalid service descriptor")
	// ErrRegistrationTimeout is returned by Register when no native outcome
	// arrived within the requested timeout.
	ErrRegistrationTimeout = errors.New("registration timed out")
	// ErrRegistrationRejected is matched by every *RejectedError.
	ErrRegistrationRejected = errors.New("registration rejected")
	// ErrClosed is returned when the native layer has been shut down.
	ErrClosed = errors.New("native layer closed")
)

// RejectedError reports that the native layer refused to publish the service.
// Diagnostics holds whatever the platform reported, e.g. {"reason": "collision"}.
type RejectedError struct {
	Diagnostics map[string]string
	Err         error
}

func NewRejectedError(diagnostics map[string]string, cause error) *RejectedError {
	return &RejectedError{Diagnostics: diagnostics, Err: cause}
}

// Diagnostic renders the diagnostics as "key:value" pairs sorted by key.
func (e *RejectedError) Diagnostic() string {
	keys := make([]string, 0, len(e.Diagnostics))
	for k := range e.Diagnostics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + e.Diagnostics[k]
	}

	return strings.Join(parts, ", ")
}

func (e *RejectedError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrRegistrationRejected.Error())
	if diag := e.Diagnostic(); len(diag) > 0 {
		sb.WriteString(": ")
		sb.WriteString(diag)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRegistrationRejected
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}
