package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the activation and dispatch paths. Activation
// operations return these wrapped inside structured results rather than
// letting them escape to producers.
var (
	// ErrModeMismatch means the operation is invalid for the deployment's
	// single/multi-tenant mode.
	ErrModeMismatch = errors.New("operation not valid for this tenancy mode")

	// ErrTenantNotFound means the referenced tenant is unknown locally.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrConnectionFailed means the remote control plane was unreachable
	// or timed out.
	ErrConnectionFailed = errors.New("control plane connection failed")

	// ErrSignatureMismatch means the remote rejected our signature. This is
	// recoverable by re-activation and must not be confused with a
	// remote-side disable.
	ErrSignatureMismatch = errors.New("request signature rejected")

	// ErrDeactivated means the remote confirmed the deployment is disabled
	// or its contract expired.
	ErrDeactivated = errors.New("deployment deactivated by control plane")
)

// RemoteError carries a structured rejection from the control plane with the
// remote code and message preserved verbatim.
type RemoteError struct {
	Code    string
	Message string
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("control plane rejected request: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("control plane rejected request: %s", e.Message)
}

// NewRemoteError creates a RemoteError preserving the remote code and message.
func NewRemoteError(code, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

// IsRemoteRejection reports whether err is a structured remote rejection.
func IsRemoteRejection(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
