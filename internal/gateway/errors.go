package gateway

import (
	"errors"
	"fmt"
)

// ErrUnknownGateway is returned by the factory for a type outside the
// closed set.
var ErrUnknownGateway = errors.New("unknown gateway type")

// UnsupportedOperationError is the capability error: the selected adapter
// does not implement the requested operation. It is raised before any
// network call.
type UnsupportedOperationError struct {
	Gateway   Type
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("gateway %s does not support %s", e.Gateway, e.Operation)
}

// NewUnsupportedOperation builds the capability error for an operation.
func NewUnsupportedOperation(gw Type, op string) *UnsupportedOperationError {
	return &UnsupportedOperationError{Gateway: gw, Operation: op}
}

// IsUnsupportedOperation reports whether err is a capability error.
func IsUnsupportedOperation(err error) bool {
	var ue *UnsupportedOperationError
	return errors.As(err, &ue)
}

// CredentialError means no credentials could be resolved for a
// company/gateway pair after every source was exhausted.
type CredentialError struct {
	CompanyID string
	Gateway   Type
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("no resolvable %s credentials for company %s", e.Gateway, e.CompanyID)
}

// IsCredentialError reports whether err is a credential error.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// SessionStateError means the requested operation is invalid for the
// session's current status. It is a rejected precondition, not a payment
// failure, and performs no network call.
type SessionStateError struct {
	SessionID string
	Current   Status
	Operation string
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("operation %s invalid for session %s in status %s", e.Operation, e.SessionID, e.Current)
}

// IsSessionStateError reports whether err is a session-state error.
func IsSessionStateError(err error) bool {
	var se *SessionStateError
	return errors.As(err, &se)
}
