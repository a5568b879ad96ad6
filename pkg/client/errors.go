package client

import (
	"errors"
	"fmt"

	"github.com/pario-ai/docsmith/pkg/models"
)

// ErrProtocolViolation is returned when a successful response does not have
// the expected shape.
var ErrProtocolViolation = errors.New("protocol violation")

// ProtocolError is a successful exchange whose reply could not be used.
// Usage is whatever the service reported for the call, nil when the body
// could not be decoded.
type ProtocolError struct {
	Reason string
	Usage  *models.Usage
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v: %s", ErrProtocolViolation, e.Reason)
}

// Unwrap reports the error as a protocol violation.
func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}

// ServiceError is a rejection reported by the remote service.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error %d: %s", e.StatusCode, e.Message)
}

// TransportError wraps a failure to complete the HTTP exchange, including
// timeouts and cancellation.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Err
}
