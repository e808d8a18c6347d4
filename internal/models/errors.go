package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the store, the admission path and the dispatcher
var (
	ErrValidation       = errors.New("validation failed")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrNodeNotFound     = errors.New("node not found")
	ErrDeviceLimit      = errors.New("device limit reached")
	ErrStoreConflict    = errors.New("store conflict: concurrent write, retry later")
	ErrStaleEpoch       = errors.New("stale epoch")
	ErrTransport        = errors.New("transport error")
	ErrNodeNotConnected = errors.New("node not connected")
	ErrInvalidSecret    = errors.New("invalid node credentials")
)

// ValidationError describes a malformed field in a request or connection event
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError for the given field
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// TransportError wraps a per-node send failure
type TransportError struct {
	NodeID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes every TransportError match ErrTransport
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
