// Package domain contains domain models and business logic errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidArgument is returned when an invalid argument is provided.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTransition is returned when a state machine transition is not legal.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPermissionDenied is returned when the caller lacks permission for an operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict is returned when there's a conflict with current state.
	ErrConflict = errors.New("conflict with current state")

	// ErrUnavailable is returned when a service or resource is unavailable.
	ErrUnavailable = errors.New("service unavailable")
)

// CertificateError indicates certificate issuance or validation failed.
// It is fatal to the single session it belongs to and never corrupts CA state.
type CertificateError struct {
	Reason string
	Err    error
}

func (e *CertificateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *CertificateError) Unwrap() error { return e.Err }

// NewCertificateError wraps err with a machine-readable reason.
func NewCertificateError(reason string, err error) *CertificateError {
	return &CertificateError{Reason: reason, Err: err}
}

// InfeasiblePlanError indicates a resize plan cannot fit the target capacity.
// The operator can recover by choosing a different target or resize mode.
type InfeasiblePlanError struct {
	RequiredBytes int64
	TargetBytes   int64
}

func (e *InfeasiblePlanError) Error() string {
	return fmt.Sprintf(
		"resize plan infeasible: minimum footprint %d bytes exceeds target capacity %d bytes (shortfall %d bytes)",
		e.RequiredBytes, e.TargetBytes, e.ShortfallBytes(),
	)
}

// ShortfallBytes returns how many bytes the target capacity is short.
func (e *InfeasiblePlanError) ShortfallBytes() int64 {
	return e.RequiredBytes - e.TargetBytes
}

// AgentUnreachableError indicates an agent could not be reached after the
// retry budget was exhausted.
type AgentUnreachableError struct {
	NodeID   string
	Attempts int
	Err      error
}

func (e *AgentUnreachableError) Error() string {
	return fmt.Sprintf("agent on node %s unreachable after %d attempts: %v", e.NodeID, e.Attempts, e.Err)
}

func (e *AgentUnreachableError) Unwrap() error { return e.Err }

// ValidationError indicates a partition operation was rejected at queuing
// time. It never reaches the executor.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError builds a ValidationError from a format string.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// OperationExecutionError indicates a queued partition operation failed at
// apply time. It halts the remaining queue on that device.
type OperationExecutionError struct {
	OperationID string
	Device      string
	Err         error
}

func (e *OperationExecutionError) Error() string {
	return fmt.Sprintf("operation %s on %s failed: %v", e.OperationID, e.Device, e.Err)
}

func (e *OperationExecutionError) Unwrap() error { return e.Err }
