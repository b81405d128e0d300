// Package types provides shared types, interfaces, and errors for the engine.
package types

import "errors"

// Sentinel errors for consistent error handling across the engine.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Autoscaled pool errors
	ErrPoolAborted    = errors.New("autoscaled pool aborted")
	ErrPoolNotRunning = errors.New("autoscaled pool is not running")
	ErrPauseTimeout   = errors.New("timeout waiting for in-flight tasks during pause")

	// Request frontier errors
	ErrRequestNotInProgress = errors.New("request is not in progress")
	ErrQueueClosed          = errors.New("request queue is closed")
	ErrNoFrontier           = errors.New("crawler requires a request list or a request queue")

	// Browser pool errors
	ErrBrowserPoolClosed = errors.New("browser pool is closed")
	ErrLaunchFailed      = errors.New("browser launch failed")

	// Session pool errors
	ErrSessionPoolClosed = errors.New("session pool is closed")
	ErrNoUsableSession   = errors.New("no usable session available")

	// Storage errors
	ErrKeyNotFound   = errors.New("key not found in store")
	ErrStorageClosed = errors.New("storage is closed")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// QueueError provides detailed information about request queue failures.
// It implements the error interface and supports error unwrapping.
type QueueError struct {
	Operation string // The queue operation that failed
	RequestID string // Unique key of the request involved, if any
	Message   string // Human-readable error message
	Err       error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *QueueError) Unwrap() error {
	return e.Err
}

// NewQueueError creates an error for a failed queue operation.
func NewQueueError(op, requestID, message string, err error) *QueueError {
	return &QueueError{
		Operation: op,
		RequestID: requestID,
		Message:   message,
		Err:       err,
	}
}

// LaunchError provides detailed information about browser launch failures.
type LaunchError struct {
	InstanceID string // The instance slot that failed to launch
	Message    string // Human-readable error message
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// NewLaunchError creates an error for browser launch failures.
func NewLaunchError(instanceID string, err error) *LaunchError {
	return &LaunchError{
		InstanceID: instanceID,
		Message:    "failed to launch browser instance " + instanceID,
		Err:        errors.Join(ErrLaunchFailed, err),
	}
}
