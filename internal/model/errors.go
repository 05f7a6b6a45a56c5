package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCancelled       = errors.New("cancelled")
	ErrPlatformClosed  = errors.New("platform closed")
	ErrNotStarted      = errors.New("execution not started")
	ErrUnknownPlatform = errors.New("unknown platform")
)

// CancelledError is returned once a cancellation token was requested. It is an
// expected control flow, callers match it with errors.Is(err, ErrCancelled).
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return ErrCancelled.Error()
	}
	return "cancelled: " + e.Reason
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

// PlatformLaunchError means the platform never became ready, no file was
// executed on it.
type PlatformLaunchError struct {
	PlatformType string
	Err          error
}

func (e *PlatformLaunchError) Error() string {
	return fmt.Sprintf("launching %s platform: %v", e.PlatformType, e.Err)
}

func (e *PlatformLaunchError) Unwrap() error {
	return e.Err
}

type PlatformDisconnectedError struct {
	File         string
	PlatformType string
}

func (e *PlatformDisconnectedError) Error() string {
	return fmt.Sprintf("%s platform disconnected while executing %s", e.PlatformType, e.File)
}

func (e *PlatformDisconnectedError) Is(target error) bool {
	return target == ErrPlatformClosed
}

type PlatformCloseTimeoutError struct {
	PlatformType string
	After        time.Duration
}

func (e *PlatformCloseTimeoutError) Error() string {
	return fmt.Sprintf("%s platform not closed after %s: forcing stop", e.PlatformType, e.After)
}

// ExecutionError wraps an error thrown by the executed file itself.
type ExecutionError struct {
	File  string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %s: %v", e.File, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// ExecutionTimeoutError is reported when a file did not settle within the
// configured execution timeout.
type ExecutionTimeoutError struct {
	File  string
	After time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("executing %s: timed out after %s", e.File, e.After)
}
