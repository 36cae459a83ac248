// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for the inference engine.

package api

import "fmt"

// Common errors used across the engine.
var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrPoolEmpty       = fmt.Errorf("page pool exhausted")
	ErrPageOutOfRange  = fmt.Errorf("page id out of range")
	ErrPageNotHeld     = fmt.Errorf("page reference count is zero")
	ErrQueueFull       = fmt.Errorf("queue full")
	ErrSlotTimeout     = fmt.Errorf("slot acquisition timed out")
	ErrSegmentLayout   = fmt.Errorf("shared segment layout mismatch")
	ErrArenaExhausted  = fmt.Errorf("bulk arena exhausted")
	ErrShutdown        = fmt.Errorf("engine is shutting down")
	ErrNotInitialized  = fmt.Errorf("transport not initialized")
	ErrOversizePayload = fmt.Errorf("payload exceeds wire capacity")
)

// ErrorCode represents specific error conditions in the engine.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodePoolExhausted
	ErrCodeOutOfRange
	ErrCodeQueueFull
	ErrCodeTimeout
	ErrCodeSegment
	ErrCodeTokenizer
	ErrCodeModel
	ErrCodeShutdown
	ErrCodeInternal
)

// Error represents a structured error with code, context, and an
// optional wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the cause so errors.Is and errors.As see through the
// structured wrapper to the sentinel underneath.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WrapError creates a structured error around a cause.
func WrapError(code ErrorCode, err error, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
		Err:     err,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
