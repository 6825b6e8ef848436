// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Agora.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Agora errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error. Internal invariant
	// violations (a corrupted task table, a broken bus) are reported with
	// this code and halt dispatch; task-level failures never use it.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeUnknownRecipient indicates a message was addressed to an agent
	// the bus has never seen or that has been retired.
	CodeUnknownRecipient ErrorCode = "UNKNOWN_RECIPIENT"

	// CodeInboxFull indicates the recipient's inbox is at capacity. This
	// is the bus backpressure signal; the send is rejected, not queued.
	CodeInboxFull ErrorCode = "INBOX_FULL"

	// CodeCyclicDependency indicates a task submission would close a
	// cycle in the dependency graph.
	CodeCyclicDependency ErrorCode = "CYCLIC_DEPENDENCY"

	// CodeInvalidDependency indicates a declared dependency references an
	// unknown task id.
	CodeInvalidDependency ErrorCode = "INVALID_DEPENDENCY"

	// CodeAgentUnresponsive indicates a dispatched task produced no
	// correlated response within the dispatch timeout.
	CodeAgentUnresponsive ErrorCode = "AGENT_UNRESPONSIVE"

	// CodeCapacityExhausted indicates no eligible idle agent was found
	// across several scheduling passes. Reported, never fatal.
	CodeCapacityExhausted ErrorCode = "CAPACITY_EXHAUSTED"

	// CodeConflict indicates a compare-and-set lost a version race.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeTaskFailed indicates a task exhausted its retries and is
	// terminally failed.
	CodeTaskFailed ErrorCode = "TASK_TERMINALLY_FAILED"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeShutdown indicates the coordinator is no longer accepting work.
	CodeShutdown ErrorCode = "SHUTTING_DOWN"
)

// AgoraError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type AgoraError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
}

// Error implements the error interface.
func (e *AgoraError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *AgoraError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *AgoraError) MarshalJSON() ([]byte, error) {
	type Alias AgoraError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new AgoraError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *AgoraError {
	return &AgoraError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *AgoraError) WithContext(key string, value interface{}) *AgoraError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *AgoraError) WithAttribute(key, value string) *AgoraError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *AgoraError) WithRecoverable(recoverable bool) *AgoraError {
	e.Recoverable = recoverable
	return e
}

// AsAgoraError attempts to convert an error to an AgoraError.
// Returns the error as AgoraError if it is one, or wraps it otherwise.
func AsAgoraError(err error) *AgoraError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*AgoraError); ok {
		return ae
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the error code of err, or CodeInternal for untyped errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if ae, ok := err.(*AgoraError); ok {
		return ae.Code
	}
	return CodeInternal
}

// HasCode reports whether err is an AgoraError carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	ae, ok := err.(*AgoraError)
	return ok && ae.Code == code
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *AgoraError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}
