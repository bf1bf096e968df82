package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Typed pre-execution errors. These are caller errors, never retried and
// never turned into adapter calls. Codes are stable machine identifiers
// surfaced over the API.

type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	ErrDeviceNotFound     = &CoreError{Code: "DEVICE_NOT_FOUND", Message: "device is not registered"}
	ErrDuplicateDevice    = &CoreError{Code: "DUPLICATE_DEVICE", Message: "device id is already registered"}
	ErrDuplicateCommand   = &CoreError{Code: "DUPLICATE_COMMAND", Message: "command id is already in flight"}
	ErrCapabilityMismatch = &CoreError{Code: "CAPABILITY_MISMATCH", Message: "device does not support the requested action"}
	ErrDeadlineExceeded   = &CoreError{Code: "DEADLINE_EXCEEDED", Message: "command deadline elapsed before completion"}
	ErrScenarioNotFound   = &CoreError{Code: "SCENARIO_NOT_FOUND", Message: "scenario is not defined"}
)

// ErrorKind classifies adapter-level outcomes. Unreachable and Timeout
// are transient and retried; Unsupported and ProtocolError are terminal.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindUnreachable ErrorKind = "unreachable"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindUnsupported ErrorKind = "unsupported"
	ErrorKindProtocol    ErrorKind = "protocol_error"
	ErrorKindCancelled   ErrorKind = "cancelled"
)

func (k ErrorKind) Retryable() bool {
	return k == ErrorKindUnreachable || k == ErrorKindTimeout
}

// AdapterError carries a classified transport failure across the adapter
// boundary. Raw transport faults never escape the dispatcher unclassified.
type AdapterError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *AdapterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.Cause
}

func NewAdapterError(kind ErrorKind, message string, cause error) *AdapterError {
	return &AdapterError{Kind: kind, Message: message, Cause: cause}
}

// ClassifyError maps any error returned by an adapter call to an
// ErrorKind. Unknown faults count as protocol errors, which are terminal.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCancelled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrorKindTimeout
		}
		return ErrorKindUnreachable
	}
	return ErrorKindProtocol
}
