package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// ErrorCode represents internal error codes for hashkv operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeMalformedRequest ErrorCode = 1000
	ErrCodeUnknownCommand   ErrorCode = 1001
	ErrCodeFrameTooLarge    ErrorCode = 1002
	ErrCodeHandshakeFailure ErrorCode = 1003

	// Server errors
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeBackendUnavailable ErrorCode = 2001
	ErrCodeDiskFull           ErrorCode = 2002
	ErrCodeCorruptedData      ErrorCode = 2003
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeMalformedRequest:
		return "malformed_request"
	case ErrCodeUnknownCommand:
		return "unknown_command"
	case ErrCodeFrameTooLarge:
		return "frame_too_large"
	case ErrCodeHandshakeFailure:
		return "handshake_failure"
	case ErrCodeBackendUnavailable:
		return "backend_unavailable"
	case ErrCodeDiskFull:
		return "disk_full"
	case ErrCodeCorruptedData:
		return "corrupted_data"
	default:
		return "internal"
	}
}

// KvError represents a structured error with code and context
type KvError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *KvError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *KvError) Unwrap() error {
	return e.Cause
}

// GRPCCode maps internal error codes to the status code carried on the wire
func (e *KvError) GRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeMalformedRequest, ErrCodeFrameTooLarge:
		return codes.InvalidArgument
	case ErrCodeUnknownCommand:
		return codes.Unimplemented
	case ErrCodeHandshakeFailure:
		return codes.Unauthenticated
	case ErrCodeBackendUnavailable:
		return codes.Unavailable
	case ErrCodeDiskFull:
		return codes.ResourceExhausted
	case ErrCodeCorruptedData:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewKvError creates a new KvError
func NewKvError(code ErrorCode, message string, cause error) *KvError {
	return &KvError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *KvError) WithDetail(key string, value interface{}) *KvError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func MalformedRequest(message string, cause error) *KvError {
	return NewKvError(ErrCodeMalformedRequest, message, cause)
}

func MissingArgument(verb, argument string) *KvError {
	return NewKvError(ErrCodeMalformedRequest, fmt.Sprintf("%s: missing %s", verb, argument), nil).
		WithDetail("verb", verb).
		WithDetail("argument", argument)
}

func TooLarge(what string, size, maxSize int) *KvError {
	return NewKvError(ErrCodeMalformedRequest, fmt.Sprintf("%s size %d exceeds maximum %d", what, size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func UnknownCommand(verb string) *KvError {
	return NewKvError(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %s", verb), nil).
		WithDetail("verb", verb)
}

func FrameTooLarge(size, maxSize int) *KvError {
	return NewKvError(ErrCodeFrameTooLarge, fmt.Sprintf("frame size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func HandshakeFailure(remoteAddr string, cause error) *KvError {
	return NewKvError(ErrCodeHandshakeFailure, "tls handshake failed", cause).
		WithDetail("remote_addr", remoteAddr)
}

func BackendUnavailable(message string, cause error) *KvError {
	return NewKvError(ErrCodeBackendUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *KvError {
	return NewKvError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func CorruptedData(message string, cause error) *KvError {
	return NewKvError(ErrCodeCorruptedData, message, cause)
}

func InternalError(message string, cause error) *KvError {
	return NewKvError(ErrCodeInternal, message, cause)
}

// FromStatus rebuilds a KvError from a status code and message received
// on the wire. An OK code yields nil.
func FromStatus(code codes.Code, message string) *KvError {
	var ec ErrorCode
	switch code {
	case codes.OK:
		return nil
	case codes.InvalidArgument:
		ec = ErrCodeMalformedRequest
	case codes.Unimplemented:
		ec = ErrCodeUnknownCommand
	case codes.Unauthenticated:
		ec = ErrCodeHandshakeFailure
	case codes.Unavailable:
		ec = ErrCodeBackendUnavailable
	case codes.ResourceExhausted:
		ec = ErrCodeDiskFull
	case codes.DataLoss:
		ec = ErrCodeCorruptedData
	default:
		ec = ErrCodeInternal
	}
	return NewKvError(ec, message, nil)
}

// IsKvError checks if an error is, or wraps, a KvError
func IsKvError(err error) bool {
	var ke *KvError
	return stderrors.As(err, &ke)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ke *KvError
	if stderrors.As(err, &ke) {
		return ke.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// As finds the first KvError in err's chain
func As(err error, target **KvError) bool {
	return stderrors.As(err, target)
}
