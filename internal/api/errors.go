package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide whether to retry,
// surface immediately or treat the failure as a programming/config fault.
type ErrorKind string

const (
	KindConfiguration     ErrorKind = "ConfigurationError"
	KindResourceExhausted ErrorKind = "ResourceExhausted"
	KindTimeout           ErrorKind = "Timeout"
	KindTransient         ErrorKind = "TransientFailure"
	KindTerminal          ErrorKind = "TerminalFailure"
	KindIntegrity         ErrorKind = "IntegrityError"
)

// Sentinel errors, one per kind. Every *Error matches the sentinel of its kind
// through errors.Is.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTimeout           = errors.New("timeout")
	ErrTransient         = errors.New("transient failure")
	ErrTerminal          = errors.New("terminal failure")
	ErrIntegrity         = errors.New("integrity error")
)

var sentinels = map[ErrorKind]error{
	KindConfiguration:     ErrConfiguration,
	KindResourceExhausted: ErrResourceExhausted,
	KindTimeout:           ErrTimeout,
	KindTransient:         ErrTransient,
	KindTerminal:          ErrTerminal,
	KindIntegrity:         ErrIntegrity,
}

// Error is the structured error returned by the orchestration layer.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func newError(kind ErrorKind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewConfigurationError reports an unknown backend, invalid dependency graph or bad setting.
func NewConfigurationError(op, format string, args ...interface{}) *Error {
	return newError(KindConfiguration, op, nil, format, args...)
}

// NewResourceExhaustedError reports a ceiling hit (environment count, queue capacity).
func NewResourceExhaustedError(op, format string, args ...interface{}) *Error {
	return newError(KindResourceExhausted, op, nil, format, args...)
}

// NewTimeoutError reports an exceeded subprocess or task deadline.
func NewTimeoutError(op string, err error, format string, args ...interface{}) *Error {
	return newError(KindTimeout, op, err, format, args...)
}

// NewTransientError wraps a retryable failure.
func NewTransientError(op string, err error, format string, args ...interface{}) *Error {
	return newError(KindTransient, op, err, format, args...)
}

// NewTerminalError wraps a failure that will not be retried.
func NewTerminalError(op string, err error, format string, args ...interface{}) *Error {
	return newError(KindTerminal, op, err, format, args...)
}

// NewIntegrityError reports a dependency cycle or a reference to something missing.
func NewIntegrityError(op, format string, args ...interface{}) *Error {
	return newError(KindIntegrity, op, nil, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	sentinel, ok := sentinels[kind]
	if !ok {
		return false
	}
	return errors.Is(err, sentinel)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
