// Package loadererrors provides structured, categorized errors for the loader.
//
// The extraction client retries the transient types. Validation and transform
// errors send a single record to the dead-letter queue; any other type aborts
// the run.
package loadererrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType is the category of an Error. The retry policy and the run engine
// branch on it.
type ErrorType string

const (
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeRateLimit is an HTTP 429.
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeHTTP is any other non-2xx response that is not 5xx.
	ErrorTypeHTTP ErrorType = "http"
	// ErrorTypeRequest is a request that could not be sent or followed, such
	// as an unsupported URL scheme or too many redirects.
	ErrorTypeRequest          ErrorType = "request"
	ErrorTypeRetriesExhausted ErrorType = "retries_exhausted"
	// ErrorTypeValidation and ErrorTypeTransform are per-record failures.
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeTransform  ErrorType = "transform"
	// ErrorTypeLoad covers staging and merge failures.
	ErrorTypeLoad   ErrorType = "load"
	ErrorTypeQuery  ErrorType = "query"
	ErrorTypeConfig ErrorType = "config"
)

var (
	// ErrRetriesExhausted matches any error of type ErrorTypeRetriesExhausted via errors.Is.
	ErrRetriesExhausted = &Error{Type: ErrorTypeRetriesExhausted, Message: "retries exhausted", matchType: true}
	// ErrNoPrimaryKey is reported when a row-group targets a table without metadata.
	ErrNoPrimaryKey = &Error{Type: ErrorTypeLoad, Message: "no primary key metadata for table"}
)

// Error is a categorized loader error. Cause is reachable through
// errors.Unwrap; Details holds diagnostic values such as the request URL.
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Cause      error
	Details    map[string]any
	Stack      []StackFrame

	matchType bool
}

// StackFrame is one caller recorded when the error was created.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

func (e *Error) Error() string {
	msg := string(e.Type) + ": " + e.Message
	if e.Cause == nil {
		return msg
	}
	return msg + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a sentinel matching e. Type-only sentinels
// match any error of their type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Type != e.Type {
		return false
	}
	return t.matchType || t.Message == e.Message
}

// WithDetail sets a diagnostic value and returns e for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// New returns an Error of the given type, recording the caller's stack.
func New(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message, Stack: callers(3)}
}

// Newf is New with a format string.
func Newf(errType ErrorType, format string, args ...any) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...), Stack: callers(3)}
}

// HTTPStatus creates an error for a non-2xx response. 429 is classified as
// rate_limit and 5xx as connection so both are retryable.
func HTTPStatus(code int, body string) *Error {
	errType := ErrorTypeHTTP
	switch {
	case code == 429:
		errType = ErrorTypeRateLimit
	case code >= 500:
		errType = ErrorTypeConnection
	}
	e := &Error{
		Type:       errType,
		Message:    fmt.Sprintf("unexpected status %d", code),
		StatusCode: code,
		Stack:      callers(3),
	}
	if body != "" {
		e.WithDetail("body", body)
	}
	return e
}

// Wrap returns an Error of errType caused by err, or nil when err is nil. A
// wrapped loader error keeps its status code and original stack.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	wrapped := &Error{Type: errType, Message: message, Cause: err}
	if inner, ok := asError(err); ok {
		wrapped.StatusCode = inner.StatusCode
		wrapped.Stack = inner.Stack
	} else {
		wrapped.Stack = callers(3)
	}
	return wrapped
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, errType ErrorType, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, errType, fmt.Sprintf(format, args...))
}

func asError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsRetryable reports whether the outermost loader error in err's chain is a
// transient failure: a timeout, a connection failure or a rate limit.
func IsRetryable(err error) bool {
	e, ok := asError(err)
	if !ok {
		return false
	}
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection:
		return true
	}
	return false
}

// IsType reports whether the outermost loader error in err's chain has errType.
func IsType(err error, errType ErrorType) bool {
	e, ok := asError(err)
	return ok && e.Type == errType
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	if e, ok := asError(err); ok {
		return e.StatusCode
	}
	return 0
}

const maxStackDepth = 32

// callers records the stack for runtime.Callers skip; 3 starts at whoever
// called the constructor that calls callers.
func callers(skip int) []StackFrame {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]StackFrame, 0, n)
	for {
		f, more := frames.Next()
		stack = append(stack, StackFrame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return stack
}
