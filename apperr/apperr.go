// Package apperr defines the error taxonomy of the export service.
// Every failure carries a Code that decides its HTTP status and whether it
// is ever shown to a caller.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Code categorizes an error.
type Code string

const (
	CodeInternal            Code = "INTERNAL_ERROR"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeResourceUnavailable Code = "RESOURCE_UNAVAILABLE"
	CodeAllocation          Code = "ALLOCATION_ERROR"
	CodeNavigation          Code = "NAVIGATION_ERROR"
	CodeCapture             Code = "CAPTURE_ERROR"
	CodeTranscode           Code = "TRANSCODE_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeReclaim             Code = "RECLAIM_ERROR"
)

// Error is a coded error with the operation that produced it.
type Error struct {
	Code    Code
	Message string
	// Op is the failing operation, e.g. "pipeline.navigate".
	Op    string
	Err   error
	Stack []Frame
}

// Frame is a single captured stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus maps the code to the status returned to callers.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// StackTrace formats the captured frames, one per line.
func (e *Error) StackTrace() string {
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: captureStack(2)}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Wrap attaches a code and operation to err. A nil err yields nil.
func Wrap(err error, code Code, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Op: op, Err: err, Stack: captureStack(2)}
}

// Sentinels for the errors callers are allowed to see.
var (
	ErrValidation  = &Error{Code: CodeValidation}
	ErrRateLimited = &Error{Code: CodeRateLimited}
	ErrNotFound    = &Error{Code: CodeNotFound}
)

// Validation is shorthand for a CodeValidation error.
func Validation(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFound reports a missing resource by kind and id.
func NotFound(resource, id string) *Error {
	return Newf(CodeNotFound, "%s not found: %s", resource, id)
}

// GetCode returns the code of err, or CodeInternal for foreign errors.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus returns the status for any error.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	frames := make([]Frame, 0, n)
	callers := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callers.Next()
		if !strings.Contains(frame.File, "runtime/") {
			frames = append(frames, Frame{File: frame.File, Line: frame.Line, Function: frame.Function})
		}
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}
