// Package errors provides the structured error codes used across devserver.
//
// Every failure that can end a run, or that the reload state machine needs to
// classify, is an *Errno. An Errno carries:
//
//   - A globally unique numeric code
//   - A category (config, bind, reload, crash, internal)
//   - The process exit status used when the error reaches main
//   - An optional cause, reachable through errors.Unwrap
//
// Error Code Format: AABBCCC (7 digits)
//
//	AA  (00-99): Module code - identifies the component that failed
//	BB  (00-99): Category code - identifies the error category
//	CCC (000-999): Sequence number - specific error within the category
//
// Module Codes (AA):
//
//	00: Common
//	01: Config resolver
//	02: Backend adapters
//	03: File watcher
//	04: Reload coordinator
//	05: Process supervisor
//	06: Application project
//
// Usage:
//
//	// Using predefined errors
//	return errors.ErrConfig.WithMessage("port is required")
//
//	// Wrapping underlying errors
//	return errors.ErrBind.WithCause(err)
package errors

import (
	stderrors "errors"
	"fmt"
	"sync"
)

// Category groups errors by how the supervisor reacts to them.
type Category string

const (
	// CategoryConfig errors are fatal and raised before anything starts.
	CategoryConfig Category = "config"
	// CategoryBind errors are fatal and raised while acquiring the listener.
	CategoryBind Category = "bind"
	// CategoryReload errors are recoverable; the last good state keeps serving.
	CategoryReload Category = "reload"
	// CategoryCrash errors are supervised with a bounded restart budget.
	CategoryCrash Category = "crash"
	// CategoryInternal covers everything else.
	CategoryInternal Category = "internal"
)

// Errno represents a structured error with code and message.
type Errno struct {
	// Code is the unique error code
	Code int `json:"code"`

	// Category decides whether the error is fatal or recoverable
	Category Category `json:"category"`

	// Exit is the process exit status used when the error ends the run
	Exit int `json:"-"`

	// Message is the human readable description
	Message string `json:"message"`

	// cause is the underlying error
	cause error
}

// Error implements the error interface.
func (e *Errno) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s error %d: %s: %v", e.Category, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s error %d: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Errno) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target error code.
func (e *Errno) Is(target error) bool {
	if t, ok := target.(*Errno); ok {
		return e.Code == t.Code
	}
	return false
}

// Fatal reports whether the error ends the run when it reaches the top level.
func (e *Errno) Fatal() bool {
	return e.Category != CategoryReload
}

func (e *Errno) clone() *Errno {
	return &Errno{
		Code:     e.Code,
		Category: e.Category,
		Exit:     e.Exit,
		Message:  e.Message,
		cause:    e.cause,
	}
}

// WithCause creates a new Errno with the given cause.
func (e *Errno) WithCause(cause error) *Errno {
	c := e.clone()
	c.cause = cause
	return c
}

// WithMessage creates a new Errno with a custom message.
func (e *Errno) WithMessage(msg string) *Errno {
	c := e.clone()
	c.Message = msg
	return c
}

// WithMessagef creates a new Errno with a formatted message.
func (e *Errno) WithMessagef(format string, args ...interface{}) *Errno {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Format implements fmt.Formatter for better error formatting.
func (e *Errno) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "errno %d [%s, exit %d]: %s", e.Code, e.Category, e.Exit, e.Message)
			if e.cause != nil {
				_, _ = fmt.Fprintf(s, "\ncaused by: %+v", e.cause)
			}
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// MakeCode builds an AABBCCC code.
func MakeCode(module, category, sequence int) int {
	return module*100000 + category*1000 + sequence
}

// ParseCode splits an AABBCCC code into its parts.
func ParseCode(code int) (module, category, sequence int) {
	return code / 100000, (code / 1000) % 100, code % 1000
}

// errnoRegistry stores all registered error codes for uniqueness validation.
var (
	errnoRegistry = make(map[int]*Errno)
	registryMu    sync.RWMutex
)

// Register registers an Errno and validates uniqueness.
// Panics if the code is already registered.
func Register(e *Errno) *Errno {
	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := errnoRegistry[e.Code]; ok {
		panic(fmt.Sprintf("errno code %d already registered: %s", e.Code, existing.Message))
	}
	errnoRegistry[e.Code] = e
	return e
}

// Lookup returns the registered Errno for the given code.
func Lookup(code int) (*Errno, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := errnoRegistry[code]
	return e, ok
}

// FromError converts any error to Errno.
// An Errno anywhere in the chain is returned as is; anything else is wrapped
// as ErrInternal.
func FromError(err error) *Errno {
	if err == nil {
		return nil
	}
	var e *Errno
	if stderrors.As(err, &e) {
		return e
	}
	return ErrInternal.WithCause(err)
}

// IsCategory reports whether err carries an Errno of the given category.
func IsCategory(err error, category Category) bool {
	var e *Errno
	if stderrors.As(err, &e) {
		return e.Category == category
	}
	return false
}

// GetCode returns the error code from an error.
// Returns -1 if the error is not an Errno.
func GetCode(err error) int {
	var e *Errno
	if stderrors.As(err, &e) {
		return e.Code
	}
	return -1
}
