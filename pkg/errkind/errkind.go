// Package errkind classifies run-terminating errors so the command line can
// map them to exit codes.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the class of a terminal error.
type Kind string

const (
	// Config covers bad parameters, missing inputs and series too short for E/tau.
	Config Kind = "config"
	// Resource covers failure to acquire an accelerator device or context.
	Resource Kind = "resource"
	// Protocol covers malformed or unexpected cluster messages.
	Protocol Kind = "protocol"
	// Internal is anything unclassified.
	Internal Kind = "internal"
)

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err as kind. A nil err returns nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configf builds a Config error from a format string.
func Configf(op, format string, args ...any) error {
	return &Error{Kind: Config, Op: op, Err: fmt.Errorf(format, args...)}
}

// Protocolf builds a Protocol error from a format string.
func Protocolf(op, format string, args ...any) error {
	return &Error{Kind: Protocol, Op: op, Err: fmt.Errorf(format, args...)}
}

// Of returns the kind of the outermost classified error in err's chain, or
// Internal when none is classified.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch Of(err) {
	case Config:
		return 2
	case Resource:
		return 3
	case Protocol:
		return 4
	default:
		return 1
	}
}
