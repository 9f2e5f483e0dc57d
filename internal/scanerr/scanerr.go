// Package scanerr implements the error-kind taxonomy from spec §7. Every
// operation that can fail returns (or wraps) one of these kinds so callers
// can tell a recoverable "this one region was unreadable" apart from a
// fatal "the memory layer itself is gone".
package scanerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the six error categories spec.md §7 names.
type Kind int

const (
	// InvalidArgument marks malformed user input: a bad address, a bad
	// index, an unknown type, an unparseable value.
	InvalidArgument Kind = iota
	// Uninitialized marks an unmet precondition, e.g. no prior scan.
	Uninitialized
	// ModuleNotFound marks a target global that belongs to no known module.
	ModuleNotFound
	// InvalidExeFile marks an executable image that failed to parse.
	InvalidExeFile
	// MemoryData marks a region that was unreadable; callers recover
	// locally by skipping the region.
	MemoryData
	// MemoryFatal marks an unrecoverable failure from the memory layer;
	// callers surface it and abort the surrounding operation.
	MemoryFatal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case Uninitialized:
		return "Uninitialized"
	case ModuleNotFound:
		return "ModuleNotFound"
	case InvalidExeFile:
		return "InvalidExeFile"
	case MemoryData:
		return "MemoryData"
	case MemoryFatal:
		return "MemoryFatal"
	default:
		return "Unknown"
	}
}

// Error pairs a Kind with the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a scanerr.Error with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds a scanerr.Error around cause, attaching a stack trace when
// kind is MemoryFatal (the only kind that surfaces all the way up, so it is
// the only one worth paying for a trace).
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return New(kind, op)
	}
	if kind == MemoryFatal {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Op: op, err: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// IsData reports whether err is a recoverable, region-local MemoryData
// error: the caller should skip the region and continue.
func IsData(err error) bool {
	return Is(err, MemoryData)
}

// IsFatal reports whether err is a MemoryFatal error: the caller should
// abort the surrounding sweep and surface err to its own caller.
func IsFatal(err error) bool {
	return Is(err, MemoryFatal)
}
