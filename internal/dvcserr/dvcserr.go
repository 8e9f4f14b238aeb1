// Package dvcserr defines the closed set of error kinds the engine returns
// to its callers, mirroring the way gitcore.ObjectType closes its own enum.
package dvcserr

import "fmt"

// Kind is a stable, user-facing classification of a failure. It maps to a
// process exit code at the CLI boundary and to an HTTP status at the sync
// server boundary.
type Kind int

const (
	// Unknown is the zero value and should never be returned deliberately.
	Unknown Kind = iota
	NotFound
	AlreadyExists
	SchemaIncompatible
	WouldOverwriteLocalChanges
	RemoteAhead
	LocalAhead
	BranchLocked
	CorruptObject
	CorruptTree
	IOError
	TransportError
	AuthError
	Cancelled
)

var kindNames = map[Kind]string{
	Unknown:                    "unknown",
	NotFound:                   "not_found",
	AlreadyExists:              "already_exists",
	SchemaIncompatible:         "schema_incompatible",
	WouldOverwriteLocalChanges: "would_overwrite_local_changes",
	RemoteAhead:                "remote_ahead",
	LocalAhead:                 "local_ahead",
	BranchLocked:               "branch_locked",
	CorruptObject:              "corrupt_object",
	CorruptTree:                "corrupt_tree",
	IOError:                    "io_error",
	TransportError:             "transport_error",
	AuthError:                  "auth_error",
	Cancelled:                  "cancelled",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ExitCode maps a Kind to a stable process exit code for the CLI surface.
func (k Kind) ExitCode() int {
	switch k {
	case Unknown:
		return 1
	case NotFound:
		return 2
	case AlreadyExists:
		return 3
	case SchemaIncompatible:
		return 4
	case WouldOverwriteLocalChanges:
		return 5
	case RemoteAhead, LocalAhead:
		return 6
	case BranchLocked:
		return 7
	case CorruptObject, CorruptTree:
		return 8
	case IOError:
		return 9
	case TransportError:
		return 10
	case AuthError:
		return 11
	case Cancelled:
		return 130
	default:
		return 1
	}
}

// Error is the engine's typed error. Op names the failing operation, Path or
// Hash identify the offending entity when known, Hint is a remediation
// suggestion surfaced verbatim by the CLI, and Err wraps the underlying
// cause.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Hint != "" {
		msg = fmt.Sprintf("%s\nhint: %s", msg, e.Hint)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error for op/kind without an underlying cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error for op/kind around an underlying cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// WithPath attaches a path to an error and returns it, for chaining at the
// call site: `return nil, dvcserr.New("add", dvcserr.NotFound).WithPath(p)`.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithHint attaches a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, otherwise
// Unknown.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return Unknown
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
