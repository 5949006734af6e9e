// Package errkind defines the closed error-kind taxonomy shared by every
// component of the network engine and task launcher, and the translation
// of kernel/syscall errors into it.
package errkind

import "fmt"

// Kind is the closed set of error kinds propagated to the RPC boundary.
type Kind int32

const (
	Success Kind = iota
	Unknown
	InvalidMethod
	ContainerAlreadyExists
	ContainerDoesNotExist
	InvalidProperty
	InvalidData
	InvalidValue
	InvalidState
	NotSupported
	ResourceNotAvailable
	Permission
	Busy
	NoSpace
	Queued
)

var names = map[Kind]string{
	Success:                "Success",
	Unknown:                "Unknown",
	InvalidMethod:          "InvalidMethod",
	ContainerAlreadyExists: "ContainerAlreadyExists",
	ContainerDoesNotExist:  "ContainerDoesNotExist",
	InvalidProperty:        "InvalidProperty",
	InvalidData:            "InvalidData",
	InvalidValue:           "InvalidValue",
	InvalidState:           "InvalidState",
	NotSupported:           "NotSupported",
	ResourceNotAvailable:   "ResourceNotAvailable",
	Permission:             "Permission",
	Busy:                   "Busy",
	NoSpace:                "NoSpace",
	Queued:                 "Queued",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int32(k))
}

// Error is the tagged error kind plus an errno (0 if synthetic) and a
// human-readable description. It is the only error type this repository
// returns from fallible operations; nothing here uses exceptions or
// panics for control flow.
type Error struct {
	Kind  Kind
	Errno int32
	Text  string
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s (errno %d)", e.Kind, e.Text, e.Errno)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Text)
}

// New builds a synthetic error (errno 0) of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Text: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kernel errno to a kind.
func Wrap(kind Kind, errno int32, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Errno: errno, Text: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind carried by err, or Unknown if err is not one
// of ours (or is nil, in which case it returns Success).
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
