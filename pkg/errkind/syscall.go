package errkind

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Category is the coarse kernel-error bucket described in spec §4.1,
// used by NetlinkClient to decide how to react (swallow, recurse, fail).
type Category int

const (
	CategoryOther Category = iota
	CategoryNotFound
	CategoryBusy
	CategoryExists
	CategoryPermission
	CategoryInvalid
)

// CategoryOf classifies a raw error returned by the netlink/netns layer.
func CategoryOf(err error) Category {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		switch {
		case os.IsNotExist(err):
			return CategoryNotFound
		case os.IsExist(err):
			return CategoryExists
		case os.IsPermission(err):
			return CategoryPermission
		default:
			return CategoryOther
		}
	}
	switch errno {
	case unix.ENOENT, unix.ESRCH, unix.ENODEV:
		return CategoryNotFound
	case unix.EBUSY, unix.EAGAIN:
		return CategoryBusy
	case unix.EEXIST:
		return CategoryExists
	case unix.EPERM, unix.EACCES:
		return CategoryPermission
	case unix.EINVAL, unix.ERANGE:
		return CategoryInvalid
	default:
		return CategoryOther
	}
}

// FromSyscallErr translates a raw kernel/netlink error into a tagged
// *Error, following the categorisation of spec §7: ENOENT-equivalents
// are the caller's concern to swallow (this just labels them), ENOMEM
// becomes ResourceNotAvailable, EBUSY becomes Busy, etc.
func FromSyscallErr(err error, context string) *Error {
	if err == nil {
		return nil
	}
	var errno int32
	var unixErrno unix.Errno
	if errors.As(err, &unixErrno) {
		errno = int32(unixErrno)
		if unixErrno == unix.ENOMEM {
			return Wrap(ResourceNotAvailable, errno, "%s: out of memory", context)
		}
	}
	switch CategoryOf(err) {
	case CategoryNotFound:
		return Wrap(ContainerDoesNotExist, errno, "%s: %v", context, err)
	case CategoryBusy:
		return Wrap(Busy, errno, "%s: %v", context, err)
	case CategoryExists:
		return Wrap(ContainerAlreadyExists, errno, "%s: %v", context, err)
	case CategoryPermission:
		return Wrap(Permission, errno, "%s: %v", context, err)
	case CategoryInvalid:
		return Wrap(InvalidValue, errno, "%s: %v", context, err)
	default:
		return Wrap(Unknown, errno, "%s: %v", context, err)
	}
}

// IsNotFound reports whether err (kernel, netlink, or *Error) denotes a
// missing object — the signal that delete paths swallow per spec §7.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		return e.Kind == ContainerDoesNotExist
	}
	return CategoryOf(err) == CategoryNotFound
}

// IsBusy reports whether err denotes EBUSY — the signal class_del
// recurses on instead of failing.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		return e.Kind == Busy
	}
	return CategoryOf(err) == CategoryBusy
}
