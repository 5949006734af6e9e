// Package nshandle implements the NamespaceHandle model of spec §2:
// scoped acquisition of a /proc/<tid>/ns/<kind> descriptor and the
// "open my-ns -> setns(target) -> work -> setns(my-ns)" guarded-scope
// pattern (spec §9 design note). Grounded on vishvananda/netns's
// handling of /proc/<tid>/ns/net as used by Netflix-titus-executor
// (netns.NsHandle, netns.Set/netns.Get), generalised here to the other
// namespace kinds the launcher enters.
package nshandle

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// Kind is one of the namespace kinds under /proc/<tid>/ns.
type Kind string

const (
	Net  Kind = "net"
	IPC  Kind = "ipc"
	UTS  Kind = "uts"
	PID  Kind = "pid"
	Mnt  Kind = "mnt"
	User Kind = "user"
)

// Handle is an open descriptor to a namespace, acquired either from a
// live pid/tid or from a bind-mounted netns file.
type Handle struct {
	fd int
}

// OpenFromTid opens the given kind of namespace for thread/process
// tid (OpenSelf covers the calling thread).
func OpenFromTid(tid int, kind Kind) (*Handle, error) {
	path := fmt.Sprintf("/proc/%d/ns/%s", tid, kind)
	return OpenPath(path)
}

// OpenSelf opens the calling goroutine's current OS thread's
// namespace of the given kind. Callers must have already locked the
// goroutine to its OS thread with runtime.LockOSThread.
func OpenSelf(kind Kind) (*Handle, error) {
	return OpenFromTid(unix.Gettid(), kind)
}

// OpenPath opens an arbitrary namespace path, e.g.
// "/var/run/netns/<name>" for a bind-mounted netns.
func OpenPath(path string) (*Handle, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errkind.FromSyscallErr(err, "open "+path)
	}
	return &Handle{fd: fd}, nil
}

// Fd returns the raw descriptor, valid until Close.
func (h *Handle) Fd() int { return h.fd }

// Close releases the descriptor.
func (h *Handle) Close() error {
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	if err != nil {
		return errkind.FromSyscallErr(err, "close namespace fd")
	}
	return nil
}

// Enter setns's the calling thread into h's namespace.
func (h *Handle) Enter(kind Kind) error {
	nsType := nsTypeFor(kind)
	if err := unix.Setns(h.fd, nsType); err != nil {
		return errkind.FromSyscallErr(err, fmt.Sprintf("setns(%s)", kind))
	}
	return nil
}

func nsTypeFor(kind Kind) int {
	switch kind {
	case Net:
		return unix.CLONE_NEWNET
	case IPC:
		return unix.CLONE_NEWIPC
	case UTS:
		return unix.CLONE_NEWUTS
	case PID:
		return unix.CLONE_NEWPID
	case Mnt:
		return unix.CLONE_NEWNS
	case User:
		return unix.CLONE_NEWUSER
	default:
		return 0
	}
}

// ScopedNetEntry implements spec §9's "Scoped netns entry" design
// note: it saves the caller's current net namespace, enters target,
// runs fn, and restores the original namespace on every exit path
// (including a panic inside fn), mirroring the defer-based release
// idiom the teacher uses for its netlink/file handles.
//
// The caller's goroutine is locked to its OS thread for the duration,
// since setns is per-thread; the lock is released on return.
func ScopedNetEntry(target *Handle, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return errkind.FromSyscallErr(err, "get current netns")
	}
	defer orig.Close()

	if err := target.Enter(Net); err != nil {
		return err
	}
	defer func() {
		_ = netns.Set(orig)
	}()

	return fn()
}

// Inode identifies the namespace backing h, for the weak-reference
// registry key (spec §2/§9).
func (h *Handle) Inode() (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(h.fd, &st); err != nil {
		return 0, errkind.FromSyscallErr(err, "fstat namespace fd")
	}
	return st.Ino, nil
}
