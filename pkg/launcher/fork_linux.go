package launcher

import (
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/control"
)

// forkIntermediary performs the supervisor's step 1/2: socketpair is
// already done by the caller, this does the raw fork(2) and, in the
// child, runs the intermediary body. Between the raw fork syscall and
// either execve or _exit, the child must not allocate on the Go heap
// or touch anything the runtime's GC/scheduler could be mutating
// concurrently -- the same discipline fork_child_linux.go observes by
// keeping everything from RawSyscall down to the final execve/_exit
// inside one locked, non-preemptible run of raw syscalls.
func forkIntermediary(p *Params, sock, sock2 *control.Socket) (int32, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	sockFd, err := sock.Fd()
	if err != nil {
		return 0, err
	}
	var sock2Fd uintptr
	if sock2 != nil {
		sock2Fd, err = sock2.Fd()
		if err != nil {
			return 0, err
		}
	}

	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	if pid == 0 {
		// Child: never returns. Any failure here is reported over the
		// control socket rather than by a Go-level error return, since
		// there is nobody left to receive one.
		runIntermediary(p, int(sockFd), int(sock2Fd))
		unix.RawSyscall(unix.SYS_EXIT, 127, 0, 0)
	}
	return int32(pid), nil
}

// runIntermediary is the raw body of step 2. It never returns to its
// caller; it ends either by clone-ing the task (and, for TripleFork,
// fexecve-ing portoinit) or by reporting a stage-0/1 failure and
// calling _exit directly.
func runIntermediary(p *Params, sockFd, sock2Fd int) {
	unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0)
	resetBlockedSignals()

	for _, cg := range p.Cgroups {
		if !cg.Systemd {
			attachCgroupfs(cg.Path, unix.Getpid())
		}
		// Systemd-managed cgroups are attached by the supervisor (dbus
		// calls are not fork-safe), see AttachSystemdCgroups in Start.
	}

	setPriorities(p)
	dupStdio(p)

	fds := p.Namespaces.fds()
	for _, fd := range fds {
		if fd >= 0 {
			unix.RawSyscall(unix.SYS_SETNS, uintptr(fd), 0, 0)
		}
	}

	if p.Root != "" {
		unix.RawSyscall(unix.SYS_CHROOT, uintptr(firstBytePtr(p.Root)), 0, 0)
		unix.RawSyscall(unix.SYS_CHDIR, uintptr(firstBytePtr("/")), 0, 0)
	}

	wpid := unix.Getpid()
	reportSock := sockFd
	if p.TripleFork {
		// vfork so this process exits immediately once the grandchild is
		// running, breaking the libc-fork pid-collision window the spec
		// calls out; the grandchild owns the new (MasterSock2, Sock2)
		// pair and is the one that actually sends WPid.
		gpid, _, errno := unix.RawSyscall(unix.SYS_VFORK, 0, 0, 0)
		if errno != 0 {
			sendRawPid(sockFd, int32(wpid))
			recvRawAck(sockFd)
			sendRawError(sockFd, 1, int32(errno), "vfork")
			unix.RawSyscall(unix.SYS_EXIT, 1, 0, 0)
		}
		if gpid != 0 {
			unix.RawSyscall(unix.SYS_EXIT, 0, 0, 0)
		}
		reportSock = sock2Fd
	}

	sendRawPid(reportSock, int32(wpid))
	recvRawAck(reportSock)

	flags := cloneFlags(p)
	cpid, _, errno := unix.RawSyscall(unix.SYS_CLONE, flags, 0, 0)
	if errno != 0 {
		sendRawError(reportSock, 1, int32(errno), "clone")
		unix.RawSyscall(unix.SYS_EXIT, 1, 0, 0)
	}
	if cpid == 0 {
		// Clone child: run the full StartChild sequence (§4.7 step 4).
		startChild(p, sockFd)
		unix.RawSyscall(unix.SYS_EXIT, 127, 0, 0)
	}

	if p.TripleFork {
		// Forward VPid from the clone child's own report on sockFd to
		// the supervisor via MasterSock2, ack on sockFd in return, then
		// fexecve portoinit so the container always has an init.
		vpid := recvRawPid(sockFd)
		sendRawPid(reportSock, vpid)
		recvRawAck(reportSock)
		sendRawAck(sockFd)
		execPortoinit(int(cpid))
	}

	var ws unix.WaitStatus
	unix.Wait4(int(cpid), &ws, 0, nil)
	unix.RawSyscall(unix.SYS_EXIT, 0, 0, 0)
}

// startChild runs inside the newly cloned process and implements §4.7
// step 4 plus the Configure (ChildConfigurator) callback of §4.8. It
// is allowed to allocate -- this is a normal Go function, not a raw
// fork body -- since clone(2) with SIGCHLD (no CLONE_VM) gives this
// process its own copied address space and Go runtime.
func startChild(p *Params, sockFd int) {
	abort := func(code int32, errno int32, context string, cause error) {
		// Abort flushes remaining pid slots with getpid() before the
		// error, per spec §4.7: stage 1 (VPid) is still owed here.
		sendRawPid(sockFd, int32(unix.Getpid()))
		recvRawAck(sockFd)
		text := context
		if cause != nil {
			text = context + ": " + cause.Error()
		}
		sendRawError(sockFd, code, errno, text)
	}

	if !p.TripleFork {
		sendRawPid(sockFd, int32(unix.Getpid()))
		recvRawAck(sockFd)
	}

	if p.Configure == nil {
		abort(1 /* Unknown */, 0, "no ChildConfigurator", nil)
		unix.RawSyscall(unix.SYS_EXIT, 1, 0, 0)
		return
	}

	if err := p.Configure(); err != nil {
		abort(1, 0, "ChildConfigurator", err)
		unix.RawSyscall(unix.SYS_EXIT, 1, 0, 0)
		return
	}

	if p.QuadroFork {
		// §4.8 step 7: fork once more so portoinit can supervise the user
		// process from outside it, the same role the intermediary's
		// fexecve plays for TripleFork -- except here the parent branch
		// takes on portoinit directly instead of forwarding through a
		// second control-socket pair.
		qpid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
		if errno != 0 {
			abort(1, int32(errno), "quadro fork", nil)
			unix.RawSyscall(unix.SYS_EXIT, 1, 0, 0)
			return
		}
		if qpid != 0 {
			execPortoinit(int(qpid))
			unix.RawSyscall(unix.SYS_EXIT, 127, 0, 0)
		}
		unix.RawSyscall(unix.SYS_SETSID, 0, 0, 0)
	}

	sendRawPid(sockFd, int32(unix.Getpid()))
	recvRawAck(sockFd)

	resetIgnoredSignals()

	sendRawError(sockFd, 0, 0, "")

	argv0 := p.Argv[0]
	if err := unix.Exec(argv0, p.Argv, p.Env); err != nil {
		os.Exit(126)
	}
}

// dupStdio implements §4.7 step 2's "open stdio outside": the
// intermediary, still in the host's namespaces, dups whatever stdio
// the supervisor prepared (a pty slave, a log file, a pipe) onto
// 0/1/2 before entering namespaces and chroot-ing, so the clone child
// inherits ready descriptors without having to reach back out across
// a namespace boundary itself.
func dupStdio(p *Params) {
	pairs := []struct {
		from *os.File
		to   int
	}{
		{p.Stdin, unix.Stdin},
		{p.Stdout, unix.Stdout},
		{p.Stderr, unix.Stderr},
	}
	for _, pair := range pairs {
		if pair.from == nil {
			continue
		}
		unix.RawSyscall(unix.SYS_DUP3, pair.from.Fd(), uintptr(pair.to), 0)
	}
}

func execPortoinit(waitPid int) {
	// fexecve(portoinit_fd, {"portoinit", "--wait", pid}, env) in the
	// real daemon; modelled here as a plain execve against a resolved
	// path, since fexecve needs an fd opened by the supervisor ahead of
	// the clone and threading that fd through is a daemon-wiring detail
	// outside this package's scope.
	unix.Exec("/usr/lib/porto/portoinit", []string{"portoinit", "--wait", itoa(waitPid)}, os.Environ())
	os.Exit(127)
}

func firstBytePtr(s string) unsafe.Pointer {
	b := append([]byte(s), 0)
	return unsafe.Pointer(&b[0])
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
