package launcher

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The functions in this file are the raw-fd equivalents of
// pkg/control.Socket's framed pid/ack/error protocol, used only in
// the window between raw fork(2)/clone(2) and exec where touching a
// net.Conn (and the background goroutines/allocations it can trigger)
// is not safe. They speak the identical wire format.

func sendRawPid(fd int, pid int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(pid))
	unix.Write(fd, buf[:])
}

func recvRawPid(fd int) int32 {
	var buf [4]byte
	unix.Read(fd, buf[:])
	return int32(binary.LittleEndian.Uint32(buf[:]))
}

func sendRawAck(fd int) {
	unix.Write(fd, []byte{0})
}

func recvRawAck(fd int) {
	var buf [1]byte
	unix.Read(fd, buf[:])
}

func sendRawError(fd int, code int32, errno int32, text string) {
	body := make([]byte, 0, 8+len(text))
	var b4 [4]byte
	binary.LittleEndian.PutUint32(b4[:], uint32(code))
	body = append(body, b4[:]...)
	binary.LittleEndian.PutUint32(b4[:], uint32(errno))
	body = append(body, b4[:]...)
	body = append(body, text...)

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	frame := make([]byte, 0, n+len(body))
	frame = append(frame, lenBuf[:n]...)
	frame = append(frame, body...)
	unix.Write(fd, frame)
}

// resetBlockedSignals clears the process signal mask inherited from
// the supervisor, per §4.7 step 2.
func resetBlockedSignals() {
	var empty unix.Sigset_t
	unix.RawSyscall(unix.SYS_RT_SIGPROCMASK, unix.SIG_SETMASK, uintptr(unsafe.Pointer(&empty)), 0)
}

// resetIgnoredSignals restores default disposition for signals the
// supervisor may have ignored (e.g. SIGPIPE), per §4.7 step 4's
// "reset ignored signals" before exec.
func resetIgnoredSignals() {
	for _, sig := range []unix.Signal{unix.SIGPIPE, unix.SIGCHLD, unix.SIGTERM, unix.SIGINT} {
		unix.RawSyscall(unix.SYS_RT_SIGACTION, uintptr(sig), 0, 0)
	}
}

func setPriorities(p *Params) {
	if p.OOMScoreAdj != 0 {
		writeProcSelf("oom_score_adj", itoa(p.OOMScoreAdj))
	}
	if p.Priority != 0 {
		unix.RawSyscall(unix.SYS_SETPRIORITY, unix.PRIO_PROCESS, 0, uintptr(p.Priority))
	}
	if p.SchedPolicy != 0 {
		unix.RawSyscall(unix.SYS_SCHED_SETSCHEDULER, 0, uintptr(p.SchedPolicy), 0)
	}
	if p.IOPrioClass != 0 {
		ioprio := (p.IOPrioClass << 13) | p.IOPrioData
		unix.RawSyscall(unix.SYS_IOPRIO_SET, 1 /* IOPRIO_WHO_PROCESS */, 0, uintptr(ioprio))
	}
}

func writeProcSelf(name, value string) {
	fd, _, errno := unix.RawSyscall(unix.SYS_OPEN, uintptr(firstBytePtr("/proc/self/"+name)), unix.O_WRONLY, 0)
	if errno != 0 {
		return
	}
	unix.Write(int(fd), []byte(value))
	unix.Close(int(fd))
}

// attachCgroupfs writes pid into path/cgroup.procs, the plain
// dependency-free attachment mode.
func attachCgroupfs(path string, pid int) {
	full := path + "/cgroup.procs"
	fd, _, errno := unix.RawSyscall(unix.SYS_OPEN, uintptr(firstBytePtr(full)), unix.O_WRONLY, 0)
	if errno != 0 {
		return
	}
	unix.Write(int(fd), []byte(itoa(pid)))
	unix.Close(int(fd))
}
