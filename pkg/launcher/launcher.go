// Package launcher implements the fork/clone choreography that joins
// a container's namespaces, applies credentials and cgroups, and
// execs the user command, reporting every intermediate pid back to
// the caller through a private control socket.
//
// Grounded on criyle-go-sandbox's pkg/forkexec: the same
// Runner-struct-with-CloneFlags shape and the "no allocation between
// fork and exec" discipline of fork_child_linux.go, generalised from
// that package's single-stage sandbox Runner into the three-stage
// WPid/VPid/error protocol below. The control socket itself is
// pkg/control, grounded on the same pack's pkg/unixsocket.
package launcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/control"
	"github.com/zhoudaqing/porto/pkg/errkind"
)

// NamespaceFds holds open /proc/<tid>/ns/* descriptors the clone child
// should setns(2) into before exec. A field of -1 means "do not enter,
// use the namespace clone creates or inherits instead."
type NamespaceFds struct {
	IPC, UTS, Net, PID, Mnt int
}

func (n NamespaceFds) fds() [5]int {
	return [5]int{n.IPC, n.UTS, n.Net, n.PID, n.Mnt}
}

// CgroupTarget names one cgroup the intermediary attaches itself (and
// thus the whole process tree below it) to before cloning.
type CgroupTarget struct {
	// Path is a cgroupfs cgroup.procs path, used when Systemd is false.
	Path string
	// Systemd selects the go-systemd/dbus attachment path; Slice/Unit
	// name the transient scope to start/attach into.
	Systemd bool
	Slice   string
	Unit    string
}

// Params describes one launch. It is the Go-side equivalent of the
// spec's TTaskEnv: everything ChildConfigurator and the fork
// choreography need, gathered up front so no further allocation is
// needed once cloning starts.
type Params struct {
	Argv []string
	Env  []string
	Root string // chroot target the intermediary applies before clone; empty means no chroot

	Namespaces NamespaceFds

	Isolate    bool // adds NEWPID|NEWIPC to cloneFlags
	NewMountNS bool // adds NEWNS
	NewUTS     bool // adds NEWUTS (also forced when Hostname != "")
	Hostname   string

	TripleFork bool
	QuadroFork bool

	Cgroups []CgroupTarget

	OOMScoreAdj int
	Priority    int
	IOPrioClass int
	IOPrioData  int
	SchedPolicy int

	Stdin, Stdout, Stderr *os.File

	// Configure runs inside the clone child, after its WPid report is
	// acked (without TripleFork) and before QuadroFork, the VPid report
	// and exec: it is pkg/childinit's ChildConfigurator.
	Configure func() error

	AutoconfTimeout time.Duration
	StartTimeout    time.Duration
}

// Result is what the supervisor learns about a completed (or failed)
// launch: the host-visible and namespace-visible pids, and whichever
// error the clone child (preferentially) or the intermediary reported.
type Result struct {
	WPid int32
	VPid int32
	Err  *errkind.Error
}

// cloneFlags computes the clone(2) flag word per spec §4.7 step 3.
func cloneFlags(p *Params) uintptr {
	flags := uintptr(unix.SIGCHLD)
	if p.Isolate {
		flags |= unix.CLONE_NEWPID | unix.CLONE_NEWIPC
	}
	if p.NewMountNS {
		flags |= unix.CLONE_NEWNS
	}
	if p.NewUTS || p.Hostname != "" {
		flags |= unix.CLONE_NEWUTS
	}
	return flags
}

// Start runs the full supervisor sequence of spec §4.7: pairs the
// control sockets, forks the intermediary, clones the task, and
// drives the stage 0/1/2 pid/ack protocol to completion, killing the
// intermediary and clearing pid fields on any error path.
func Start(p *Params) (*Result, error) {
	// systemd cgroup attachment goes through dbus from the supervisor
	// (after the WPid report, below), never from a forked child: dbus
	// calls allocate and block in ways that are unsafe between fork and
	// exec, unlike the plain cgroupfs write attachCgroupfs performs
	// from inside the raw intermediary body.
	interCtx := context.Background()
	if p.StartTimeout > 0 {
		var cancel context.CancelFunc
		interCtx, cancel = context.WithTimeout(interCtx, p.StartTimeout)
		defer cancel()
	}

	master, sock, err := control.NewPair()
	if err != nil {
		return nil, err
	}
	defer master.Close()

	var master2, sock2 *control.Socket
	if p.TripleFork {
		master2, sock2, err = control.NewPair()
		if err != nil {
			return nil, err
		}
		defer master2.Close()
	}

	interPid, err := forkIntermediary(p, sock, sock2)
	if err != nil {
		sock.Close()
		if sock2 != nil {
			sock2.Close()
		}
		return nil, err
	}
	sock.Close()
	if sock2 != nil {
		sock2.Close()
	}

	if p.StartTimeout > 0 {
		master.SetRecvTimeout(p.StartTimeout.Milliseconds())
		if master2 != nil {
			master2.SetRecvTimeout(p.StartTimeout.Milliseconds())
		}
	}

	res := &Result{}
	fail := func(stage string, err error) (*Result, error) {
		killIntermediary(interPid)
		res.WPid, res.VPid = 0, 0
		return res, errkind.New(errkind.Unknown, "launch failed at %s: %v", stage, err)
	}

	wpid, err := master.RecvPid()
	if err != nil {
		return fail("recv WPid", err)
	}
	res.WPid = wpid
	// The intermediary blocks on this ack, so attaching systemd cgroups
	// to its now-known host pid here, before acking, is race-free
	// without any extra synchronization primitive.
	if err := AttachSystemdCgroups(interCtx, p.Cgroups, int(wpid)); err != nil {
		return fail("attach systemd cgroups", err)
	}
	if err := master.SendAck(); err != nil {
		return fail("ack WPid", err)
	}

	vpidSock := master
	if p.TripleFork {
		vpidSock = master2
	}
	vpid, err := vpidSock.RecvPid()
	if err != nil {
		return fail("recv VPid", err)
	}
	res.VPid = vpid
	if err := vpidSock.SendAck(); err != nil {
		return fail("ack VPid", err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(interPid), &ws, 0, nil); err != nil {
		return fail("waitpid intermediary", err)
	}

	if err := master.SendAck(); err != nil { // wakeup
		return fail("send wakeup", err)
	}

	frame, err := master.RecvError()
	if err != nil {
		return fail("recv final error", err)
	}
	if frame.Code != errkind.Success {
		res.Err = &errkind.Error{Kind: frame.Code, Errno: frame.Errno, Text: frame.Text}
		res.WPid, res.VPid = 0, 0
		return res, res.Err
	}
	return res, nil
}

func killIntermediary(pid int32) {
	if pid <= 0 {
		return
	}
	unix.Kill(int(pid), unix.SIGKILL)
	var ws unix.WaitStatus
	unix.Wait4(int(pid), &ws, 0, nil)
}

func abortMessage(code errkind.Kind, errno int32, context string, err error) control.ErrorFrame {
	return control.ErrorFrame{Code: code, Errno: errno, Text: fmt.Sprintf("%s: %v", context, err)}
}
