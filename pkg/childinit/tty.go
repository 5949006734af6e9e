package childinit

import (
	"os"

	"github.com/containerd/console"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// OpenPty allocates a controlling pty pair for a task that requested
// a TTY -- the "open stdio outside" step of §4.7 stage 2, run by the
// supervisor before fork so the master end can stay with it while the
// slave end becomes the clone child's stdin/stdout/stderr via
// setupStdio. The same library runc uses identically for `-t`
// containers.
func OpenPty() (master console.Console, slave *os.File, err error) {
	var slavePath string
	master, slavePath, err = console.NewPty()
	if err != nil {
		return nil, nil, errkind.FromSyscallErr(err, "open pty")
	}
	slave, err = os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, nil, errkind.FromSyscallErr(err, "open pty slave")
	}
	if err := master.SetRaw(); err != nil {
		slave.Close()
		master.Close()
		return nil, nil, errkind.FromSyscallErr(err, "set pty raw mode")
	}
	return master, slave, nil
}
