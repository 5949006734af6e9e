package childinit

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// setupStdio implements §4.8 step 10: dup each already-open fd (set
// up by the supervisor "outside" in step 2 of §4.7, or a pty slave
// when the task requested a TTY) onto 0/1/2 inside the container.
func setupStdio(stdin, stdout, stderr *os.File) error {
	pairs := []struct {
		from *os.File
		to   int
	}{
		{stdin, unix.Stdin},
		{stdout, unix.Stdout},
		{stderr, unix.Stderr},
	}
	for _, p := range pairs {
		if p.from == nil {
			continue
		}
		if err := unix.Dup3(int(p.from.Fd()), p.to, 0); err != nil {
			return errkind.FromSyscallErr(err, "dup stdio")
		}
	}
	return nil
}
