package childinit

import (
	"errors"
	"strings"

	"github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// SplitCommand performs the `exec` step's command-line split (§4.8
// "ChildExec"). The pack carries no POSIX wordexp-equivalent library
// and the teacher never reaches for one either, so this follows the
// teacher's own unelaborate strings.Fields-based splitting rather than
// inventing a shell grammar this repository has no other use for.
// Byte-size-looking tokens (rate strings like "10mb") are normalized
// through go-units so a command line that embeds one behaves the same
// whether or not the caller already expanded it.
func SplitCommand(cmd string) ([]string, error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return nil, errkind.New(errkind.InvalidValue, "empty command line")
	}
	for i, f := range fields {
		if looksLikeByteSize(f) {
			if n, err := units.RAMInBytes(f); err == nil {
				fields[i] = itoa(int(n))
			}
		}
	}
	return fields, nil
}

func looksLikeByteSize(s string) bool {
	if s == "" {
		return false
	}
	last := s[len(s)-1]
	return last == 'b' || last == 'B'
}

// ExecError maps a wordexp/exec-style failure to the spec's error
// taxonomy; WRDE_NOSPACE (out of memory while expanding) becomes
// ResourceNotAvailable rather than a generic Unknown, per §9 decision 1.
func ExecError(err error) *errkind.Error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if errors.As(err, &errno) && errno == unix.ENOMEM {
		return errkind.Wrap(errkind.ResourceNotAvailable, int32(errno), "command expansion: out of memory")
	}
	return errkind.FromSyscallErr(err, "exec")
}
