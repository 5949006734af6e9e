package childinit

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// applyCredential sets real/effective/saved uid and gid, and any
// supplementary groups, before capabilities are touched -- capability
// application below depends on knowing the final uid to decide
// whether effective caps are applied at all (§4.8 step 9).
func applyCredential(cred *syscall.Credential) error {
	if cred == nil {
		return nil
	}
	if len(cred.Groups) > 0 {
		if err := unix.Setgroups(intSlice(cred.Groups)); err != nil {
			return errkind.FromSyscallErr(err, "setgroups")
		}
	}
	if err := unix.Setresgid(int(cred.Gid), int(cred.Gid), int(cred.Gid)); err != nil {
		return errkind.FromSyscallErr(err, "setresgid")
	}
	if err := unix.Setresuid(int(cred.Uid), int(cred.Uid), int(cred.Uid)); err != nil {
		return errkind.FromSyscallErr(err, "setresuid")
	}
	return nil
}

func intSlice(u []uint32) []int {
	out := make([]int, len(u))
	for i, v := range u {
		out[i] = int(v)
	}
	return out
}
