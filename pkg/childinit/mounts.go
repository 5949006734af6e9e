package childinit

import (
	"fmt"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/mrunalp/fileutils"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// setupMounts performs §4.8 step 3's mount setup: every target is
// securejoin'd against root first, the same defense runc itself uses
// to stop a symlink inside the rootfs from escaping it.
func setupMounts(root string, specs []MountSpec) error {
	for _, m := range specs {
		target := m.Target
		if root != "" {
			joined, err := securejoin.SecureJoin(root, m.Target)
			if err != nil {
				return errkind.FromSyscallErr(err, "securejoin mount target "+m.Target)
			}
			target = joined
		}
		if err := fileutils.CreateIfNotExists(target, !m.IsFile); err != nil {
			return errkind.FromSyscallErr(err, "create mount target "+target)
		}
		if err := unix.Mount(m.Source, target, m.FSType, m.Flags, m.Data); err != nil {
			return errkind.FromSyscallErr(err, fmt.Sprintf("mount %s -> %s", m.Source, target))
		}
	}
	return nil
}

// applySysctls writes each configured sysctl to /proc/sys, the
// spec's `ipc_sysctl`-style list applied inside the new mount/UTS/IPC
// namespace.
func applySysctls(sysctls map[string]string) error {
	for key, val := range sysctls {
		path := "/proc/sys/" + sysctlPath(key)
		if err := writeFile(path, val); err != nil {
			return errkind.FromSyscallErr(err, "sysctl "+key)
		}
	}
	return nil
}

func sysctlPath(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			out[i] = '/'
		} else {
			out[i] = key[i]
		}
	}
	return string(out)
}

// protectProc re-mounts /proc read-only once the container's own
// mount namespace is set up, unless it is already correctly mounted
// -- the moby/sys/mountinfo inspection the teacher's runc dependency
// performs for the identical check.
func protectProc(root string) error {
	procPath := "/proc"
	if root != "" {
		joined, err := securejoin.SecureJoin(root, "/proc")
		if err != nil {
			return errkind.FromSyscallErr(err, "securejoin /proc")
		}
		procPath = joined
	}

	mounted, err := mountinfo.Mounted(procPath)
	if err != nil {
		return errkind.FromSyscallErr(err, "inspect /proc mount")
	}
	if mounted {
		return nil
	}

	if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil {
		return errkind.FromSyscallErr(err, "mount proc")
	}
	flags := uintptr(unix.MS_RDONLY | unix.MS_REMOUNT | unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC)
	if err := unix.Mount("", procPath, "", flags, ""); err != nil {
		return errkind.FromSyscallErr(err, "remount /proc read-only")
	}
	return nil
}

func writeFile(path, contents string) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	_, err = unix.Write(fd, []byte(contents))
	return err
}
