// Package childinit implements ChildConfigurator: the sequence that
// runs inside the cloned process, after namespace entry and before
// exec, applying mounts, sysctls, device nodes, hostname/resolv.conf,
// credentials, and capabilities.
//
// Grounded on moby-moby's pkg/libcontainer/security/capabilities
// (capability.NewPid/Clear/Set/Apply pattern, generalised here from a
// single drop-to-kept-set call into the ambient/bounding/effective
// three-stage apply of §4.8 step 9) and on runc's own use of
// mrunalp/fileutils, cyphar/filepath-securejoin, and
// moby/sys/mountinfo for the mount/resolv.conf/hostname steps --
// those three are teacher-indirect dependencies (pulled in via runc)
// promoted here to direct, exercised imports.
package childinit

import (
	"os"
	"path/filepath"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// MountSpec is one entry of the mount setup delegated to by §4.8
// step 3.
type MountSpec struct {
	Source, Target, FSType string
	Flags                  uintptr
	Data                   string
	IsFile                 bool // target is a single file (e.g. a bind-mounted device node), not a directory
}

// DeviceNode is one /dev entry created by §4.8 step 4.
type DeviceNode struct {
	Path        string
	Mode        uint32
	Major, Minor uint32
	CharDevice  bool
}

// Config gathers everything ChildConfigurator needs. It is built by
// the supervisor from container configuration before launch and
// handed to pkg/launcher as the Configure callback.
type Config struct {
	Root       string // rootfs root; "" when no mount namespace is entered
	NewMountNS bool

	Mounts  []MountSpec
	Sysctls map[string]string
	Devices []DeviceNode

	ResolvConf string // contents to write at <root>/etc/resolv.conf
	Hostname   string // also written to <root>/etc/hostname and sethostname(2)'d

	Cwd string

	Credential    *syscall.Credential
	LoginUID      int
	AmbientCaps   []string
	BoundingCaps  []string
	EffectiveCaps []string // not applied when Credential.Uid == 0 (a nil Credential counts as non-root), per §4.8 step 9

	Stdin, Stdout, Stderr *os.File

	Umask uint32

	Rlimits map[int]unix.Rlimit
}

// Configure runs §4.8 steps 1-6 and 9-11 in order (step 7/8, the
// QuadroFork and VPid report, are pkg/launcher's concern since they
// straddle a second fork). It is the function wired in as
// launcher.Params.Configure.
func (c *Config) Configure() error {
	for res, rl := range c.Rlimits {
		if err := unix.Setrlimit(res, &rl); err != nil {
			return errkind.FromSyscallErr(err, "setrlimit")
		}
	}

	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		return errkind.FromSyscallErr(err, "setsid")
	}
	unix.Umask(0)

	if c.NewMountNS {
		if err := setupMounts(c.Root, c.Mounts); err != nil {
			return err
		}
		if err := applySysctls(c.Sysctls); err != nil {
			return err
		}
		if err := protectProc(c.Root); err != nil {
			return err
		}
	}

	if err := createDeviceNodes(c.Root, c.Devices); err != nil {
		return err
	}

	if err := writeIdentity(c.Root, c.Hostname, c.ResolvConf); err != nil {
		return err
	}
	if c.Hostname != "" {
		if err := unix.Sethostname([]byte(c.Hostname)); err != nil {
			return errkind.FromSyscallErr(err, "sethostname")
		}
	}

	if c.Cwd != "" {
		dir := c.Cwd
		if c.Root != "" {
			joined, err := securejoin.SecureJoin(c.Root, c.Cwd)
			if err != nil {
				return errkind.FromSyscallErr(err, "securejoin cwd")
			}
			dir = joined
		}
		if err := unix.Chdir(dir); err != nil {
			return errkind.FromSyscallErr(err, "chdir "+dir)
		}
	}

	// Step 7/8 (QuadroFork, VPid report) happen in pkg/launcher after
	// Configure returns.

	if c.LoginUID != 0 {
		writeProcSelf("loginuid", itoa(c.LoginUID))
	}
	if err := applyCredential(c.Credential); err != nil {
		return err
	}
	if err := applyCapabilities(c.AmbientCaps, c.BoundingCaps, c.EffectiveCaps, c.Credential); err != nil {
		return err
	}

	if err := setupStdio(c.Stdin, c.Stdout, c.Stderr); err != nil {
		return err
	}

	unix.Umask(int(c.Umask))
	return nil
}

func writeProcSelf(name, value string) {
	path := filepath.Join("/proc/self", name)
	os.WriteFile(path, []byte(value), 0)
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
