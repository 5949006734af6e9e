package childinit

import (
	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// createDeviceNodes implements §4.8 step 4.
func createDeviceNodes(root string, devices []DeviceNode) error {
	for _, d := range devices {
		path := d.Path
		if root != "" {
			joined, err := securejoin.SecureJoin(root, d.Path)
			if err != nil {
				return errkind.FromSyscallErr(err, "securejoin device "+d.Path)
			}
			path = joined
		}

		mode := d.Mode
		if d.CharDevice {
			mode |= unix.S_IFCHR
		} else {
			mode |= unix.S_IFBLK
		}
		dev := int(unix.Mkdev(d.Major, d.Minor))
		if err := unix.Mknod(path, mode, dev); err != nil && err != unix.EEXIST {
			return errkind.FromSyscallErr(err, "mknod "+path)
		}
	}
	return nil
}
