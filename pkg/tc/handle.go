// Package tc installs and mutates the per-device HTB class hierarchy
// described in spec §3/§4.3, grounded directly on the HTB class/qdisc
// code in Netflix-titus-executor's setup_container_linux.go
// (netlink.HtbClassAttrs, netlink.NewHtbClass, ClassAdd/ClassReplace,
// netlink.MakeHandle).
package tc

import "github.com/vishvananda/netlink"

// Handle is a 16-bit-major/16-bit-minor TC handle, packed the same way
// the kernel and netlink.MakeHandle pack it.
type Handle uint32

// MakeHandle packs (major, minor) into a Handle.
func MakeHandle(major, minor uint16) Handle {
	return Handle(netlink.MakeHandle(major, minor))
}

// Major/Minor unpack the handle.
func (h Handle) Major() uint16 { return uint16(uint32(h) >> 16) }
func (h Handle) Minor() uint16 { return uint16(uint32(h)) }

func (h Handle) raw() uint32 { return uint32(h) }

// Well-known handles from spec §3. RootMajor (1) is the HTB major used
// for every managed device's qdisc tree; it is distinct from the minor
// numbers allocated to containers.
const (
	rootMajor uint16 = 1

	rootQdiscMinor    uint16 = 0
	rootClassMinor    uint16 = 1
	defaultClassMinor uint16 = 2
	portoRootMinor    uint16 = 3

	// FirstContainerID is the lowest minor usable for a container class
	// (spec §3: "container_id >= 4").
	FirstContainerID uint16 = 4
)

var (
	RootQdisc       = MakeHandle(rootMajor, rootQdiscMinor)
	RootClass       = MakeHandle(rootMajor, rootClassMinor)
	DefaultClass    = MakeHandle(rootMajor, defaultClassMinor)
	PortoRootClass  = MakeHandle(rootMajor, portoRootMinor)
)

// ContainerHandle returns the handle for a container-specific class.
func ContainerHandle(containerID uint16) Handle {
	return MakeHandle(rootMajor, containerID)
}

// IsContainerHandle reports whether h names a container class (minor
// >= FirstContainerID under the root major).
func IsContainerHandle(h Handle) bool {
	return h.Major() == rootMajor && h.Minor() >= FirstContainerID
}
