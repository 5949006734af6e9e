package childinit

import (
	"time"

	"github.com/vishvananda/netlink"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// WaitAutoconf implements §4.9: poll for a non-tentative, non-link-
// local IPv6 address on link, bounded by timeout, the same check
// Netflix-titus-executor's isIPv6Ready performs before declaring a
// container's network ready.
func WaitAutoconf(link netlink.Link, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
		if err != nil {
			return errkind.FromSyscallErr(err, "addr_list for autoconf")
		}
		for _, a := range addrs {
			if isAutoconfReady(a) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return errkind.New(errkind.Unknown, "autoconf timeout on %s", link.Attrs().Name)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func isAutoconfReady(a netlink.Addr) bool {
	if a.IP.IsLinkLocalUnicast() {
		return false
	}
	return a.Flags&unixIFATentative == 0
}

// IFA_F_TENTATIVE, mirrored here since netlink doesn't export it under
// its own name.
const unixIFATentative = 0x40
