// Package netlinkclient wraps a route-netlink socket the way spec §4.1
// describes: scoped connect/disconnect, link enumeration and mutation,
// address/route/proxy-neighbour helpers, and the class/qdisc/filter
// primitives pkg/tc builds on. Grounded on the netlink.Handle usage in
// Netflix-titus-executor's setup_container_linux.go (NewHandleAt,
// LinkAdd/LinkSetNsPid/AddrAdd/RouteAdd) and HQarroum-microbox's veth.go
// (veth/bridge link construction, LinkSetMaster).
package netlinkclient

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// Client owns one route-netlink handle, either the host's default
// handle or one scoped to a specific netns fd via Connect.
type Client struct {
	handle *netlink.Handle
}

// Connect opens a route-netlink socket scoped to nsFd (use -1 for the
// calling thread's current namespace). The returned Client must be
// Disconnect'd by the caller; this is the "scoped socket acquisition"
// of spec §4.1.
func Connect(nsFd int) (*Client, func(), error) {
	var handle *netlink.Handle
	var err error
	if nsFd < 0 {
		handle, err = netlink.NewHandle(unix.NETLINK_ROUTE)
	} else {
		handle, err = netlink.NewHandleAt(netns.NsHandle(nsFd), unix.NETLINK_ROUTE)
	}
	if err != nil {
		return nil, func() {}, errkind.FromSyscallErr(err, "netlink connect")
	}
	c := &Client{handle: handle}
	return c, c.disconnect, nil
}

func (c *Client) disconnect() {
	if c.handle != nil {
		c.handle.Close()
		c.handle = nil
	}
}

// Disconnect releases the underlying socket. Safe to call more than
// once.
func (c *Client) Disconnect() { c.disconnect() }

// Handle exposes the underlying netlink.Handle for packages (pkg/tc)
// that need the raw API surface.
func (c *Client) Handle() *netlink.Handle { return c.handle }

// OpenLinks enumerates links. When !all, loopback links are skipped,
// and in the host netns links without IFF_RUNNING are skipped too
// (spec §4.1/§4.2 step 2) -- callers pass isHostNs explicitly since the
// client itself does not know which netns it was scoped to.
func (c *Client) OpenLinks(all, isHostNs bool) ([]netlink.Link, error) {
	links, err := c.handle.LinkList()
	if err != nil {
		return nil, errkind.FromSyscallErr(err, "link_list")
	}
	if all {
		return links, nil
	}
	out := make([]netlink.Link, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isHostNs && attrs.Flags&net.FlagRunning == 0 {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// LinkByName looks up a single link, translating LinkNotFoundError to
// the closed errkind taxonomy.
func (c *Client) LinkByName(name string) (netlink.Link, error) {
	l, err := c.handle.LinkByName(name)
	if err != nil {
		return nil, errkind.FromSyscallErr(err, fmt.Sprintf("link_by_name %s", name))
	}
	return l, nil
}

// VethSpec configures AddVeth.
type VethSpec struct {
	Name, Peer string
	HW         net.HardwareAddr
	MTU        int
	NetnsFd    int // 0 means "leave peer in this namespace"
}

// AddVeth creates a veth pair and, when NetnsFd is set, moves the peer
// end into NetnsFd right after creation (as HQarroum-microbox's
// CreateVethPair does via LinkSetNsPid), leaving spec.Name here.
func (c *Client) AddVeth(spec VethSpec) (netlink.Link, error) {
	attrs := netlink.LinkAttrs{Name: spec.Name, MTU: spec.MTU}
	if spec.HW != nil {
		attrs.HardwareAddr = spec.HW
	}
	v := &netlink.Veth{LinkAttrs: attrs, PeerName: spec.Peer}
	if err := c.handle.LinkAdd(v); err != nil {
		return nil, errkind.FromSyscallErr(err, fmt.Sprintf("add_veth %s/%s", spec.Name, spec.Peer))
	}
	if spec.NetnsFd != 0 {
		peer, err := c.handle.LinkByName(spec.Peer)
		if err != nil {
			return nil, errkind.FromSyscallErr(err, fmt.Sprintf("link_by_name %s", spec.Peer))
		}
		if err := c.handle.LinkSetNsFd(peer, spec.NetnsFd); err != nil {
			return nil, errkind.FromSyscallErr(err, fmt.Sprintf("change_ns %s", spec.Peer))
		}
	}
	return c.handle.LinkByName(spec.Name)
}

// MacvlanSpec configures AddMacvlan.
type MacvlanSpec struct {
	Master, Name string
	Mode         netlink.MacvlanMode
	HW           net.HardwareAddr
	MTU          int
}

func (c *Client) AddMacvlan(spec MacvlanSpec) (netlink.Link, error) {
	master, err := c.handle.LinkByName(spec.Master)
	if err != nil {
		return nil, errkind.FromSyscallErr(err, fmt.Sprintf("macvlan master %s", spec.Master))
	}
	attrs := netlink.LinkAttrs{Name: spec.Name, ParentIndex: master.Attrs().Index, MTU: spec.MTU}
	if spec.HW != nil {
		attrs.HardwareAddr = spec.HW
	}
	mv := &netlink.Macvlan{LinkAttrs: attrs, Mode: spec.Mode}
	if err := c.handle.LinkAdd(mv); err != nil {
		return nil, errkind.FromSyscallErr(err, fmt.Sprintf("add_macvlan %s", spec.Name))
	}
	return c.handle.LinkByName(spec.Name)
}

// IpvlanSpec configures AddIpvlan.
type IpvlanSpec struct {
	Master, Name string
	Mode         netlink.IPVlanMode
	MTU          int
}

func (c *Client) AddIpvlan(spec IpvlanSpec) (netlink.Link, error) {
	master, err := c.handle.LinkByName(spec.Master)
	if err != nil {
		return nil, errkind.FromSyscallErr(err, fmt.Sprintf("ipvlan master %s", spec.Master))
	}
	attrs := netlink.LinkAttrs{Name: spec.Name, ParentIndex: master.Attrs().Index, MTU: spec.MTU}
	iv := &netlink.IPVlan{LinkAttrs: attrs, Mode: spec.Mode}
	if err := c.handle.LinkAdd(iv); err != nil {
		return nil, errkind.FromSyscallErr(err, fmt.Sprintf("add_ipvlan %s", spec.Name))
	}
	return c.handle.LinkByName(spec.Name)
}

// ChangeNs moves link into the namespace identified by nsFd.
func (c *Client) ChangeNs(link netlink.Link, nsFd int) error {
	if err := c.handle.LinkSetNsFd(link, nsFd); err != nil {
		return errkind.FromSyscallErr(err, fmt.Sprintf("change_ns %s", link.Attrs().Name))
	}
	return nil
}

// Remove deletes a link. ENOENT is not an error.
func (c *Client) Remove(link netlink.Link) error {
	if err := c.handle.LinkDel(link); err != nil && !errkind.IsNotFound(errkind.FromSyscallErr(err, "")) {
		return errkind.FromSyscallErr(err, fmt.Sprintf("remove %s", link.Attrs().Name))
	}
	return nil
}

// Up sets the link administratively up.
func (c *Client) Up(link netlink.Link) error {
	if err := c.handle.LinkSetUp(link); err != nil {
		return errkind.FromSyscallErr(err, fmt.Sprintf("up %s", link.Attrs().Name))
	}
	return nil
}

// SetIP assigns addr/prefix to link.
func (c *Client) SetIP(link netlink.Link, addr net.IP, prefix int) error {
	bits := 32
	if addr.To4() == nil {
		bits = 128
	}
	a := &netlink.Addr{IPNet: &net.IPNet{IP: addr, Mask: net.CIDRMask(prefix, bits)}}
	if err := c.handle.AddrAdd(link, a); err != nil {
		return errkind.FromSyscallErr(err, fmt.Sprintf("set_ip %s %s/%d", link.Attrs().Name, addr, prefix))
	}
	return nil
}

// SetDefaultGw installs addr as the default route via link.
func (c *Client) SetDefaultGw(link netlink.Link, addr net.IP) error {
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: addr}
	if err := c.handle.RouteAdd(route); err != nil {
		return errkind.FromSyscallErr(err, fmt.Sprintf("set_default_gw %s %s", link.Attrs().Name, addr))
	}
	return nil
}

// AddDirectRoute adds a host (/32 or /128) route to addr via link,
// scoped to the link (no gateway indirection) -- this is the "gateway
// added as a direct route" step of spec §4.6's L3 realisation.
func (c *Client) AddDirectRoute(link netlink.Link, addr net.IP) error {
	bits := 32
	if addr.To4() == nil {
		bits = 128
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       &net.IPNet{IP: addr, Mask: net.CIDRMask(bits, bits)},
		Scope:     netlink.SCOPE_LINK,
	}
	if err := c.handle.RouteAdd(route); err != nil {
		return errkind.FromSyscallErr(err, fmt.Sprintf("add_direct_route %s %s", link.Attrs().Name, addr))
	}
	return nil
}

// ProxyNeighbour adds or removes a proxy ARP/ND entry for addr on
// ifindex, so the parent netns answers ARP/ND on the container's
// behalf (spec §4.6).
func (c *Client) ProxyNeighbour(ifindex int, addr net.IP, add bool) error {
	family := netlink.FAMILY_V4
	if addr.To4() == nil {
		family = netlink.FAMILY_V6
	}
	neigh := &netlink.Neigh{
		LinkIndex: ifindex,
		Family:    family,
		Flags:     unix.NTF_PROXY,
		IP:        addr,
	}
	var err error
	if add {
		err = c.handle.NeighAdd(neigh)
	} else {
		err = c.handle.NeighDel(neigh)
	}
	if err != nil && !(!add && errkind.IsNotFound(errkind.FromSyscallErr(err, ""))) {
		return errkind.FromSyscallErr(err, fmt.Sprintf("proxy_neighbour %d %s add=%v", ifindex, addr, add))
	}
	return nil
}

// AddrList returns every address of family (netlink.FAMILY_ALL for
// both) configured on link, used by the gateway-selection step of
// spec §4.5 to build its candidate "local address" set.
func (c *Client) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	addrs, err := c.handle.AddrList(link, family)
	if err != nil {
		return nil, errkind.FromSyscallErr(err, fmt.Sprintf("addr_list %s", link.Attrs().Name))
	}
	return addrs, nil
}

// LinkStatKind enumerates the link counters spec §4.1's link_stat
// exposes.
type LinkStatKind int

const (
	StatRxBytes LinkStatKind = iota
	StatTxBytes
	StatRxPackets
	StatTxPackets
	StatRxDropped
	StatTxDropped
)

// LinkStat reads one counter from the link's kernel statistics.
func (c *Client) LinkStat(link netlink.Link, kind LinkStatKind) (uint64, error) {
	stats := link.Attrs().Statistics
	if stats == nil {
		return 0, errkind.New(errkind.InvalidState, "no statistics available for %s", link.Attrs().Name)
	}
	switch kind {
	case StatRxBytes:
		return stats.RxBytes, nil
	case StatTxBytes:
		return stats.TxBytes, nil
	case StatRxPackets:
		return stats.RxPackets, nil
	case StatTxPackets:
		return stats.TxPackets, nil
	case StatRxDropped:
		return stats.RxDropped, nil
	case StatTxDropped:
		return stats.TxDropped, nil
	default:
		return 0, errkind.New(errkind.InvalidValue, "unknown stat kind %d", kind)
	}
}
