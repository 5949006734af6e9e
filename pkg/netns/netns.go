// Package netns implements the NetworkNamespace model of spec §2/§5: a
// shared handle bound to one netns inode, owning a NetlinkClient, a
// DeviceInventory, and a NAT allocator behind one mutex. Grounded on
// the netlink.Handle-per-netns pattern of Netflix-titus-executor's
// DoSetupContainer (NewHandleAt(netns.NsHandle(fd))) generalised to the
// multi-resource owner spec §2 describes.
package netns

import (
	"fmt"
	"net"
	"sync"

	"github.com/zhoudaqing/porto/pkg/bitmap"
	"github.com/zhoudaqing/porto/pkg/config"
	"github.com/zhoudaqing/porto/pkg/device"
	"github.com/zhoudaqing/porto/pkg/errkind"
	"github.com/zhoudaqing/porto/pkg/netaddr"
	"github.com/zhoudaqing/porto/pkg/netlinkclient"
	"github.com/zhoudaqing/porto/pkg/tc"
)

// NetworkNamespace owns every piece of per-netns kernel state: the
// netlink client, the device inventory, the NAT bitmap, and a
// monotonic interface sequence counter for portove-<cid>-<seq> naming.
type NetworkNamespace struct {
	mu sync.Mutex

	Inode   uint64
	Managed bool
	IsHost  bool

	client    *netlinkclient.Client
	closeFn   func()
	inventory *device.Inventory
	tree      *tc.Tree
	cfg       *config.Config

	natBaseV4 netaddr.Addr
	natBaseV6 netaddr.Addr
	haveV4    bool
	haveV6    bool
	natBitmap *bitmap.Allocator

	ifaceSeq uint32
}

// New builds a NetworkNamespace bound to an already-open netlink
// client scoped to nsFd, for the given inode (from nshandle.Inode).
func New(inode uint64, isHost bool, client *netlinkclient.Client, closeFn func(), cfg *config.Config) (*NetworkNamespace, error) {
	inv, err := device.New(isHost, cfg, "/etc/iproute2/group")
	if err != nil {
		closeFn()
		return nil, err
	}
	ns := &NetworkNamespace{
		Inode:     inode,
		Managed:   true,
		IsHost:    isHost,
		client:    client,
		closeFn:   closeFn,
		inventory: inv,
		tree:      tc.New(client.Handle(), cfg),
		cfg:       cfg,
		natBitmap: bitmap.New(cfg.NatCount),
	}
	if cfg.NatFirstIPv4 != "" {
		addr, perr := netaddr.Parse(cfg.NatFirstIPv4 + "/32")
		if perr != nil {
			closeFn()
			return nil, perr
		}
		ns.natBaseV4 = addr
		ns.haveV4 = true
	}
	if cfg.NatFirstIPv6 != "" {
		addr, perr := netaddr.Parse(cfg.NatFirstIPv6 + "/128")
		if perr != nil {
			closeFn()
			return nil, perr
		}
		ns.natBaseV6 = addr
		ns.haveV6 = true
	}
	return ns, nil
}

// Close releases the netlink socket. Safe to call once per instance;
// the registry ensures it is called exactly once per netns inode.
func (ns *NetworkNamespace) Close() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closeFn != nil {
		ns.closeFn()
		ns.closeFn = nil
	}
}

// Client returns the netlink client, for callers (netconfig) that need
// the raw link-mutation surface under the namespace's lock.
func (ns *NetworkNamespace) Client() *netlinkclient.Client { return ns.client }

// Tree returns the HTB tree installer bound to this namespace.
func (ns *NetworkNamespace) Tree() *tc.Tree { return ns.tree }

// Inventory returns the device inventory, always accessed under Lock.
func (ns *NetworkNamespace) Inventory() *device.Inventory { return ns.inventory }

// Lock/Unlock expose the namespace mutex so callers can linearise a
// multi-step sequence (refresh + class updates) under one critical
// section, per spec §5's ordering guarantees.
func (ns *NetworkNamespace) Lock()   { ns.mu.Lock() }
func (ns *NetworkNamespace) Unlock() { ns.mu.Unlock() }

// NextIfaceSeq returns the next sequence number for this namespace's
// portove-<cid>-<seq> / L3-<seq> interface names.
func (ns *NetworkNamespace) NextIfaceSeq() uint32 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	seq := ns.ifaceSeq
	ns.ifaceSeq++
	return seq
}

// RefreshAndPrepare runs refresh_devices (spec §4.2) followed by
// setup_queue on every managed, unprepared device (spec §4.3), all
// under the namespace lock. Returns the first error encountered, if
// any, after attempting every device.
func (ns *NetworkNamespace) RefreshAndPrepare() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	links, err := ns.client.OpenLinks(true, ns.IsHost)
	if err != nil {
		return err
	}
	ns.inventory.Refresh(links)

	var firstErr error
	for _, d := range ns.inventory.Unprepared() {
		if err := ns.tree.Install(d.Info(ns.IsHost)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ns.inventory.MarkPrepared(d)
	}
	return firstErr
}

// GetNatAddress allocates the lowest free NAT slot and returns the
// resulting v4/v6 addresses, per spec §4.4.
func (ns *NetworkNamespace) GetNatAddress() (v4, v6 net.IP, err error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	slot, err := ns.natBitmap.Get()
	if err != nil {
		return nil, nil, err
	}
	if ns.haveV4 {
		addr := ns.natBaseV4.Add(uint64(slot))
		v4 = addr.IP()
	}
	if ns.haveV6 {
		addr := ns.natBaseV6.Add(uint64(slot))
		v6 = addr.IP()
	}
	if !ns.haveV4 && !ns.haveV6 {
		_ = ns.natBitmap.Put(slot)
		return nil, nil, errkind.New(errkind.InvalidState, "no NAT base configured")
	}
	return v4, v6, nil
}

// PutNatAddress recovers the bitmap slot from whichever family's base
// the address belongs to, per spec §4.4.
func (ns *NetworkNamespace) PutNatAddress(addr net.IP) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	family := netaddr.V4
	if addr.To4() == nil {
		family = netaddr.V6
	}
	parsed, err := netaddr.FromIPNet(&net.IPNet{IP: addr, Mask: hostMask(family)})
	if err != nil {
		return err
	}

	var base netaddr.Addr
	switch family {
	case netaddr.V4:
		if !ns.haveV4 {
			return errkind.New(errkind.InvalidValue, "no IPv4 NAT base configured")
		}
		base = ns.natBaseV4
	default:
		if !ns.haveV6 {
			return errkind.New(errkind.InvalidValue, "no IPv6 NAT base configured")
		}
		base = ns.natBaseV6
	}
	offset, err := parsed.OffsetFrom(base)
	if err != nil {
		return err
	}
	return ns.natBitmap.Put(int(offset))
}

func hostMask(family netaddr.Family) net.IPMask {
	if family == netaddr.V4 {
		return net.CIDRMask(32, 32)
	}
	return net.CIDRMask(128, 128)
}

func (ns *NetworkNamespace) String() string {
	return fmt.Sprintf("netns(inode=%d, host=%v, managed=%v)", ns.Inode, ns.IsHost, ns.Managed)
}
