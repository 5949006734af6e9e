package netconfig

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/vishvananda/netlink"

	"github.com/zhoudaqing/porto/pkg/cnidelegate"
	"github.com/zhoudaqing/porto/pkg/device"
	"github.com/zhoudaqing/porto/pkg/errkind"
	"github.com/zhoudaqing/porto/pkg/netaddr"
	"github.com/zhoudaqing/porto/pkg/netlinkclient"
	"github.com/zhoudaqing/porto/pkg/netns"
)

// Context carries everything Realize needs beyond the parsed entries:
// the host-side client (where veth/macvlan/ipvlan parents live before
// being moved), the target client (already scoped to the container's
// netns, e.g. by netlinkclient.Connect on its fd), identifying information for
// naming and MAC generation, and the set of addresses to assign once
// devices exist.
type Context struct {
	Hostname    string
	ContainerID int
	NextSeq     func() uint32

	HostClient *netlinkclient.Client
	NSClient   *netlinkclient.Client
	NSFd       int

	// NetNS is the owner of the NAT bitmap a `NAT` grammar entry draws
	// from (spec §4.4); nil means no NAT entry may appear.
	NetNS *netns.NetworkNamespace

	// CNI resolves `cni <name>` entries to an installed plugin chain
	// (spec §4.6 supplement); nil means no `cni` entry may appear,
	// matching cnidelegate.New's own "optional component" contract.
	CNI       *cnidelegate.Delegate
	NetnsPath string // bind path or /proc/<pid>/ns/net, passed to the CNI plugin
	GoCtx     context.Context

	// Addresses to assign, keyed by the interface name that should
	// carry them (resolved from steal/macvlan/ipvlan/veth/L3 entries).
	Assign map[string][]netaddr.Addr
}

// Result records, for every created interface, the name it ended up
// with inside the target namespace plus whether it needs an autoconf
// wait (spec §4.8/§4.9).
type Result struct {
	Interfaces []string
	Autoconf   []string
	NAT        bool
	NATName    string
	NATv4      net.IP
	NATv6      net.IP
}

type l3Result struct {
	name          string
	parentIfindex int
}

// Realize drives the fixed realisation order of spec §4.6: steal ->
// ipvlan -> macvlan -> veth -> L3 -> loopback up -> assign IPs -> NAT
// -> gateways -> cni; the caller refreshes the device inventory after
// Realize returns. Errors are collected
// per-entry; the first is returned once every entry has been
// attempted, matching the propagation policy of spec §7.
func Realize(entries []Entry, ctx Context) (*Result, error) {
	res := &Result{}
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, e := range entries {
		if e.Kind == KindSteal {
			name, err := realizeSteal(ctx, e)
			record(err)
			if err == nil {
				res.Interfaces = append(res.Interfaces, name)
			}
		}
	}
	for _, e := range entries {
		if e.Kind == KindIpvlan {
			name, err := realizeIpvlan(ctx, e)
			record(err)
			if err == nil {
				res.Interfaces = append(res.Interfaces, name)
			}
		}
	}
	for _, e := range entries {
		if e.Kind == KindMacvlan {
			name, err := realizeMacvlan(ctx, e)
			record(err)
			if err == nil {
				res.Interfaces = append(res.Interfaces, name)
			}
		}
	}
	for _, e := range entries {
		if e.Kind == KindVeth {
			name, err := realizeVeth(ctx, e)
			record(err)
			if err == nil {
				res.Interfaces = append(res.Interfaces, name)
			}
		}
	}

	var l3s []l3Result
	var natEntry *Entry
	for i, e := range entries {
		switch e.Kind {
		case KindL3:
			l3, err := realizeL3(ctx, e)
			record(err)
			if err == nil && l3.name != "" {
				res.Interfaces = append(res.Interfaces, l3.name)
				l3s = append(l3s, l3)
			}
		case KindNat:
			natEntry = &entries[i]
		}
	}

	if err := bringUpLoopback(ctx); err != nil {
		record(err)
	}

	for _, e := range entries {
		if e.Kind == KindAutoconf {
			res.Autoconf = append(res.Autoconf, e.Name)
		}
	}

	for name, addrs := range ctx.Assign {
		link, err := ctx.NSClient.LinkByName(name)
		if err != nil {
			record(err)
			continue
		}
		for _, addr := range addrs {
			record(ctx.NSClient.SetIP(link, addr.IP(), addr.PrefixLen()))
		}
	}

	if natEntry != nil {
		v4, v6, name, err := realizeNat(ctx, *natEntry, l3s)
		record(err)
		if err == nil {
			res.NAT = true
			res.NATName = name
			res.NATv4 = v4
			res.NATv6 = v6
		}
	}

	for _, l3 := range l3s {
		record(realizeGateway(ctx, l3))
	}

	for _, e := range entries {
		if e.Kind == KindCNI {
			name, err := realizeCNI(ctx, e)
			record(err)
			if err == nil {
				res.Interfaces = append(res.Interfaces, name)
			}
		}
	}

	return res, firstErr
}

func transientName(prefix string, tid int) string {
	return fmt.Sprintf("%s%d", prefix, tid)
}

func realizeSteal(ctx Context, e Entry) (string, error) {
	link, err := ctx.HostClient.LinkByName(e.Name)
	if err != nil {
		return "", err
	}
	if err := ctx.HostClient.ChangeNs(link, ctx.NSFd); err != nil {
		return "", err
	}
	return e.Name, nil
}

func realizeIpvlan(ctx Context, e Entry) (string, error) {
	tmpName := transientName("piv", ctx.ContainerID)
	link, err := ctx.HostClient.AddIpvlan(netlinkclient.IpvlanSpec{
		Master: e.Master,
		Name:   tmpName,
		Mode:   ipvlanModeFor(e.Mode),
		MTU:    e.MTU,
	})
	if err != nil {
		return "", err
	}
	if err := ctx.HostClient.ChangeNs(link, ctx.NSFd); err != nil {
		return "", err
	}
	if err := renameInNamespace(ctx, tmpName, e.Name); err != nil {
		return "", err
	}
	return e.Name, nil
}

func realizeMacvlan(ctx Context, e Entry) (string, error) {
	tmpName := transientName("pmv", ctx.ContainerID)
	hw := e.HW
	if hw == nil {
		hw = GenerateHW(e.Name, ctx.Hostname)
	}
	link, err := ctx.HostClient.AddMacvlan(netlinkclient.MacvlanSpec{
		Master: e.Master,
		Name:   tmpName,
		Mode:   macvlanModeFor(e.Mode),
		HW:     hw,
		MTU:    e.MTU,
	})
	if err != nil {
		return "", err
	}
	if err := ctx.HostClient.ChangeNs(link, ctx.NSFd); err != nil {
		return "", err
	}
	if err := renameInNamespace(ctx, tmpName, e.Name); err != nil {
		return "", err
	}
	return e.Name, nil
}

func realizeVeth(ctx Context, e Entry) (string, error) {
	seq := ctx.NextSeq()
	peer := fmt.Sprintf("portove-%d-%d", ctx.ContainerID, seq)
	hw := e.HW
	if hw == nil {
		hw = GenerateHW(e.Name+peer, ctx.Hostname)
	}
	_, err := ctx.HostClient.AddVeth(netlinkclient.VethSpec{
		Name:    peer,
		Peer:    e.Name,
		HW:      hw,
		MTU:     e.MTU,
		NetnsFd: ctx.NSFd,
	})
	if err != nil {
		return "", err
	}
	bridge, err := ctx.HostClient.LinkByName(e.Master)
	if err != nil {
		return "", err
	}
	hostEnd, err := ctx.HostClient.LinkByName(peer)
	if err != nil {
		return "", err
	}
	if err := ctx.HostClient.Handle().LinkSetMaster(hostEnd, bridge); err != nil {
		return "", errkind.FromSyscallErr(err, fmt.Sprintf("veth %s master %s", peer, e.Master))
	}
	if err := ctx.HostClient.Up(hostEnd); err != nil {
		return "", err
	}
	return e.Name, nil
}

func realizeL3(ctx Context, e Entry) (l3Result, error) {
	seq := ctx.NextSeq()
	peer := fmt.Sprintf("L3-%d", seq)
	name := e.Name
	if name == "" {
		name = "eth0"
	}
	hw := GenerateHW(name+peer, ctx.Hostname)
	_, err := ctx.HostClient.AddVeth(netlinkclient.VethSpec{
		Name:    peer,
		Peer:    name,
		HW:      hw,
		NetnsFd: ctx.NSFd,
	})
	if err != nil {
		return l3Result{}, err
	}
	hostEnd, err := ctx.HostClient.LinkByName(peer)
	if err != nil {
		return l3Result{}, err
	}
	if err := ctx.HostClient.Up(hostEnd); err != nil {
		return l3Result{}, err
	}
	return l3Result{name: name, parentIfindex: hostEnd.Attrs().Index}, nil
}

// realizeNat implements spec §4.4: draw one NAT slot from the owning
// namespace's bitmap and assign the resulting address(es) as host
// routes on the NAT entry's named interface, defaulting to the first
// L3 interface realized in this pass.
func realizeNat(ctx Context, e Entry, l3s []l3Result) (v4, v6 net.IP, targetName string, err error) {
	if ctx.NetNS == nil {
		return nil, nil, "", errkind.New(errkind.InvalidState, "NAT entry requires a namespace with a configured NAT base")
	}
	targetName = e.Name
	if targetName == "" && len(l3s) > 0 {
		targetName = l3s[0].name
	}
	if targetName == "" {
		return nil, nil, "", errkind.New(errkind.InvalidData, "NAT entry has no target interface")
	}
	link, lerr := ctx.NSClient.LinkByName(targetName)
	if lerr != nil {
		return nil, nil, "", lerr
	}
	v4, v6, err = ctx.NetNS.GetNatAddress()
	if err != nil {
		return nil, nil, "", err
	}
	if v4 != nil {
		if serr := ctx.NSClient.SetIP(link, v4, 32); serr != nil {
			return nil, nil, "", serr
		}
	}
	if v6 != nil {
		if serr := ctx.NSClient.SetIP(link, v6, 128); serr != nil {
			return nil, nil, "", serr
		}
	}
	return v4, v6, targetName, nil
}

// realizeGateway implements the proxy-neighbour/gateway close-out step
// of spec §4.5/§4.6: pick the best-matching host-side local address for
// every address assigned to an L3 interface and install it as that
// interface's gateway.
func realizeGateway(ctx Context, l3 l3Result) error {
	addrs := ctx.Assign[l3.name]
	if len(addrs) == 0 {
		return nil
	}
	locals, err := collectLocalAddrs(ctx)
	if err != nil {
		return err
	}
	gate4, gate6, _ := device.GateAddress(addrs, locals)
	if gate4.IsEmpty() && gate6.IsEmpty() {
		return nil
	}
	return AssignGateways(ctx, l3.name, gate4, gate6, l3.parentIfindex)
}

// collectLocalAddrs gathers every non-host-scoped address configured
// on the host's non-loopback links, the candidate pool GateAddress
// picks a gateway from.
func collectLocalAddrs(ctx Context) ([]device.LocalAddr, error) {
	links, err := ctx.HostClient.OpenLinks(false, true)
	if err != nil {
		return nil, err
	}
	var out []device.LocalAddr
	for _, link := range links {
		nlAddrs, err := ctx.HostClient.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			return nil, err
		}
		for _, a := range nlAddrs {
			addr, aerr := netaddr.FromIPNet(a.IPNet)
			if aerr != nil {
				continue
			}
			out = append(out, device.LocalAddr{Addr: addr, MTU: link.Attrs().MTU, Scope: a.Scope})
		}
	}
	return out, nil
}

// realizeCNI implements the `cni <name>` grammar supplement (spec
// §4.6), delegating to an installed CNI plugin chain instead of the
// hand-rolled veth/macvlan/ipvlan/L3 primitives above.
func realizeCNI(ctx Context, e Entry) (string, error) {
	if ctx.CNI == nil {
		return "", errkind.New(errkind.InvalidValue, "cni %q: no CNI configuration directory configured", e.Name)
	}
	goCtx := ctx.GoCtx
	if goCtx == nil {
		goCtx = context.Background()
	}
	ifName := "eth0"
	containerID := strconv.Itoa(ctx.ContainerID)
	if _, err := ctx.CNI.Add(goCtx, e.Name, containerID, ctx.NetnsPath, ifName); err != nil {
		return "", err
	}
	return ifName, nil
}

func renameInNamespace(ctx Context, from, to string) error {
	link, err := ctx.NSClient.LinkByName(from)
	if err != nil {
		return err
	}
	if err := ctx.NSClient.Handle().LinkSetName(link, to); err != nil {
		return errkind.FromSyscallErr(err, fmt.Sprintf("rename %s -> %s", from, to))
	}
	return nil
}

func bringUpLoopback(ctx Context) error {
	lo, err := ctx.NSClient.LinkByName("lo")
	if err != nil {
		return err
	}
	return ctx.NSClient.Up(lo)
}

// AssignGateways installs default/direct routes plus a proxy-neighbour
// entry in the parent namespace for every L3 address, per spec §4.6's
// "parent netns receives proxy-neighbour entries" closing step.
func AssignGateways(ctx Context, name string, gate4, gate6 netaddr.Addr, parentIfindex int) error {
	link, err := ctx.NSClient.LinkByName(name)
	if err != nil {
		return err
	}
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, gate := range []netaddr.Addr{gate4, gate6} {
		if gate.IsEmpty() {
			continue
		}
		record(ctx.NSClient.AddDirectRoute(link, gate.IP()))
		record(ctx.NSClient.SetDefaultGw(link, gate.IP()))
		record(ctx.HostClient.ProxyNeighbour(parentIfindex, gate.IP(), true))
	}
	return firstErr
}
