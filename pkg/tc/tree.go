package tc

import (
	"fmt"
	"sort"

	"github.com/vishvananda/netlink"

	"github.com/zhoudaqing/porto/pkg/config"
	"github.com/zhoudaqing/porto/pkg/errkind"
)

// DeviceInfo is the minimal view of a NetworkDevice the tree needs.
type DeviceInfo struct {
	Name    string
	Index   int
	MTU     int
	IsHost  bool // true for devices living in the host netns
}

// Tree installs and mutates the HTB hierarchy on one netlink handle. A
// Tree is not goroutine-safe on its own; callers serialise access via
// the owning NetworkNamespace's mutex (spec §5).
type Tree struct {
	handle *netlink.Handle
	cfg    *config.Config
}

// New builds a Tree bound to handle (which may be the host netns's
// default handle or a netns-scoped one from netlink.NewHandleAt).
func New(handle *netlink.Handle, cfg *config.Config) *Tree {
	return &Tree{handle: handle, cfg: cfg}
}

func link(dev DeviceInfo) netlink.Link {
	return &netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Index: dev.Index, Name: dev.Name, MTU: dev.MTU}}
}

// deviceRate/defaultRate/portoRate resolve the pattern-matched rate
// config for a device, in bits/second, applying the spec §4.3 clamp
// rules against int32 max.
func (t *Tree) deviceRate(name string) uint64 {
	r := t.cfg.DeviceRate.LookupUint64(name, 1_000_000_000)
	return clampRate(r, r)
}

func (t *Tree) defaultRate(dev DeviceInfo) uint64 {
	return t.cfg.DefaultRate.LookupUint64(dev.Name, t.deviceRate(dev.Name)/10)
}

func (t *Tree) portoRate(dev DeviceInfo) uint64 {
	return t.cfg.PortoRate.LookupUint64(dev.Name, t.deviceRate(dev.Name))
}

func clampRate(rate, max uint64) uint64 {
	const int32Max = uint64(1)<<31 - 1
	if max > int32Max {
		max = int32Max
	}
	if rate > max {
		rate = max
	}
	if rate == 0 {
		rate = 1
	}
	return rate
}

// classParams is the fully-derived HTB class parameter set, per spec
// §4.3's "class_add" derivation rules.
type classParams struct {
	rate, ceil               uint64
	buffer, cbuffer, quantum uint32
	prio                     uint32
}

func (t *Tree) deriveClassParams(dev DeviceInfo, rate, ceil uint64, prio uint32) classParams {
	deviceMax := t.deviceRate(dev.Name)
	rate = clampRate(rate, deviceMax)
	if ceil == 0 || ceil > deviceMax {
		ceil = deviceMax
	}
	ceil = clampRate(ceil, deviceMax)

	mtu := uint64(dev.MTU)
	if mtu == 0 {
		mtu = 1500
	}
	quantum := t.cfg.DeviceQuantum.LookupUint64(dev.Name, 2*mtu)
	rbuffer := t.cfg.HTBRBuffer.LookupUint64(dev.Name, 10*mtu)
	cbuffer := t.cfg.HTBCBuffer.LookupUint64(dev.Name, 10*mtu)

	return classParams{
		rate:    rate,
		ceil:    ceil,
		buffer:  uint32(rbuffer),
		cbuffer: uint32(cbuffer),
		quantum: uint32(quantum),
		prio:    prio,
	}
}

// ClassAdd installs (or replaces) an HTB class handle under parent,
// deriving rate/ceil/buffer/quantum per spec §4.3.
func (t *Tree) ClassAdd(dev DeviceInfo, handle, parent Handle, rate, ceil uint64, prio uint32) error {
	p := t.deriveClassParams(dev, rate, ceil, prio)
	attrs := netlink.ClassAttrs{
		LinkIndex: dev.Index,
		Parent:    uint32(parent),
		Handle:    uint32(handle),
	}
	htbAttrs := netlink.HtbClassAttrs{
		Rate:    p.rate,
		Ceil:    p.ceil,
		Buffer:  p.buffer,
		Cbuffer: p.cbuffer,
		Quantum: p.quantum,
		Prio:    p.prio,
	}
	class := netlink.NewHtbClass(attrs, htbAttrs)
	if err := t.handle.ClassAdd(class); err != nil {
		if err2 := t.handle.ClassReplace(class); err2 != nil {
			return errkind.FromSyscallErr(err2, fmt.Sprintf("class_add %s %08x", dev.Name, uint32(handle)))
		}
	}
	return nil
}

// ClassDel deletes handle. If the kernel reports EBUSY (children still
// attached), it walks the class cache, collects every descendant of
// handle, and deletes leaf-first before retrying handle itself, per
// spec §4.3/scenario 4. ENOENT at any step is ignored.
func (t *Tree) ClassDel(dev DeviceInfo, handle Handle) error {
	classes, err := t.handle.ClassList(link(dev), 0)
	if err != nil {
		return errkind.FromSyscallErr(err, "class_list for class_del")
	}
	if err := t.deleteClassAndChildren(dev, classes, handle); err != nil {
		return err
	}
	return nil
}

func (t *Tree) deleteClassAndChildren(dev DeviceInfo, classes []netlink.Class, handle Handle) error {
	err := t.deleteOne(dev, classes, handle)
	if err == nil {
		return nil
	}
	if !errkind.IsBusy(err) {
		if errkind.IsNotFound(err) {
			return nil
		}
		return err
	}
	order := collectDescendants(classes, handle)
	for _, child := range order {
		if delErr := t.deleteOne(dev, classes, child); delErr != nil && !errkind.IsNotFound(delErr) {
			return delErr
		}
	}
	return t.deleteOne(dev, classes, handle)
}

func (t *Tree) deleteOne(dev DeviceInfo, classes []netlink.Class, handle Handle) error {
	for _, c := range classes {
		if Handle(c.Attrs().Handle) == handle {
			if err := t.handle.ClassDel(c); err != nil {
				return errkind.FromSyscallErr(err, fmt.Sprintf("class_del %s %08x", dev.Name, uint32(handle)))
			}
			return nil
		}
	}
	return errkind.New(errkind.ContainerDoesNotExist, "class %08x not found on %s", uint32(handle), dev.Name)
}

// collectDescendants returns every class in the cache whose parent
// chain leads to handle, ordered leaf-first (deepest descendants
// first) so deletion never orphans a still-live child. Classes at the
// same depth come in reverse cache order.
func collectDescendants(classes []netlink.Class, handle Handle) []Handle {
	parentOf := make(map[Handle]Handle, len(classes))
	depth := make(map[Handle]int, len(classes))
	for _, c := range classes {
		parentOf[Handle(c.Attrs().Handle)] = Handle(c.Attrs().Parent)
	}
	var depthOf func(h Handle) int
	depthOf = func(h Handle) int {
		if d, ok := depth[h]; ok {
			return d
		}
		p, ok := parentOf[h]
		if !ok || p == handle {
			depth[h] = 1
			return 1
		}
		d := 1 + depthOf(p)
		depth[h] = d
		return d
	}

	var descendants []Handle
	for i := len(classes) - 1; i >= 0; i-- {
		h := Handle(classes[i].Attrs().Handle)
		if h == handle {
			continue
		}
		// walk up the parent chain; include h iff it eventually reaches handle
		cur := h
		for {
			p, ok := parentOf[cur]
			if !ok {
				break
			}
			if p == handle {
				descendants = append(descendants, h)
				break
			}
			cur = p
		}
	}
	sort.SliceStable(descendants, func(i, j int) bool {
		return depthOf(descendants[i]) > depthOf(descendants[j])
	})
	return descendants
}

// defaultQdiscKind/Limit/Quantum resolve the configurable leaf qdisc
// under DefaultClass for host-netns devices.
func (t *Tree) defaultQdiscKind(dev DeviceInfo) string {
	if v, ok := t.cfg.DefaultQdisc.Lookup(dev.Name); ok {
		return v
	}
	return "sfq"
}

func newLeafQdisc(kind string, attrs netlink.QdiscAttrs, limit, quantum uint32) netlink.Qdisc {
	switch kind {
	case "fq_codel":
		q := netlink.NewFqCodel(attrs)
		if limit > 0 {
			q.Limit = limit
		}
		if quantum > 0 {
			q.Quantum = quantum
		}
		return q
	case "pfifo":
		return &netlink.GenericQdisc{QdiscAttrs: attrs, QdiscType: "pfifo"}
	default:
		return netlink.NewSfq(attrs)
	}
}

// Install runs the six-step idempotent sequence of spec §4.3 on dev.
func (t *Tree) Install(dev DeviceInfo) error {
	if err := t.installRootQdisc(dev); err != nil {
		return err
	}
	if err := t.installCgroupFilter(dev); err != nil {
		return err
	}
	if err := t.ClassAdd(dev, RootClass, RootQdisc.asParent(), t.deviceRate(dev.Name), t.deviceRate(dev.Name), 0); err != nil {
		return err
	}
	if err := t.ClassAdd(dev, DefaultClass, RootClass, t.defaultRate(dev), t.deviceRate(dev.Name), 0); err != nil {
		return err
	}
	if dev.IsHost {
		if err := t.installDefaultLeafQdisc(dev); err != nil {
			return err
		}
	}
	if err := t.ClassAdd(dev, PortoRootClass, RootClass, t.portoRate(dev), t.deviceRate(dev.Name), 0); err != nil {
		return err
	}
	return nil
}

// asParent treats a qdisc handle as a TC_H_ROOT-relative parent when
// used as a class's Parent attribute -- the root HTB class's parent is
// the qdisc's own handle, matching TC_HANDLE(ROOT_TC_MAJOR, ROOT_TC_MINOR)
// used both as qdisc handle and as the root class's parent in
// original_source/src/network.cpp.
func (h Handle) asParent() Handle { return h }

func (t *Tree) installRootQdisc(dev DeviceInfo) error {
	existing, err := t.handle.QdiscList(link(dev))
	if err != nil {
		return errkind.FromSyscallErr(err, "qdisc_list")
	}
	for _, q := range existing {
		if htb, ok := q.(*netlink.Htb); ok && Handle(htb.Attrs().Handle) == RootQdisc {
			return nil // already HTB at the right handle, idempotent skip
		}
	}
	for _, q := range existing {
		if q.Attrs().Parent == netlinkRootParent {
			_ = t.handle.QdiscDel(q)
		}
	}
	attrs := netlink.QdiscAttrs{
		LinkIndex: dev.Index,
		Handle:    uint32(RootQdisc),
		Parent:    netlinkRootParent,
	}
	htb := netlink.NewHtb(attrs)
	htb.Defcls = uint32(DefaultClass.Minor())
	if err := t.handle.QdiscAdd(htb); err != nil {
		return errkind.FromSyscallErr(err, fmt.Sprintf("qdisc_add htb on %s", dev.Name))
	}
	return nil
}

// netlinkRootParent mirrors TC_H_ROOT.
const netlinkRootParent = 0xFFFFFFFF

func (t *Tree) installDefaultLeafQdisc(dev DeviceInfo) error {
	mtu := uint64(dev.MTU)
	if mtu == 0 {
		mtu = 1500
	}
	limit := uint32(t.cfg.DefaultQdiscLimit.LookupUint64(dev.Name, 1000))
	quantum := uint32(t.cfg.DefaultQdiscQuantum.LookupUint64(dev.Name, 2*mtu))
	attrs := netlink.QdiscAttrs{
		LinkIndex: dev.Index,
		Handle:    uint32(MakeHandle(DefaultClass.Minor(), 0)),
		Parent:    uint32(DefaultClass),
	}
	q := newLeafQdisc(t.defaultQdiscKind(dev), attrs, limit, quantum)
	if err := t.handle.QdiscAdd(q); err != nil && !errkind.IsNotFound(errkind.FromSyscallErr(err, "")) {
		return errkind.FromSyscallErr(err, fmt.Sprintf("qdisc_add default leaf on %s", dev.Name))
	}
	return nil
}

// installCgroupFilter installs (replacing any existing one) the
// cgroup-based packet classifier at (parent=RootQdisc, prio=10,
// handle=1) described in spec §4.3 step 2.
func (t *Tree) installCgroupFilter(dev DeviceInfo) error {
	existing, err := t.handle.FilterList(link(dev), uint32(RootQdisc))
	if err == nil {
		for _, f := range existing {
			if f.Attrs().Priority == 10 {
				_ = t.handle.FilterDel(f)
			}
		}
	}
	filter := &netlink.GenericFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: dev.Index,
			Parent:    uint32(RootQdisc),
			Priority:  10,
			Protocol:  0x0003, // ETH_P_ALL
			Handle:    1,
		},
		FilterType: "cgroup",
	}
	if err := t.handle.FilterAdd(filter); err != nil {
		return errkind.FromSyscallErr(err, fmt.Sprintf("cgroup filter on %s", dev.Name))
	}
	return nil
}
