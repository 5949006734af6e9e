// Package device implements the link cache and managed/unmanaged
// classification of spec §4.2, grounded on the link-cache
// mark/reconcile pattern used throughout Netflix-titus-executor's
// container2 package (LinkByName/LinkList reconciliation) and on
// HQarroum-microbox's bridge/veth construction for the notion of a
// "device" as a netlink.Link plus derived state.
package device

import (
	"bufio"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/zhoudaqing/porto/pkg/config"
	"github.com/zhoudaqing/porto/pkg/errkind"
	"github.com/zhoudaqing/porto/pkg/tc"
)

// Reserved name prefixes that refresh always filters out -- these are
// the parent-side halves of veth pairs created by pkg/netconfig, never
// real user-visible devices (spec §4.2/§6).
const (
	VethParentPrefix = "portove-"
	L3ParentPrefix   = "L3-"
)

// Device is one tracked link plus the TrafficTree state derived from
// it.
type Device struct {
	Name     string
	Index    int
	MTU      int
	GroupID  int
	Qdisc    string // kernel-reported root qdisc kind, "" if unknown
	Managed  bool
	Prepared bool
	Dirty    bool // set after setup_queue runs; clear by class-refresh consumers
	missing  bool
}

// Inventory is the per-namespace device cache refresh_devices maintains.
type Inventory struct {
	IsHostNs         bool
	UnmanagedPattern []string
	UnmanagedGroups  map[int]bool

	devices map[string]*Device
}

// New builds an empty inventory from cfg's UnmanagedPattern/UnmanagedGroup
// lists. groupNameFile is normally "/etc/iproute2/group"; it is only
// consulted to resolve group *names* a caller might configure -- the
// numeric ids in cfg.UnmanagedGroup are used directly. Pass "" to skip
// the file.
func New(isHostNs bool, cfg *config.Config, groupNameFile string) (*Inventory, error) {
	groups := map[int]bool{}
	for _, id := range cfg.UnmanagedGroup {
		groups[id] = true
	}
	if groupNameFile != "" {
		f, err := os.Open(groupNameFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, errkind.FromSyscallErr(err, "open "+groupNameFile)
		}
		if err == nil {
			fileGroups, perr := ParseGroupFile(f)
			f.Close()
			if perr != nil {
				return nil, perr
			}
			for id := range fileGroups {
				groups[id] = true
			}
		}
	}
	return &Inventory{
		IsHostNs:         isHostNs,
		UnmanagedPattern: cfg.UnmanagedPattern,
		UnmanagedGroups:  groups,
		devices:          map[string]*Device{},
	}, nil
}

// ParseGroupFile parses /etc/iproute2/group's "<id> <name>" lines,
// returning the set of group ids that are considered "unmanaged" --
// i.e. every group id named in the file, since the file's role here is
// purely to map names to numeric ids for the unmanaged-group config
// key (spec §6).
func ParseGroupFile(r io.Reader) (map[int]bool, error) {
	ids := map[int]bool{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ids[id] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, errkind.New(errkind.InvalidData, "parsing group file: %v", err)
	}
	return ids, nil
}

func isReservedParentName(name string) bool {
	return strings.HasPrefix(name, VethParentPrefix) || strings.HasPrefix(name, L3ParentPrefix)
}

// isManaged applies spec §4.2's managedness rule: every device is
// managed in a container netns; in the host netns a device is
// unmanaged iff its name matches an unmanaged pattern or its group id
// is in the unmanaged set.
func (inv *Inventory) isManaged(name string, groupID int) bool {
	if !inv.IsHostNs {
		return true
	}
	if inv.UnmanagedGroups[groupID] {
		return false
	}
	for _, pattern := range inv.UnmanagedPattern {
		if GlobMatch(pattern, name) {
			return false
		}
	}
	return true
}

// Refresh reconciles the cache against links, the live netlink.Link
// snapshot, following the six-step algorithm of spec §4.2.
func (inv *Inventory) Refresh(links []netlink.Link) []error {
	for _, d := range inv.devices {
		d.missing = true
	}

	var firstErr []error
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		if inv.IsHostNs && attrs.Flags&net.FlagUp == 0 {
			continue
		}
		if isReservedParentName(attrs.Name) {
			continue
		}

		groupID := int(attrs.Group)

		if d, ok := inv.devices[attrs.Name]; ok {
			d.Index = attrs.Index
			d.MTU = attrs.MTU
			d.GroupID = groupID
			d.missing = false
			wasManaged := d.Managed
			d.Managed = inv.isManaged(attrs.Name, groupID)
			if d.Managed && d.Qdisc != "" && d.Qdisc != "htb" {
				d.Prepared = false
			}
			if d.Managed != wasManaged {
				d.Prepared = false
			}
			continue
		}

		nd := &Device{
			Name:    attrs.Name,
			Index:   attrs.Index,
			MTU:     attrs.MTU,
			GroupID: groupID,
		}
		nd.Managed = inv.isManaged(attrs.Name, groupID)
		inv.devices[attrs.Name] = nd
	}

	for name, d := range inv.devices {
		if d.missing {
			delete(inv.devices, name)
		}
	}

	return firstErr
}

// Unprepared returns every managed device whose Prepared flag is
// false, in the order setup_queue should be applied.
func (inv *Inventory) Unprepared() []*Device {
	var out []*Device
	for _, d := range inv.devices {
		if d.Managed && !d.Prepared {
			out = append(out, d)
		}
	}
	return out
}

// MarkPrepared flags d as prepared and dirty after a successful
// setup_queue call.
func (inv *Inventory) MarkPrepared(d *Device) {
	d.Prepared = true
	d.Dirty = true
}

// Get returns the tracked device by name, if any.
func (inv *Inventory) Get(name string) (*Device, bool) {
	d, ok := inv.devices[name]
	return d, ok
}

// All returns every tracked device.
func (inv *Inventory) All() []*Device {
	out := make([]*Device, 0, len(inv.devices))
	for _, d := range inv.devices {
		out = append(out, d)
	}
	return out
}

// Info adapts a Device to the minimal view pkg/tc needs.
func (d *Device) Info(isHostNs bool) tc.DeviceInfo {
	return tc.DeviceInfo{Name: d.Name, Index: d.Index, MTU: d.MTU, IsHost: isHostNs}
}

// GlobMatch reports whether name matches pattern using the same glob
// semantics as config.PatternMap (exposed here so netconfig's reserved
// prefix checks share one implementation with unmanaged-pattern
// matching).
func GlobMatch(pattern, name string) bool {
	ok, _ := path.Match(pattern, name)
	return ok
}
