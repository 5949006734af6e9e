// Package netconfig parses and realises the NetConfig grammar of spec
// §4.6: a line-oriented, whitespace-split mini-language describing how
// a container's network namespace should be populated. Grounded on the
// hand-rolled line scanners used throughout the pack for non-JSON/YAML
// formats (pkg/config's `key = value` scanner follows the same style),
// and on HQarroum-microbox's veth.go for the virtual-interface creation
// primitives the realisation step drives.
package netconfig

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// Kind enumerates the grammar's entry variants.
type Kind int

const (
	KindNone Kind = iota
	KindInherited
	KindContainer
	KindNetns
	KindSteal
	KindMacvlan
	KindIpvlan
	KindVeth
	KindL3
	KindNat
	KindMTU
	KindAutoconf
	KindCNI // spec-supplementing extension: delegate this namespace to a CNI plugin chain
)

// Entry is one parsed grammar line.
type Entry struct {
	Kind Kind

	Name   string // interface/container/netns name, context-dependent
	Master string // macvlan/ipvlan/veth master or bridge
	Mode   string // macvlan type or ipvlan mode
	MTU    int
	HW     net.HardwareAddr

	IntVal int // MTU override value, when Kind == KindMTU
}

var macRe = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

var macvlanTypes = map[string]bool{"private": true, "bridge": true, "vepa": true, "passthru": true}
var ipvlanModes = map[string]bool{"l2": true, "l3": true}

// Parse reads the grammar from r and validates the cross-entry
// invariants (none/inherited exclusivity, mac/type/mode validation).
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errkind.New(errkind.InvalidData, "reading netconfig: %v", err)
	}
	if err := validate(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseLine(line string, lineNo int) (Entry, error) {
	fields := strings.Fields(line)
	keyword := fields[0]
	args := fields[1:]

	switch keyword {
	case "none":
		return Entry{Kind: KindNone}, nil
	case "inherited", "host":
		return Entry{Kind: KindInherited}, nil
	case "container":
		if len(args) != 1 {
			return Entry{}, gramErr(lineNo, "container requires exactly one name")
		}
		return Entry{Kind: KindContainer, Name: args[0]}, nil
	case "netns":
		if len(args) != 1 {
			return Entry{}, gramErr(lineNo, "netns requires exactly one name")
		}
		return Entry{Kind: KindNetns, Name: args[0]}, nil
	case "steal":
		if len(args) != 1 {
			return Entry{}, gramErr(lineNo, "steal requires exactly one device name")
		}
		return Entry{Kind: KindSteal, Name: args[0]}, nil
	case "macvlan":
		return parseMacvlan(args, lineNo)
	case "ipvlan":
		return parseIpvlan(args, lineNo)
	case "veth":
		return parseVeth(args, lineNo)
	case "L3":
		return parseL3(args, lineNo)
	case "NAT":
		e := Entry{Kind: KindNat}
		if len(args) == 1 {
			e.Name = args[0]
		}
		return e, nil
	case "MTU":
		if len(args) != 2 {
			return Entry{}, gramErr(lineNo, "MTU requires <name> <int>")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return Entry{}, gramErr(lineNo, "MTU: bad integer %q", args[1])
		}
		return Entry{Kind: KindMTU, Name: args[0], IntVal: n}, nil
	case "autoconf":
		if len(args) != 1 {
			return Entry{}, gramErr(lineNo, "autoconf requires exactly one name")
		}
		return Entry{Kind: KindAutoconf, Name: args[0]}, nil
	case "cni":
		if len(args) != 1 {
			return Entry{}, gramErr(lineNo, "cni requires exactly one network-list name")
		}
		return Entry{Kind: KindCNI, Name: args[0]}, nil
	default:
		return Entry{}, gramErr(lineNo, "unknown keyword %q", keyword)
	}
}

// macvlan <master> <name> [type [mtu [hw]]]
func parseMacvlan(args []string, lineNo int) (Entry, error) {
	if len(args) < 2 {
		return Entry{}, gramErr(lineNo, "macvlan requires <master> <name>")
	}
	e := Entry{Kind: KindMacvlan, Master: args[0], Name: args[1], Mode: "bridge"}
	if len(args) >= 3 {
		if !macvlanTypes[args[2]] {
			return Entry{}, errkind.New(errkind.InvalidValue, "netconfig line %d: invalid macvlan type %q", lineNo, args[2])
		}
		e.Mode = args[2]
	}
	if len(args) >= 4 {
		mtu, err := strconv.Atoi(args[3])
		if err != nil {
			return Entry{}, gramErr(lineNo, "macvlan: bad mtu %q", args[3])
		}
		e.MTU = mtu
	}
	if len(args) >= 5 {
		hw, err := parseMAC(args[4], lineNo)
		if err != nil {
			return Entry{}, err
		}
		e.HW = hw
	}
	return e, nil
}

// ipvlan <master> <name> [mode [mtu]]
func parseIpvlan(args []string, lineNo int) (Entry, error) {
	if len(args) < 2 {
		return Entry{}, gramErr(lineNo, "ipvlan requires <master> <name>")
	}
	e := Entry{Kind: KindIpvlan, Master: args[0], Name: args[1], Mode: "l2"}
	if len(args) >= 3 {
		if !ipvlanModes[args[2]] {
			return Entry{}, errkind.New(errkind.InvalidValue, "netconfig line %d: invalid ipvlan mode %q", lineNo, args[2])
		}
		e.Mode = args[2]
	}
	if len(args) >= 4 {
		mtu, err := strconv.Atoi(args[3])
		if err != nil {
			return Entry{}, gramErr(lineNo, "ipvlan: bad mtu %q", args[3])
		}
		e.MTU = mtu
	}
	return e, nil
}

// veth <name> <bridge> [mtu [hw]]
func parseVeth(args []string, lineNo int) (Entry, error) {
	if len(args) < 2 {
		return Entry{}, gramErr(lineNo, "veth requires <name> <bridge>")
	}
	e := Entry{Kind: KindVeth, Name: args[0], Master: args[1]}
	if len(args) >= 3 {
		mtu, err := strconv.Atoi(args[2])
		if err != nil {
			return Entry{}, gramErr(lineNo, "veth: bad mtu %q", args[2])
		}
		e.MTU = mtu
	}
	if len(args) >= 4 {
		hw, err := parseMAC(args[3], lineNo)
		if err != nil {
			return Entry{}, err
		}
		e.HW = hw
	}
	return e, nil
}

// L3 [name [master]]
func parseL3(args []string, lineNo int) (Entry, error) {
	e := Entry{Kind: KindL3}
	if len(args) >= 1 {
		e.Name = args[0]
	}
	if len(args) >= 2 {
		e.Master = args[1]
	}
	return e, nil
}

func parseMAC(s string, lineNo int) (net.HardwareAddr, error) {
	if !macRe.MatchString(s) {
		return nil, errkind.New(errkind.InvalidValue, "netconfig line %d: invalid MAC %q", lineNo, s)
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return nil, errkind.New(errkind.InvalidValue, "netconfig line %d: invalid MAC %q", lineNo, s)
	}
	return hw, nil
}

func gramErr(lineNo int, format string, args ...interface{}) error {
	return errkind.New(errkind.InvalidData, "netconfig line %d: "+format, append([]interface{}{lineNo}, args...)...)
}

// validate enforces the exclusivity invariant from spec §4.6/§3:
// none/inherited/container/netns are each a complete namespace-source
// selection and reject any other type-creating entry in the same
// NetConfig.
func validate(entries []Entry) error {
	exclusive := map[Kind]bool{
		KindNone: true, KindInherited: true, KindContainer: true, KindNetns: true,
	}
	var exclusiveSeen, otherSeen bool
	for _, e := range entries {
		if exclusive[e.Kind] {
			exclusiveSeen = true
		} else if e.Kind != KindMTU {
			otherSeen = true
		}
	}
	if exclusiveSeen && otherSeen {
		return errkind.New(errkind.InvalidData, "netconfig: none/inherited/container/netns cannot combine with other entries")
	}
	if exclusiveSeen {
		var count int
		for _, e := range entries {
			if exclusive[e.Kind] {
				count++
			}
		}
		if count > 1 {
			return errkind.New(errkind.InvalidData, "netconfig: at most one namespace-source selection is allowed")
		}
	}
	return nil
}

// macvlanModeFor/ipvlanModeFor adapt the grammar's string modes to
// vishvananda/netlink's typed mode constants, used by the realisation
// step.
func macvlanModeFor(mode string) netlink.MacvlanMode {
	switch mode {
	case "private":
		return netlink.MACVLAN_MODE_PRIVATE
	case "vepa":
		return netlink.MACVLAN_MODE_VEPA
	case "passthru":
		return netlink.MACVLAN_MODE_PASSTHRU
	default:
		return netlink.MACVLAN_MODE_BRIDGE
	}
}

func ipvlanModeFor(mode string) netlink.IPVlanMode {
	if mode == "l3" {
		return netlink.IPVLAN_MODE_L3
	}
	return netlink.IPVLAN_MODE_L2
}

func (e Entry) String() string {
	return fmt.Sprintf("{%d name=%s master=%s mode=%s mtu=%d}", e.Kind, e.Name, e.Master, e.Mode, e.MTU)
}
