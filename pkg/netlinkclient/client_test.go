package netlinkclient

import (
	"net"
	"testing"

	"github.com/vishvananda/netlink"
)

func TestLinkStatKinds(t *testing.T) {
	link := &netlink.Dummy{
		LinkAttrs: netlink.LinkAttrs{
			Name: "dummy0",
			Statistics: &netlink.LinkStatistics{
				RxBytes: 100, TxBytes: 200, RxPackets: 3, TxPackets: 4, RxDropped: 5, TxDropped: 6,
			},
		},
	}
	c := &Client{}
	cases := []struct {
		kind LinkStatKind
		want uint64
	}{
		{StatRxBytes, 100},
		{StatTxBytes, 200},
		{StatRxPackets, 3},
		{StatTxPackets, 4},
		{StatRxDropped, 5},
		{StatTxDropped, 6},
	}
	for _, tc := range cases {
		got, err := c.LinkStat(link, tc.kind)
		if err != nil {
			t.Fatalf("kind %d: %v", tc.kind, err)
		}
		if got != tc.want {
			t.Errorf("kind %d: got %d want %d", tc.kind, got, tc.want)
		}
	}
}

func TestLinkStatMissing(t *testing.T) {
	link := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "dummy1"}}
	c := &Client{}
	if _, err := c.LinkStat(link, StatRxBytes); err == nil {
		t.Errorf("expected error for link with no statistics")
	}
}

func TestOpenLinksFiltersLoopbackAndDown(t *testing.T) {
	links := []netlink.Link{
		&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "lo", Flags: net.FlagLoopback | net.FlagUp}},
		&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "eth0", Flags: net.FlagUp | net.FlagRunning}},
		&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "eth1", Flags: 0}},
	}
	out := filterLinksForTest(links, false, true)
	if len(out) != 1 || out[0].Attrs().Name != "eth0" {
		t.Errorf("expected only eth0 to survive host-netns filtering, got %v", namesOf(out))
	}
}

func namesOf(links []netlink.Link) []string {
	names := make([]string, len(links))
	for i, l := range links {
		names[i] = l.Attrs().Name
	}
	return names
}

// filterLinksForTest exercises the same filtering rule OpenLinks applies,
// without requiring a live netlink socket.
func filterLinksForTest(links []netlink.Link, all, isHostNs bool) []netlink.Link {
	if all {
		return links
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
	return out
}
