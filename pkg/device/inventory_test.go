package device

import (
	"net"
	"strings"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/zhoudaqing/porto/pkg/config"
)

func dummyLink(name string, flags net.Flags, mtu int) netlink.Link {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, Flags: flags, MTU: mtu, Index: 1}}
}

func TestRefreshFiltersReservedAndLoopback(t *testing.T) {
	inv, err := New(true, config.Default(), "")
	if err != nil {
		t.Fatal(err)
	}
	links := []netlink.Link{
		dummyLink("lo", net.FlagLoopback|net.FlagUp, 65536),
		dummyLink("portove-1-0", net.FlagUp, 1500),
		dummyLink("L3-0", net.FlagUp, 1500),
		dummyLink("eth0", net.FlagUp, 1500),
	}
	inv.Refresh(links)
	if _, ok := inv.Get("eth0"); !ok {
		t.Errorf("eth0 should be tracked")
	}
	if _, ok := inv.Get("portove-1-0"); ok {
		t.Errorf("portove- devices must be filtered regardless of cache order")
	}
	if _, ok := inv.Get("L3-0"); ok {
		t.Errorf("L3- devices must be filtered regardless of cache order")
	}
	if _, ok := inv.Get("lo"); ok {
		t.Errorf("loopback must be filtered")
	}
}

func TestRefreshRemovesMissingDevices(t *testing.T) {
	inv, _ := New(true, config.Default(), "")
	inv.Refresh([]netlink.Link{dummyLink("eth0", net.FlagUp, 1500)})
	if _, ok := inv.Get("eth0"); !ok {
		t.Fatal("expected eth0 present after first refresh")
	}
	inv.Refresh([]netlink.Link{dummyLink("eth1", net.FlagUp, 1500)})
	if _, ok := inv.Get("eth0"); ok {
		t.Errorf("eth0 should have been pruned as missing")
	}
	if _, ok := inv.Get("eth1"); !ok {
		t.Errorf("eth1 should now be tracked")
	}
}

func TestUnmanagedPatternMarksDeviceUnmanaged(t *testing.T) {
	cfg := config.Default()
	cfg.UnmanagedPattern = []string{"docker*"}
	inv, _ := New(true, cfg, "")
	inv.Refresh([]netlink.Link{dummyLink("docker0", net.FlagUp, 1500)})
	d, ok := inv.Get("docker0")
	if !ok {
		t.Fatal("docker0 should still be tracked")
	}
	if d.Managed {
		t.Errorf("docker0 should be unmanaged per glob pattern")
	}
}

func TestContainerNsEverythingManaged(t *testing.T) {
	inv, _ := New(false, config.Default(), "")
	inv.Refresh([]netlink.Link{dummyLink("eth0", 0, 1500)})
	d, ok := inv.Get("eth0")
	if !ok || !d.Managed {
		t.Errorf("every device in a container netns must be managed, even if down")
	}
}

func TestParseGroupFile(t *testing.T) {
	src := "# comment\n0 default\n10 vpn\n"
	ids, err := ParseGroupFile(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if !ids[0] || !ids[10] {
		t.Errorf("expected group ids 0 and 10, got %v", ids)
	}
}
