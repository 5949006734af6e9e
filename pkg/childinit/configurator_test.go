package childinit

import (
	"net"
	"testing"

	"github.com/vishvananda/netlink"
)

func TestSplitCommandBasic(t *testing.T) {
	got, err := SplitCommand("echo hello world")
	if err != nil {
		t.Fatalf("SplitCommand: %v", err)
	}
	want := []string{"echo", "hello", "world"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSplitCommandEmpty(t *testing.T) {
	if _, err := SplitCommand("   "); err == nil {
		t.Errorf("expected an error for an empty command line")
	}
}

func TestSysctlPath(t *testing.T) {
	if got := sysctlPath("net.ipv4.ip_forward"); got != "net/ipv4/ip_forward" {
		t.Errorf("got %q", got)
	}
}

func TestIsAutoconfReadyRejectsLinkLocalAndTentative(t *testing.T) {
	linkLocal := netlink.Addr{IPNet: mustCIDR("fe80::1/64")}
	if isAutoconfReady(linkLocal) {
		t.Errorf("link-local address must not be considered autoconf-ready")
	}

	tentative := netlink.Addr{IPNet: mustCIDR("2001:db8::1/64"), Flags: unixIFATentative}
	if isAutoconfReady(tentative) {
		t.Errorf("tentative address must not be considered autoconf-ready")
	}

	ready := netlink.Addr{IPNet: mustCIDR("2001:db8::1/64")}
	if !isAutoconfReady(ready) {
		t.Errorf("a non-tentative, non-link-local address must be autoconf-ready")
	}
}

func mustCIDR(s string) *net.IPNet {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}
