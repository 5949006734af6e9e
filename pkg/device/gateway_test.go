package device

import (
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/zhoudaqing/porto/pkg/netaddr"
)

func mustParse(t *testing.T, s string) netaddr.Addr {
	t.Helper()
	a, err := netaddr.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestGateAddressPicksMostSpecific(t *testing.T) {
	cand := mustParse(t, "10.0.0.5")
	locals := []LocalAddr{
		{Addr: mustParse(t, "10.0.0.0/16"), MTU: 1500, Scope: netlink.SCOPE_UNIVERSE},
		{Addr: mustParse(t, "10.0.0.0/24"), MTU: 1400, Scope: netlink.SCOPE_UNIVERSE},
	}
	gate4, _, mtu := GateAddress([]netaddr.Addr{cand}, locals)
	if gate4.IP().String() != "10.0.0.0" {
		t.Errorf("expected the more specific /24 network address, got %v", gate4)
	}
	if !gate4.IsHost() {
		t.Errorf("expected gateway forced to host prefix, got prefix %d", gate4.PrefixLen())
	}
	if mtu != 1400 {
		t.Errorf("expected mtu from the winning /24 link, got %d", mtu)
	}
}

func TestGateAddressFallsBackToAnyNonHost(t *testing.T) {
	cand := mustParse(t, "192.168.1.5")
	locals := []LocalAddr{
		{Addr: mustParse(t, "10.0.0.0/24"), MTU: 1500, Scope: netlink.SCOPE_UNIVERSE},
	}
	gate4, _, _ := GateAddress([]netaddr.Addr{cand}, locals)
	if gate4.IsEmpty() {
		t.Errorf("expected fallback gateway, got empty")
	}
}

func TestGateAddressIgnoresHostScope(t *testing.T) {
	cand := mustParse(t, "127.0.0.5")
	locals := []LocalAddr{
		{Addr: mustParse(t, "127.0.0.1/8"), MTU: 65536, Scope: netlink.SCOPE_HOST},
	}
	gate4, _, _ := GateAddress([]netaddr.Addr{cand}, locals)
	if !gate4.IsEmpty() {
		t.Errorf("host-scoped addresses must never be selected as a gateway, got %v", gate4)
	}
}
