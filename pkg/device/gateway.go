package device

import (
	"github.com/vishvananda/netlink"

	"github.com/zhoudaqing/porto/pkg/netaddr"
)

// LocalAddr is one entry of the address cache GateAddress scans: a
// local address plus the MTU of the link it lives on.
type LocalAddr struct {
	Addr  netaddr.Addr
	MTU   int
	Scope int // netlink.SCOPE_* of the address
}

// GateAddress implements spec §4.5: for each candidate address, pick
// the most specific non-host-scoped local address of the same family
// whose prefix contains the candidate, falling back to any non-host
// address of that family. The returned gateway is forced to a host
// prefix (/32 or /128); mtu is the minimum MTU across every link that
// contributed a selected gateway.
func GateAddress(candidates []netaddr.Addr, locals []LocalAddr) (gate4, gate6 netaddr.Addr, mtu int) {
	mtu = -1
	pick := func(family netaddr.Family) (netaddr.Addr, int) {
		var best netaddr.Addr
		bestMTU := -1
		haveBest := false
		var fallback netaddr.Addr
		fallbackMTU := -1
		haveFallback := false

		for _, cand := range candidates {
			if cand.Family() != family {
				continue
			}
			for _, la := range locals {
				if la.Addr.Family() != family || la.Scope == netlink.SCOPE_HOST {
					continue
				}
				if !haveFallback {
					fallback = la.Addr
					fallbackMTU = la.MTU
					haveFallback = true
				}
				if la.Addr.ContainsPrefix(cand) {
					if !haveBest || netaddr.CmpPrefix(la.Addr, best) < 0 {
						best = la.Addr
						bestMTU = la.MTU
						haveBest = true
					}
				}
			}
		}
		if haveBest {
			return best.WithHostPrefix(), bestMTU
		}
		if haveFallback {
			return fallback.WithHostPrefix(), fallbackMTU
		}
		return netaddr.Addr{}, -1
	}

	var m4, m6 int
	gate4, m4 = pick(netaddr.V4)
	gate6, m6 = pick(netaddr.V6)

	for _, m := range []int{m4, m6} {
		if m < 0 {
			continue
		}
		if mtu < 0 || m < mtu {
			mtu = m
		}
	}
	if mtu < 0 {
		mtu = 0
	}
	return gate4, gate6, mtu
}
