package tc

import (
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/zhoudaqing/porto/pkg/config"
)

func TestDeriveClassParamsClamping(t *testing.T) {
	cfg := config.Default()
	cfg.DeviceRate = config.PatternMap{{Pattern: "default", Value: "2000000000"}}
	tree := &Tree{cfg: cfg}
	dev := DeviceInfo{Name: "eth0", MTU: 1500}

	p := tree.deriveClassParams(dev, 5_000_000_000, 0, 0)
	if p.rate != 2_000_000_000 {
		t.Errorf("rate should clamp to device max, got %d", p.rate)
	}
	if p.ceil != p.rate {
		t.Errorf("zero ceil should default to the (clamped) rate, got %d vs rate %d", p.ceil, p.rate)
	}

	p2 := tree.deriveClassParams(dev, 0, 0, 0)
	if p2.rate != 1 {
		t.Errorf("zero rate should map to 1 bps, got %d", p2.rate)
	}
}

func TestCollectDescendantsOrder(t *testing.T) {
	parent := MakeHandle(1, 3)
	child4 := MakeHandle(1, 4)
	child5 := MakeHandle(1, 5)

	classes := []netlink.Class{
		&netlink.HtbClass{ClassAttrs: netlink.ClassAttrs{Handle: uint32(parent), Parent: uint32(RootClass)}},
		&netlink.HtbClass{ClassAttrs: netlink.ClassAttrs{Handle: uint32(child4), Parent: uint32(parent)}},
		&netlink.HtbClass{ClassAttrs: netlink.ClassAttrs{Handle: uint32(child5), Parent: uint32(parent)}},
	}

	order := collectDescendants(classes, parent)
	if len(order) != 2 {
		t.Fatalf("expected 2 descendants, got %d", len(order))
	}
	seen := map[Handle]bool{order[0]: true, order[1]: true}
	if !seen[child4] || !seen[child5] {
		t.Errorf("expected both children present, got %v", order)
	}
	if order[0] != child5 || order[1] != child4 {
		t.Errorf("expected delete order 1:5, 1:4, got %v", order)
	}
}

func TestContainerHandle(t *testing.T) {
	h := ContainerHandle(10)
	if !IsContainerHandle(h) {
		t.Errorf("handle for container id 10 should be a container handle")
	}
	if IsContainerHandle(RootClass) {
		t.Errorf("RootClass must not be classified as a container handle")
	}
}
