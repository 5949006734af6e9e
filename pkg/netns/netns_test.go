package netns

import (
	"testing"

	"github.com/zhoudaqing/porto/pkg/bitmap"
	"github.com/zhoudaqing/porto/pkg/config"
	"github.com/zhoudaqing/porto/pkg/netaddr"
)

func newTestNamespace(t *testing.T, cfg *config.Config) *NetworkNamespace {
	t.Helper()
	ns := &NetworkNamespace{
		cfg:       cfg,
		natBitmap: bitmap.New(cfg.NatCount),
	}
	if cfg.NatFirstIPv4 != "" {
		addr, err := netaddr.Parse(cfg.NatFirstIPv4 + "/32")
		if err != nil {
			t.Fatal(err)
		}
		ns.natBaseV4 = addr
		ns.haveV4 = true
	}
	return ns
}

func TestGetPutNatAddressScenario(t *testing.T) {
	cfg := config.Default()
	cfg.NatFirstIPv4 = "10.0.0.1"
	cfg.NatCount = 3
	ns := newTestNamespace(t, cfg)

	v4a, _, err := ns.GetNatAddress()
	if err != nil || v4a.String() != "10.0.0.1" {
		t.Fatalf("first get: %v %v", v4a, err)
	}
	v4b, _, err := ns.GetNatAddress()
	if err != nil || v4b.String() != "10.0.0.2" {
		t.Fatalf("second get: %v %v", v4b, err)
	}
	v4c, _, err := ns.GetNatAddress()
	if err != nil || v4c.String() != "10.0.0.3" {
		t.Fatalf("third get: %v %v", v4c, err)
	}
	if _, _, err := ns.GetNatAddress(); err == nil {
		t.Fatal("fourth get should fail with resource exhaustion")
	}

	if err := ns.PutNatAddress(v4b); err != nil {
		t.Fatalf("put: %v", err)
	}
	v4d, _, err := ns.GetNatAddress()
	if err != nil || v4d.String() != "10.0.0.2" {
		t.Fatalf("get after put should reclaim the freed slot: %v %v", v4d, err)
	}
}

func TestRegistryRefcounting(t *testing.T) {
	r := NewRegistry()
	built := 0
	build := func() (*NetworkNamespace, error) {
		built++
		return &NetworkNamespace{Inode: 42, closeFn: func() {}}, nil
	}

	ns1, err := r.Acquire(42, build)
	if err != nil {
		t.Fatal(err)
	}
	ns2, err := r.Acquire(42, build)
	if err != nil {
		t.Fatal(err)
	}
	if ns1 != ns2 {
		t.Errorf("expected the same NetworkNamespace instance for the same inode")
	}
	if built != 1 {
		t.Errorf("expected build() called exactly once, got %d", built)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 live entry, got %d", r.Len())
	}

	r.Release(42)
	if r.Len() != 1 {
		t.Errorf("one outstanding ref should keep the entry alive, got len %d", r.Len())
	}
	r.Release(42)
	if r.Len() != 0 {
		t.Errorf("last release should drop the entry, got len %d", r.Len())
	}
}

func TestRegistryRemovesOnLastReleaseThenAcquiresNew(t *testing.T) {
	r := NewRegistry()
	build42 := func() (*NetworkNamespace, error) {
		return &NetworkNamespace{Inode: 42, closeFn: func() {}}, nil
	}
	ns, err := r.Acquire(42, build42)
	if err != nil {
		t.Fatal(err)
	}
	r.Release(ns.Inode)
	if r.Len() != 0 {
		t.Fatalf("expected entry gone after sole release, got %d", r.Len())
	}

	build7 := func() (*NetworkNamespace, error) {
		return &NetworkNamespace{Inode: 7, closeFn: func() {}}, nil
	}
	if _, err := r.Acquire(7, build7); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Errorf("expected exactly the new entry, got %d", r.Len())
	}
}
