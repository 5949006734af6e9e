package netaddr

import "testing"

func TestAddOffsetRoundTrip(t *testing.T) {
	a, err := Parse("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []uint64{0, 1, 5, 254} {
		sum := a.Add(n)
		got, err := sum.OffsetFrom(a)
		if err != nil {
			t.Fatal(err)
		}
		if got != n {
			t.Errorf("Add(%d).OffsetFrom == %d, want %d", n, got, n)
		}
	}
}

func TestParseHostPrefix(t *testing.T) {
	a, err := Parse("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsHost() {
		t.Errorf("bare address should be a host address")
	}
	b, err := Parse("10.0.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if b.IsHost() {
		t.Errorf("/24 should not be a host address")
	}
}

func TestNATPoolScenario(t *testing.T) {
	base, err := Parse("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for i, w := range want {
		got := base.Add(uint64(i)).String()
		if got != w {
			t.Errorf("slot %d = %s, want %s", i, got, w)
		}
	}
}

func TestContainsPrefix(t *testing.T) {
	net1, _ := Parse("10.0.0.0/24")
	net2, _ := Parse("10.0.1.0/24")
	candidate, _ := Parse("10.0.0.55")
	if !net1.ContainsPrefix(candidate) {
		t.Errorf("net1 should contain candidate")
	}
	if net2.ContainsPrefix(candidate) {
		t.Errorf("net2 should not contain candidate")
	}
}

func TestWithHostPrefix(t *testing.T) {
	a, _ := Parse("10.0.0.0/24")
	h := a.WithHostPrefix()
	if h.PrefixLen() != 32 {
		t.Errorf("WithHostPrefix on v4 should force /32, got /%d", h.PrefixLen())
	}
}
