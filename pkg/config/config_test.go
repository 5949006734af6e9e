package config

import (
	"strings"
	"testing"
)

func TestParsePatternMapFallback(t *testing.T) {
	src := `
device_rate.eth0 = 2000000000
device_rate.default = 1000000000
nat_first_ipv4 = 10.0.0.1
nat_count = 3
`
	c, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := c.DeviceRate.Lookup("eth0"); !ok || v != "2000000000" {
		t.Errorf("exact match failed: %v %v", v, ok)
	}
	if v, ok := c.DeviceRate.Lookup("eth1"); !ok || v != "1000000000" {
		t.Errorf("default fallback failed: %v %v", v, ok)
	}
	if c.NatFirstIPv4 != "10.0.0.1" || c.NatCount != 3 {
		t.Errorf("scalar parse failed: %+v", c)
	}
}

func TestPatternMapGlob(t *testing.T) {
	m := PatternMap{
		{Pattern: "veth*", Value: "fast"},
		{Pattern: "default", Value: "slow"},
	}
	if v, _ := m.Lookup("veth0"); v != "fast" {
		t.Errorf("glob match failed, got %q", v)
	}
	if v, _ := m.Lookup("eth0"); v != "slow" {
		t.Errorf("default fallback failed, got %q", v)
	}
}
