package netconfig

import (
	"strings"
	"testing"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

func TestParseMacvlanScenario(t *testing.T) {
	entries, err := Parse(strings.NewReader("macvlan eth0 mv0 bridge 1400 02:aa:bb:cc:dd:ee"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Master != "eth0" || e.Name != "mv0" || e.Mode != "bridge" || e.MTU != 1400 || e.HW.String() != "02:aa:bb:cc:dd:ee" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestParseMacvlanInvalidType(t *testing.T) {
	_, err := Parse(strings.NewReader("macvlan eth0 mv0 foo"))
	if errkind.KindOf(err) != errkind.InvalidValue {
		t.Errorf("expected InvalidValue, got %v", err)
	}
}

func TestParseIpvlanDefaults(t *testing.T) {
	entries, err := Parse(strings.NewReader("ipvlan eth0 iv0"))
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Mode != "l2" {
		t.Errorf("expected default ipvlan mode l2, got %s", entries[0].Mode)
	}
}

func TestNoneExclusiveWithOtherEntries(t *testing.T) {
	_, err := Parse(strings.NewReader("none\nsteal eth0\n"))
	if err == nil {
		t.Fatal("expected validation error combining none with steal")
	}
}

func TestMTUCanFollowAnySelection(t *testing.T) {
	_, err := Parse(strings.NewReader("inherited\nMTU eth0 1400\n"))
	if err != nil {
		t.Errorf("MTU override should be allowed alongside inherited: %v", err)
	}
}

func TestTwoNamespaceSourcesRejected(t *testing.T) {
	_, err := Parse(strings.NewReader("container c1\nnetns ns1\n"))
	if err == nil {
		t.Fatal("expected rejection of two namespace-source selections")
	}
}

func TestInvalidMacRejected(t *testing.T) {
	_, err := Parse(strings.NewReader("veth v0 br0 1500 not-a-mac"))
	if errkind.KindOf(err) != errkind.InvalidValue {
		t.Errorf("expected InvalidValue for bad MAC, got %v", err)
	}
}
