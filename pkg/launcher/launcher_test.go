package launcher

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestCloneFlagsIsolate(t *testing.T) {
	flags := cloneFlags(&Params{Isolate: true})
	if flags&unix.CLONE_NEWPID == 0 || flags&unix.CLONE_NEWIPC == 0 {
		t.Errorf("Isolate must add NEWPID|NEWIPC, got %#x", flags)
	}
	if flags&unix.SIGCHLD == 0 {
		t.Errorf("cloneFlags must always include SIGCHLD, got %#x", flags)
	}
}

func TestCloneFlagsMountAndUTS(t *testing.T) {
	flags := cloneFlags(&Params{NewMountNS: true})
	if flags&unix.CLONE_NEWNS == 0 {
		t.Errorf("NewMountNS must add NEWNS, got %#x", flags)
	}

	flags = cloneFlags(&Params{Hostname: "box"})
	if flags&unix.CLONE_NEWUTS == 0 {
		t.Errorf("a non-empty Hostname must force NEWUTS, got %#x", flags)
	}
}

func TestCloneFlagsMinimal(t *testing.T) {
	flags := cloneFlags(&Params{})
	if flags != uintptr(unix.SIGCHLD) {
		t.Errorf("expected only SIGCHLD for a bare Params, got %#x", flags)
	}
}

func TestItoa(t *testing.T) {
	cases := map[int]string{0: "0", 42: "42", -7: "-7", 1000: "1000"}
	for in, want := range cases {
		if got := itoa(in); got != want {
			t.Errorf("itoa(%d) = %q, want %q", in, got, want)
		}
	}
}
