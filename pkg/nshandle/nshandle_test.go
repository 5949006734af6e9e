package nshandle

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestNsTypeForMapsAllKinds(t *testing.T) {
	cases := map[Kind]int{
		Net:  unix.CLONE_NEWNET,
		IPC:  unix.CLONE_NEWIPC,
		UTS:  unix.CLONE_NEWUTS,
		PID:  unix.CLONE_NEWPID,
		Mnt:  unix.CLONE_NEWNS,
		User: unix.CLONE_NEWUSER,
	}
	for kind, want := range cases {
		if got := nsTypeFor(kind); got != want {
			t.Errorf("%s: got %d want %d", kind, got, want)
		}
	}
}

func TestOpenSelfAndInode(t *testing.T) {
	h, err := OpenSelf(Net)
	if err != nil {
		t.Skipf("cannot open /proc/self/ns/net in this environment: %v", err)
	}
	defer h.Close()

	ino, err := h.Inode()
	if err != nil {
		t.Fatalf("inode: %v", err)
	}
	if ino == 0 {
		t.Errorf("expected nonzero netns inode")
	}
}

func TestCloseIdempotent(t *testing.T) {
	h, err := OpenSelf(Net)
	if err != nil {
		t.Skipf("cannot open /proc/self/ns/net in this environment: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
}
