package control

import (
	"testing"
	"time"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

func TestPidRoundTrip(t *testing.T) {
	master, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer master.Close()
	defer child.Close()

	done := make(chan error, 1)
	go func() { done <- master.SendPid(4242) }()

	got, err := child.RecvPid()
	if err != nil {
		t.Fatalf("RecvPid: %v", err)
	}
	if got != 4242 {
		t.Errorf("got pid %d, want 4242", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendPid: %v", err)
	}
}

func TestAckRoundTrip(t *testing.T) {
	master, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer master.Close()
	defer child.Close()

	go child.SendAck()
	if err := master.RecvAck(); err != nil {
		t.Fatalf("RecvAck: %v", err)
	}
}

func TestErrorFrameRoundTrip(t *testing.T) {
	master, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer master.Close()
	defer child.Close()

	want := ErrorFrame{Code: errkind.ResourceNotAvailable, Errno: 12, Text: "clone: cannot allocate memory"}
	go child.SendError(want)

	got, err := master.RecvError()
	if err != nil {
		t.Fatalf("RecvError: %v", err)
	}
	if got.Code != want.Code || got.Errno != want.Errno || got.Text != want.Text {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestRecvTimeout(t *testing.T) {
	master, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer master.Close()
	defer child.Close()

	if err := master.SetRecvTimeout(50); err != nil {
		t.Fatalf("SetRecvTimeout: %v", err)
	}
	start := time.Now()
	if _, err := master.RecvPid(); err == nil {
		t.Fatalf("expected timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestCloseIdempotent(t *testing.T) {
	master, child, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	child.Close()
	if err := master.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := master.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
}
