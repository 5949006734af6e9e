package bitmap

import (
	"testing"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

func TestGetPutSequence(t *testing.T) {
	a := New(3)
	var got []int
	for i := 0; i < 3; i++ {
		s, err := a.Get()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, s)
	}
	want := []int{0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("slot %d = %d, want %d", i, got[i], want[i])
		}
	}

	if _, err := a.Get(); errkind.KindOf(err) != errkind.ResourceNotAvailable {
		t.Errorf("Get on full bitmap should be ResourceNotAvailable, got %v", err)
	}

	if err := a.Put(1); err != nil {
		t.Fatal(err)
	}
	s, err := a.Get()
	if err != nil {
		t.Fatal(err)
	}
	if s != 1 {
		t.Errorf("Get after Put(1) should return 1, got %d", s)
	}
}

func TestLowestFreeAcrossWords(t *testing.T) {
	a := New(130)
	for i := 0; i < 128; i++ {
		if _, err := a.Get(); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Put(5); err != nil {
		t.Fatal(err)
	}
	s, err := a.Get()
	if err != nil {
		t.Fatal(err)
	}
	if s != 5 {
		t.Errorf("expected lowest free slot 5, got %d", s)
	}
}
