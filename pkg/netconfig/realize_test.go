package netconfig

import "testing"

func TestTransientNameFormat(t *testing.T) {
	if got := transientName("piv", 42); got != "piv42" {
		t.Errorf("got %q", got)
	}
	if got := transientName("pmv", 7); got != "pmv7" {
		t.Errorf("got %q", got)
	}
}

