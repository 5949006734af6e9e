package cnidelegate

import "testing"

func TestStrippedExt(t *testing.T) {
	cases := map[string]string{
		"10-bridge.conflist": "10-bridge",
		"bridge.conf":        "bridge",
		"noext":              "noext",
	}
	for in, want := range cases {
		if got := strippedExt(in); got != want {
			t.Errorf("strippedExt(%q) = %q, want %q", in, got, want)
		}
	}
}
