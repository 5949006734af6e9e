package netconfig

import (
	"hash/crc32"
	"testing"
)

func TestGenerateHWFormula(t *testing.T) {
	name := "mv0" + "portove-1-0"
	hostname := "host"
	got := GenerateHW(name, hostname)

	nameSum := crc32.ChecksumIEEE([]byte(name))
	hostSum := crc32.ChecksumIEEE([]byte(hostname))
	want := []byte{
		0x02,
		byte(nameSum & 0xff),
		byte((hostSum >> 24) & 0xff),
		byte((hostSum >> 16) & 0xff),
		byte((hostSum >> 8) & 0xff),
		byte(hostSum & 0xff),
	}
	if len(got) != 6 {
		t.Fatalf("expected 6-byte MAC, got %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d: got %02x want %02x", i, got[i], want[i])
		}
	}
	if got[0] != 0x02 {
		t.Errorf("expected locally-administered first byte 0x02, got %#x", got[0])
	}
}
