// Package netaddr implements NetAddr: a family-tagged IPv4/IPv6 address
// with a prefix length and bignum-style arithmetic, used both for plain
// address parsing and for NAT pool offset computation.
package netaddr

import (
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// Family identifies the address family.
type Family int

const (
	V4 Family = iota
	V6
)

func (f Family) width() int {
	if f == V4 {
		return 32
	}
	return 128
}

func (f Family) byteLen() int {
	return f.width() / 8
}

// Addr is (family, bytes, prefix_len). bytes is always stored at the
// family's full width (4 or 16 bytes), matching net.IP's internal
// representation so conversions to/from the standard library are cheap.
type Addr struct {
	family Family
	bytes  []byte
	prefix int
}

// Parse parses a CIDR-or-bare address string ("10.0.0.1", "10.0.0.0/24",
// "fe80::1/64"). If no prefix is given, the address is a host address
// (prefix = family width).
func Parse(s string) (Addr, error) {
	host := s
	prefix := -1
	if i := strings.IndexByte(s, '/'); i >= 0 {
		host = s[:i]
		p, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return Addr{}, errkind.New(errkind.InvalidValue, "bad prefix in %q", s)
		}
		prefix = p
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Addr{}, errkind.New(errkind.InvalidValue, "bad address %q", s)
	}
	var fam Family
	var b []byte
	if v4 := ip.To4(); v4 != nil && !strings.Contains(host, ":") {
		fam = V4
		b = append([]byte(nil), v4...)
	} else {
		fam = V6
		b = append([]byte(nil), ip.To16()...)
	}
	if prefix < 0 {
		prefix = fam.width()
	}
	if prefix > fam.width() {
		return Addr{}, errkind.New(errkind.InvalidValue, "prefix %d exceeds family width for %q", prefix, s)
	}
	return Addr{family: fam, bytes: b, prefix: prefix}, nil
}

// FromIPNet builds an Addr from a standard library IPNet.
func FromIPNet(n *net.IPNet) (Addr, error) {
	ones, bits := n.Mask.Size()
	fam := V4
	ip := n.IP.To4()
	if ip == nil {
		fam = V6
		ip = n.IP.To16()
		if ip == nil {
			return Addr{}, errkind.New(errkind.InvalidValue, "bad IPNet %v", n)
		}
	}
	if bits != fam.width() {
		return Addr{}, errkind.New(errkind.InvalidValue, "mask width mismatch for %v", n)
	}
	return Addr{family: fam, bytes: append([]byte(nil), ip...), prefix: ones}, nil
}

// Family returns the address family.
func (a Addr) Family() Family { return a.family }

// PrefixLen returns the prefix length.
func (a Addr) PrefixLen() int { return a.prefix }

// IsHost reports whether prefix_len == family_width.
func (a Addr) IsHost() bool { return a.prefix == a.family.width() }

// IsEmpty reports whether this Addr was never assigned a value.
func (a Addr) IsEmpty() bool { return a.bytes == nil }

// IP returns the net.IP view of the address.
func (a Addr) IP() net.IP { return net.IP(append([]byte(nil), a.bytes...)) }

// WithHostPrefix returns a copy with prefix forced to the family's host
// width (/32 or /128), as gateway discovery (spec §4.5) requires for
// addresses that are to be installed as host routes.
func (a Addr) WithHostPrefix() Addr {
	a.prefix = a.family.width()
	return a
}

// IPNet returns the standard-library CIDR view.
func (a Addr) IPNet() *net.IPNet {
	bits := a.family.width()
	return &net.IPNet{IP: a.IP(), Mask: net.CIDRMask(a.prefix, bits)}
}

func (a Addr) String() string {
	if a.IsEmpty() {
		return "<empty>"
	}
	if a.prefix == a.family.width() {
		return a.IP().String()
	}
	return fmt.Sprintf("%s/%d", a.IP(), a.prefix)
}

func (a Addr) big() *big.Int {
	return new(big.Int).SetBytes(a.bytes)
}

// Add returns a copy of a offset by n (bignum add over the address
// bytes), keeping family and prefix unchanged. Overflow past the
// family width wraps modulo 2^width, matching fixed-width unsigned
// arithmetic.
func (a Addr) Add(n uint64) Addr {
	sum := new(big.Int).Add(a.big(), new(big.Int).SetUint64(n))
	mod := new(big.Int).Lsh(big.NewInt(1), uint(a.family.width()))
	sum.Mod(sum, mod)
	out := make([]byte, a.family.byteLen())
	sum.FillBytes(out)
	return Addr{family: a.family, bytes: out, prefix: a.prefix}
}

// OffsetFrom returns a - base as a uint64, the inverse of Add, used by
// the NAT allocator to recover a slot index from an address (spec §4.4,
// TNetwork::PutNatAddress in original_source).
func (a Addr) OffsetFrom(base Addr) (uint64, error) {
	if a.family != base.family {
		return 0, errkind.New(errkind.InvalidValue, "family mismatch computing offset")
	}
	diff := new(big.Int).Sub(a.big(), base.big())
	if diff.Sign() < 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), uint(a.family.width()))
		diff.Add(diff, mod)
	}
	if !diff.IsUint64() {
		return 0, errkind.New(errkind.InvalidValue, "offset too large")
	}
	return diff.Uint64(), nil
}

// ContainsPrefix reports whether a's prefix network contains addr (i.e.
// addr shares a's leading a.prefix bits), used by gateway discovery to
// find the "most specific local address ... whose prefix contains the
// candidate".
func (a Addr) ContainsPrefix(addr Addr) bool {
	if a.family != addr.family {
		return false
	}
	return a.IPNet().Contains(addr.IP())
}

// CmpPrefix orders two addresses by specificity (longer prefix first),
// used to pick the "most specific" candidate in gateway discovery.
func CmpPrefix(a, b Addr) int {
	switch {
	case a.prefix > b.prefix:
		return -1
	case a.prefix < b.prefix:
		return 1
	default:
		return 0
	}
}
