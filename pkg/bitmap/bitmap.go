// Package bitmap implements a fixed-size free/used bitmap with
// lowest-free-slot allocation, used by the NAT allocator (spec §4.4) to
// hand out address-pool slots.
package bitmap

import (
	"math/bits"
	"sync"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

const wordBits = 64

// Allocator is a fixed-size bitmap over [0, size). Bit set means "in
// use". It is safe for concurrent use.
type Allocator struct {
	mu    sync.Mutex
	words []uint64
	size  int
}

// New creates an Allocator over [0, size).
func New(size int) *Allocator {
	return &Allocator{
		words: make([]uint64, (size+wordBits-1)/wordBits),
		size:  size,
	}
}

// Size returns the capacity of the bitmap.
func (a *Allocator) Size() int {
	return a.size
}

// Get returns the lowest free slot and marks it used, or fails with
// ResourceNotAvailable if the bitmap is full.
func (a *Allocator) Get() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for wi, w := range a.words {
		if w == ^uint64(0) {
			continue
		}
		// lowest zero bit within this word
		bitIdx := bits.TrailingZeros64(^w)
		slot := wi*wordBits + bitIdx
		if slot >= a.size {
			break
		}
		a.words[wi] |= 1 << uint(bitIdx)
		return slot, nil
	}
	return 0, errkind.New(errkind.ResourceNotAvailable, "bitmap exhausted (size %d)", a.size)
}

// Put releases slot back to the free pool. Putting a slot that is
// already free is a no-op.
func (a *Allocator) Put(slot int) error {
	if slot < 0 || slot >= a.size {
		return errkind.New(errkind.InvalidValue, "slot %d out of range [0,%d)", slot, a.size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.words[slot/wordBits] &^= 1 << uint(slot%wordBits)
	return nil
}

// InUse reports whether slot is currently allocated.
func (a *Allocator) InUse(slot int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slot < 0 || slot >= a.size {
		return false
	}
	return a.words[slot/wordBits]&(1<<uint(slot%wordBits)) != 0
}
