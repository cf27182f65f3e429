// Package epcpage defines the per-page EPC descriptor: the fixed
// physical-address record every other subsystem links pages through.
package epcpage

import (
	"container/list"
	"sync/atomic"

	"epc/pkg/owner"
)

// Flag bits recorded on a page. Semantic, not bit-exact with any real
// hardware descriptor layout.
type Flag uint32

const (
	FlagEnclave Flag = 1 << iota
	FlagVersionArray
	FlagReclaimable
	FlagReclaimInProgress
)

// Page is the per-page EPC descriptor (§3). PhysAddr and SectionIdx
// are immutable after construction; everything else is mutated under
// whichever lock currently owns the page (section lock while free,
// LRU scope lock while tracked, or the reclaimer's private handoff
// while isolated — never more than one at a time, matching the
// "single residence" invariant of §8).
type Page struct {
	PhysAddr   uint64
	SectionIdx int

	flags uint32 // atomic bitset of Flag
	inUse uint32 // atomic bool: 1 once handed out by the allocator, 0 while free

	// Owner is a weak, non-owning reference into the page's owner.
	// Cleared whenever the page is free.
	Owner owner.Ref

	// Charge is the charge-group node this page is billed against, or
	// nil when the charge-group overlay is disabled.
	Charge any

	// Elem is the list.Element linking this page into whichever single
	// list currently holds it (section free-list, section unsanitized
	// list, or an LRU scope's reclaimable/unreclaimable list).
	Elem *list.Element

	// VAPage and VASlot identify the version-array slot folded into
	// this descriptor once a reclaim pass has successfully written the
	// page back (§4.4 Phase C step 6).
	VAPage *owner.VersionPage
	VASlot uint32
}

// New creates a page descriptor with no flags and no owner.
func New(physAddr uint64, sectionIdx int) *Page {
	return &Page{PhysAddr: physAddr, SectionIdx: sectionIdx}
}

// Flags returns the current flag bitset.
func (p *Page) Flags() Flag { return Flag(atomic.LoadUint32(&p.flags)) }

// HasFlag reports whether every bit in f is set.
func (p *Page) HasFlag(f Flag) bool { return Flag(atomic.LoadUint32(&p.flags))&f == f }

// SetFlags ORs f into the bitset.
func (p *Page) SetFlags(f Flag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlags ANDs ^f into the bitset.
func (p *Page) ClearFlags(f Flag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old&^uint32(f)) {
			return
		}
	}
}

// ReplaceFlags sets the bitset to exactly f, returning the previous value.
func (p *Page) ReplaceFlags(f Flag) Flag {
	return Flag(atomic.SwapUint32(&p.flags, uint32(f)))
}

// MarkInUse records that the allocator has handed this page to an
// owner. Returns false if the page was already in use (a double-
// allocate, which should never happen through the allocator's normal
// path).
func (p *Page) MarkInUse() bool {
	return atomic.CompareAndSwapUint32(&p.inUse, 0, 1)
}

// MarkFree records that the page has been returned to its section's
// free list. Returns false if the page was already free — the signal
// for a double-free (§8 property 7).
func (p *Page) MarkFree() bool {
	return atomic.CompareAndSwapUint32(&p.inUse, 1, 0)
}

// InUse reports whether the page is currently bound to an owner.
func (p *Page) InUse() bool { return atomic.LoadUint32(&p.inUse) == 1 }
