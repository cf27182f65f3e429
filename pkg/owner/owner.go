// Package owner defines the external collaborators an EPC page's
// owner reference can point to: an enclave-owned page, a
// version-array page, or a virtualization owner. It also provides the
// mapping-list epoch tracker used to walk an enclave's address-space
// mappings with retry-on-change semantics (§5, §9).
//
// None of these types model a real enclave; they are the seam through
// which pkg/reclaim and pkg/oom reach the enclave lifecycle module
// that spec.md explicitly puts out of scope. Tests exercise the
// reclaim and OOM engines against the Fake* implementations in
// fake.go.
package owner

import "errors"

// ErrBackingUnavailable is returned by Enclave.GetBacking when no
// backing storage slot could be obtained for a page.
var ErrBackingUnavailable = errors.New("owner: backing storage unavailable")

// Ref is a weak, non-owning reference an LRU scope or EPC page holds
// into its owner. TryAcquire lifts a temporary strong reference for
// the duration of a reclaim or OOM pass; it fails once the owner has
// begun disappearing. This is the Go expression of the "Arc-like
// strong count on enclaves, non-owning handle in the LRU scope" design
// note (§9): Ref never itself holds a strong reference, only the
// ability to request one.
type Ref interface {
	TryAcquire() bool
	Release()
}

// Backing is the set of pages holding a page's encrypted contents
// once it has been written back.
type Backing struct {
	Pages [][]byte
}

// VersionPage is a version-array page: a fixed number of monotonic
// counter slots used as write-back integrity metadata.
type VersionPage struct {
	addr  uint64
	slots []bool
}

// NewVersionPage creates a version page with the given slot capacity.
func NewVersionPage(addr uint64, capacity int) *VersionPage {
	return &VersionPage{addr: addr, slots: make([]bool, capacity)}
}

// Addr returns the version page's EPC address.
func (v *VersionPage) Addr() uint64 { return v.addr }

// Full reports whether every slot in this version page is taken.
func (v *VersionPage) Full() bool {
	for _, used := range v.slots {
		if !used {
			return false
		}
	}
	return true
}

// Alloc claims the first free slot, returning its offset.
func (v *VersionPage) Alloc() (uint32, bool) {
	for i, used := range v.slots {
		if !used {
			v.slots[i] = true
			return uint32(i), true
		}
	}
	return 0, false
}

// Free releases a previously allocated slot.
func (v *VersionPage) Free(offset uint32) {
	if int(offset) < len(v.slots) {
		v.slots[offset] = false
	}
}

// Enclave is the external enclave-lifecycle collaborator (§6). An
// implementation owns strong references to its EPC pages; Ref values
// handed to an LRU scope never outlive an acquired strong reference
// window.
type Enclave interface {
	// TryAcquire/Release implement Ref for pages directly owned by
	// this enclave (regular enclave pages).
	TryAcquire() bool
	Release()

	ID() uint64
	SecsAddr() uint64

	// IsDeadOrOOM reports whether the enclave has already been marked
	// dead or is undergoing OOM teardown.
	IsDeadOrOOM() bool
	// IsFullyCreated reports whether enclave construction completed;
	// pages of an enclave still under construction are never "young".
	IsFullyCreated() bool
	// MarkOOM atomically sets the OOM flag. Returns true if the
	// enclave was already dead-or-OOM (caller should return early).
	MarkOOM() bool

	// Mappings returns the epoch-tracked list of address-space
	// mappings referencing this enclave (encl_mm_list).
	Mappings() *MappingList

	GetBacking(pageIndex uint32) (Backing, error)
	PutBacking(b Backing, dirty bool)

	// Destroy frees every EPC page still owned by the enclave,
	// including its secrets page and version pages.
	Destroy()

	// DecChild decrements the enclave's EPC child-page count (every
	// regular and version-array page counts as one child) and returns
	// the count after the decrement, mirroring secs_child_cnt. Once
	// this reaches zero the reclaimer tears down the SECS page too
	// (§4.4 "After all pages").
	DecChild() int32

	// SecsPage returns the EPC page descriptor backing this enclave's
	// top-level SECS page, or nil once it has already been freed.
	// Boxed as any because this package cannot import epcpage without
	// an import cycle (epcpage already imports owner for the weak Ref
	// type) — the same trade epcpage.Page.Charge makes for its own
	// back-reference. Callers type-assert to *epcpage.Page.
	SecsPage() any
	// ClearSecsPage nils out the enclave's stored SECS page reference
	// once the reclaimer has freed it.
	ClearSecsPage()

	VersionPages() []*VersionPage
	// AddVersionPage allocates and registers a fresh version page once
	// every existing one is full.
	AddVersionPage() *VersionPage
}

// Virt is the virtualization-owner collaborator (§4.6, §6): a page
// owned by a virtual-machine guest rather than a native enclave.
type Virt interface {
	TryAcquire() bool
	Release()
	// OOM delegates teardown to the virtualization module (virt_oom).
	OOM()
}

// EnclaveOwner marks an EPC page as directly owned by an enclave.
type EnclaveOwner struct{ Encl Enclave }

func (o *EnclaveOwner) TryAcquire() bool { return o.Encl.TryAcquire() }
func (o *EnclaveOwner) Release()         { o.Encl.Release() }

// VAOwner marks an EPC page as a version-array page: enclave-owned,
// with no per-page enclave-page record of its own.
type VAOwner struct {
	Encl Enclave
	VA   *VersionPage
}

func (o *VAOwner) TryAcquire() bool { return o.Encl.TryAcquire() }
func (o *VAOwner) Release()         { o.Encl.Release() }

// VirtOwner marks an EPC page as owned by a virtualization guest.
type VirtOwner struct{ Page Virt }

func (o *VirtOwner) TryAcquire() bool { return o.Page.TryAcquire() }
func (o *VirtOwner) Release()         { o.Page.Release() }
