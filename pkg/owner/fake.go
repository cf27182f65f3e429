package owner

import "sync"

// FakeEnclave is a deterministic in-memory stand-in for the external
// enclave module, used by pkg/reclaim and pkg/oom tests the way
// pkg/pager's tests use MemoryStorage instead of a real mmap-backed
// file.
type FakeEnclave struct {
	mu sync.Mutex

	id         uint64
	secsAddr   uint64
	refs       int
	deadOrOOM  bool
	fullyBuilt bool
	destroyed  bool

	mappings     *MappingList
	versionPages []*VersionPage
	nextVAAddr   uint64

	// BackingErr, if set, makes GetBacking fail for the named page.
	BackingErr map[uint32]error

	childCount int32
	secsPage   any
}

// NewFakeEnclave creates a fully-built enclave with a single initial
// reference (the caller's) and one empty version page.
func NewFakeEnclave(id, secsAddr uint64) *FakeEnclave {
	e := &FakeEnclave{
		id:         id,
		secsAddr:   secsAddr,
		refs:       1,
		fullyBuilt: true,
		mappings:   NewMappingList(),
		nextVAAddr: secsAddr + 0x1000,
		BackingErr: make(map[uint32]error),
	}
	e.versionPages = append(e.versionPages, NewVersionPage(e.nextVAAddr, 8))
	e.nextVAAddr += 0x1000
	return e
}

func (e *FakeEnclave) TryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return false
	}
	e.refs++
	return true
}

func (e *FakeEnclave) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs > 0 {
		e.refs--
	}
}

func (e *FakeEnclave) RefCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

func (e *FakeEnclave) ID() uint64       { return e.id }
func (e *FakeEnclave) SecsAddr() uint64 { return e.secsAddr }

func (e *FakeEnclave) IsDeadOrOOM() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadOrOOM
}

func (e *FakeEnclave) IsFullyCreated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fullyBuilt
}

func (e *FakeEnclave) MarkOOM() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deadOrOOM {
		return true
	}
	e.deadOrOOM = true
	return false
}

func (e *FakeEnclave) SetFullyCreated(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fullyBuilt = v
}

func (e *FakeEnclave) Mappings() *MappingList { return e.mappings }

func (e *FakeEnclave) GetBacking(pageIndex uint32) (Backing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.BackingErr[pageIndex]; ok {
		return Backing{}, err
	}
	return Backing{Pages: [][]byte{make([]byte, 4096)}}, nil
}

func (e *FakeEnclave) PutBacking(b Backing, dirty bool) {}

func (e *FakeEnclave) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	e.deadOrOOM = true
}

func (e *FakeEnclave) Destroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *FakeEnclave) DecChild() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.childCount--
	return e.childCount
}

func (e *FakeEnclave) SetChildCount(n int32) { e.childCount = n }

// SecsPage and ClearSecsPage implement the owner.Enclave SECS-page
// seam; SetSecsPage lets a test inject the *epcpage.Page standing in
// for this enclave's SECS page without owner importing epcpage.
func (e *FakeEnclave) SecsPage() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.secsPage
}

func (e *FakeEnclave) ClearSecsPage() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.secsPage = nil
}

func (e *FakeEnclave) SetSecsPage(p any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.secsPage = p
}

func (e *FakeEnclave) VersionPages() []*VersionPage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*VersionPage(nil), e.versionPages...)
}

func (e *FakeEnclave) AddVersionPage() *VersionPage {
	e.mu.Lock()
	defer e.mu.Unlock()
	vp := NewVersionPage(e.nextVAAddr, 8)
	e.nextVAAddr += 0x1000
	e.versionPages = append(e.versionPages, vp)
	return vp
}

// FakeVirt is a deterministic stand-in for a virtualization owner.
type FakeVirt struct {
	mu       sync.Mutex
	refs     int
	OOMCalls int
}

// NewFakeVirt returns a virt owner with one initial reference.
func NewFakeVirt() *FakeVirt { return &FakeVirt{refs: 1} }

func (v *FakeVirt) TryAcquire() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refs <= 0 {
		return false
	}
	v.refs++
	return true
}

func (v *FakeVirt) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refs > 0 {
		v.refs--
	}
}

func (v *FakeVirt) OOM() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.OOMCalls++
	v.refs = 0
}
