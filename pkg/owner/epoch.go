package owner

import (
	"sync"
	"sync/atomic"
)

// Mapping is one address-space mapping (vma/mm) referencing an
// enclave. Each mapping tracks its own per-page accessed bits and the
// CPU set that may currently be executing inside the enclave through
// this mapping.
type Mapping struct {
	ID       uint64
	CPUs     []int
	Start    uint64
	End      uint64
	mu       sync.Mutex
	accessed map[uint64]bool
	zapped   bool
}

// NewMapping creates a mapping covering [start, end) on the given CPUs.
func NewMapping(id uint64, start, end uint64, cpus []int) *Mapping {
	return &Mapping{ID: id, Start: start, End: end, CPUs: cpus, accessed: make(map[uint64]bool)}
}

// MarkAccessed simulates a hardware access setting a page's accessed bit.
func (m *Mapping) MarkAccessed(pageAddr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessed[pageAddr] = true
}

// TestAndClearYoung reads and clears the accessed bit for pageAddr
// under this mapping (encl_test_and_clear_young).
func (m *Mapping) TestAndClearYoung(pageAddr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	young := m.accessed[pageAddr]
	m.accessed[pageAddr] = false
	return young
}

// Covers reports whether addr falls within this mapping's range.
func (m *Mapping) Covers(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// ZapRange tears down the linear mappings covering [start, end) that
// this mapping contributes; idempotent.
func (m *Mapping) ZapRange(start, end uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if start < m.End && end > m.Start {
		m.zapped = true
	}
}

// Zapped reports whether ZapRange has ever torn down part of this mapping.
func (m *Mapping) Zapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zapped
}

// MappingList is the epoch-tracked, sleepable read-side list of
// mappings referencing one enclave (encl_mm_list). It mirrors
// cowbtree.EpochManager's reader/writer discipline: Add/Remove bump a
// monotonic version under an acquire fence; Snapshot hands back a
// stable slice plus the version observed so a walker can retry if the
// list changed mid-walk instead of blocking concurrent mutation.
type MappingList struct {
	mu       sync.RWMutex
	version  uint64
	mappings map[uint64]*Mapping
	nextID   uint64
}

// NewMappingList returns an empty mapping list.
func NewMappingList() *MappingList {
	return &MappingList{mappings: make(map[uint64]*Mapping)}
}

// Add registers a new mapping and advances the version.
func (l *MappingList) Add(start, end uint64, cpus []int) *Mapping {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	m := NewMapping(id, start, end, cpus)
	l.mappings[id] = m
	atomic.AddUint64(&l.version, 1)
	return m
}

// Remove unregisters a mapping and advances the version.
func (l *MappingList) Remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.mappings[id]; ok {
		delete(l.mappings, id)
		atomic.AddUint64(&l.version, 1)
	}
}

// Version returns the current monotonic version (acquire-ordered load).
func (l *MappingList) Version() uint64 {
	return atomic.LoadUint64(&l.version)
}

// Snapshot returns a stable copy of the current mapping set together
// with the version it was taken at. Callers performing a walk that
// must observe a fully consistent list (Phase B's teardown, OOM's zap)
// re-Snapshot and redo the walk whenever Version() has advanced since.
func (l *MappingList) Snapshot() ([]*Mapping, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Mapping, 0, len(l.mappings))
	for _, m := range l.mappings {
		out = append(out, m)
	}
	return out, atomic.LoadUint64(&l.version)
}

// WalkStable runs fn once per stable snapshot of the mapping list,
// retrying the whole walk if the list's version changed while fn ran.
// This is the ABA-free monotonic-version retry pattern spec.md §4.4
// Phase B and §9 require for any mapping-list walk.
func (l *MappingList) WalkStable(fn func(mappings []*Mapping)) {
	for {
		snap, v := l.Snapshot()
		fn(snap)
		if l.Version() == v {
			return
		}
	}
}

// CPUUnion returns the union of CPU sets for every mapping in the
// snapshot, used to build the targeted IPI broadcast of §4.4 Phase C.
func CPUUnion(mappings []*Mapping) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range mappings {
		for _, c := range m.CPUs {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}
