package reclaim

import (
	"context"
	"testing"

	"epc/pkg/epclog"
	"epc/pkg/epcpage"
	"epc/pkg/hw"
	"epc/pkg/lru"
	"epc/pkg/owner"
	"epc/pkg/section"
)

func newTestTable(t *testing.T, npages int) *section.Table {
	t.Helper()
	table, err := section.NewTable([]struct {
		BaseAddr uint64
		NPages   int
	}{{BaseAddr: 0x100000, NPages: npages}})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	t.Cleanup(func() { table.Close() })
	for _, sec := range table.Sections {
		sec.DrainUnsanitized(func(p *epcpage.Page) bool { return true })
	}
	return table
}

func newReclaimer(t *testing.T, table *section.Table, sim *hw.Sim) (*Reclaimer, *lru.Scope) {
	t.Helper()
	global := lru.NewScope()
	log := epclog.NewLimiter(nil, 100, 0)
	return New(table, global, sim, sim, log), global
}

func allocPage(t *testing.T, table *section.Table, global *lru.Scope, encl *owner.FakeEnclave, flag epcpage.Flag) *epcpage.Page {
	t.Helper()
	p := table.PopFree()
	if p == nil {
		t.Fatal("expected a free page")
	}
	if !p.MarkInUse() {
		t.Fatal("expected MarkInUse to succeed")
	}
	p.Owner = &owner.EnclaveOwner{Encl: encl}
	global.Record(p, flag)
	return p
}

func TestRunWritesBackAndFreesPage(t *testing.T) {
	table := newTestTable(t, 4)
	sim := hw.NewSim()
	rc, global := newReclaimer(t, table, sim)

	encl := owner.NewFakeEnclave(1, 0x200000)
	p := allocPage(t, table, global, encl, epcpage.FlagEnclave|epcpage.FlagReclaimable)

	freeBefore := table.TotalFree()
	n, err := rc.Run(context.Background(), 1, true /* ignoreAge */, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 page reclaimed, got %d", n)
	}
	if got := table.TotalFree(); got != freeBefore+1 {
		t.Fatalf("expected the page back on the free list, got free=%d want=%d", got, freeBefore+1)
	}
	if p.InUse() {
		t.Fatal("expected the page marked free after reclaim")
	}
	if len(sim.WritebackCalls) != 1 {
		t.Fatalf("expected exactly one writeback call, got %d", len(sim.WritebackCalls))
	}
}

func TestRunSkipsYoungPageByDefault(t *testing.T) {
	table := newTestTable(t, 2)
	sim := hw.NewSim()
	rc, global := newReclaimer(t, table, sim)

	encl := owner.NewFakeEnclave(1, 0x200000)
	p := allocPage(t, table, global, encl, epcpage.FlagEnclave|epcpage.FlagReclaimable)
	encl.Mappings().Add(0, 1<<40, []int{0}).MarkAccessed(p.PhysAddr)

	n, err := rc.Run(context.Background(), 1, false, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected the young page to be skipped, got n=%d", n)
	}
	if !global.HasReclaimable() {
		t.Fatal("expected the page back on the reclaimable list")
	}
	if len(sim.WritebackCalls) != 0 {
		t.Fatal("did not expect a writeback call for a young page")
	}
}

func TestRunEscalatesThroughNotTracked(t *testing.T) {
	table := newTestTable(t, 2)
	sim := hw.NewSim()
	encl := owner.NewFakeEnclave(1, 0x200000)
	rc, global := newReclaimer(t, table, sim)
	p := allocPage(t, table, global, encl, epcpage.FlagEnclave|epcpage.FlagReclaimable)

	sim.NotTrackedUntilTrack[p.PhysAddr] = true

	n, err := rc.Run(context.Background(), 1, true, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the page to be written back after TRACK, got n=%d", n)
	}
	if len(sim.TrackCalls) != 1 || sim.TrackCalls[0] != encl.SecsAddr() {
		t.Fatalf("expected exactly one Track call against the enclave's secs page, got %v", sim.TrackCalls)
	}
	if len(sim.WritebackCalls) != 2 {
		t.Fatalf("expected a failed writeback then a successful retry, got %d calls", len(sim.WritebackCalls))
	}
}

// alwaysNotTracked is a hardware stub whose Writeback never resolves,
// used to exercise the abandon-after-IPI path of Phase C.
type alwaysNotTracked struct {
	trackCalls []uint64
	ipiCalls   [][]int
}

func (h *alwaysNotTracked) Remove(uint64) error { return nil }
func (h *alwaysNotTracked) Block(uint64) error  { return nil }
func (h *alwaysNotTracked) Track(secsAddr uint64) error {
	h.trackCalls = append(h.trackCalls, secsAddr)
	return nil
}
func (h *alwaysNotTracked) Writeback(hw.PageInfo, []byte) hw.WritebackResult {
	return hw.WritebackNotTracked
}
func (h *alwaysNotTracked) IPIOn(cpus []int) {
	h.ipiCalls = append(h.ipiCalls, append([]int(nil), cpus...))
}

func TestRunAbandonsOnPersistentNotTracked(t *testing.T) {
	table := newTestTable(t, 2)
	backend := &alwaysNotTracked{}
	encl := owner.NewFakeEnclave(1, 0x200000)
	encl.Mappings().Add(0, 1<<40, []int{3, 4})

	global := lru.NewScope()
	log := epclog.NewLimiter(nil, 100, 0)
	rc := New(table, global, backend, backend, log)
	p := allocPage(t, table, global, encl, epcpage.FlagEnclave|epcpage.FlagReclaimable)

	n, err := rc.Run(context.Background(), 1, true, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected the page abandoned this pass, got n=%d", n)
	}
	if len(backend.trackCalls) != 1 {
		t.Fatalf("expected exactly one Track call, got %d", len(backend.trackCalls))
	}
	if len(backend.ipiCalls) != 1 || len(backend.ipiCalls[0]) != 2 {
		t.Fatalf("expected one IPI broadcast to the mapping's 2 CPUs, got %v", backend.ipiCalls)
	}
	if !global.HasReclaimable() {
		t.Fatal("expected the page returned to the reclaimable list after abandonment")
	}
	if p.HasFlag(epcpage.FlagReclaimInProgress) {
		t.Fatal("expected RECLAIM_IN_PROGRESS cleared on abandonment")
	}
}

// TestRunFreesDeadSecsPageOnceLastChildLeaves reproduces the
// secs_child_cnt==0-and-dead branch of sgx_reclaimer_write: once the
// enclave's last child page is written back, a dead enclave's SECS
// page is REMOVE'd and freed directly, with no WRITEBACK and no
// version-array slot spent on it (§4.4 "After all pages").
func TestRunFreesDeadSecsPageOnceLastChildLeaves(t *testing.T) {
	table := newTestTable(t, 3)
	sim := hw.NewSim()
	rc, global := newReclaimer(t, table, sim)

	encl := owner.NewFakeEnclave(1, 0x200000)
	encl.SetChildCount(1)
	secs := table.PopFree()
	if !secs.MarkInUse() {
		t.Fatal("expected MarkInUse on the secs page to succeed")
	}
	encl.SetSecsPage(secs)
	encl.MarkOOM() // marks the enclave dead-or-OOM; first call returns false

	p := allocPage(t, table, global, encl, epcpage.FlagEnclave|epcpage.FlagReclaimable)

	freeBefore := table.TotalFree()
	n, err := rc.Run(context.Background(), 1, true, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 page reclaimed, got %d", n)
	}
	if p.InUse() {
		t.Fatal("expected the child page marked free")
	}
	if got := table.TotalFree(); got != freeBefore+2 {
		t.Fatalf("expected both the child page and the secs page freed, got free=%d want=%d", got, freeBefore+2)
	}
	if secs.InUse() {
		t.Fatal("expected the secs page marked free")
	}
	if encl.SecsPage() != nil {
		t.Fatal("expected the enclave's secs page reference cleared")
	}
	if len(sim.RemoveCalls) != 1 || sim.RemoveCalls[0] != secs.PhysAddr {
		t.Fatalf("expected exactly one REMOVE call against the secs page, got %v", sim.RemoveCalls)
	}
	if len(sim.WritebackCalls) != 1 {
		t.Fatalf("expected only the child page's writeback, no writeback for the dead secs page, got %d calls", len(sim.WritebackCalls))
	}
}

// TestRunWritesBackLiveSecsPageOnceLastChildLeaves covers the
// not-dead-but-initialized branch: the secs page is written back
// (through a freshly allocated version-array slot) rather than
// REMOVE'd, then freed.
func TestRunWritesBackLiveSecsPageOnceLastChildLeaves(t *testing.T) {
	table := newTestTable(t, 3)
	sim := hw.NewSim()
	rc, global := newReclaimer(t, table, sim)

	encl := owner.NewFakeEnclave(1, 0x200000)
	encl.SetChildCount(1)
	secs := table.PopFree()
	if !secs.MarkInUse() {
		t.Fatal("expected MarkInUse on the secs page to succeed")
	}
	encl.SetSecsPage(secs)

	p := allocPage(t, table, global, encl, epcpage.FlagEnclave|epcpage.FlagReclaimable)

	freeBefore := table.TotalFree()
	n, err := rc.Run(context.Background(), 1, true, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 page reclaimed, got %d", n)
	}
	if p.InUse() {
		t.Fatal("expected the child page marked free")
	}
	if got := table.TotalFree(); got != freeBefore+2 {
		t.Fatalf("expected both the child page and the secs page freed, got free=%d want=%d", got, freeBefore+2)
	}
	if secs.InUse() {
		t.Fatal("expected the secs page marked free")
	}
	if encl.SecsPage() != nil {
		t.Fatal("expected the enclave's secs page reference cleared")
	}
	if len(sim.RemoveCalls) != 0 {
		t.Fatalf("expected no REMOVE call for a live secs page, got %v", sim.RemoveCalls)
	}
	if len(sim.WritebackCalls) != 2 {
		t.Fatalf("expected a writeback for the child page and one for the secs page, got %d calls", len(sim.WritebackCalls))
	}
	if secs.VAPage == nil {
		t.Fatal("expected the secs page to carry a version-array back-pointer before being freed")
	}
}

// TestRunLeavesSecsPageResidentWhileNotFullyInitialized covers the
// "neither dead nor initialized" case: an enclave still under
// construction has its last child reclaimed, but the secs page stays
// resident since it is not yet safe to evict (§4.4 "After all pages").
func TestRunLeavesSecsPageResidentWhileNotFullyInitialized(t *testing.T) {
	table := newTestTable(t, 3)
	sim := hw.NewSim()
	rc, global := newReclaimer(t, table, sim)

	encl := owner.NewFakeEnclave(1, 0x200000)
	encl.SetChildCount(1)
	secs := table.PopFree()
	if !secs.MarkInUse() {
		t.Fatal("expected MarkInUse on the secs page to succeed")
	}
	encl.SetSecsPage(secs)
	encl.SetFullyCreated(false)

	p := allocPage(t, table, global, encl, epcpage.FlagEnclave|epcpage.FlagReclaimable)

	freeBefore := table.TotalFree()
	n, err := rc.Run(context.Background(), 1, true, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 page reclaimed, got %d", n)
	}
	if p.InUse() {
		t.Fatal("expected the child page marked free")
	}
	if got := table.TotalFree(); got != freeBefore+1 {
		t.Fatalf("expected only the child page freed, the secs page left resident, got free=%d want=%d", got, freeBefore+1)
	}
	if !secs.InUse() {
		t.Fatal("expected the secs page to remain in use")
	}
	if encl.SecsPage() == nil {
		t.Fatal("expected the enclave to retain its secs page reference")
	}
}

func TestRunDrainsGlobalScopeFirst(t *testing.T) {
	table := newTestTable(t, 3)
	sim := hw.NewSim()
	rc, global := newReclaimer(t, table, sim)
	other := lru.NewScope()
	rc.ChargeRoot = nil

	encl := owner.NewFakeEnclave(1, 0x200000)
	globalPage := allocPage(t, table, global, encl, epcpage.FlagEnclave|epcpage.FlagReclaimable)
	otherPage := allocPage(t, table, other, encl, epcpage.FlagEnclave|epcpage.FlagReclaimable)
	_ = otherPage

	n, err := rc.Run(context.Background(), 1, true, other)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 page reclaimed, got %d", n)
	}
	if globalPage.InUse() {
		t.Fatal("expected the global-scope page to be the one reclaimed first")
	}
	if !other.HasReclaimable() {
		t.Fatal("expected the requested scope's page untouched since the global scope satisfied the request")
	}
}
