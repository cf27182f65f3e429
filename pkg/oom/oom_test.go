package oom

import (
	"context"
	"testing"

	"epc/pkg/epclog"
	"epc/pkg/epcpage"
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

func TestSelectVictimPicksUnreclaimablePage(t *testing.T) {
	table := newTestTable(t, 2)
	global := lru.NewScope()
	log := epclog.NewLimiter(nil, 100, 0)
	k := New(table, global, log)

	encl := owner.NewFakeEnclave(1, 0x200000)
	p := table.PopFree()
	p.MarkInUse()
	p.Owner = &owner.EnclaveOwner{Encl: encl}
	global.Record(p, epcpage.FlagEnclave) // unreclaimable

	victim := k.SelectVictim()
	if victim != encl {
		t.Fatalf("expected to select the owning enclave, got %+v", victim)
	}
}

func TestSelectVictimNilWhenNothingUnreclaimable(t *testing.T) {
	table := newTestTable(t, 1)
	global := lru.NewScope()
	log := epclog.NewLimiter(nil, 100, 0)
	k := New(table, global, log)

	if v := k.SelectVictim(); v != nil {
		t.Fatalf("expected no victim, got %+v", v)
	}
}

func TestKillEnclaveZapsEveryPageWithoutWriteback(t *testing.T) {
	table := newTestTable(t, 3)
	global := lru.NewScope()
	log := epclog.NewLimiter(nil, 100, 0)
	k := New(table, global, log)

	encl := owner.NewFakeEnclave(1, 0x200000)
	var pages []*epcpage.Page
	for i := 0; i < 2; i++ {
		p := table.PopFree()
		p.MarkInUse()
		p.Owner = &owner.EnclaveOwner{Encl: encl}
		global.Record(p, epcpage.FlagEnclave)
		pages = append(pages, p)
	}

	n, err := k.KillEnclave(context.Background(), encl)
	if err != nil {
		t.Fatalf("KillEnclave: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pages reclaimed, got %d", n)
	}
	if got := table.TotalFree(); got != 3 {
		t.Fatalf("expected all 3 pages free after kill, got %d", got)
	}
	for _, p := range pages {
		if p.InUse() {
			t.Fatal("expected every victim page marked free")
		}
	}
	if !encl.Destroyed() {
		t.Fatal("expected the enclave marked destroyed")
	}
}

func TestSelectAndKillVirtVictim(t *testing.T) {
	table := newTestTable(t, 2)
	global := lru.NewScope()
	log := epclog.NewLimiter(nil, 100, 0)
	k := New(table, global, log)

	virt := owner.NewFakeVirt()
	for i := 0; i < 2; i++ {
		p := table.PopFree()
		p.MarkInUse()
		p.Owner = &owner.VirtOwner{Page: virt}
		global.Record(p, epcpage.FlagEnclave) // unreclaimable
	}

	if k.SelectVictim() != nil {
		t.Fatal("expected SelectVictim to ignore a virt-owned head page")
	}
	v := k.SelectVirtVictim()
	if v != virt {
		t.Fatalf("expected to select the virt owner, got %+v", v)
	}

	n := k.KillVirt(context.Background(), v)
	if n != 2 {
		t.Fatalf("expected 2 pages reclaimed, got %d", n)
	}
	if virt.OOMCalls != 1 {
		t.Fatalf("expected OOM() called once on the guest, got %d", virt.OOMCalls)
	}
	if table.TotalFree() != 2 {
		t.Fatalf("expected both pages back in the free pool, got %d", table.TotalFree())
	}
}

// TestKillEnclaveZapsMappings covers S5's PTE-teardown step: every
// mapping registered against the victim enclave must be zapped before
// its pages are reclaimed.
func TestKillEnclaveZapsMappings(t *testing.T) {
	table := newTestTable(t, 1)
	global := lru.NewScope()
	log := epclog.NewLimiter(nil, 100, 0)
	k := New(table, global, log)

	encl := owner.NewFakeEnclave(1, 0x200000)
	m := encl.Mappings().Add(0x400000, 0x401000, []int{0, 1})

	p := table.PopFree()
	p.MarkInUse()
	p.Owner = &owner.EnclaveOwner{Encl: encl}
	global.Record(p, epcpage.FlagEnclave)

	if _, err := k.KillEnclave(context.Background(), encl); err != nil {
		t.Fatalf("KillEnclave: %v", err)
	}
	if !m.Zapped() {
		t.Fatal("expected the enclave's mapping zapped during kill")
	}
}

func TestKillEnclaveIsIdempotent(t *testing.T) {
	table := newTestTable(t, 1)
	global := lru.NewScope()
	log := epclog.NewLimiter(nil, 100, 0)
	k := New(table, global, log)

	encl := owner.NewFakeEnclave(1, 0x200000)
	n1, err := k.KillEnclave(context.Background(), encl)
	if err != nil {
		t.Fatalf("first KillEnclave: %v", err)
	}
	if n1 != 0 {
		t.Fatalf("expected 0 pages on an already-empty enclave, got %d", n1)
	}

	n2, err := k.KillEnclave(context.Background(), encl)
	if err != nil {
		t.Fatalf("second KillEnclave: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected a second kill on an already-dead enclave to no-op, got %d", n2)
	}
}
