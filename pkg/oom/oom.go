// Package oom implements last-resort victim selection when the
// allocator cannot make forward progress: picking an unreclaimable
// page's owning enclave to kill and reclaiming the whole enclave's
// footprint in one pass (§4.6), the EPC analogue of a deadlock
// detector picking a victim transaction (mvcc.DeadlockDetector).
package oom

import (
	"context"

	"epc/pkg/epclog"
	"epc/pkg/epcpage"
	"epc/pkg/lru"
	"epc/pkg/owner"
	"epc/pkg/section"
)

// Killer selects and kills OOM victims.
type Killer struct {
	Table  *section.Table
	Global *lru.Scope
	Log    *epclog.Limiter
}

// New builds a Killer over the given section table and global LRU scope.
func New(table *section.Table, global *lru.Scope, log *epclog.Limiter) *Killer {
	return &Killer{Table: table, Global: global, Log: log}
}

// SelectVictim peeks the head of the unreclaimable list and returns
// its owning enclave, mirroring DetectAndSelectVictim's cycle walk:
// EPC has no meaningful "youngest" ordering on unreclaimable pages the
// way a wait-for graph has start timestamps, so the first candidate is
// as good as any (§4.6 "any page works; the enclave is the unit of
// death"). The page itself is left in place — KillEnclave performs the
// actual teardown of every page the victim owns, not just this one.
// Returns nil if nothing is killable right now, or if the head page is
// virt-owned (use SelectVirtVictim for that path).
func (k *Killer) SelectVictim() owner.Enclave {
	page := k.Global.PeekFirstUnreclaimable()
	if page == nil {
		return nil
	}

	switch o := page.Owner.(type) {
	case *owner.EnclaveOwner:
		return o.Encl
	case *owner.VAOwner:
		return o.Encl
	default:
		return nil
	}
}

// SelectVirtVictim peeks the head of the unreclaimable list for a
// virtualization-owned page and returns its owner. Virt-owned pages
// delegate teardown to the guest (virt_oom, §4.6) rather than the
// enclave kill path, since a Virt has no Mappings/Destroy/SecsAddr of
// its own.
func (k *Killer) SelectVirtVictim() owner.Virt {
	page := k.Global.PeekFirstUnreclaimable()
	if page == nil {
		return nil
	}
	if o, ok := page.Owner.(*owner.VirtOwner); ok {
		return o.Page
	}
	return nil
}

// KillEnclave marks encl dead/OOM so every in-flight and future
// operation against it fails fast, zaps every mapping's PTEs over the
// enclave's address range (§4.6 step 2), then reclaims every one of
// its pages back to the free pool without running the writeback
// protocol (a dead enclave's contents are defined to be discarded,
// §4.6 "kill_enclave"). Returns the number of pages reclaimed.
func (k *Killer) KillEnclave(ctx context.Context, encl owner.Enclave) (int, error) {
	if encl.MarkOOM() {
		// Already dead/OOM; another path is tearing it down.
		return 0, nil
	}

	encl.Mappings().WalkStable(func(mappings []*owner.Mapping) {
		for _, m := range mappings {
			m.ZapRange(m.Start, m.End)
		}
	})

	n := k.zapAll(encl)
	encl.Destroy()
	return n, nil
}

// KillVirt calls victim.OOM() to hand teardown to the virtualization
// module, then force-reclaims every page still owned by victim that
// the guest teardown left behind (§4.6 "virt_oom"). Returns the number
// of pages reclaimed.
func (k *Killer) KillVirt(ctx context.Context, victim owner.Virt) int {
	victim.OOM()

	n := 0
	skipped := make(map[*epcpage.Page]bool)
	for {
		page := k.Global.FindOwner(func(o owner.Ref) bool {
			vo, ok := o.(*owner.VirtOwner)
			return ok && vo.Page == victim
		}, skipped)
		if page == nil {
			return n
		}
		if err := k.forceFree(page); err != nil {
			skipped[page] = true
			continue
		}
		n++
	}
}

// zapAll force-reclaims every EPC page owned by encl directly from
// the global scope, bypassing Isolate's age check and the writeback
// protocol entirely — epc_oom_zap (§4.6).
func (k *Killer) zapAll(encl owner.Enclave) int {
	n := 0
	skipped := make(map[*epcpage.Page]bool)
	for {
		page := k.findOwnedBy(encl, skipped)
		if page == nil {
			return n
		}
		if err := k.forceFree(page); err != nil {
			// Mid-reclaim; the reclaimer will return it to the pool
			// once its own pass completes. Don't spin on it.
			skipped[page] = true
			continue
		}
		n++
	}
}

// findOwnedBy scans the global scope's lists for one page owned by
// encl. A production implementation would index pages per-enclave;
// this mirrors the teacher's preference for a simple linear scan over
// premature indexing structures at this scale (§9 notes the pool size
// is bounded).
func (k *Killer) findOwnedBy(encl owner.Enclave, skip map[*epcpage.Page]bool) *epcpage.Page {
	return k.Global.FindOwner(func(o owner.Ref) bool {
		switch owned := o.(type) {
		case *owner.EnclaveOwner:
			return owned.Encl == encl
		case *owner.VAOwner:
			return owned.Encl == encl
		default:
			return false
		}
	}, skip)
}

// forceFree yanks page out of whichever list holds it and returns it
// straight to its section's free pool, with no backing store write.
func (k *Killer) forceFree(page *epcpage.Page) error {
	if err := k.Global.Drop(page); err != nil {
		return err
	}
	page.ClearFlags(epcpage.FlagEnclave | epcpage.FlagVersionArray |
		epcpage.FlagReclaimable | epcpage.FlagReclaimInProgress)
	page.Owner = nil
	page.Charge = nil
	page.MarkFree()
	k.Table.PushFree(page)
	return nil
}
