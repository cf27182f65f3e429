// Package reclaim implements the EPC reclaimer: the three-phase
// writeback protocol (age, block, track-and-write) that cooperates
// with the multi-CPU hardware tracking epoch described in §4.4.
package reclaim

import (
	"context"
	"fmt"
	"runtime"

	"epc/pkg/charge"
	"epc/pkg/epclog"
	"epc/pkg/epcpage"
	"epc/pkg/hw"
	"epc/pkg/lru"
	"epc/pkg/owner"
	"epc/pkg/section"
)

// MaxNRToReclaim bounds a single Run call (§4.4, §6 tunable).
const MaxNRToReclaim = 32

// NRToScan is the fixed per-wake reclaim batch the background swap
// thread requests (§4.5, §6 tunable SGX_NR_TO_SCAN).
const NRToScan = 16

const pageSize = 4096

// Reclaimer scans LRU scopes and runs the writeback protocol.
type Reclaimer struct {
	Table  *section.Table
	Global *lru.Scope
	// ChargeRoot, if non-nil, is walked for additional isolate
	// candidates after the global scope is drained, per §4.7.
	ChargeRoot *charge.Node

	HW  hw.Primitives
	IPI hw.IPI
	Log *epclog.Limiter
}

// New builds a Reclaimer over the given section table, global LRU
// scope, and hardware backend.
func New(table *section.Table, global *lru.Scope, prims hw.Primitives, ipi hw.IPI, log *epclog.Limiter) *Reclaimer {
	return &Reclaimer{Table: table, Global: global, HW: prims, IPI: ipi, Log: log}
}

type candidate struct {
	page    *epcpage.Page
	origin  *lru.Scope
	backing owner.Backing
}

// Run scans at most n (capped to MaxNRToReclaim) pages, starting from
// the global scope and, when scope names a charge-group scope other
// than Global, continuing into that scope. Returns the number of
// pages successfully written back and returned to their section's
// free list.
func (r *Reclaimer) Run(ctx context.Context, n int, ignoreAge bool, scope *lru.Scope) (int, error) {
	if n > MaxNRToReclaim {
		n = MaxNRToReclaim
	}
	if n <= 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	isolated := r.isolate(n, scope)
	if len(isolated) == 0 {
		return 0, nil
	}

	phaseA := r.phaseAge(isolated, ignoreAge)
	phaseB := r.phaseBlock(phaseA)
	written := r.phaseTrackAndWrite(phaseB)

	for _, c := range written {
		r.settle(c)
	}

	runtime.Gosched()
	return len(written), nil
}

// isolate drains the global scope first (and, for the global case,
// then walks the charge-group overlay's per-node scopes), otherwise
// falls back to the requested scope once the global scope is dry —
// matching "global scope first if scope is unspecified, then the
// requested scope" (§4.4).
func (r *Reclaimer) isolate(want int, scope *lru.Scope) []candidate {
	var out []candidate

	take := func(s *lru.Scope) {
		if want <= 0 {
			return
		}
		for _, p := range s.Isolate(want) {
			out = append(out, candidate{page: p, origin: s})
			want--
		}
	}

	take(r.Global)
	if want > 0 && r.ChargeRoot != nil {
		var walk func(n *charge.Node)
		walk = func(n *charge.Node) {
			if want <= 0 {
				return
			}
			take(n.Scope())
			for _, c := range n.Children() {
				walk(c)
			}
		}
		for _, c := range r.ChargeRoot.Children() {
			walk(c)
		}
	}
	if want > 0 && scope != nil && scope != r.Global {
		take(scope)
	}
	return out
}

// HasReclaimable reports whether any scope this Reclaimer would draw
// from for scope (global, the charge-group overlay, and scope itself)
// currently holds a reclaimable candidate (§4.1 step 3, "no LRU scope
// has reclaimable candidates").
func (r *Reclaimer) HasReclaimable(scope *lru.Scope) bool {
	if r.Global.HasReclaimable() {
		return true
	}
	if r.ChargeRoot != nil {
		var walk func(n *charge.Node) bool
		walk = func(n *charge.Node) bool {
			if n.Scope().HasReclaimable() {
				return true
			}
			for _, c := range n.Children() {
				if walk(c) {
					return true
				}
			}
			return false
		}
		for _, c := range r.ChargeRoot.Children() {
			if walk(c) {
				return true
			}
		}
	}
	if scope != nil && scope != r.Global && scope.HasReclaimable() {
		return true
	}
	return false
}

func enclaveOf(page *epcpage.Page) owner.Enclave {
	switch o := page.Owner.(type) {
	case *owner.EnclaveOwner:
		return o.Encl
	case *owner.VAOwner:
		return o.Encl
	default:
		return nil
	}
}

func (r *Reclaimer) returnToLRU(c candidate) {
	c.origin.MoveToTail(c.page)
	if c.page.Owner != nil {
		c.page.Owner.Release()
	}
}

// phaseAge implements §4.4 Phase A: young-page skip and backing
// acquisition. Survivors keep the RECLAIM_IN_PROGRESS flag Isolate
// set; no enclave-side "reclaimed" marker is set on them.
func (r *Reclaimer) phaseAge(isolated []candidate, ignoreAge bool) []candidate {
	var survivors []candidate
	for _, c := range isolated {
		if !ignoreAge && isYoung(c.page) {
			r.returnToLRU(c)
			continue
		}

		encl := enclaveOf(c.page)
		if encl != nil {
			backing, err := encl.GetBacking(pageIndexOf(c.page))
			if err != nil {
				r.returnToLRU(c)
				continue
			}
			c.backing = backing
		}
		survivors = append(survivors, c)
	}
	return survivors
}

func isYoung(page *epcpage.Page) bool {
	encl := enclaveOf(page)
	if encl == nil {
		return false
	}
	if encl.IsDeadOrOOM() || !encl.IsFullyCreated() {
		return false
	}
	young := false
	encl.Mappings().WalkStable(func(mappings []*owner.Mapping) {
		y := false
		for _, m := range mappings {
			if m.TestAndClearYoung(page.PhysAddr) {
				y = true
			}
		}
		young = y
	})
	return young
}

func pageIndexOf(page *epcpage.Page) uint32 {
	return uint32((page.PhysAddr / pageSize) & 0xffffffff)
}

// phaseBlock implements §4.4 Phase B: mapping teardown plus the
// hardware BLOCK primitive, skippable only for a fully dead enclave.
func (r *Reclaimer) phaseBlock(candidates []candidate) []candidate {
	var survivors []candidate
	for _, c := range candidates {
		encl := enclaveOf(c.page)
		if encl != nil {
			encl.Mappings().WalkStable(func(mappings []*owner.Mapping) {
				for _, m := range mappings {
					if m.Covers(c.page.PhysAddr) {
						m.ZapRange(c.page.PhysAddr, c.page.PhysAddr+pageSize)
					}
				}
			})

			if !encl.IsDeadOrOOM() {
				if err := r.HW.Block(c.page.PhysAddr); err != nil {
					r.Log.Warn("epc: block failed, abandoning page this pass",
						"phys_addr", c.page.PhysAddr, "err", err)
					r.returnToLRU(c)
					continue
				}
			}
		}
		survivors = append(survivors, c)
	}
	return survivors
}

// phaseTrackAndWrite implements §4.4 Phase C: version-array slot
// allocation, WRITEBACK, and the bounded NOT_TRACKED retry escalation
// to TRACK then an IPI broadcast.
func (r *Reclaimer) phaseTrackAndWrite(candidates []candidate) []candidate {
	var written []candidate
	for _, c := range candidates {
		encl := enclaveOf(c.page)

		var vaPage *owner.VersionPage
		var slot uint32
		var info hw.PageInfo
		if encl != nil {
			var ok bool
			vaPage, slot, ok = allocVASlot(encl)
			if !ok {
				r.Log.Warn("epc: no free version-array slot, abandoning page this pass",
					"phys_addr", c.page.PhysAddr)
				r.returnToLRU(c)
				continue
			}
			info = hw.PageInfo{EPCAddr: c.page.PhysAddr, VAAddr: vaPage.Addr(), VASlot: slot, SECSAddr: encl.SecsAddr()}
		} else {
			info = hw.PageInfo{EPCAddr: c.page.PhysAddr}
		}

		backingBytes := []byte(nil)
		if len(c.backing.Pages) > 0 {
			backingBytes = c.backing.Pages[0]
		}

		result := r.HW.Writeback(info, backingBytes)
		if result == hw.WritebackNotTracked {
			result = r.writebackRetry(encl, info, backingBytes)
		}

		if result != hw.WritebackOK {
			if vaPage != nil {
				vaPage.Free(slot)
			}
			r.Log.Warn("epc: writeback failed, page remains resident this pass",
				"phys_addr", c.page.PhysAddr, "result", fmt.Sprint(result))
			r.returnToLRU(c)
			continue
		}

		if encl != nil {
			encl.PutBacking(c.backing, true)
			c.page.VAPage = vaPage
			c.page.VASlot = slot
			if encl.DecChild() == 0 {
				r.finalizeSecs(encl)
			}
		}
		written = append(written, c)
	}
	return written
}

// writebackRetry runs the §4.4 Phase C step 3-4 NOT_TRACKED escalation
// ladder (TRACK, then an IPI broadcast, each followed by one more
// WRITEBACK attempt) for a page whose first WRITEBACK came back
// NOT_TRACKED. encl may be nil (a virtualization-owned page has no
// secrets page to TRACK against), in which case NOT_TRACKED is
// terminal.
func (r *Reclaimer) writebackRetry(encl owner.Enclave, info hw.PageInfo, backing []byte) hw.WritebackResult {
	if encl == nil {
		return hw.WritebackNotTracked
	}

	r.HW.Track(encl.SecsAddr())
	result := r.HW.Writeback(info, backing)
	if result != hw.WritebackNotTracked {
		return result
	}

	snap, _ := encl.Mappings().Snapshot()
	r.IPI.IPIOn(owner.CPUUnion(snap))
	return r.HW.Writeback(info, backing)
}

// secsBackingIndex is the backing-store slot reserved for an
// enclave's SECS page — one past every data page index, mirroring
// sgx_encl_get_backing(encl, PFN_DOWN(encl->size), ...) in the
// original driver. The external backing provider behind Enclave
// decides what this index actually means; the reclaimer only needs a
// value distinct from any real data-page index.
const secsBackingIndex = ^uint32(0)

// finalizeSecs implements §4.4 "After all pages": once an enclave's
// last child page has been written back (DecChild reaches zero), its
// SECS page is torn down too — REMOVE-and-free if the enclave is
// fully dead, WRITEBACK-and-free if not dead but initialized, left
// resident otherwise (sgx_reclaimer_write's "if (!secs_child_cnt)"
// block).
func (r *Reclaimer) finalizeSecs(encl owner.Enclave) {
	secsAny := encl.SecsPage()
	if secsAny == nil {
		return
	}
	secs, ok := secsAny.(*epcpage.Page)
	if !ok || secs == nil {
		return
	}

	if encl.IsDeadOrOOM() {
		if err := r.HW.Remove(secs.PhysAddr); err != nil {
			r.Log.Warn("epc: secs page REMOVE failed", "phys_addr", secs.PhysAddr, "err", err)
		}
		r.freeSecs(encl, secs)
		return
	}

	if !encl.IsFullyCreated() {
		return
	}

	backing, err := encl.GetBacking(secsBackingIndex)
	if err != nil {
		r.Log.Warn("epc: secs page backing unavailable, leaving resident", "phys_addr", secs.PhysAddr, "err", err)
		return
	}

	vaPage, slot, ok := allocVASlot(encl)
	if !ok {
		r.Log.Warn("epc: no free version-array slot for secs page, leaving resident", "phys_addr", secs.PhysAddr)
		encl.PutBacking(backing, false)
		return
	}

	info := hw.PageInfo{EPCAddr: secs.PhysAddr, VAAddr: vaPage.Addr(), VASlot: slot, SECSAddr: encl.SecsAddr()}
	backingBytes := []byte(nil)
	if len(backing.Pages) > 0 {
		backingBytes = backing.Pages[0]
	}

	result := r.HW.Writeback(info, backingBytes)
	if result == hw.WritebackNotTracked {
		result = r.writebackRetry(encl, info, backingBytes)
	}
	if result != hw.WritebackOK {
		vaPage.Free(slot)
		r.Log.Warn("epc: secs page writeback failed, leaving resident",
			"phys_addr", secs.PhysAddr, "result", fmt.Sprint(result))
		encl.PutBacking(backing, false)
		return
	}

	encl.PutBacking(backing, true)
	secs.VAPage = vaPage
	secs.VASlot = slot
	r.freeSecs(encl, secs)
}

// freeSecs clears every flag on the SECS page descriptor, returns it
// to its section's free list, and nils out the enclave's reference to
// it.
func (r *Reclaimer) freeSecs(encl owner.Enclave, secs *epcpage.Page) {
	secs.ClearFlags(epcpage.FlagEnclave | epcpage.FlagVersionArray |
		epcpage.FlagReclaimable | epcpage.FlagReclaimInProgress)
	secs.Owner = nil
	secs.MarkFree()
	r.Table.PushFree(secs)
	encl.ClearSecsPage()
}

func allocVASlot(encl owner.Enclave) (*owner.VersionPage, uint32, bool) {
	for _, vp := range encl.VersionPages() {
		if !vp.Full() {
			if slot, ok := vp.Alloc(); ok {
				return vp, slot, true
			}
		}
	}
	vp := encl.AddVersionPage()
	if slot, ok := vp.Alloc(); ok {
		return vp, slot, true
	}
	return nil, 0, false
}

// settle returns a successfully written-back page to its section's
// free list, clearing every reclaim flag and releasing the owner
// strong reference and charge-group accounting (§4.4 "After all
// pages").
func (r *Reclaimer) settle(c candidate) {
	page := c.page
	page.ClearFlags(epcpage.FlagEnclave | epcpage.FlagVersionArray |
		epcpage.FlagReclaimable | epcpage.FlagReclaimInProgress)

	if page.Charge != nil {
		if cn, ok := page.Charge.(*charge.Node); ok {
			cn.Uncharge(pageSize)
		}
		page.Charge = nil
	}

	if page.Owner != nil {
		page.Owner.Release()
		page.Owner = nil
	}

	page.MarkFree()
	r.Table.PushFree(page)
}
