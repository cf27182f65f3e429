// Package alloc implements the free-pool allocator: page handout from
// the section table's free lists, falling back to the reclaimer when
// the pool runs dry, and the inverse Free path (§4.1, §4.2).
package alloc

import (
	"context"
	"sync"
	"time"

	"epc/pkg/charge"
	"epc/pkg/epcerr"
	"epc/pkg/epcpage"
	"epc/pkg/lru"
	"epc/pkg/owner"
	"epc/pkg/reclaim"
	"epc/pkg/section"
)

// ReclaimBatch is how many pages a single allocation-triggered
// reclaim pass asks for (§6 tunable, mirrors reclaim.NRToScan).
const ReclaimBatch = 16

// MaxReclaimAttempts bounds how many reclaim passes a single Alloc
// call will drive before giving up with ErrOutOfMemory (§4.2 "bounded
// retry, never spin forever").
const MaxReclaimAttempts = 8

// Waker is the swap thread's wake-up seam: Alloc calls Wake once the
// free pool drops below LowWatermark after a successful hand-out
// (§4.1 step 5), the way the background thread itself would be kicked
// off its condition variable.
type Waker interface {
	Wake()
}

// Allocator hands out EPC pages from the section table's free lists,
// driving the reclaimer when the pool is empty.
type Allocator struct {
	Table   *section.Table
	Global  *lru.Scope
	Reclaim *reclaim.Reclaimer

	// Waker and LowWatermark wire the swap thread wake-up of §4.1 step
	// 5. Both are optional; a nil Waker or zero LowWatermark disables
	// the wake entirely.
	Waker        Waker
	LowWatermark int

	mu       sync.Mutex // serializes the reclaim-retry loop itself
	retryGap time.Duration
}

// New builds an Allocator over a section table, the global LRU scope
// new pages are recorded into once handed out, and a Reclaimer to
// drive when the pool is empty.
func New(table *section.Table, global *lru.Scope, rc *reclaim.Reclaimer) *Allocator {
	return &Allocator{Table: table, Global: global, Reclaim: rc, retryGap: time.Millisecond}
}

// Request describes the caller handing out a page (§4.2).
type Request struct {
	Owner  owner.Ref
	Flag   epcpage.Flag
	Charge *charge.Node // nil disables charge-group accounting for this page
	Scope  *lru.Scope   // which LRU scope to record into; nil uses the allocator's Global

	// MayReclaim gates whether Alloc is allowed to block driving the
	// reclaimer when the free pool is empty. false surfaces
	// epcerr.ErrBusy instead of blocking (§4.1 step 3, "cannot reclaim
	// while caller holds conflicting locks").
	MayReclaim bool
	IgnoreAge  bool
}

// Alloc removes one free page from the section table, charges it
// against Charge (if set), records it into the requested LRU scope,
// and marks it in-use. If the free pool is empty it drives the
// reclaimer for up to MaxReclaimAttempts passes before returning
// epcerr.ErrOutOfMemory.
func (a *Allocator) Alloc(ctx context.Context, req Request) (*epcpage.Page, error) {
	if req.Charge != nil && !req.Charge.TryCharge(pageSize) {
		return nil, epcerr.ErrOutOfMemory
	}

	page, err := a.takeFree(ctx, req.Scope, req.MayReclaim, req.IgnoreAge)
	if err != nil {
		if req.Charge != nil {
			req.Charge.Uncharge(pageSize)
		}
		return nil, err
	}

	if !page.MarkInUse() {
		// The free list should never hand out an in-use page; this
		// would indicate a double-allocate bug upstream.
		if req.Charge != nil {
			req.Charge.Uncharge(pageSize)
		}
		a.Table.PushFree(page)
		return nil, epcerr.ErrInconsistent
	}

	page.Owner = req.Owner
	if req.Charge != nil {
		page.Charge = req.Charge
	}

	scope := req.Scope
	if scope == nil {
		scope = a.Global
	}
	scope.Record(page, req.Flag)

	if a.Waker != nil && a.LowWatermark > 0 && a.Table.TotalFree() < a.LowWatermark {
		a.Waker.Wake()
	}

	return page, nil
}

const pageSize = 4096

// takeFree pops a page from the section table's free lists, driving
// the reclaimer in ReclaimBatch-sized passes when the pool runs dry.
// On a total miss it follows the §4.1 step 3 precedence exactly:
// OutOfMemory (nothing anywhere is reclaimable) beats Busy (the caller
// passed mayReclaim=false) beats Interrupted (cancellation pending)
// beats actually driving the reclaimer.
func (a *Allocator) takeFree(ctx context.Context, scope *lru.Scope, mayReclaim, ignoreAge bool) (*epcpage.Page, error) {
	if page := a.Table.PopFree(); page != nil {
		return page, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Re-check: another goroutine may have already reclaimed while we
	// waited for the lock.
	if page := a.Table.PopFree(); page != nil {
		return page, nil
	}

	for attempt := 0; attempt < MaxReclaimAttempts; attempt++ {
		if !a.Reclaim.HasReclaimable(scope) {
			return nil, epcerr.ErrOutOfMemory
		}
		if !mayReclaim {
			return nil, epcerr.ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, epcerr.ErrInterrupted
		default:
		}

		reclaimed, err := a.Reclaim.Run(ctx, ReclaimBatch, ignoreAge, scope)
		if err != nil {
			return nil, err
		}
		if page := a.Table.PopFree(); page != nil {
			return page, nil
		}
		if reclaimed == 0 {
			// Nothing left to isolate this pass; a short pause before
			// retrying gives young pages a chance to age out and
			// avoids a hot spin against a genuinely full pool.
			select {
			case <-ctx.Done():
				return nil, epcerr.ErrInterrupted
			case <-time.After(a.retryGap):
			}
		}
	}
	return nil, epcerr.ErrOutOfMemory
}

// Free returns a page directly to its section's free pool without
// going through the reclaimer — the path used when an owner tears
// down a live page voluntarily (not via eviction), e.g. enclave
// destruction (§4.1 "Free").
func (a *Allocator) Free(page *epcpage.Page) error {
	if page.Charge != nil {
		if cn, ok := page.Charge.(*charge.Node); ok {
			cn.Uncharge(pageSize)
		}
		page.Charge = nil
	}
	page.Owner = nil
	page.ClearFlags(epcpage.FlagEnclave | epcpage.FlagVersionArray |
		epcpage.FlagReclaimable | epcpage.FlagReclaimInProgress)
	if !page.MarkFree() {
		return epcerr.ErrInconsistent
	}
	a.Table.PushFree(page)
	return nil
}
