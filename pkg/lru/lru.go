// Package lru implements the EPC LRU engine: a pair of reclaimable/
// unreclaimable lists sharing one lock, built on container/list the
// same way the teacher's cache.QueryCache and pager.Pager track their
// own LRU lists (§4.3).
package lru

import (
	"container/list"
	"sync"

	"epc/pkg/epcerr"
	"epc/pkg/epcpage"
	"epc/pkg/owner"
)

// Scope is one LRU scope: a global scope, or (with the charge-group
// overlay enabled) a per-node scope.
type Scope struct {
	mu            sync.Mutex
	reclaimable   *list.List
	unreclaimable *list.List
}

// NewScope returns an empty LRU scope.
func NewScope() *Scope {
	return &Scope{
		reclaimable:   list.New(),
		unreclaimable: list.New(),
	}
}

// Record inserts page at the tail of the reclaimable or unreclaimable
// list according to flags, asserting the page carries no reclaim
// flags beforehand (§4.3).
func (s *Scope) Record(page *epcpage.Page, flags epcpage.Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page.HasFlag(epcpage.FlagReclaimable) || page.HasFlag(epcpage.FlagReclaimInProgress) {
		panic("lru: Record called on a page that already carries reclaim flags")
	}

	page.SetFlags(flags)
	if flags&epcpage.FlagReclaimable != 0 {
		page.Elem = s.reclaimable.PushBack(page)
	} else {
		page.Elem = s.unreclaimable.PushBack(page)
	}
}

// Drop detaches page from whichever list it is on. Returns
// epcerr.ErrBusy if the page is currently owned by an in-flight
// reclaim (RECLAIM_IN_PROGRESS set) — the reclaimer, not the caller,
// owns it (§4.3, S6).
func (s *Scope) Drop(page *epcpage.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page.HasFlag(epcpage.FlagReclaimable) && page.HasFlag(epcpage.FlagReclaimInProgress) {
		return epcerr.ErrBusy
	}

	if page.HasFlag(epcpage.FlagReclaimable) {
		s.reclaimable.Remove(page.Elem)
	} else {
		s.unreclaimable.Remove(page.Elem)
	}
	page.Elem = nil
	page.ClearFlags(epcpage.FlagReclaimable | epcpage.FlagReclaimInProgress)
	return nil
}

// MoveToTail moves an already-isolated page back onto the tail of the
// reclaimable list (the "return to LRU tail" action used throughout
// §4.4 Phase A) and clears RECLAIM_IN_PROGRESS.
func (s *Scope) MoveToTail(page *epcpage.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page.ClearFlags(epcpage.FlagReclaimInProgress)
	page.Elem = s.reclaimable.PushBack(page)
}

// Isolate moves up to want reclaimable pages from the head of the
// reclaimable list onto dst, marking each RECLAIM_IN_PROGRESS. A
// candidate whose owner can no longer be strong-referenced (the owner
// is disappearing) is instead dropped from the list outright, since it
// will never be written back. Returns the pages actually isolated.
func (s *Scope) Isolate(want int) []*epcpage.Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	var taken []*epcpage.Page
	for len(taken) < want {
		e := s.reclaimable.Front()
		if e == nil {
			break
		}
		page := e.Value.(*epcpage.Page)
		s.reclaimable.Remove(e)

		if page.Owner == nil || !page.Owner.TryAcquire() {
			page.Elem = nil
			page.ClearFlags(epcpage.FlagReclaimable)
			continue
		}

		page.SetFlags(epcpage.FlagReclaimInProgress)
		page.Elem = nil
		taken = append(taken, page)
	}
	return taken
}

// PickOOMVictim scans the unreclaimable list head-to-tail and pops
// the first page whose owner reference can still be acquired (§4.3,
// §4.6). Returns nil if no victim exists.
func (s *Scope) PickOOMVictim() *epcpage.Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := s.unreclaimable.Front(); e != nil; e = e.Next() {
		page := e.Value.(*epcpage.Page)
		if page.Owner != nil && page.Owner.TryAcquire() {
			s.unreclaimable.Remove(e)
			page.Elem = nil
			return page
		}
	}
	return nil
}

// PeekFirstUnreclaimable returns the head of the unreclaimable list
// without removing it or acquiring an owner reference — used by the
// OOM killer to identify which enclave to kill without racing its own
// later full teardown scan (§4.6).
func (s *Scope) PeekFirstUnreclaimable() *epcpage.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.unreclaimable.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*epcpage.Page)
}

// FindOwner scans both lists for the first page whose owner matches
// pred, without removing it — used by the OOM killer to enumerate an
// enclave's pages one at a time ahead of an explicit Drop (§4.6).
func (s *Scope) FindOwner(pred func(owner.Ref) bool, skip map[*epcpage.Page]bool) *epcpage.Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := s.reclaimable.Front(); e != nil; e = e.Next() {
		page := e.Value.(*epcpage.Page)
		if !skip[page] && page.Owner != nil && pred(page.Owner) {
			return page
		}
	}
	for e := s.unreclaimable.Front(); e != nil; e = e.Next() {
		page := e.Value.(*epcpage.Page)
		if !skip[page] && page.Owner != nil && pred(page.Owner) {
			return page
		}
	}
	return nil
}

// HasReclaimable reports whether any page sits on the reclaimable list.
func (s *Scope) HasReclaimable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimable.Len() > 0
}

// ReclaimableLen and UnreclaimableLen expose list sizes for tests and
// watermark bookkeeping.
func (s *Scope) ReclaimableLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimable.Len()
}

func (s *Scope) UnreclaimableLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreclaimable.Len()
}
