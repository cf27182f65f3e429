// Package section implements the Section Table: the static array of
// hardware-enumerated EPC sections, each with its own free-list,
// not-yet-sanitized list, free counter, and lock (§3, §4 component 1).
package section

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"epc/pkg/epcpage"
)

const pageSize = 4096

// Section is one hardware-enumerated EPC section. BaseAddr and NPages
// are immutable after NewSection; everything else is guarded by mu,
// the "shortest scope" lock of §5.
type Section struct {
	BaseAddr uint64
	NPages   int

	hostView []byte // the section's contiguous host-addressable view

	mu          sync.Mutex
	freeList    *list.List // of *epcpage.Page, doubly linked
	unsanitized *list.List
	freeCount   int32 // atomic; always equals freeList.Len()

	pages []*epcpage.Page // every page in the section, indexed by offset
}

// NewSection reserves a host-addressable view for npages pages
// starting at baseAddr and places every page on the unsanitized list,
// mirroring boot-time EPC enumeration (§3 lifecycle step 1).
func NewSection(baseAddr uint64, npages int) (*Section, error) {
	view, err := reserveHostView(npages * pageSize)
	if err != nil {
		return nil, fmt.Errorf("section: reserve host view: %w", err)
	}

	s := &Section{
		BaseAddr:    baseAddr,
		NPages:      npages,
		hostView:    view,
		freeList:    list.New(),
		unsanitized: list.New(),
		pages:       make([]*epcpage.Page, npages),
	}

	for i := 0; i < npages; i++ {
		physAddr := baseAddr + uint64(i)*pageSize
		p := epcpage.New(physAddr, -1) // SectionIdx filled in by NewTable
		s.pages[i] = p
		p.Elem = s.unsanitized.PushBack(p)
	}
	return s, nil
}

// Close releases the section's host-addressable view.
func (s *Section) Close() error { return releaseHostView(s.hostView) }

// HostView returns the section's reserved contiguous memory for a
// given page offset, standing in for the hardware-mapped EPC bytes.
func (s *Section) HostView(offset int) []byte {
	return s.hostView[offset*pageSize : (offset+1)*pageSize]
}

// FreeCount returns the current free-page count.
func (s *Section) FreeCount() int { return int(atomic.LoadInt32(&s.freeCount)) }

// PopFree removes and returns a page from the head of the free list,
// or nil if the section has none.
func (s *Section) PopFree() *epcpage.Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.freeList.Front()
	if e == nil {
		return nil
	}
	page := e.Value.(*epcpage.Page)
	s.freeList.Remove(e)
	page.Elem = nil
	atomic.AddInt32(&s.freeCount, -1)
	return page
}

// PushFree returns page to the tail of the section's free list (§4.2).
// The caller must have already cleared every reclaim flag.
func (s *Section) PushFree(page *epcpage.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page.Elem = s.freeList.PushBack(page)
	atomic.AddInt32(&s.freeCount, 1)
}

// UnsanitizedLen returns the number of pages still awaiting sanitization.
func (s *Section) UnsanitizedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsanitized.Len()
}

// DrainUnsanitized calls fn for each page on the unsanitized list,
// removing it from that list first. fn returns true if the page was
// successfully sanitized (it is pushed to the free list); false parks
// it back on the tail of the unsanitized list for a later pass.
func (s *Section) DrainUnsanitized(fn func(p *epcpage.Page) bool) {
	s.mu.Lock()
	var batch []*epcpage.Page
	for e := s.unsanitized.Front(); e != nil; {
		next := e.Next()
		page := e.Value.(*epcpage.Page)
		s.unsanitized.Remove(e)
		page.Elem = nil
		batch = append(batch, page)
		e = next
	}
	s.mu.Unlock()

	for _, page := range batch {
		if fn(page) {
			s.PushFree(page)
		} else {
			s.mu.Lock()
			page.Elem = s.unsanitized.PushBack(page)
			s.mu.Unlock()
		}
	}
}

// Table is the process-lifetime Section Table: a fixed, enumeration-
// ordered array of sections. Allocation walks sections in index order
// with no balancing (§4.1 "Tie-breaks").
type Table struct {
	Sections []*Section
}

// NewTable builds a table from a list of (baseAddr, npages) sections
// in enumeration order, and fixes up each page's SectionIdx.
func NewTable(layout []struct {
	BaseAddr uint64
	NPages   int
}) (*Table, error) {
	t := &Table{}
	for i, l := range layout {
		sec, err := NewSection(l.BaseAddr, l.NPages)
		if err != nil {
			for _, prev := range t.Sections {
				prev.Close()
			}
			return nil, err
		}
		for _, p := range sec.pages {
			p.SectionIdx = i
		}
		t.Sections = append(t.Sections, sec)
	}
	return t, nil
}

// TotalFree sums free counters across all sections. Best-effort only
// (§5, §9): never taken under a single cross-section lock.
func (t *Table) TotalFree() int {
	total := 0
	for _, s := range t.Sections {
		total += s.FreeCount()
	}
	return total
}

// PopFree walks sections in index order and pops the first available
// free page (§4.1 step 2).
func (t *Table) PopFree() *epcpage.Page {
	for _, s := range t.Sections {
		if p := s.PopFree(); p != nil {
			return p
		}
	}
	return nil
}

// PushFree returns a page to its owning section's free list.
func (t *Table) PushFree(page *epcpage.Page) {
	t.Sections[page.SectionIdx].PushFree(page)
}

// Close releases every section's host-addressable view.
func (t *Table) Close() error {
	var firstErr error
	for _, s := range t.Sections {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
