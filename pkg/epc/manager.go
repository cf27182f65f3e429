// Package epc is the root of the enclave page cache: it wires the
// section table, LRU engine, reclaimer, sanitizer/swap thread, and
// optional charge-group overlay into one handle, the way
// pkg/turdb.DB wires together a pager, catalog, and transaction
// manager behind a single Open/Close lifecycle (§9 "Global mutable
// state").
package epc

import (
	"context"
	"errors"
	"sync"
	"time"

	"epc/pkg/alloc"
	"epc/pkg/charge"
	"epc/pkg/epclog"
	"epc/pkg/epcpage"
	"epc/pkg/hw"
	"epc/pkg/lru"
	"epc/pkg/oom"
	"epc/pkg/owner"
	"epc/pkg/reclaim"
	"epc/pkg/sanitize"
	"epc/pkg/section"
)

// ErrManagerClosed is returned by operations against a closed Manager.
var ErrManagerClosed = errors.New("epc: manager is closed")

// SectionLayout describes one hardware-enumerated EPC section at boot.
type SectionLayout struct {
	BaseAddr uint64
	NPages   int
}

// Options configures a Manager at Open time.
type Options struct {
	// Sections lists the EPC sections enumerated at boot (§3).
	Sections []SectionLayout

	// HW and IPI are the hardware collaborators the reclaimer and
	// sanitizer drive. Tests pass an *hw.Sim; production code would
	// back these with real ENCLS/IPI calls.
	HW  hw.Primitives
	IPI hw.IPI

	// ChargeGroupLimit enables the charge-group overlay with the given
	// root byte limit when positive (§4.7, a Non-goal-adjacent feature
	// the spec marks optional rather than excluded).
	ChargeGroupLimit int64

	// LogLimit and LogWindow bound the reclaimer/sanitizer's warning
	// rate (§4.4 "rate-limited logging").
	LogLimit  int
	LogWindow time.Duration

	// SwapLow, SwapHigh, and SwapInterval tune the background swap
	// thread (defaults from pkg/sanitize if zero).
	SwapLow      int
	SwapHigh     int
	SwapInterval time.Duration
}

// Manager is the process-lifetime EPC handle: the section table, the
// global LRU scope, the reclaimer, the OOM killer, and (optionally)
// the charge-group root, plus the background swap thread's lifecycle.
type Manager struct {
	mu sync.RWMutex

	table   *section.Table
	global  *lru.Scope
	alloc   *Allocator
	reclaim *reclaim.Reclaimer
	killer  *oom.Killer
	sanitizer *sanitize.Sanitizer
	charge  *charge.Node
	log     *epclog.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// Allocator is re-exported so callers never need to import pkg/alloc
// directly, mirroring how turdb.DB hands back *pager.Pager rather than
// requiring callers to import pkg/pager themselves.
type Allocator = alloc.Allocator

// Open enumerates the given sections, boot-sanitizes them, and starts
// the background swap thread. The returned Manager must be closed
// with Close.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.HW == nil || opts.IPI == nil {
		return nil, errors.New("epc: Options.HW and Options.IPI are required")
	}

	layout := make([]struct {
		BaseAddr uint64
		NPages   int
	}, len(opts.Sections))
	for i, s := range opts.Sections {
		layout[i].BaseAddr = s.BaseAddr
		layout[i].NPages = s.NPages
	}

	table, err := section.NewTable(layout)
	if err != nil {
		return nil, err
	}

	logLimit := opts.LogLimit
	if logLimit == 0 {
		logLimit = 20
	}
	logWindow := opts.LogWindow
	if logWindow == 0 {
		logWindow = time.Second
	}

	m := &Manager{
		table:  table,
		global: lru.NewScope(),
		log:    epclog.NewLimiter(nil, logLimit, logWindow),
	}

	if opts.ChargeGroupLimit > 0 {
		m.charge = charge.NewRoot(opts.ChargeGroupLimit)
	}

	m.reclaim = reclaim.New(table, m.global, opts.HW, opts.IPI, m.log)
	m.reclaim.ChargeRoot = m.charge
	m.alloc = alloc.New(table, m.global, m.reclaim)
	m.killer = oom.New(table, m.global, m.log)
	m.sanitizer = sanitize.New(table, m.reclaim, opts.HW, m.log)
	if opts.SwapLow > 0 {
		m.sanitizer.Low = opts.SwapLow
	}
	if opts.SwapHigh > 0 {
		m.sanitizer.High = opts.SwapHigh
	}
	if opts.SwapInterval > 0 {
		m.sanitizer.Interval = opts.SwapInterval
	}
	m.alloc.Waker = m.sanitizer
	m.alloc.LowWatermark = m.sanitizer.Low

	if err := m.sanitizer.SanitizeBoot(ctx); err != nil {
		table.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sanitizer.Run(runCtx)
	}()

	return m, nil
}

// Alloc hands out one EPC page (§4.2).
func (m *Manager) Alloc(ctx context.Context, req alloc.Request) (*epcpage.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	return m.alloc.Alloc(ctx, req)
}

// Free returns a live page directly to its section's free pool (§4.1).
func (m *Manager) Free(page *epcpage.Page) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	return m.alloc.Free(page)
}

// Reclaim drives one foreground reclaim pass, e.g. in response to
// direct memory pressure rather than the background swap thread
// (§4.4).
func (m *Manager) Reclaim(ctx context.Context, n int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrManagerClosed
	}
	return m.reclaim.Run(ctx, n, false, nil)
}

// KillVictim selects and kills one OOM victim enclave, returning the
// number of pages reclaimed (§4.6). Returns (0, nil) if no victim is
// currently killable.
func (m *Manager) KillVictim(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrManagerClosed
	}
	if victim := m.killer.SelectVictim(); victim != nil {
		return m.killer.KillEnclave(ctx, victim)
	}
	if virt := m.killer.SelectVirtVictim(); virt != nil {
		return m.killer.KillVirt(ctx, virt), nil
	}
	return 0, nil
}

// NewChargeGroup creates a child charge-group node under the root,
// returning an error if the overlay was not enabled at Open (§4.7).
func (m *Manager) NewChargeGroup(limit int64) (*charge.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.charge == nil {
		return nil, errors.New("epc: charge-group overlay not enabled")
	}
	return m.charge.NewChild(limit), nil
}

// ChargeRoot returns the root charge-group node, or nil if the overlay
// was not enabled.
func (m *Manager) ChargeRoot() *charge.Node { return m.charge }

// FreePages reports the process-wide free-page count (best-effort,
// §9).
func (m *Manager) FreePages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.TotalFree()
}

// GlobalScope exposes the global LRU scope for callers (e.g. an
// enclave-lifecycle module outside this package's scope) that need to
// Record/Drop pages directly.
func (m *Manager) GlobalScope() *lru.Scope { return m.global }

// RegisterMapping is a convenience wrapper an enclave-lifecycle module
// would call on mmap/mprotect to register a new address-space mapping
// against an enclave's MappingList (§4.4 Phase B's teardown target).
func RegisterMapping(encl owner.Enclave, start, end uint64, cpus []int) *owner.Mapping {
	return encl.Mappings().Add(start, end, cpus)
}

// Close stops the background swap thread and releases every
// section's host-addressable view.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.closed = true
	m.cancel()
	m.wg.Wait()
	return m.table.Close()
}
