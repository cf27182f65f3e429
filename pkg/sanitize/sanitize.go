// Package sanitize runs the background sanitizer/swap thread: the
// boot-time two-pass zero-fill of freshly reserved sections plus the
// steady-state loop that keeps the free pool above a low watermark by
// driving the reclaimer ahead of allocation pressure (§4.5).
package sanitize

import (
	"context"
	"fmt"
	"time"

	"epc/pkg/epclog"
	"epc/pkg/epcpage"
	"epc/pkg/hw"
	"epc/pkg/reclaim"
	"epc/pkg/section"
)

const pageSize = 4096

// DefaultLowWatermark and DefaultHighWatermark bound the steady-state
// swap loop: it wakes, reclaims toward the high watermark whenever free
// pages drop below the low watermark, then sleeps again (§4.5, §6
// tunables). DefaultInterval is the loop's tick period.
const (
	DefaultLowWatermark  = 32
	DefaultHighWatermark = 64
	DefaultInterval      = 50 * time.Millisecond
)

// Sanitizer owns the boot-time sanitize pass and the steady-state
// swap thread.
type Sanitizer struct {
	Table    *section.Table
	Reclaim  *reclaim.Reclaimer
	HW       hw.Primitives
	Log      *epclog.Limiter
	Low      int
	High     int
	Interval time.Duration

	// wake lets Alloc kick the swap thread off its sleep the instant
	// the free pool crosses Low, rather than waiting for the next
	// ticker tick (§4.1 step 5, §4.5 "sleep on a condition variable").
	wake chan struct{}
}

// New builds a Sanitizer with the default watermarks and interval.
func New(table *section.Table, rc *reclaim.Reclaimer, prims hw.Primitives, log *epclog.Limiter) *Sanitizer {
	return &Sanitizer{
		Table: table, Reclaim: rc, HW: prims, Log: log,
		Low: DefaultLowWatermark, High: DefaultHighWatermark, Interval: DefaultInterval,
		wake: make(chan struct{}, 1),
	}
}

// Wake signals the steady-state loop to re-check the watermark
// immediately instead of waiting for the next tick. Non-blocking: a
// pending signal is coalesced with any signal already queued.
func (s *Sanitizer) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SanitizeBoot performs the two-pass boot sanitize (§3 lifecycle step
// 2, §4.5, S1): each pass invokes the hardware REMOVE primitive on
// every page still on a section's unsanitized list. A page REMOVE
// fails for is presumably a parent page whose children still exist
// (§4.5 "PARENT") and is parked by DrainUnsanitized's requeue for a
// second attempt. A page still unsanitized after both passes is a
// fatal inconsistency — by then every child should have been
// sanitized and removed in the first pass.
func (s *Sanitizer) SanitizeBoot(ctx context.Context) error {
	removeAndZero := func(sec *section.Section) func(p *epcpage.Page) bool {
		zero := make([]byte, pageSize)
		return func(p *epcpage.Page) bool {
			select {
			case <-ctx.Done():
				return false
			default:
			}
			if err := s.HW.Remove(p.PhysAddr); err != nil {
				return false
			}
			offset := int((p.PhysAddr - sec.BaseAddr) / pageSize)
			copy(sec.HostView(offset), zero)
			return true
		}
	}

	for pass := 0; pass < 2; pass++ {
		for _, sec := range s.Table.Sections {
			if sec.UnsanitizedLen() == 0 {
				continue
			}
			sec.DrainUnsanitized(removeAndZero(sec))
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}

	for i, sec := range s.Table.Sections {
		if n := sec.UnsanitizedLen(); n > 0 {
			return fmt.Errorf("sanitize: section %d has %d pages still unsanitized after two passes", i, n)
		}
	}
	return nil
}

// Run drives the steady-state swap thread until ctx is canceled: on
// every tick, if the free pool is below Low, it reclaims in batches
// until the pool reaches High or the reclaimer reports no further
// progress (§4.5 "keep the pool ahead of allocation pressure").
func (s *Sanitizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.topUp(ctx)
		case <-s.wake:
			s.topUp(ctx)
		}
	}
}

// topUp does nothing unless the free pool is below Low; otherwise it
// re-invokes the reclaimer in batches of at most reclaim.NRToScan
// (§4.5 "reclaim SGX_NR_TO_SCAN pages in the global scope"), looping —
// the way the kthread's outer loop re-wakes itself — until the free
// pool reaches High or the reclaimer stops making progress.
func (s *Sanitizer) topUp(ctx context.Context) {
	if s.Table.TotalFree() >= s.Low {
		return
	}
	for s.Table.TotalFree() < s.High {
		select {
		case <-ctx.Done():
			return
		default:
		}
		want := s.High - s.Table.TotalFree()
		if want <= 0 {
			return
		}
		if want > reclaim.NRToScan {
			want = reclaim.NRToScan
		}
		n, err := s.Reclaim.Run(ctx, want, false, nil)
		if err != nil {
			s.Log.Warn("epc: swap thread reclaim pass failed", "err", err)
			return
		}
		if n == 0 {
			// Nothing reclaimable right now; stop for this tick
			// rather than spin — the next tick will retry.
			return
		}
	}
}
