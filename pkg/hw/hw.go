// Package hw names the hardware primitives consumed by the reclaimer by
// role rather than instruction: remove, block, track, writeback, and
// the per-CPU IPI broadcast. Production builds of an SGX driver would
// back Primitives with real ENCLS leaf calls; this module ships a
// deterministic simulated implementation (Sim) so the reclaim engine
// can be exercised without real enclave hardware, the same way the
// teacher's pkg/pager works against either a real mmap-backed Storage
// or an in-memory MemoryStorage through one interface.
package hw

import "errors"

// WritebackResult is the outcome of a WRITEBACK attempt.
type WritebackResult int

const (
	// WritebackOK means the page was written back successfully.
	WritebackOK WritebackResult = iota
	// WritebackNotTracked means the current epoch has not yet tracked
	// every CPU that could be inside the enclave; TRACK must run first.
	WritebackNotTracked
	// WritebackFailed is any other hardware failure.
	WritebackFailed
)

// ErrBlockFailed is returned by Primitives.Block for a non-idempotent failure.
var ErrBlockFailed = errors.New("hw: block failed")

// PageInfo carries the version-array slot and owner metadata a
// WRITEBACK call needs, mirroring the "pageinfo" structure the
// hardware expects (§6).
type PageInfo struct {
	EPCAddr  uint64
	VAAddr   uint64
	VASlot   uint32
	SECSAddr uint64
}

// Primitives groups the hardware-role operations the reclaimer and
// sanitizer invoke. Named by role, not by instruction mnemonic.
type Primitives interface {
	// Remove scrubs epcAddr to its defined uninitialized state. Used by
	// the sanitizer at boot and by the reclaimer to remove a dead
	// enclave's SECS page; the allocator's Free path does not call it.
	Remove(epcAddr uint64) error

	// Block marks epcAddr as about to be evicted. Idempotent; may be
	// skipped only when the owning enclave is fully dead.
	Block(epcAddr uint64) error

	// Track opens a new epoch on the enclave's secrets page: every CPU
	// currently inside the enclave must exit before a subsequent
	// Writeback of a blocked page can succeed.
	Track(secsAddr uint64) error

	// Writeback encrypts the page named by info.EPCAddr to the given
	// backing pages, associating the version-array slot info.VASlot.
	Writeback(info PageInfo, backing []byte) WritebackResult
}

// IPI delivers a no-op inter-processor interrupt to a CPU set, forcing
// any enclave those CPUs are inside to be briefly exited. No portable
// equivalent exists outside a kernel; this is a named collaborator.
type IPI interface {
	IPIOn(cpus []int)
}
