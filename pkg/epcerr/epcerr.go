// Package epcerr defines the error taxonomy shared by every EPC
// subsystem: OutOfMemory, Busy, Interrupted, and Inconsistent.
package epcerr

import "errors"

var (
	// ErrOutOfMemory means no free page exists and nothing is reclaimable.
	ErrOutOfMemory = errors.New("epc: out of memory")

	// ErrBusy means the caller may not block (may_reclaim == false) or the
	// page is already owned by an in-flight reclaim.
	ErrBusy = errors.New("epc: busy")

	// ErrInterrupted means a cancellation signal was pending before retry.
	ErrInterrupted = errors.New("epc: interrupted")

	// ErrInconsistent means a page's state contradicts the protocol: the
	// allocator returns it when a page handed out by the free list is
	// already in use, or when Free is called on a page that is already
	// free. It is returned to the caller, not logged.
	ErrInconsistent = errors.New("epc: inconsistent hardware state")
)
