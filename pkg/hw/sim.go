package hw

import "sync"

// Sim is a deterministic, in-process simulation of Primitives and IPI
// suitable for tests. Scripted behavior (NotTrackedUntilTrack,
// RemoveResults) lets a test reproduce the hardware retry protocol of
// the reclaimer (§4.4 Phase C) without real SGX instructions.
type Sim struct {
	mu sync.Mutex

	// RemoveResults, keyed by epcAddr, overrides Remove's outcome for a
	// single call (spent after use). Pages not present succeed.
	RemoveResults map[uint64]error

	// NotTrackedUntilTrack lists epcAddr values whose first Writeback
	// returns WritebackNotTracked; after the matching Track call the
	// next Writeback for that address succeeds.
	NotTrackedUntilTrack map[uint64]bool

	trackedSecs map[uint64]bool

	TrackCalls     []uint64
	IPICalls       [][]int
	WritebackCalls []PageInfo
	BlockCalls     []uint64
	RemoveCalls    []uint64
}

// NewSim returns a ready-to-use simulated hardware backend.
func NewSim() *Sim {
	return &Sim{
		RemoveResults:        make(map[uint64]error),
		NotTrackedUntilTrack: make(map[uint64]bool),
		trackedSecs:          make(map[uint64]bool),
	}
}

func (s *Sim) Remove(epcAddr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RemoveCalls = append(s.RemoveCalls, epcAddr)
	if err, ok := s.RemoveResults[epcAddr]; ok {
		delete(s.RemoveResults, epcAddr)
		return err
	}
	return nil
}

func (s *Sim) Block(epcAddr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BlockCalls = append(s.BlockCalls, epcAddr)
	return nil
}

func (s *Sim) Track(secsAddr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TrackCalls = append(s.TrackCalls, secsAddr)
	s.trackedSecs[secsAddr] = true
	return nil
}

func (s *Sim) Writeback(info PageInfo, backing []byte) WritebackResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WritebackCalls = append(s.WritebackCalls, info)

	if s.NotTrackedUntilTrack[info.EPCAddr] {
		if s.trackedSecs[info.SECSAddr] {
			delete(s.NotTrackedUntilTrack, info.EPCAddr)
			return WritebackOK
		}
		return WritebackNotTracked
	}
	return WritebackOK
}

func (s *Sim) IPIOn(cpus []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]int(nil), cpus...)
	s.IPICalls = append(s.IPICalls, cp)
}
