package bus

import "sync"

// SeqAllocator issues per-run sequence numbers. Each run has a single owner
// counter, so concurrently ingested events for the same run never receive
// the same number.
type SeqAllocator struct {
	mu   sync.Mutex
	next map[string]uint64
}

func NewSeqAllocator() *SeqAllocator {
	return &SeqAllocator{next: make(map[string]uint64)}
}

// Next returns the next sequence number for runID, starting at 1.
func (a *SeqAllocator) Next(runID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next[runID]++
	return a.next[runID]
}

// Observe records a producer-supplied sequence number so later allocations
// continue after it.
func (a *SeqAllocator) Observe(runID string, seq uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq > a.next[runID] {
		a.next[runID] = seq
	}
}

// Current returns the highest sequence number issued or observed for runID.
func (a *SeqAllocator) Current(runID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next[runID]
}
