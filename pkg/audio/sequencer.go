package audio

import "sync/atomic"

// Sequencer hands out strictly increasing sequence numbers for one direction
// of one call. The zero value is ready to use; the first call to Next
// returns 1. Safe for concurrent use, though each direction normally has a
// single producer.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Last returns the most recently issued sequence number, or 0 if none has
// been issued yet.
func (s *Sequencer) Last() uint64 {
	return s.n.Load()
}
