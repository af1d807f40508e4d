package audio

import "time"

// Chunker re-slices an arbitrary stream of encoded bytes into exact
// canonical frames. Carriers and backends rarely deliver payloads aligned to
// the 20 ms frame boundary, so adapters push whatever they receive and emit
// only complete frames; the remainder is carried over to the next push.
//
// Not safe for concurrent use — create one per direction.
type Chunker struct {
	seq Sequencer
	buf []byte
}

// Push appends data to the pending buffer and returns all complete frames it
// now contains, stamped with capture time now and consecutive sequence
// numbers. Returns nil when fewer than FrameBytes are buffered.
func (c *Chunker) Push(data []byte, now time.Time) []Frame {
	c.buf = append(c.buf, data...)
	if len(c.buf) < FrameBytes {
		return nil
	}

	frames := make([]Frame, 0, len(c.buf)/FrameBytes)
	for len(c.buf) >= FrameBytes {
		payload := make([]byte, FrameBytes)
		copy(payload, c.buf[:FrameBytes])
		c.buf = c.buf[FrameBytes:]
		frames = append(frames, Frame{
			Data:      payload,
			Seq:       c.seq.Next(),
			Timestamp: now,
		})
	}
	return frames
}

// Pending returns the number of buffered bytes not yet emitted as a frame.
func (c *Chunker) Pending() int {
	return len(c.buf)
}
