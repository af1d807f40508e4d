package wsagent

import (
	"sync"
	"sync/atomic"

	"github.com/dialvox/dialvox/pkg/audio"
)

// frameQueue is the bounded send buffer between the relay path and the
// backend write loop. When the queue is full the oldest frame is dropped and
// counted, so a slow or reconnecting backend can never stall live call
// audio. Push never blocks.
type frameQueue struct {
	mu     sync.Mutex
	frames []audio.Frame
	depth  int
	drops  atomic.Uint64

	// signal wakes the write loop; capacity 1 so pushes coalesce.
	signal chan struct{}
}

func newFrameQueue(depth int) *frameQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &frameQueue{
		depth:  depth,
		signal: make(chan struct{}, 1),
	}
}

// push enqueues f, evicting the oldest queued frame if the queue is at
// depth. The eviction is counted in drops.
func (q *frameQueue) push(f audio.Frame) {
	q.mu.Lock()
	if len(q.frames) >= q.depth {
		q.frames = q.frames[1:]
		q.drops.Add(1)
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest queued frame. The second return is
// false when the queue is empty.
func (q *frameQueue) pop() (audio.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return audio.Frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// len returns the number of queued frames.
func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// dropCount returns the total number of frames evicted on overflow.
func (q *frameQueue) dropCount() uint64 {
	return q.drops.Load()
}
