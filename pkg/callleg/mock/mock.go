// Package mock provides an in-memory mock implementation of [callleg.Leg]
// for use in unit tests.
//
// The mock is safe for concurrent use. Tests drive the inbound side by
// writing to the frame channel via [Leg.PushFrame] and end the call via
// [Leg.Hangup] or [Leg.Fail]; everything the bridge writes outbound is
// recorded in [Leg.Written].
package mock

import (
	"context"
	"sync"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/callleg"
)

// Compile-time interface assertion.
var _ callleg.Leg = (*Leg)(nil)

// Leg is a mock implementation of [callleg.Leg].
type Leg struct {
	// ID is returned by CallID. Defaults to "mock-call".
	ID string

	// CarrierName is returned by Carrier. Defaults to "mock".
	CarrierName string

	// WriteError, when set, is returned by every WriteFrame call.
	WriteError error

	mu       sync.Mutex
	frames   chan audio.Frame
	done     chan struct{}
	err      error
	written  []audio.Frame
	closed   bool
	doneOnce sync.Once
}

// New creates a mock leg with an inbound frame buffer of the given depth.
func New(buffer int) *Leg {
	return &Leg{
		frames: make(chan audio.Frame, buffer),
		done:   make(chan struct{}),
	}
}

// CallID implements [callleg.Leg].
func (l *Leg) CallID() string {
	if l.ID == "" {
		return "mock-call"
	}
	return l.ID
}

// Carrier implements [callleg.Leg].
func (l *Leg) Carrier() string {
	if l.CarrierName == "" {
		return "mock"
	}
	return l.CarrierName
}

// Frames implements [callleg.Leg].
func (l *Leg) Frames() <-chan audio.Frame { return l.frames }

// WriteFrame implements [callleg.Leg]. Frames are recorded in order for
// inspection via [Leg.Written].
func (l *Leg) WriteFrame(_ context.Context, f audio.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return &callleg.LegError{Kind: callleg.Disconnected}
	}
	if l.WriteError != nil {
		return l.WriteError
	}
	l.written = append(l.written, f)
	return nil
}

// Done implements [callleg.Leg].
func (l *Leg) Done() <-chan struct{} { return l.done }

// Err implements [callleg.Leg].
func (l *Leg) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close implements [callleg.Leg]. Idempotent; leaves Err nil, as for a
// local teardown.
func (l *Leg) Close() error {
	l.terminate(nil)
	return nil
}

// PushFrame delivers one inbound frame to the bridge, as if the caller had
// spoken. Blocks if the buffer is full.
func (l *Leg) PushFrame(f audio.Frame) {
	l.frames <- f
}

// Hangup simulates the carrier ending the call.
func (l *Leg) Hangup() {
	l.terminate(&callleg.LegError{Kind: callleg.Disconnected})
}

// Fail simulates a terminal media fault.
func (l *Leg) Fail(cause error) {
	l.terminate(&callleg.LegError{Kind: callleg.MediaError, Cause: cause})
}

// Written returns a copy of all frames the bridge wrote outbound, in order.
func (l *Leg) Written() []audio.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]audio.Frame, len(l.written))
	copy(out, l.written)
	return out
}

func (l *Leg) terminate(err error) {
	l.doneOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.err = err
		l.mu.Unlock()
		close(l.frames)
		close(l.done)
	})
}
