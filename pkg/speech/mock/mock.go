// Package mock provides in-memory mock implementations of [speech.Dialer]
// and [speech.Channel] for use in unit tests.
//
// All mocks are safe for concurrent use. Tests drive the inbound side via
// [Channel.PushEvent] and [Channel.PushAudio]; frames sent by the bridge are
// recorded and retrievable via [Channel.Sent].
package mock

import (
	"context"
	"sync"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/speech"
)

// Compile-time interface assertions.
var (
	_ speech.Dialer  = (*Dialer)(nil)
	_ speech.Channel = (*Channel)(nil)
)

// Channel is a mock implementation of [speech.Channel].
type Channel struct {
	// DropsResult is returned by Drops.
	DropsResult uint64

	mu        sync.Mutex
	events    chan speech.Event
	audio     chan audio.Frame
	sent      []audio.Frame
	err       error
	closed    bool
	closeOnce sync.Once

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewChannel creates a mock channel with buffered event and audio streams.
func NewChannel() *Channel {
	return &Channel{
		events: make(chan speech.Event, 64),
		audio:  make(chan audio.Frame, 64),
	}
}

// SendAudio implements [speech.Channel]. Frames are recorded in order.
func (c *Channel) SendAudio(f audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return speech.ErrChannelClosed
	}
	c.sent = append(c.sent, f)
	return nil
}

// Events implements [speech.Channel].
func (c *Channel) Events() <-chan speech.Event { return c.events }

// Audio implements [speech.Channel].
func (c *Channel) Audio() <-chan audio.Frame { return c.audio }

// Drops implements [speech.Channel]. Returns DropsResult.
func (c *Channel) Drops() uint64 { return c.DropsResult }

// Err implements [speech.Channel].
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements [speech.Channel]. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		close(c.events)
		close(c.audio)
	})
	return nil
}

// PushEvent delivers ev to the bridge, as if the backend had sent it.
func (c *Channel) PushEvent(ev speech.Event) {
	c.events <- ev
}

// PushAudio delivers one playback frame to the bridge.
func (c *Channel) PushAudio(f audio.Frame) {
	c.audio <- f
}

// Fail ends the channel with err, simulating a terminal failure such as
// reconnect exhaustion. Safe to call once.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		close(c.events)
		close(c.audio)
	})
}

// Sent returns a copy of all frames the bridge queued toward the backend,
// in order.
func (c *Channel) Sent() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Dialer.Connect] invocation.
type ConnectCall struct {
	// Config is the session config passed to Connect.
	Config speech.SessionConfig
}

// Dialer is a mock implementation of [speech.Dialer].
type Dialer struct {
	mu sync.Mutex

	// ConnectResult is the channel returned by Connect. When nil and
	// ConnectError is nil, a fresh [Channel] is created per call and
	// recorded in Channels.
	ConnectResult speech.Channel

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall

	// Channels holds every auto-created channel, in creation order.
	Channels []*Channel
}

// Connect implements [speech.Dialer].
func (d *Dialer) Connect(_ context.Context, cfg speech.SessionConfig) (speech.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ConnectCalls = append(d.ConnectCalls, ConnectCall{Config: cfg})
	if d.ConnectError != nil {
		return nil, d.ConnectError
	}
	if d.ConnectResult != nil {
		return d.ConnectResult, nil
	}
	ch := NewChannel()
	d.Channels = append(d.Channels, ch)
	return ch, nil
}

// CallCount returns the number of Connect invocations.
func (d *Dialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ConnectCalls)
}
