// Package callleg defines the interface between the bridge and a telephony
// carrier's live media transport.
//
// A [Leg] is one side of an active telephone call's media path, already
// canonicalised to fixed-size [audio.Frame] values. Carrier-specific adapter
// packages (e.g., callleg/twilio) translate their native transport to and
// from this shape; the bridge never sees carrier wire formats.
//
// This package lives under pkg/ because external code (third-party carrier
// adapters) is expected to implement [Leg].
package callleg

import (
	"context"
	"fmt"

	"github.com/dialvox/dialvox/pkg/audio"
)

// Leg represents the live media path of one call on one carrier.
//
// Implementations must be safe for concurrent use. All channels returned by
// Leg methods are closed when the leg terminates, whether by carrier hangup,
// media fault, or a local Close.
type Leg interface {
	// CallID returns the carrier-assigned identifier of the call.
	CallID() string

	// Carrier returns the adapter's carrier name (e.g., "twilio").
	Carrier() string

	// Frames returns the channel delivering the caller's inbound audio as
	// canonical frames in capture order with strictly increasing sequence
	// numbers. The channel is closed when the leg terminates.
	Frames() <-chan audio.Frame

	// WriteFrame queues one frame of playback audio toward the caller.
	// Returns an error once the leg has terminated. Must not block past ctx.
	WriteFrame(ctx context.Context, f audio.Frame) error

	// Done returns a channel that is closed when the leg terminates for any
	// reason. After Done is closed, Err reports why.
	Done() <-chan struct{}

	// Err returns the terminal error: a [*LegError] when the carrier hung up
	// or the media path faulted, or nil when the leg was closed locally via
	// Close. Only meaningful after Done is closed.
	Err() error

	// Close tears down the leg locally. Safe to call more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// LegErrorKind classifies terminal call-leg faults.
type LegErrorKind int

const (
	// Disconnected means the carrier ended the call (hangup or transport
	// closure).
	Disconnected LegErrorKind = iota

	// MediaError means the media path produced data the adapter could not
	// handle. Always terminal for the owning bridge.
	MediaError
)

// String returns the human-readable name of the kind.
func (k LegErrorKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case MediaError:
		return "media_error"
	default:
		return "unknown"
	}
}

// LegError is the terminal fault of a call leg. Every LegError is fatal to
// the bridge that owns the leg; there is no recovery path without the call.
type LegError struct {
	Kind  LegErrorKind
	Cause error
}

// Error implements the error interface.
func (e *LegError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("call leg %s", e.Kind)
	}
	return fmt.Sprintf("call leg %s: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying cause, if any.
func (e *LegError) Unwrap() error {
	return e.Cause
}
