// Package speech defines the interface between the bridge and a streaming
// speech-recognition/conversational backend.
//
// A [Dialer] opens one [Channel] per call. The channel carries caller audio
// up to the backend and delivers two inbound streams: structured [Event]
// values decoded at the protocol boundary, and opaque playback audio
// destined for the caller.
//
// This package lives under pkg/ because alternative backend clients are
// expected to implement [Dialer] and [Channel].
package speech

import (
	"context"
	"errors"
	"fmt"

	"github.com/dialvox/dialvox/pkg/audio"
)

// SessionConfig describes one backend session.
type SessionConfig struct {
	// CallID is the carrier-assigned call identifier, forwarded to the
	// backend for correlation.
	CallID string

	// AgentID selects the conversational agent handling this call.
	AgentID string

	// Language is an optional BCP-47 language hint.
	Language string
}

// Channel is one live streaming connection to the backend. At most one
// Channel exists per call session.
//
// Implementations must be safe for concurrent use.
type Channel interface {
	// SendAudio queues one frame of caller audio for delivery. Best-effort:
	// the send queue is bounded and drops its oldest entry on overflow
	// rather than blocking. Returns [ErrChannelClosed] once the channel is
	// permanently done.
	SendAudio(f audio.Frame) error

	// Events returns the stream of structured backend events in arrival
	// order. Closed when the channel is permanently done.
	Events() <-chan Event

	// Audio returns the stream of playback audio destined for the caller,
	// re-framed to canonical frames, in arrival order. Closed when the
	// channel is permanently done.
	Audio() <-chan audio.Frame

	// Drops returns the number of frames dropped by the bounded send queue
	// since the channel was opened.
	Drops() uint64

	// Err returns the terminal error after Events and Audio are closed:
	// [ErrReconnectExhausted] when the backend link was lost and bounded
	// reconnection failed, nil when the channel was closed locally.
	Err() error

	// Close ends the session cleanly. Safe to call more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// Dialer establishes backend sessions. Implementations wrap one backend
// protocol (e.g., the WebSocket agent protocol in speech/wsagent).
type Dialer interface {
	// Connect opens one streaming connection for cfg. Establishment
	// failures are reported as a [*ConnectError]. The returned channel is
	// live but the protocol handshake — the backend's [Welcome] — arrives
	// as the first event; the caller owns the handshake timeout.
	Connect(ctx context.Context, cfg SessionConfig) (Channel, error)
}

// ErrChannelClosed is returned by SendAudio once the channel is done.
var ErrChannelClosed = errors.New("speech: channel is closed")

// ErrReconnectExhausted is the terminal error of a channel that lost its
// backend link and used up its bounded reconnection attempts. The bridge
// treats it as a degraded condition, not a call failure.
var ErrReconnectExhausted = errors.New("speech: reconnection attempts exhausted")

// ConnectErrorKind classifies session-establishment failures.
type ConnectErrorKind int

const (
	// Unauthorized means the backend rejected the presented credential.
	Unauthorized ConnectErrorKind = iota

	// Unreachable means the backend could not be reached at all.
	Unreachable

	// Timeout means the connection or handshake did not complete within the
	// configured deadline.
	Timeout

	// ProtocolError means the backend violated the session protocol, e.g.,
	// its first message was not a Welcome.
	ProtocolError
)

// String returns the human-readable name of the kind.
func (k ConnectErrorKind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Unreachable:
		return "unreachable"
	case Timeout:
		return "timeout"
	case ProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// ConnectError reports a failed session establishment. Always fatal to the
// handshake; the bridge aborts without touching the call itself.
type ConnectError struct {
	Kind  ConnectErrorKind
	Cause error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("speech connect %s", e.Kind)
	}
	return fmt.Sprintf("speech connect %s: %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying cause, if any.
func (e *ConnectError) Unwrap() error {
	return e.Cause
}
