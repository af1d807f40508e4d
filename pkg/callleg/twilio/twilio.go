// Package twilio provides a [callleg.Leg] implementation backed by Twilio
// Media Streams. The carrier connects a WebSocket per call and streams
// μ-law 8 kHz mono audio as base64 payloads inside JSON envelopes; this
// adapter canonicalises both directions to fixed 20 ms [audio.Frame] values.
package twilio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/callleg"
)

// Compile-time interface assertion.
var _ callleg.Leg = (*Leg)(nil)

const (
	// CarrierName identifies this adapter in session metadata and logs.
	CarrierName = "twilio"

	// inboundBuffer bounds the canonical frame channel toward the bridge.
	inboundBuffer = 64

	// startTimeout caps how long Accept waits for the carrier's stream
	// preamble before giving up.
	startTimeout = 5 * time.Second
)

// Leg adapts one Media Streams connection to [callleg.Leg].
//
// Leg is safe for concurrent use.
type Leg struct {
	conn      *websocket.Conn
	callID    string
	streamSid string

	frames  chan audio.Frame
	chunker audio.Chunker

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// inboundDrops counts frames shed when the bridge stalls behind the
	// inbound buffer.
	inboundDrops atomic.Uint64

	errMu sync.Mutex
	err   error

	writeMu sync.Mutex
}

// Accept consumes the Media Streams preamble on an already-upgraded
// WebSocket and returns a live leg. The carrier sends a "connected" frame
// followed by "start", which carries the call and stream identifiers; both
// must arrive within a bounded window. The supplied ctx governs the
// preamble phase only.
func Accept(ctx context.Context, conn *websocket.Conn) (*Leg, error) {
	preCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(preCtx)
		if err != nil {
			return nil, fmt.Errorf("twilio: read stream preamble: %w", err)
		}
		msg, err := decodeMessage(data)
		if err != nil {
			return nil, err
		}

		switch msg.Event {
		case eventConnected:
			continue
		case eventStart:
			if msg.Start == nil {
				return nil, fmt.Errorf("twilio: start message without start payload")
			}
			if err := validateFormat(msg.Start.MediaFormat); err != nil {
				return nil, err
			}
			return newLeg(conn, msg.Start.CallSid, msg.Start.StreamSid), nil
		default:
			return nil, fmt.Errorf("twilio: unexpected preamble event %q", msg.Event)
		}
	}
}

// newLeg starts the receive loop for an announced stream.
func newLeg(conn *websocket.Conn, callSid, streamSid string) *Leg {
	l := &Leg{
		conn:      conn,
		callID:    callSid,
		streamSid: streamSid,
		frames:    make(chan audio.Frame, inboundBuffer),
		done:      make(chan struct{}),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	go l.recvLoop()
	return l
}

// CallID implements [callleg.Leg].
func (l *Leg) CallID() string { return l.callID }

// Carrier implements [callleg.Leg].
func (l *Leg) Carrier() string { return CarrierName }

// Frames implements [callleg.Leg].
func (l *Leg) Frames() <-chan audio.Frame { return l.frames }

// WriteFrame implements [callleg.Leg]. The frame is encoded into a media
// message keyed by the announced stream identifier.
func (l *Leg) WriteFrame(ctx context.Context, f audio.Frame) error {
	select {
	case <-l.done:
		if err := l.Err(); err != nil {
			return err
		}
		return &callleg.LegError{Kind: callleg.Disconnected}
	default:
	}

	payload, err := encodeMediaMessage(l.streamSid, f.Data)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("twilio: write media: %w", err)
	}
	return nil
}

// InboundDrops returns how many inbound frames were shed because the frame
// channel was full.
func (l *Leg) InboundDrops() uint64 { return l.inboundDrops.Load() }

// Done implements [callleg.Leg].
func (l *Leg) Done() <-chan struct{} { return l.done }

// Err implements [callleg.Leg].
func (l *Leg) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close implements [callleg.Leg]. Idempotent; terminates the leg locally
// with a nil Err.
func (l *Leg) Close() error {
	l.terminate(nil)
	l.conn.Close(websocket.StatusNormalClosure, "call leg closed")
	return nil
}

// terminate records the terminal error and marks the leg done. Only the
// first call has effect. The frame channel is closed by recvLoop, its sole
// producer.
func (l *Leg) terminate(err error) {
	l.once.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()
		l.cancel()
		close(l.done)
	})
}

// recvLoop reads carrier messages, re-chunks media payloads into canonical
// frames, and terminates the leg on stop or fault.
func (l *Leg) recvLoop() {
	defer close(l.frames)
	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			select {
			case <-l.done:
				// Local close; terminate already ran.
			default:
				l.terminate(&callleg.LegError{Kind: callleg.Disconnected, Cause: err})
			}
			return
		}

		msg, err := decodeMessage(data)
		if err != nil {
			l.terminate(&callleg.LegError{Kind: callleg.MediaError, Cause: err})
			return
		}

		switch msg.Event {
		case eventMedia:
			raw, err := decodeMediaPayload(msg)
			if err != nil {
				l.terminate(&callleg.LegError{Kind: callleg.MediaError, Cause: err})
				return
			}
			for _, f := range l.chunker.Push(raw, time.Now()) {
				select {
				case l.frames <- f:
				case <-l.done:
					return
				default:
					// Bridge stalled; drop rather than block the media
					// socket read.
					l.inboundDrops.Add(1)
					slog.Warn("twilio: inbound frame dropped", "call_id", l.callID, "seq", f.Seq)
				}
			}
		case eventStop:
			l.terminate(&callleg.LegError{Kind: callleg.Disconnected})
			return
		case eventMark, eventConnected:
			// No-op.
		default:
			slog.Debug("twilio: unknown event ignored", "call_id", l.callID, "event", msg.Event)
		}
	}
}
