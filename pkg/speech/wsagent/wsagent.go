// Package wsagent provides a speech backend client over the agent WebSocket
// protocol. It implements [speech.Dialer].
//
// The wire protocol per session: binary messages carry raw audio frames with
// no envelope (caller audio upstream, playback audio downstream); text
// messages carry a JSON object with a "type" discriminator. Unknown types
// are a forward-compatible no-op. Authentication is a bearer credential
// presented at connect time.
package wsagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/speech"
)

const (
	// defaultQueueDepth bounds the send queue. 16 canonical frames is
	// 320 ms of audio, the latency cap added by buffering.
	defaultQueueDepth = 16

	// playbackBuffer bounds the downstream audio channel toward the leg.
	playbackBuffer = 64

	// eventBuffer bounds the structured event channel.
	eventBuffer = 32

	defaultMaxReconnects = 3
	defaultBackoff       = 500 * time.Millisecond
	defaultMaxBackoff    = 5 * time.Second
)

// Option is a functional option for configuring the Dialer.
type Option func(*Dialer)

// WithQueueDepth sets the bounded send-queue depth in frames.
func WithQueueDepth(depth int) Option {
	return func(d *Dialer) {
		if depth > 0 {
			d.queueDepth = depth
		}
	}
}

// WithReconnect sets the reconnection schedule: at most maxAttempts redials
// per outage, starting at backoff and doubling up to maxBackoff.
func WithReconnect(maxAttempts int, backoff, maxBackoff time.Duration) Option {
	return func(d *Dialer) {
		if maxAttempts > 0 {
			d.maxReconnects = maxAttempts
		}
		if backoff > 0 {
			d.backoff = backoff
		}
		if maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// Dialer implements [speech.Dialer] against one backend endpoint.
type Dialer struct {
	endpoint string
	apiKey   string

	queueDepth    int
	maxReconnects int
	backoff       time.Duration
	maxBackoff    time.Duration
}

// New creates a Dialer for the given endpoint URL (ws:// or wss://).
// apiKey must be non-empty.
func New(endpoint, apiKey string, opts ...Option) (*Dialer, error) {
	if endpoint == "" {
		return nil, errors.New("wsagent: endpoint must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("wsagent: apiKey must not be empty")
	}
	d := &Dialer{
		endpoint:      endpoint,
		apiKey:        apiKey,
		queueDepth:    defaultQueueDepth,
		maxReconnects: defaultMaxReconnects,
		backoff:       defaultBackoff,
		maxBackoff:    defaultMaxBackoff,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Connect implements [speech.Dialer]. The supplied ctx governs the dial
// only; the returned channel lives until Close or terminal failure.
func (d *Dialer) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.Channel, error) {
	sessURL, err := d.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("wsagent: build URL: %w", err)
	}

	ch := &channel{
		dialer:  d,
		url:     sessURL,
		sendq:   newFrameQueue(d.queueDepth),
		events:  make(chan speech.Event, eventBuffer),
		audio:   make(chan audio.Frame, playbackBuffer),
		done:    make(chan struct{}),
		monitor: make(chan struct{}),
	}
	ch.ctx, ch.cancel = context.WithCancel(context.Background())

	conn, err := ch.dial(ctx)
	if err != nil {
		ch.cancel()
		return nil, err
	}

	go ch.run(conn)
	return ch, nil
}

// buildURL constructs the per-session endpoint URL.
func (d *Dialer) buildURL(cfg speech.SessionConfig) (string, error) {
	u, err := url.Parse(d.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if cfg.AgentID != "" {
		q.Set("agent_id", cfg.AgentID)
	}
	if cfg.CallID != "" {
		q.Set("call_id", cfg.CallID)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- channel ----

// channel is one live backend session. It implements [speech.Channel].
type channel struct {
	dialer *Dialer
	url    string

	sendq  *frameQueue
	events chan speech.Event
	audio  chan audio.Frame

	// playback re-chunks inbound binary payloads to canonical frames.
	playback audio.Chunker

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// monitor is closed when run exits; used by tests and Close.
	monitor chan struct{}

	// reconnects counts redial attempts consumed over the channel lifetime.
	reconnects atomic.Uint64

	// playbackDrops counts playback frames shed when the audio buffer is
	// full.
	playbackDrops atomic.Uint64

	errMu sync.Mutex
	err   error
}

// Reconnects returns how many redial attempts this channel has made.
func (c *channel) Reconnects() uint64 { return c.reconnects.Load() }

// PlaybackDrops returns how many playback frames were shed because the
// audio stream's consumer stalled.
func (c *channel) PlaybackDrops() uint64 { return c.playbackDrops.Load() }

// dial opens one WebSocket connection with the bearer credential, mapping
// failures to the speech.ConnectError taxonomy.
func (c *channel) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.dialer.apiKey)

	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &speech.ConnectError{Kind: speech.Unauthorized, Cause: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &speech.ConnectError{Kind: speech.Timeout, Cause: err}
		}
		return nil, &speech.ConnectError{Kind: speech.Unreachable, Cause: err}
	}
	return conn, nil
}

// SendAudio implements [speech.Channel]. Never blocks: the frame lands in
// the bounded queue, evicting the oldest entry on overflow.
func (c *channel) SendAudio(f audio.Frame) error {
	select {
	case <-c.done:
		return speech.ErrChannelClosed
	default:
	}
	c.sendq.push(f)
	return nil
}

// Events implements [speech.Channel].
func (c *channel) Events() <-chan speech.Event { return c.events }

// Audio implements [speech.Channel].
func (c *channel) Audio() <-chan audio.Frame { return c.audio }

// Drops implements [speech.Channel].
func (c *channel) Drops() uint64 { return c.sendq.dropCount() }

// Err implements [speech.Channel].
func (c *channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close implements [speech.Channel]. Idempotent.
func (c *channel) Close() error {
	c.markDone()
	<-c.monitor
	return nil
}

// markDone flags the channel permanently done. After it runs, SendAudio
// returns [speech.ErrChannelClosed].
func (c *channel) markDone() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *channel) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *channel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// run owns the connection lifecycle: it serves conn until failure, then
// attempts bounded-backoff reconnection. It closes the event and audio
// streams on exit, which is how consumers learn the channel is done; the
// channel is also marked done so SendAudio stops accepting frames.
func (c *channel) run(conn *websocket.Conn) {
	defer close(c.monitor)
	defer close(c.events)
	defer close(c.audio)
	defer c.markDone()

	for {
		serveErr := c.serve(conn)

		if c.isClosed() {
			conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		}
		if serveErr == nil {
			// Backend ended the session cleanly.
			conn.Close(websocket.StatusNormalClosure, "backend closed")
			return
		}

		slog.Warn("speech channel lost, reconnecting", "url", c.url, "err", serveErr)
		conn.Close(websocket.StatusGoingAway, "reconnecting")

		next, ok := c.reconnect()
		if !ok {
			if !c.isClosed() {
				c.setErr(speech.ErrReconnectExhausted)
			}
			return
		}
		conn = next
	}
}

// serve pumps one connection until it fails or the channel is closed.
// Returns nil when the backend closed the session normally, a non-nil error
// on unexpected failure.
func (c *channel) serve(conn *websocket.Conn) error {
	writeFailed := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(conn, writeFailed)
	}()

	err := c.readLoop(conn)
	// Stop the write loop: closing the connection makes its next write fail,
	// and writeFailed doubles as its exit signal from this side.
	select {
	case <-writeFailed:
	default:
		close(writeFailed)
	}
	wg.Wait()

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

// writeLoop drains the send queue into binary messages. On write failure it
// closes writeFailed and force-closes the connection so the read loop
// unblocks and reconnection can begin.
func (c *channel) writeLoop(conn *websocket.Conn, writeFailed chan struct{}) {
	for {
		select {
		case <-c.done:
			// Flush whatever is still queued before exiting. The channel
			// context is already cancelled at this point, so the flush gets
			// its own short deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			for {
				f, ok := c.sendq.pop()
				if !ok {
					break
				}
				if err := conn.Write(flushCtx, websocket.MessageBinary, f.Data); err != nil {
					break
				}
			}
			cancel()
			return
		case <-writeFailed:
			return
		case <-c.sendq.signal:
			for {
				f, ok := c.sendq.pop()
				if !ok {
					break
				}
				if err := conn.Write(c.ctx, websocket.MessageBinary, f.Data); err != nil {
					select {
					case <-writeFailed:
					default:
						close(writeFailed)
					}
					conn.CloseNow()
					return
				}
			}
		}
	}
}

// readLoop receives backend messages and dispatches them: binary payloads
// become playback frames on the audio stream, text payloads are decoded once
// into the closed event set.
func (c *channel) readLoop(conn *websocket.Conn) error {
	for {
		typ, msg, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}

		switch typ {
		case websocket.MessageBinary:
			for _, f := range c.playback.Push(msg, time.Now()) {
				select {
				case c.audio <- f:
				case <-c.done:
					return context.Canceled
				default:
					// Playback consumer stalled; dropping beats blocking
					// the read loop and with it the whole session.
					c.playbackDrops.Add(1)
					slog.Debug("playback audio dropped", "seq", f.Seq)
				}
			}
		case websocket.MessageText:
			ev, ok := decodeEvent(msg)
			if !ok {
				continue
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return context.Canceled
			}
			if _, closed := ev.(speech.Closed); closed {
				return nil
			}
		}
	}
}

// reconnect redials with exponential backoff, at most maxReconnects times.
// Returns the new connection, or ok=false when attempts are exhausted or the
// channel was closed while waiting.
func (c *channel) reconnect() (*websocket.Conn, bool) {
	backoff := c.dialer.backoff

	for attempt := 1; attempt <= c.dialer.maxReconnects; attempt++ {
		select {
		case <-c.done:
			return nil, false
		case <-time.After(backoff):
		}

		c.reconnects.Add(1)
		slog.Info("speech reconnect attempt",
			"attempt", attempt,
			"max_attempts", c.dialer.maxReconnects,
			"backoff", backoff,
		)

		dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		conn, err := c.dial(dialCtx)
		cancel()
		if err == nil {
			slog.Info("speech reconnect successful", "attempt", attempt)
			return conn, true
		}
		slog.Warn("speech reconnect attempt failed", "attempt", attempt, "err", err)

		backoff *= 2
		if backoff > c.dialer.maxBackoff {
			backoff = c.dialer.maxBackoff
		}
	}

	slog.Error("speech reconnect exhausted", "max_attempts", c.dialer.maxReconnects)
	return nil, false
}
