// Package bridge contains the per-call orchestrator of dialvox: the
// [Bridge] relaying audio and events between one call leg and one speech
// channel, the [Registry] fanning events out to listeners, and the
// [Manager] owning the call-id to bridge map.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/pkg/callleg"
	"github.com/dialvox/dialvox/pkg/speech"
)

// State is the lifecycle state of a bridge. Closed is terminal.
type State int

const (
	// Connecting covers dial and handshake with the speech backend.
	Connecting State = iota

	// Active is steady-state bidirectional relay.
	Active

	// Closing drains pending work for a bounded grace period.
	Closing

	// Closed is terminal. The session and its registry are gone.
	Closed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default tunables. Everything here is overridable via [Config].
const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultGracePeriod      = 3 * time.Second
	defaultListenerBuffer   = 32

	// playbackWriteTimeout bounds one outbound frame write toward the
	// caller. A write that cannot complete within it is abandoned; the next
	// frame proceeds.
	playbackWriteTimeout = 100 * time.Millisecond
)

// Config carries the per-bridge tunables.
type Config struct {
	// Session is forwarded to the speech dialer.
	Session speech.SessionConfig

	// HandshakeTimeout bounds dial plus the backend's welcome.
	// Default 5s.
	HandshakeTimeout time.Duration

	// GracePeriod bounds teardown drain before connections are abandoned.
	// Default 3s.
	GracePeriod time.Duration

	// IdleTimeout tears down a session with no media or event activity.
	// Zero disables idle teardown.
	IdleTimeout time.Duration

	// ListenerBuffer is the per-subscriber notification buffer depth.
	// Default 32.
	ListenerBuffer int

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.ListenerBuffer <= 0 {
		c.ListenerBuffer = defaultListenerBuffer
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// CallSession is a point-in-time snapshot of one bridged call.
type CallSession struct {
	CallID          string
	Carrier         string
	SpeechSessionID string
	State           State
	CreatedAt       time.Time
	LastActivity    time.Time
}

// Bridge relays a live call's audio to the speech backend and structured
// events back. One Bridge owns exactly one call leg, at most one speech
// channel, and one listener registry; it runs as a single goroutine started
// by [Bridge.Start] and is safe for concurrent inspection.
type Bridge struct {
	leg    callleg.Leg
	dialer speech.Dialer
	cfg    Config
	reg    *Registry

	mu           sync.Mutex
	state        State
	sessionID    string
	createdAt    time.Time
	lastActivity time.Time

	teardown     chan struct{}
	teardownOnce sync.Once
	startOnce    sync.Once
	done         chan struct{}
}

// New creates a bridge for the given call leg. The bridge is inert until
// [Bridge.Start].
func New(leg callleg.Leg, dialer speech.Dialer, cfg Config) *Bridge {
	cfg.applyDefaults()
	now := time.Now()
	return &Bridge{
		leg:          leg,
		dialer:       dialer,
		cfg:          cfg,
		reg:          newRegistry(leg.CallID(), cfg.ListenerBuffer),
		state:        Connecting,
		createdAt:    now,
		lastActivity: now,
		teardown:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the bridge goroutine. Subsequent calls are no-ops. The
// bridge detaches from ctx's cancellation (teardown is explicit, via
// [Bridge.Shutdown] or the call leg ending) but keeps its values for trace
// propagation.
func (b *Bridge) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		go b.run(context.WithoutCancel(ctx))
	})
}

// Shutdown requests teardown. It does not wait; use [Bridge.Done].
// Safe to call multiple times and before Start.
func (b *Bridge) Shutdown() {
	b.teardownOnce.Do(func() { close(b.teardown) })
}

// Done is closed once the bridge has reached Closed and released all
// resources.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Listeners returns the bridge's registry for external subscribers.
func (b *Bridge) Listeners() *Registry { return b.reg }

// Session returns a snapshot of the call session.
func (b *Bridge) Session() CallSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CallSession{
		CallID:          b.leg.CallID(),
		Carrier:         b.leg.Carrier(),
		SpeechSessionID: b.sessionID,
		State:           b.state,
		CreatedAt:       b.createdAt,
		LastActivity:    b.lastActivity,
	}
}

// LastActivity returns the time of the most recent frame or event.
func (b *Bridge) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

// run is the bridge goroutine: handshake, relay, teardown.
func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	ctx, span := observe.StartSpan(ctx, "bridge.call",
		trace.WithAttributes(
			attribute.String("call_id", b.leg.CallID()),
			attribute.String("carrier", b.leg.Carrier()),
		),
	)
	defer span.End()

	log := slog.With("call_id", b.leg.CallID(), "carrier", b.leg.Carrier())

	b.cfg.Metrics.ActiveBridges.Add(ctx, 1)
	defer b.cfg.Metrics.ActiveBridges.Add(ctx, -1)

	ch := b.connect(ctx, log)
	if ch == nil {
		b.finish(ctx, log, nil, false)
		return
	}

	degraded := b.relay(ctx, log, ch)
	b.finish(ctx, log, ch, degraded)
}

// connect dials the speech backend and waits for its welcome. Returns the
// live channel on success, nil when establishment failed or the call ended
// first. Establishment failure never touches the call leg.
func (b *Bridge) connect(ctx context.Context, log *slog.Logger) speech.Channel {
	start := time.Now()
	deadline := start.Add(b.cfg.HandshakeTimeout)

	dctx, cancel := context.WithDeadline(ctx, deadline)
	ch, err := b.dialer.Connect(dctx, b.cfg.Session)
	cancel()
	if err != nil {
		log.Error("speech connect failed", "err", err)
		return nil
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case ev, ok := <-ch.Events():
		if !ok {
			log.Error("speech channel ended before welcome", "err", ch.Err())
			b.closeSpeech(log, ch)
			return nil
		}
		w, isWelcome := ev.(speech.Welcome)
		if !isWelcome {
			err := &speech.ConnectError{Kind: speech.ProtocolError}
			log.Error("unexpected first event from speech backend", "err", err)
			b.closeSpeech(log, ch)
			return nil
		}

		b.mu.Lock()
		b.state = Active
		b.sessionID = w.SessionID
		b.lastActivity = time.Now()
		b.mu.Unlock()

		b.cfg.Metrics.HandshakeDuration.Record(ctx, time.Since(start).Seconds())
		log.Info("bridge active", "session_id", w.SessionID,
			"handshake", time.Since(start))

		now := time.Now()
		b.reg.publish(Notification{Kind: KindLifecycle, CallID: b.leg.CallID(), State: Active, Time: now})
		b.reg.publish(Notification{Kind: KindSpeech, CallID: b.leg.CallID(), Event: w, Time: now})
		b.cfg.Metrics.RecordEvent(ctx, eventName(w))
		return ch

	case <-timer.C:
		err := &speech.ConnectError{Kind: speech.Timeout}
		log.Error("speech handshake timed out", "err", err,
			"timeout", b.cfg.HandshakeTimeout)
		b.closeSpeech(log, ch)
		return nil

	case <-b.leg.Done():
		log.Info("call ended during handshake")
		b.closeSpeech(log, ch)
		return nil

	case <-b.teardown:
		b.closeSpeech(log, ch)
		return nil
	}
}

// relay is the steady-state loop. It returns true when the speech channel
// was lost and the bridge closed degraded, leaving the call leg alone.
func (b *Bridge) relay(ctx context.Context, log *slog.Logger, ch speech.Channel) (degraded bool) {
	frames := b.leg.Frames()
	playback := ch.Audio()
	events := ch.Events()

	var idle *time.Timer
	var idleC <-chan time.Time
	if b.cfg.IdleTimeout > 0 {
		idle = time.NewTimer(b.cfg.IdleTimeout)
		idleC = idle.C
		defer idle.Stop()
	}
	touch := func() {
		b.mu.Lock()
		b.lastActivity = time.Now()
		b.mu.Unlock()
		if idle != nil {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.cfg.IdleTimeout)
		}
	}

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				// Terminal state arrives via leg.Done.
				frames = nil
				continue
			}
			if err := ch.SendAudio(f); err != nil {
				log.Warn("send to speech channel failed", "seq", f.Seq, "err", err)
			} else {
				b.cfg.Metrics.RecordFrame(ctx, "inbound")
			}
			touch()

		case f, ok := <-playback:
			if !ok {
				playback = nil
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, playbackWriteTimeout)
			err := b.leg.WriteFrame(wctx, f)
			cancel()
			if err != nil {
				log.Warn("playback write failed", "seq", f.Seq, "err", err)
				b.cfg.Metrics.RecordDrops(ctx, "playback", 1)
			} else {
				b.cfg.Metrics.RecordFrame(ctx, "outbound")
			}
			touch()

		case ev, ok := <-events:
			if !ok {
				err := ch.Err()
				switch {
				case errors.Is(err, speech.ErrReconnectExhausted):
					log.Warn("speech channel lost, bridge degraded", "err", err)
					degraded = true
				case err != nil:
					log.Warn("speech channel failed", "err", err)
					degraded = true
				default:
					log.Info("speech session ended by backend")
				}
				// The call leg stays live; hanging up is the carrier's call.
				return degraded
			}
			b.handleEvent(ctx, log, ev)
			touch()

		case <-b.leg.Done():
			b.setClosing(log)
			if err := b.leg.Err(); err != nil {
				log.Info("call leg ended", "err", err)
			} else {
				log.Info("call leg closed locally")
			}
			b.closeSpeech(log, ch)
			return false

		case <-b.teardown:
			b.setClosing(log)
			log.Info("teardown requested")
			b.closeSpeech(log, ch)
			_ = b.leg.Close()
			return false

		case <-idleC:
			b.setClosing(log)
			log.Info("session idle, tearing down", "idle_timeout", b.cfg.IdleTimeout)
			b.closeSpeech(log, ch)
			_ = b.leg.Close()
			return false
		}
	}
}

// handleEvent forwards one backend event to the listeners. A duplicate
// welcome must not re-run the Connecting to Active transition; it is still
// passed through.
func (b *Bridge) handleEvent(ctx context.Context, log *slog.Logger, ev speech.Event) {
	if w, ok := ev.(speech.Welcome); ok {
		log.Debug("duplicate welcome", "session_id", w.SessionID)
	}
	b.reg.publish(Notification{
		Kind:   KindSpeech,
		CallID: b.leg.CallID(),
		Event:  ev,
		Time:   time.Now(),
	})
	b.cfg.Metrics.RecordEvent(ctx, eventName(ev))
}

// setClosing moves to Closing and tells the listeners.
func (b *Bridge) setClosing(log *slog.Logger) {
	b.mu.Lock()
	b.state = Closing
	b.mu.Unlock()
	log.Info("bridge closing")
	b.reg.publish(Notification{Kind: KindLifecycle, CallID: b.leg.CallID(), State: Closing, Time: time.Now()})
}

// closeSpeech closes the speech channel, bounded by the grace period. An
// unresponsive channel is abandoned so no teardown path can block.
func (b *Bridge) closeSpeech(log *slog.Logger, ch speech.Channel) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ch.Close(); err != nil {
			log.Warn("speech channel close error", "err", err)
		}
	}()

	timer := time.NewTimer(b.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn("speech channel did not drain within grace period, abandoning",
			"grace", b.cfg.GracePeriod)
	}
}

// finish moves to Closed, delivers the terminal lifecycle notification
// exactly once per subscriber, and seals the registry.
func (b *Bridge) finish(ctx context.Context, log *slog.Logger, ch speech.Channel, degraded bool) {
	b.mu.Lock()
	b.state = Closed
	b.mu.Unlock()

	if ch != nil {
		b.cfg.Metrics.RecordDrops(ctx, "speech_send", int64(ch.Drops()))
		if rc, ok := ch.(interface{ Reconnects() uint64 }); ok {
			b.cfg.Metrics.SpeechReconnects.Add(ctx, int64(rc.Reconnects()))
		}
		if pd, ok := ch.(interface{ PlaybackDrops() uint64 }); ok {
			b.cfg.Metrics.RecordDrops(ctx, "speech_playback", int64(pd.PlaybackDrops()))
		}
	}
	if id, ok := b.leg.(interface{ InboundDrops() uint64 }); ok {
		b.cfg.Metrics.RecordDrops(ctx, "leg_inbound", int64(id.InboundDrops()))
	}

	b.reg.publish(Notification{
		Kind:     KindLifecycle,
		CallID:   b.leg.CallID(),
		State:    Closed,
		Degraded: degraded,
		Time:     time.Now(),
	})
	listenerDrops := b.reg.close()
	b.cfg.Metrics.RecordDrops(ctx, "listener", int64(listenerDrops))

	log.Info("bridge closed", "degraded", degraded)
}

// eventName maps an event to its metric attribute value.
func eventName(ev speech.Event) string {
	switch ev.(type) {
	case speech.Welcome:
		return "welcome"
	case speech.UserStartedSpeaking:
		return "user_started_speaking"
	case speech.ConversationText:
		return "conversation_text"
	case speech.ErrorEvent:
		return "error"
	case speech.Closed:
		return "close"
	default:
		return "unknown"
	}
}
