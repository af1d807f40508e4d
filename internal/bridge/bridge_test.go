package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/speech"

	legmock "github.com/dialvox/dialvox/pkg/callleg/mock"
	speechmock "github.com/dialvox/dialvox/pkg/speech/mock"
)

func testConfig() Config {
	return Config{
		Session:          speech.SessionConfig{CallID: "c1", AgentID: "a1"},
		HandshakeTimeout: time.Second,
		GracePeriod:      time.Second,
		ListenerBuffer:   32,
	}
}

func frame(seq uint64) audio.Frame {
	return audio.Frame{
		Data:      make([]byte, audio.FrameBytes),
		Seq:       seq,
		Timestamp: time.Now(),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// start spins up a bridge over fresh mocks and returns them with the speech
// channel already connected.
func start(t *testing.T, cfg Config) (*Bridge, *legmock.Leg, *speechmock.Channel) {
	t.Helper()
	leg := legmock.New(128)
	leg.ID = "c1"
	d := &speechmock.Dialer{}

	b := New(leg, d, cfg)
	b.Start(context.Background())
	waitFor(t, "dial", func() bool { return d.CallCount() == 1 })
	return b, leg, d.Channels[0]
}

func TestBridgeWelcomeActivates(t *testing.T) {
	t.Parallel()
	b, _, ch := start(t, testConfig())

	if got := b.State(); got != Connecting {
		t.Fatalf("initial state = %v, want Connecting", got)
	}
	ch.PushEvent(speech.Welcome{SessionID: "s1"})
	waitFor(t, "active", func() bool { return b.State() == Active })

	sess := b.Session()
	if sess.SpeechSessionID != "s1" {
		t.Errorf("SpeechSessionID = %q, want s1", sess.SpeechSessionID)
	}
	if sess.CallID != "c1" || sess.Carrier != "mock" {
		t.Errorf("session = %+v, want call c1 on mock", sess)
	}

	b.Shutdown()
	<-b.Done()
}

func TestBridgeDuplicateWelcomeDoesNotRetrigger(t *testing.T) {
	t.Parallel()
	b, _, ch := start(t, testConfig())

	ch.PushEvent(speech.Welcome{SessionID: "s1"})
	waitFor(t, "active", func() bool { return b.State() == Active })

	_, notes := b.Listeners().Subscribe()
	ch.PushEvent(speech.Welcome{SessionID: "s2"})
	ch.PushEvent(speech.ConversationText{Role: "agent", Content: "after"})
	// Once the marker turn lands, the duplicate has been processed.
	waitFor(t, "duplicate processed", func() bool { return len(notes) >= 2 })
	if b.State() != Active {
		t.Fatalf("state = %v after duplicate welcome, want Active", b.State())
	}
	if got := b.Session().SpeechSessionID; got != "s1" {
		t.Errorf("SpeechSessionID = %q after duplicate welcome, want s1", got)
	}

	b.Shutdown()
	<-b.Done()
}

func TestBridgeNonWelcomeFirstEventCloses(t *testing.T) {
	t.Parallel()
	b, leg, ch := start(t, testConfig())

	ch.PushEvent(speech.ConversationText{Role: "agent", Content: "too early"})
	<-b.Done()

	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}
	if ch.CallCountClose == 0 {
		t.Error("speech channel was not closed")
	}
	// Establishment failure leaves the call itself alone.
	select {
	case <-leg.Done():
		t.Error("call leg was terminated by handshake failure")
	default:
	}
}

func TestBridgeHandshakeTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	b, leg, ch := start(t, cfg)

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not close on handshake timeout")
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}
	if ch.CallCountClose == 0 {
		t.Error("speech channel was not closed")
	}
	select {
	case <-leg.Done():
		t.Error("call leg was terminated by handshake timeout")
	default:
	}
}

func TestBridgeConnectErrorCloses(t *testing.T) {
	t.Parallel()
	leg := legmock.New(8)
	d := &speechmock.Dialer{
		ConnectError: &speech.ConnectError{Kind: speech.Unauthorized},
	}
	b := New(leg, d, testConfig())
	_, notes := b.Listeners().Subscribe()

	b.Start(context.Background())
	<-b.Done()

	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}
	var terminal int
	for n := range notes {
		if n.Kind == KindLifecycle && n.State == Closed {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal lifecycle notifications = %d, want 1", terminal)
	}
}

func TestBridgeRelaysFramesInOrder(t *testing.T) {
	t.Parallel()
	const n = 50
	b, leg, ch := start(t, testConfig())

	ch.PushEvent(speech.Welcome{SessionID: "s1"})
	waitFor(t, "active", func() bool { return b.State() == Active })

	var seq audio.Sequencer
	for i := 0; i < n; i++ {
		leg.PushFrame(frame(seq.Next()))
	}
	waitFor(t, "frames relayed", func() bool { return len(ch.Sent()) == n })

	sent := ch.Sent()
	for i, f := range sent {
		if f.Seq != uint64(i+1) {
			t.Fatalf("sent[%d].Seq = %d, want %d", i, f.Seq, i+1)
		}
	}

	b.Shutdown()
	<-b.Done()
}

func TestBridgePlaybackReachesCaller(t *testing.T) {
	t.Parallel()
	b, leg, ch := start(t, testConfig())

	ch.PushEvent(speech.Welcome{SessionID: "s1"})
	waitFor(t, "active", func() bool { return b.State() == Active })

	for i := 1; i <= 10; i++ {
		ch.PushAudio(frame(uint64(i)))
	}
	waitFor(t, "playback written", func() bool { return len(leg.Written()) == 10 })

	for i, f := range leg.Written() {
		if f.Seq != uint64(i+1) {
			t.Fatalf("written[%d].Seq = %d, want %d", i, f.Seq, i+1)
		}
	}

	b.Shutdown()
	<-b.Done()
}

func TestBridgeHangupClosesSpeechChannel(t *testing.T) {
	t.Parallel()
	b, leg, ch := start(t, testConfig())

	ch.PushEvent(speech.Welcome{SessionID: "s1"})
	waitFor(t, "active", func() bool { return b.State() == Active })

	leg.Hangup()
	<-b.Done()

	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}
	if ch.CallCountClose == 0 {
		t.Error("speech channel was not closed after hangup")
	}
}

func TestBridgeDegradedLeavesCallAlive(t *testing.T) {
	t.Parallel()
	b, leg, ch := start(t, testConfig())
	_, notes := b.Listeners().Subscribe()

	ch.PushEvent(speech.Welcome{SessionID: "s1"})
	waitFor(t, "active", func() bool { return b.State() == Active })

	ch.Fail(speech.ErrReconnectExhausted)
	<-b.Done()

	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}
	// The bridge never hangs up a live call.
	select {
	case <-leg.Done():
		t.Error("call leg was terminated by speech failure")
	default:
	}

	var sawDegraded bool
	for n := range notes {
		if n.Kind == KindLifecycle && n.State == Closed && n.Degraded {
			sawDegraded = true
		}
	}
	if !sawDegraded {
		t.Error("no degraded terminal notification delivered")
	}
}

// stuckChannel simulates a speech channel whose Close never returns.
type stuckChannel struct {
	*speechmock.Channel
	block chan struct{}
}

func (c *stuckChannel) Close() error {
	<-c.block
	return nil
}

func TestBridgeTeardownWithUnresponsiveChannel(t *testing.T) {
	t.Parallel()
	stuck := &stuckChannel{
		Channel: speechmock.NewChannel(),
		block:   make(chan struct{}),
	}
	defer close(stuck.block)

	leg := legmock.New(8)
	d := &speechmock.Dialer{ConnectResult: stuck}

	cfg := testConfig()
	cfg.GracePeriod = 100 * time.Millisecond
	b := New(leg, d, cfg)
	b.Start(context.Background())

	stuck.PushEvent(speech.Welcome{SessionID: "s1"})
	waitFor(t, "active", func() bool { return b.State() == Active })

	startedAt := time.Now()
	b.Shutdown()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("teardown hung on unresponsive speech channel")
	}
	if elapsed := time.Since(startedAt); elapsed < cfg.GracePeriod {
		t.Errorf("closed after %s, before the %s grace elapsed", elapsed, cfg.GracePeriod)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}
}

func TestBridgeConnectingTeardownWithUnresponsiveChannel(t *testing.T) {
	t.Parallel()
	stuck := &stuckChannel{
		Channel: speechmock.NewChannel(),
		block:   make(chan struct{}),
	}
	defer close(stuck.block)

	leg := legmock.New(8)
	d := &speechmock.Dialer{ConnectResult: stuck}

	cfg := testConfig()
	cfg.GracePeriod = 100 * time.Millisecond
	b := New(leg, d, cfg)
	b.Start(context.Background())
	waitFor(t, "dial", func() bool { return d.CallCount() == 1 })

	// No welcome: teardown arrives while still Connecting.
	startedAt := time.Now()
	b.Shutdown()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connecting-phase teardown hung on unresponsive speech channel")
	}
	if elapsed := time.Since(startedAt); elapsed < cfg.GracePeriod {
		t.Errorf("closed after %s, before the %s grace elapsed", elapsed, cfg.GracePeriod)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed", b.State())
	}
}

func TestBridgeHandshakeTimeoutWithUnresponsiveChannel(t *testing.T) {
	t.Parallel()
	stuck := &stuckChannel{
		Channel: speechmock.NewChannel(),
		block:   make(chan struct{}),
	}
	defer close(stuck.block)

	leg := legmock.New(8)
	d := &speechmock.Dialer{ConnectResult: stuck}

	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	cfg.GracePeriod = 100 * time.Millisecond
	b := New(leg, d, cfg)
	b.Start(context.Background())

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handshake-timeout abort hung on unresponsive speech channel")
	}
	// Establishment failure leaves the call itself alone.
	select {
	case <-leg.Done():
		t.Error("call leg was terminated by handshake failure")
	default:
	}
}

func TestBridgeIdleTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	b, leg, ch := start(t, cfg)

	ch.PushEvent(speech.Welcome{SessionID: "s1"})
	waitFor(t, "active", func() bool { return b.State() == Active })

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle bridge did not tear down")
	}
	// Idle teardown is bridge-initiated, so both legs go.
	select {
	case <-leg.Done():
	default:
		t.Error("call leg still live after idle teardown")
	}
	if ch.CallCountClose == 0 {
		t.Error("speech channel still live after idle teardown")
	}
}

// TestBridgeOutboundCallScenario walks one call end to end: welcome at
// ~50ms, 60 ordered frames, one conversation turn fanned out to two
// listeners, then carrier hangup with prompt closure.
func TestBridgeOutboundCallScenario(t *testing.T) {
	t.Parallel()
	b, leg, ch := start(t, testConfig())
	_, notesA := b.Listeners().Subscribe()
	_, notesB := b.Listeners().Subscribe()

	time.Sleep(50 * time.Millisecond)
	ch.PushEvent(speech.Welcome{SessionID: "S1"})
	waitFor(t, "active", func() bool { return b.State() == Active })

	var seq audio.Sequencer
	for i := 0; i < 60; i++ {
		leg.PushFrame(frame(seq.Next()))
	}
	waitFor(t, "60 frames relayed", func() bool { return len(ch.Sent()) == 60 })
	for i, f := range ch.Sent() {
		if f.Seq != uint64(i+1) {
			t.Fatalf("sent[%d].Seq = %d, want %d", i, f.Seq, i+1)
		}
	}

	ch.PushEvent(speech.ConversationText{Role: "user", Content: "hello"})
	// Fan-out happens on the relay goroutine; wait for it to land before
	// hanging up.
	waitFor(t, "turn fanned out", func() bool { return len(notesA) >= 3 })

	leg.Hangup()
	select {
	case <-b.Done():
	case <-time.After(300 * time.Millisecond):
		t.Fatal("bridge did not close within 300ms of hangup")
	}

	for name, notes := range map[string]<-chan Notification{"A": notesA, "B": notesB} {
		var turns, terminal int
		for n := range notes {
			switch n.Kind {
			case KindSpeech:
				if txt, ok := n.Event.(speech.ConversationText); ok {
					if txt.Role != "user" || txt.Content != "hello" {
						t.Errorf("listener %s: turn = %+v, want user/hello", name, txt)
					}
					turns++
				}
			case KindLifecycle:
				if n.State == Closed {
					terminal++
				}
			}
		}
		if turns != 1 {
			t.Errorf("listener %s: conversation turns = %d, want 1", name, turns)
		}
		if terminal != 1 {
			t.Errorf("listener %s: terminal notifications = %d, want 1", name, terminal)
		}
	}
}
