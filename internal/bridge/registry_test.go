package bridge

import (
	"fmt"
	"testing"
	"time"

	"github.com/dialvox/dialvox/pkg/speech"
)

func lifecycleNote(state State) Notification {
	return Notification{Kind: KindLifecycle, CallID: "c1", State: state, Time: time.Now()}
}

func speechNote(ev speech.Event) Notification {
	return Notification{Kind: KindSpeech, CallID: "c1", Event: ev, Time: time.Now()}
}

func TestRegistrySubscribeReceivesPublished(t *testing.T) {
	t.Parallel()
	r := newRegistry("c1", 8)

	_, ch := r.Subscribe()
	r.publish(speechNote(speech.Welcome{SessionID: "s1"}))

	select {
	case n := <-ch:
		if n.Kind != KindSpeech {
			t.Fatalf("Kind = %v, want KindSpeech", n.Kind)
		}
		w, ok := n.Event.(speech.Welcome)
		if !ok || w.SessionID != "s1" {
			t.Fatalf("Event = %#v, want Welcome{s1}", n.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestRegistryUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	r := newRegistry("c1", 8)

	id, ch := r.Subscribe()
	r.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Unsubscribe")
	}

	// Publishing to the remaining empty set must not panic.
	r.publish(lifecycleNote(Active))
}

func TestRegistryZeroSubscribers(t *testing.T) {
	t.Parallel()
	r := newRegistry("c1", 8)
	r.publish(lifecycleNote(Active))
	if drops := r.close(); drops != 0 {
		t.Fatalf("drops = %d, want 0", drops)
	}
}

func TestRegistrySlowSubscriberIsolated(t *testing.T) {
	t.Parallel()
	const depth = 4
	const produced = 20
	r := newRegistry("c1", depth)

	slowID, slow := r.Subscribe()
	_, fast := r.Subscribe()

	done := make(chan struct{})
	var got []Notification
	go func() {
		defer close(done)
		for n := range fast {
			got = append(got, n)
			if len(got) == produced {
				return
			}
		}
	}()

	for i := 0; i < produced; i++ {
		r.publish(speechNote(speech.ConversationText{Role: "user", Content: fmt.Sprintf("m%d", i)}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fast subscriber received %d of %d notifications", len(got), produced)
	}

	// The slow subscriber never drained: its buffer holds the newest depth
	// entries and everything older was shed and counted.
	if drops := r.Drops(slowID); drops != produced-depth {
		t.Errorf("Drops(slow) = %d, want %d", drops, produced-depth)
	}
	if len(slow) != depth {
		t.Errorf("slow buffer holds %d, want %d", len(slow), depth)
	}
}

func TestRegistryDropOldestKeepsNewest(t *testing.T) {
	t.Parallel()
	const depth = 2
	r := newRegistry("c1", depth)
	_, ch := r.Subscribe()

	for i := 0; i < 5; i++ {
		r.publish(speechNote(speech.ConversationText{Content: fmt.Sprintf("m%d", i)}))
	}

	// Buffer should hold m3, m4.
	first := <-ch
	if c := first.Event.(speech.ConversationText).Content; c != "m3" {
		t.Fatalf("oldest retained = %q, want m3", c)
	}
	second := <-ch
	if c := second.Event.(speech.ConversationText).Content; c != "m4" {
		t.Fatalf("newest retained = %q, want m4", c)
	}
}

func TestRegistryCloseStopsDelivery(t *testing.T) {
	t.Parallel()
	r := newRegistry("c1", 8)
	_, ch := r.Subscribe()

	r.publish(lifecycleNote(Closed))
	r.close()
	r.publish(speechNote(speech.ConversationText{Content: "late"}))

	var seen []Notification
	for n := range ch {
		seen = append(seen, n)
	}
	if len(seen) != 1 {
		t.Fatalf("delivered %d notifications after close, want the 1 pre-close", len(seen))
	}
	if seen[0].State != Closed {
		t.Fatalf("State = %v, want Closed", seen[0].State)
	}
}

func TestRegistrySubscribeAfterClose(t *testing.T) {
	t.Parallel()
	r := newRegistry("c1", 8)
	r.close()

	_, ch := r.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatal("subscription on closed registry delivered a value")
	}
}
