package router

import (
	"testing"

	"github.com/stakeline/engage/internal/protocol"
)

// fakePubSub records transport-level subscribe/unsubscribe calls and lets
// tests inject raw messages for a topic.
type fakePubSub struct {
	handlers   map[string]func(data []byte)
	subCalls   []string
	unsubCalls []string
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string]func(data []byte))}
}

func (f *fakePubSub) Subscribe(topic string, handler func(data []byte)) error {
	f.subCalls = append(f.subCalls, topic)
	f.handlers[topic] = handler
	return nil
}

func (f *fakePubSub) Unsubscribe(topic string) error {
	f.unsubCalls = append(f.unsubCalls, topic)
	delete(f.handlers, topic)
	return nil
}

func (f *fakePubSub) push(topic string, data string) {
	if h, ok := f.handlers[topic]; ok {
		h([]byte(data))
	}
}

func TestSubscribe_RefCountedSingleTransportSub(t *testing.T) {
	ps := newFakePubSub()
	r := New(ps)

	for i := 0; i < 3; i++ {
		if err := r.Subscribe("user.u1"); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	if len(ps.subCalls) != 1 {
		t.Fatalf("expected 1 transport subscription, got %d", len(ps.subCalls))
	}
	if r.Refs("user.u1") != 3 {
		t.Errorf("expected refcount 3, got %d", r.Refs("user.u1"))
	}

	// Two of three references released: transport sub stays.
	_ = r.Unsubscribe("user.u1")
	_ = r.Unsubscribe("user.u1")
	if len(ps.unsubCalls) != 0 {
		t.Fatalf("transport unsubscribed while references remained")
	}

	// Last reference released: transport sub torn down.
	_ = r.Unsubscribe("user.u1")
	if len(ps.unsubCalls) != 1 {
		t.Fatalf("expected 1 transport unsubscribe, got %d", len(ps.unsubCalls))
	}
	if r.Refs("user.u1") != 0 {
		t.Errorf("expected refcount 0, got %d", r.Refs("user.u1"))
	}
}

func TestUnsubscribe_NotSubscribed(t *testing.T) {
	r := New(newFakePubSub())
	if err := r.Unsubscribe("user.u1"); err == nil {
		t.Fatal("expected error unsubscribing an unheld topic")
	}
}

func TestDispatch_BindOrderPreserved(t *testing.T) {
	ps := newFakePubSub()
	r := New(ps)
	_ = r.Subscribe("global")

	var order []string
	r.Bind("global", protocol.EventLeaderboard, func(evt protocol.InboundEvent) {
		order = append(order, "first")
	})
	r.Bind("global", protocol.EventLeaderboard, func(evt protocol.InboundEvent) {
		order = append(order, "second")
	})

	ps.push("global", `{"event":"leaderboard","payload":{}}`)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected handlers in bind order, got %v", order)
	}
}

func TestUnbind_RemovesOnlyThatHandler(t *testing.T) {
	ps := newFakePubSub()
	r := New(ps)
	_ = r.Subscribe("global")

	var aCount, bCount int
	bindA := r.Bind("global", protocol.EventStreak, func(evt protocol.InboundEvent) { aCount++ })
	r.Bind("global", protocol.EventStreak, func(evt protocol.InboundEvent) { bCount++ })

	ps.push("global", `{"event":"streak","payload":{}}`)
	r.Unbind(bindA)
	ps.push("global", `{"event":"streak","payload":{}}`)

	if aCount != 1 {
		t.Errorf("expected unbound handler to fire once, fired %d times", aCount)
	}
	if bCount != 2 {
		t.Errorf("expected remaining handler to fire twice, fired %d times", bCount)
	}
}

func TestDispatch_PanicIsolation(t *testing.T) {
	ps := newFakePubSub()
	r := New(ps)
	_ = r.Subscribe("global")

	var delivered bool
	r.Bind("global", protocol.EventDailyBonus, func(evt protocol.InboundEvent) {
		panic("handler bug")
	})
	r.Bind("global", protocol.EventDailyBonus, func(evt protocol.InboundEvent) {
		delivered = true
	})

	ps.push("global", `{"event":"daily-bonus","payload":{}}`)

	if !delivered {
		t.Error("a panicking handler must not prevent delivery to later handlers")
	}
}

func TestDispatch_MalformedDroppedNonFatal(t *testing.T) {
	ps := newFakePubSub()
	r := New(ps)
	_ = r.Subscribe("user.u1")

	var count int
	r.Bind("user.u1", protocol.EventTipReceived, func(evt protocol.InboundEvent) { count++ })

	ps.push("user.u1", `{broken`)
	ps.push("user.u1", `{"payload":{}}`)
	ps.push("user.u1", `{"event":"tip-received","payload":{"amount":5}}`)

	if count != 1 {
		t.Errorf("expected 1 delivery after malformed input, got %d", count)
	}
}

func TestResubscribe_RestoresTopicsInOrder(t *testing.T) {
	ps := newFakePubSub()
	r := New(ps)

	_ = r.Subscribe("user.u1")
	_ = r.Subscribe("event.42")
	_ = r.Subscribe("event.42") // second reference, no new transport sub
	_ = r.Subscribe("global")

	var count int
	r.Bind("event.42", protocol.EventChallengeUpdated, func(evt protocol.InboundEvent) { count++ })

	// Simulate transport drop: the fake loses its handlers.
	ps.handlers = make(map[string]func(data []byte))
	ps.subCalls = nil

	r.Resubscribe()

	want := []string{"user.u1", "event.42", "global"}
	if len(ps.subCalls) != len(want) {
		t.Fatalf("expected %d resubscriptions, got %d: %v", len(want), len(ps.subCalls), ps.subCalls)
	}
	for i, topic := range want {
		if ps.subCalls[i] != topic {
			t.Errorf("resubscribe[%d]: expected %s, got %s", i, topic, ps.subCalls[i])
		}
	}

	// Reference counts survive the reconnect.
	if r.Refs("event.42") != 2 {
		t.Errorf("expected refcount 2 after reconnect, got %d", r.Refs("event.42"))
	}

	// Handlers survive too: delivery works without re-binding.
	ps.push("event.42", `{"event":"challenge-updated","payload":{}}`)
	if count != 1 {
		t.Errorf("expected handler to survive reconnect, deliveries=%d", count)
	}
}

// stackingPubSub mimics a broker where every Subscribe call creates an
// independent live subscription (as NATS does) and Unsubscribe tears down
// all of them for the topic.
type stackingPubSub struct {
	live map[string][]func(data []byte)
}

func newStackingPubSub() *stackingPubSub {
	return &stackingPubSub{live: make(map[string][]func(data []byte))}
}

func (s *stackingPubSub) Subscribe(topic string, handler func(data []byte)) error {
	s.live[topic] = append(s.live[topic], handler)
	return nil
}

func (s *stackingPubSub) Unsubscribe(topic string) error {
	delete(s.live, topic)
	return nil
}

func (s *stackingPubSub) push(topic string, data string) {
	for _, h := range s.live[topic] {
		h([]byte(data))
	}
}

func TestResubscribe_NeverDoublesLiveSubscriptions(t *testing.T) {
	ps := newStackingPubSub()
	r := New(ps)

	_ = r.Subscribe("user.u1")

	var count int
	r.Bind("user.u1", protocol.EventTipReceived, func(evt protocol.InboundEvent) { count++ })

	// The socket reconnects but the broker kept the subscription alive, as
	// happens when the pub/sub client rides out the drop on its own.
	r.Resubscribe()
	r.Resubscribe()

	if got := len(ps.live["user.u1"]); got != 1 {
		t.Fatalf("expected 1 live broker subscription, got %d", got)
	}

	ps.push("user.u1", `{"event":"tip-received","payload":{}}`)
	if count != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", count)
	}
}

func TestUnsubscribeAll_DropsEveryReference(t *testing.T) {
	ps := newFakePubSub()
	r := New(ps)

	_ = r.Subscribe("event.42")
	_ = r.Subscribe("event.42")
	_ = r.Subscribe("event.42")

	if err := r.UnsubscribeAll("event.42"); err != nil {
		t.Fatalf("unsubscribe all: %v", err)
	}
	if len(ps.unsubCalls) != 1 {
		t.Fatalf("expected 1 transport unsubscribe, got %d", len(ps.unsubCalls))
	}
	if r.Refs("event.42") != 0 {
		t.Errorf("expected refcount 0, got %d", r.Refs("event.42"))
	}

	// Idempotent on an already-released topic.
	if err := r.UnsubscribeAll("event.42"); err != nil {
		t.Fatalf("second unsubscribe all: %v", err)
	}
}

func TestTopicKind(t *testing.T) {
	cases := map[string]string{
		"user.u1":  "user",
		"event.42": "event",
		"global":   "global",
		"other":    "global",
	}
	for topic, want := range cases {
		if got := topicKind(topic); got != want {
			t.Errorf("topicKind(%q): expected %q, got %q", topic, want, got)
		}
	}
}
