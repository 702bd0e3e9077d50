// Package router demultiplexes inbound pub/sub messages by topic and event
// name to registered handlers. Topics are reference-counted: the underlying
// transport subscription is issued on the first Subscribe and torn down when
// the count reaches zero. Handlers are router-local, so a transport reconnect
// only needs Resubscribe, no caller action.
package router

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stakeline/engage/internal/metrics"
	"github.com/stakeline/engage/internal/protocol"
)

// PubSub is the transport-facing side of the router. The production
// implementation is the NATS client wrapper.
type PubSub interface {
	Subscribe(topic string, handler func(data []byte)) error
	Unsubscribe(topic string) error
}

// Handler consumes one routed event. Dispatch is synchronous; a panicking
// handler is isolated and does not prevent delivery to later handlers.
type Handler func(evt protocol.InboundEvent)

// Binding identifies one bound handler so it can be removed deterministically.
type Binding struct {
	topic string
	event string
	id    uint64
}

type binding struct {
	id uint64
	fn Handler
}

type topicState struct {
	refs     int
	bindings map[string][]binding // event name -> handlers in bind order
}

// Router owns the topic/handler table. All mutating methods are safe for
// concurrent use.
type Router struct {
	mu     sync.Mutex
	pubsub PubSub
	topics map[string]*topicState
	order  []string // topics in first-subscribe order, for resubscription
	nextID uint64
	now    func() time.Time
}

// New creates a Router over the given pub/sub transport.
func New(pubsub PubSub) *Router {
	return &Router{
		pubsub: pubsub,
		topics: make(map[string]*topicState),
		now:    time.Now,
	}
}

// Subscribe increments the topic's reference count, issuing the transport
// subscription on the first reference. Handlers are attached separately
// with Bind.
func (r *Router) Subscribe(topic string) error {
	r.mu.Lock()
	st := r.ensureTopic(topic)
	st.refs++
	first := st.refs == 1
	if first {
		r.order = append(r.order, topic)
	}
	r.mu.Unlock()

	if !first {
		return nil
	}

	if err := r.pubsub.Subscribe(topic, func(data []byte) {
		r.dispatch(topic, data)
	}); err != nil {
		r.mu.Lock()
		st.refs--
		r.removeFromOrder(topic)
		r.mu.Unlock()
		return fmt.Errorf("router: subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe decrements the topic's reference count and tears down the
// transport subscription when it reaches zero. Bindings for a fully
// unsubscribed topic are discarded.
func (r *Router) Unsubscribe(topic string) error {
	r.mu.Lock()
	st, ok := r.topics[topic]
	if !ok || st.refs == 0 {
		r.mu.Unlock()
		return fmt.Errorf("router: topic %s is not subscribed", topic)
	}
	st.refs--
	last := st.refs == 0
	if last {
		delete(r.topics, topic)
		r.removeFromOrder(topic)
	}
	r.mu.Unlock()

	if !last {
		return nil
	}
	if err := r.pubsub.Unsubscribe(topic); err != nil {
		return fmt.Errorf("router: unsubscribe %s: %w", topic, err)
	}
	return nil
}

// UnsubscribeAll drops every reference to the topic and tears down the
// transport subscription regardless of the current count.
func (r *Router) UnsubscribeAll(topic string) error {
	r.mu.Lock()
	st, ok := r.topics[topic]
	if !ok || st.refs == 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.topics, topic)
	r.removeFromOrder(topic)
	r.mu.Unlock()

	if err := r.pubsub.Unsubscribe(topic); err != nil {
		return fmt.Errorf("router: unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Bind attaches a handler for a (topic, event) pair. Handlers fire in bind
// order. The returned Binding removes exactly this handler when passed to
// Unbind.
func (r *Router) Bind(topic, event string, fn Handler) Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.ensureTopic(topic)
	r.nextID++
	st.bindings[event] = append(st.bindings[event], binding{id: r.nextID, fn: fn})
	return Binding{topic: topic, event: event, id: r.nextID}
}

// Unbind removes the handler identified by b. Other handlers for the same
// (topic, event) pair are unaffected.
func (r *Router) Unbind(b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.topics[b.topic]
	if !ok {
		return
	}
	hs := st.bindings[b.event]
	for i, h := range hs {
		if h.id == b.id {
			st.bindings[b.event] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Resubscribe re-issues the transport subscription for every held topic in
// the original subscribe order. It is called when the connection manager
// transitions Closed -> Open; reference counts and bindings are preserved.
// The pub/sub side may have kept its subscriptions alive across the socket
// drop, so each topic is torn down first: a topic must never end up with two
// live transport subscriptions.
func (r *Router) Resubscribe() {
	r.mu.Lock()
	topics := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, topic := range topics {
		topic := topic
		_ = r.pubsub.Unsubscribe(topic) // best effort; may already be gone
		if err := r.pubsub.Subscribe(topic, func(data []byte) {
			r.dispatch(topic, data)
		}); err != nil {
			log.Printf("[router] resubscribe %s failed: %v", topic, err)
		}
	}
	if len(topics) > 0 {
		log.Printf("[router] resubscribed %d topics after reconnect", len(topics))
	}
}

// Topics returns the currently subscribed topics in subscribe order.
func (r *Router) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Refs returns the current reference count for a topic.
func (r *Router) Refs(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.topics[topic]; ok {
		return st.refs
	}
	return 0
}

// dispatch parses a raw transport message and delivers it to every handler
// bound for its (topic, event) pair, in bind order. Malformed payloads are
// dropped and logged; a panicking handler does not stop delivery to the
// handlers bound after it.
func (r *Router) dispatch(topic string, data []byte) {
	evt, err := protocol.ParseEvent(topic, data, r.now())
	if err != nil {
		log.Printf("[router] dropped message on %s: %v", topic, err)
		metrics.MalformedEvents.Inc()
		return
	}

	r.mu.Lock()
	st, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	hs := append([]binding(nil), st.bindings[evt.Event]...)
	r.mu.Unlock()

	metrics.EventsRouted.WithLabelValues(topicKind(topic)).Inc()

	for _, h := range hs {
		deliver(topic, evt, h.fn)
	}
}

// deliver invokes one handler, converting a panic into a logged error.
func deliver(topic string, evt protocol.InboundEvent, fn Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[router] handler panic topic=%s event=%s: %v", topic, evt.Event, rec)
		}
	}()
	fn(evt)
}

// ensureTopic returns the state for topic, creating it if needed. Caller
// must hold r.mu.
func (r *Router) ensureTopic(topic string) *topicState {
	st, ok := r.topics[topic]
	if !ok {
		st = &topicState{bindings: make(map[string][]binding)}
		r.topics[topic] = st
	}
	return st
}

// removeFromOrder deletes topic from the subscribe-order slice. Caller must
// hold r.mu.
func (r *Router) removeFromOrder(topic string) {
	for i, t := range r.order {
		if t == topic {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			return
		}
	}
}

// topicKind classifies a topic for metrics labels.
func topicKind(topic string) string {
	switch {
	case len(topic) > 5 && topic[:5] == "user.":
		return "user"
	case len(topic) > 6 && topic[:6] == "event.":
		return "event"
	default:
		return "global"
	}
}
