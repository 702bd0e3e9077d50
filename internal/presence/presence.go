// Package presence aggregates ephemeral typing signals per room. Signals are
// not stored anywhere durable: each carries a short TTL and simply ages out
// when the sender stops re-sending.
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stakeline/engage/internal/metrics"
)

// TypingTTL is how long one typing signal stays live without a refresh.
// Senders re-signal roughly every 3s while typing, so one missed signal does
// not flicker the indicator.
const TypingTTL = 5 * time.Second

// Aggregator tracks who is typing in which room. Safe for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	rooms map[string]*room

	now func() time.Time
}

// room keeps per-user expiry plus first-signal ordering.
type room struct {
	expires map[string]time.Time
	order   []string
}

// NewAggregator creates an empty typing aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

// MarkTyping records that userID is typing in roomID. isTyping=false clears
// the signal immediately; isTyping=true resets the TTL. Re-signals keep the
// user's original position in the room ordering.
func (a *Aggregator) MarkTyping(roomID, userID string, isTyping bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.rooms[roomID]
	if !ok {
		if !isTyping {
			return
		}
		r = &room{expires: make(map[string]time.Time)}
		a.rooms[roomID] = r
	}

	if !isTyping {
		r.remove(userID)
		if len(r.expires) == 0 {
			delete(a.rooms, roomID)
		}
		a.updateGauge()
		return
	}

	if _, seen := r.expires[userID]; !seen {
		r.order = append(r.order, userID)
	}
	r.expires[userID] = a.now().Add(TypingTTL)
	a.updateGauge()
}

// List returns the users currently typing in roomID, in first-signal order.
// Expired entries are pruned on the way out.
func (a *Aggregator) List(roomID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.rooms[roomID]
	if !ok {
		return nil
	}

	a.pruneLocked(roomID, r)
	if len(r.expires) == 0 {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Rooms returns the room IDs with at least one live typing signal, sorted.
func (a *Aggregator) Rooms() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.rooms))
	for id, r := range a.rooms {
		a.pruneLocked(id, r)
		if _, still := a.rooms[id]; still {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// pruneLocked drops expired signals for one room and deletes the room when
// empty. Caller holds a.mu.
func (a *Aggregator) pruneLocked(roomID string, r *room) {
	now := a.now()
	for userID, deadline := range r.expires {
		if !deadline.After(now) {
			r.remove(userID)
		}
	}
	if len(r.expires) == 0 {
		delete(a.rooms, roomID)
	}
	a.updateGauge()
}

// updateGauge publishes the total live signal count. Caller holds a.mu.
func (a *Aggregator) updateGauge() {
	total := 0
	for _, r := range a.rooms {
		total += len(r.expires)
	}
	metrics.TypingUsers.Set(float64(total))
}

func (r *room) remove(userID string) {
	delete(r.expires, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// FormatTyping renders the conventional indicator line for a set of typing
// users. Empty input returns the empty string.
func FormatTyping(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0] + " is typing..."
	case 2:
		return users[0] + " and " + users[1] + " are typing..."
	default:
		return strings.Join(users[:2], ", ") + " and others are typing..."
	}
}
