// Package rooms keeps an in-memory feed of recent chat messages per event
// room. The feed backs the room view on reconnect and challenge dispute
// context; it is bounded and purely ephemeral.
package rooms

import "sync"

// MaxFeedMessages is the number of recent messages retained per room.
const MaxFeedMessages = 50

// Message is a single chat message delivered to a room.
type Message struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// Feed stores the last N messages per room in memory.
// It is goroutine-safe and uses a ring buffer internally.
type Feed struct {
	mu    sync.RWMutex
	rooms map[string]*ringBuffer
}

// ringBuffer is a fixed-size circular buffer of Message.
type ringBuffer struct {
	items []Message
	pos   int
	count int
}

// NewFeed creates a new empty Feed.
func NewFeed() *Feed {
	return &Feed{
		rooms: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the room's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (f *Feed) Add(roomID string, msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rb, ok := f.rooms[roomID]
	if !ok {
		rb = &ringBuffer{
			items: make([]Message, MaxFeedMessages),
		}
		f.rooms[roomID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxFeedMessages
	if rb.count < MaxFeedMessages {
		rb.count++
	}
}

// Recent returns the last N messages for a room in chronological order
// (oldest first). Returns an empty slice if the room has no feed.
func (f *Feed) Recent(roomID string) []Message {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rb, ok := f.rooms[roomID]
	if !ok {
		return []Message{}
	}

	result := make([]Message, rb.count)
	// The oldest message is at position (pos - count) mod MaxFeedMessages.
	start := (rb.pos - rb.count + MaxFeedMessages) % MaxFeedMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxFeedMessages]
	}
	return result
}

// Drop deletes the feed for a room (called when the room view closes).
func (f *Feed) Drop(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.rooms, roomID)
}
