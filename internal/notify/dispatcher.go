// Package notify consumes routed notification events, decides local alerting
// versus silent badge updates, and maintains the local notification cache.
// The pushed payload is a hint: the authoritative list always comes from a
// refetch of the backing store.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stakeline/engage/internal/metrics"
	"github.com/stakeline/engage/internal/protocol"
)

// SuppressionWindow is the minimum gap between two local alerts for the same
// (kind, subject) pair. It must stay at or above the frontend's 15s polling
// interval so the push delivery and the periodic refetch of the same logical
// event cannot both alert. Tunable.
const SuppressionWindow = 30 * time.Second

// CacheKeyNotifications is the UI query-cache key invalidated on every
// inbound notification event.
const CacheKeyNotifications = "notifications"

// Notification is one entry of the local notification cache. Identity key is
// ID; read state is monotonic (unread -> read, never back).
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// Alerter is the local alerting collaborator (sound + toast). The tag is
// used downstream for visible-alert grouping: one alert per tag.
type Alerter interface {
	Notify(title, body, tag string)
}

// Invalidator marks UI query-cache keys stale.
type Invalidator interface {
	Invalidate(key string)
}

// Backing is the narrow slice of the backing store the dispatcher needs.
type Backing interface {
	ListNotifications(ctx context.Context) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// ReadState persists which notification IDs the user has read, so a restart
// does not resurrect already-seen alerts. May be nil.
type ReadState interface {
	MarkRead(ctx context.Context, id string) error
	ReadIDs(ctx context.Context) (map[string]bool, error)
}

// kindInfo describes how one event name maps to a notification kind.
type kindInfo struct {
	title     string
	alertable bool
}

// kinds is the fixed lookup table from routed event name to notification
// kind. Only the alertable subset triggers sound/toast; everything else is a
// silent badge update.
var kinds = map[string]kindInfo{
	protocol.EventChallengeReceived: {title: "New challenge", alertable: true},
	protocol.EventChallengeUpdated:  {title: "Challenge update", alertable: false},
	protocol.EventFriendRequest:     {title: "Friend request", alertable: true},
	protocol.EventTipReceived:       {title: "Tip received", alertable: true},
	protocol.EventNewFollower:       {title: "New follower", alertable: true},
	protocol.EventDailyBonus:        {title: "Daily bonus", alertable: false},
	protocol.EventStreak:            {title: "Streak", alertable: false},
	protocol.EventLeaderboard:       {title: "Leaderboard", alertable: false},
}

// eventPayload is the pushed hint attached to a notification event.
type eventPayload struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
}

// Dispatcher routes inbound notification events into alerts, cache
// invalidation, and the local list. Safe for concurrent use.
type Dispatcher struct {
	backing Backing
	alerts  Alerter
	cache   Invalidator
	reads   ReadState // may be nil

	mu        sync.Mutex
	items     []Notification
	lastAlert map[string]time.Time // dedupe key -> last alert time

	now func() time.Time
	// scheduleRefresh triggers the asynchronous authoritative refetch;
	// replaceable in tests.
	scheduleRefresh func()
}

// NewDispatcher creates a Dispatcher. reads may be nil.
func NewDispatcher(backing Backing, alerts Alerter, cache Invalidator, reads ReadState) *Dispatcher {
	d := &Dispatcher{
		backing:   backing,
		alerts:    alerts,
		cache:     cache,
		reads:     reads,
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
	d.scheduleRefresh = func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.Refresh(ctx); err != nil {
				log.Printf("[notify] refresh failed: %v", err)
			}
		}()
	}
	return d
}

// HandleEvent consumes one routed notification event. Malformed payloads
// and unknown event names are dropped and logged; they never interrupt the
// router. The pushed payload only drives alerting; the record of truth is
// refetched asynchronously.
func (d *Dispatcher) HandleEvent(evt protocol.InboundEvent) {
	info, ok := kinds[evt.Event]
	if !ok {
		log.Printf("[notify] unknown event name %q on %s", evt.Event, evt.Topic)
		return
	}

	var payload eventPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		log.Printf("[notify] dropped %s: %v", evt.Event, fmt.Errorf("%w: %v", protocol.ErrMalformedPayload, err))
		metrics.MalformedEvents.Inc()
		return
	}

	metrics.Notifications.WithLabelValues(evt.Event).Inc()

	if info.alertable {
		d.maybeAlert(evt.Event, info, payload)
	}

	// The push is a hint; invalidate and refetch the authoritative list.
	d.cache.Invalidate(CacheKeyNotifications)
	d.scheduleRefresh()
}

// maybeAlert fires the local alert unless the same (kind, subject) pair
// alerted within the suppression window.
func (d *Dispatcher) maybeAlert(event string, info kindInfo, payload eventPayload) {
	key := event + ":" + payload.SubjectID
	now := d.now()

	d.mu.Lock()
	last, seen := d.lastAlert[key]
	if seen && now.Sub(last) < SuppressionWindow {
		d.mu.Unlock()
		metrics.AlertsSuppressed.Inc()
		return
	}
	// Expired entries can never suppress again; sweep them here so the map
	// stays bounded over the life of the daemon.
	for k, ts := range d.lastAlert {
		if now.Sub(ts) >= SuppressionWindow {
			delete(d.lastAlert, k)
		}
	}
	d.lastAlert[key] = now
	d.mu.Unlock()

	title := payload.Title
	if title == "" {
		title = info.title
	}
	d.alerts.Notify(title, payload.Message, key)
}

// Refresh replaces the local cache with the authoritative list from the
// backing store, overlaying persisted read state.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	items, err := d.backing.ListNotifications(ctx)
	if err != nil {
		return fmt.Errorf("notify: list: %w", err)
	}

	var readIDs map[string]bool
	if d.reads != nil {
		readIDs, err = d.reads.ReadIDs(ctx)
		if err != nil {
			log.Printf("[notify] read-state load failed: %v", err)
		}
	}
	for i := range items {
		if readIDs[items[i].ID] {
			items[i].Read = true
		}
	}

	d.mu.Lock()
	d.items = items
	d.mu.Unlock()
	return nil
}

// List returns a copy of the local notification cache.
func (d *Dispatcher) List() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Notification(nil), d.items...)
}

// UnreadCount returns the number of unread notifications in the local cache.
func (d *Dispatcher) UnreadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, item := range d.items {
		if !item.Read {
			n++
		}
	}
	return n
}

// MarkRead marks a notification read: optimistic locally, persisted to the
// read-state store, and fire-and-forget to the backing store. There is no
// rollback on failure; a later refetch reconciles.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) {
	d.mu.Lock()
	for i := range d.items {
		if d.items[i].ID == id {
			d.items[i].Read = true
			break
		}
	}
	d.mu.Unlock()

	if d.reads != nil {
		if err := d.reads.MarkRead(ctx, id); err != nil {
			log.Printf("[notify] read-state persist failed id=%s: %v", id, err)
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.backing.MarkNotificationRead(ctx, id); err != nil {
			log.Printf("[notify] mark-read failed id=%s: %v (kept read locally)", id, err)
		}
	}()
}
