package challenge

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/stakeline/engage/internal/metrics"
	"github.com/stakeline/engage/internal/protocol"
)

// Backing is the narrow interface to the authoritative challenge API. Act
// returns the post-transition entity committed by the backing ledger, or a
// structured error; its result always wins over the optimistic local state.
type Backing interface {
	Act(ctx context.Context, id int64, action Action) (Challenge, error)
	Get(ctx context.Context, id int64) (Challenge, error)
}

// Invalidator marks UI query-cache keys stale after committed transitions.
type Invalidator interface {
	Invalidate(key string)
}

// Noticer surfaces a recoverable user-facing notice, e.g. when the user's
// own optimistic action was reversed by the authoritative state.
type Noticer interface {
	Notice(title, body, tag string)
}

// ProjectionStore persists committed projections so a restart does not lose
// them. Apply must reject stale versions atomically.
type ProjectionStore interface {
	Apply(ctx context.Context, ch Challenge) (bool, error)
	Load(ctx context.Context) ([]Challenge, error)
}

// TransitionRecord is one committed lifecycle transition, for the audit log.
type TransitionRecord struct {
	ChallengeID int64
	Action      string
	From        Status
	To          Status
	Actor       string
	Version     int64
	At          time.Time
}

// TransitionLog records committed transitions. Implemented by the postgres
// history store; failures are logged, never propagated.
type TransitionLog interface {
	Record(ctx context.Context, rec TransitionRecord) error
}

// Cache keys invalidated after committed transitions.
const (
	CacheKeyChallenges = "challenges"
	CacheKeyWallet     = "wallet-balance"
)

// entry is the per-challenge machine state.
type entry struct {
	ch Challenge
	// pendingAction is the local user's optimistic action awaiting remote
	// confirmation via a routed event. Cleared once the authoritative state
	// confirms or reverses it.
	pendingAction Action
	pendingTo     Status
}

// Machine holds the authoritative local projection of every tracked
// challenge. Transitions are applied optimistically and reconciled against
// the backing store; on conflict the remote value wins unconditionally.
type Machine struct {
	userID  string
	backing Backing
	store   ProjectionStore // may be nil
	auditor TransitionLog   // may be nil
	cache   Invalidator
	notices Noticer

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewMachine creates a Machine acting as userID. store and auditor may be
// nil; cache and notices must not be.
func NewMachine(userID string, backing Backing, store ProjectionStore, auditor TransitionLog, cache Invalidator, notices Noticer) *Machine {
	return &Machine{
		userID:  userID,
		backing: backing,
		store:   store,
		auditor: auditor,
		cache:   cache,
		notices: notices,
		entries: make(map[int64]*entry),
	}
}

// Load warms the projection table from the persistent store.
func (m *Machine) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	chs, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("challenge: load projections: %w", err)
	}

	m.mu.Lock()
	for _, ch := range chs {
		m.entries[ch.ID] = &entry{ch: ch}
	}
	m.mu.Unlock()

	log.Printf("[challenge] loaded %d projections", len(chs))
	return nil
}

// Track seeds or refreshes a projection from an authoritative source (a
// fetched entity or a challenge-received event). Stale versions are ignored.
func (m *Machine) Track(ctx context.Context, ch Challenge) {
	m.mu.Lock()
	e, ok := m.entries[ch.ID]
	if ok && ch.Version <= e.ch.Version {
		m.mu.Unlock()
		return
	}
	if !ok {
		e = &entry{}
		m.entries[ch.ID] = e
	}
	e.ch = ch
	m.mu.Unlock()

	m.persist(ctx, ch)
}

// Get returns the tracked projection for id.
func (m *Machine) Get(id int64) (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e.ch, true
	}
	return Challenge{}, false
}

// List returns all tracked projections sorted by ID.
func (m *Machine) List() []Challenge {
	m.mu.Lock()
	out := make([]Challenge, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.ch)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Act issues a user action: the transition is validated against the current
// state and actor, applied optimistically, and realized through the backing
// store. A backing failure rolls the optimistic state back and is returned
// to the caller; the remote entity returned on success is authoritative.
func (m *Machine) Act(ctx context.Context, id int64, action Action) (Challenge, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return Challenge{}, fmt.Errorf("%w: id %d", ErrUnknownChallenge, id)
	}

	snapshot := e.ch

	next, err := Next(action, snapshot.Status)
	if err != nil {
		m.mu.Unlock()
		return snapshot, err
	}
	if !snapshot.ActorAllowed(action, m.userID) {
		m.mu.Unlock()
		return snapshot, fmt.Errorf("%w: %s not permitted for actor %s", ErrInvalidTransition, action, m.userID)
	}

	// Optimistic local transition; the stake is only implicated once the
	// backing request commits.
	e.ch.Status = next
	e.pendingAction = action
	e.pendingTo = next
	m.mu.Unlock()

	remote, err := m.backing.Act(ctx, id, action)
	if err != nil {
		// Roll back the optimistic state. A routed event may have applied a
		// newer authoritative state while the request was in flight; that
		// state wins and must not regress to the pre-action snapshot.
		cur := snapshot
		m.mu.Lock()
		if e, ok := m.entries[id]; ok {
			if e.ch.Version == snapshot.Version {
				e.ch = snapshot
			}
			e.pendingAction = ""
			e.pendingTo = ""
			cur = e.ch
		}
		m.mu.Unlock()
		return cur, fmt.Errorf("challenge: %s %d: %w", action, id, err)
	}

	// Remote is authoritative, even if it disagrees with the optimism.
	reversed := remote.Status != next

	m.mu.Lock()
	e, ok = m.entries[id]
	if ok && remote.Version > e.ch.Version {
		e.ch = remote
	}
	if ok {
		e.pendingAction = ""
		e.pendingTo = ""
	}
	m.mu.Unlock()

	m.commit(ctx, TransitionRecord{
		ChallengeID: id,
		Action:      string(action),
		From:        snapshot.Status,
		To:          remote.Status,
		Actor:       m.userID,
		Version:     remote.Version,
		At:          time.Now(),
	}, remote)

	if reversed {
		log.Printf("[challenge] %s %d superseded: remote status %s (wanted %s)", action, id, remote.Status, next)
		m.notices.Notice("Challenge updated", fmt.Sprintf("Your %s no longer applies: the challenge is now %s.", action, remote.Status), noticeTag(id))
	}

	return remote, nil
}

// HandleEvent consumes a routed challenge event (challenge-received or
// challenge-updated). Duplicate or stale deliveries are no-ops: a version at
// or below the applied one produces no state change and no side effect.
func (m *Machine) HandleEvent(evt protocol.InboundEvent) {
	remote, err := ParsePayload(evt.Payload)
	if err != nil {
		log.Printf("[challenge] dropped event on %s: %v", evt.Topic, err)
		metrics.MalformedEvents.Inc()
		return
	}

	ctx := context.Background()

	m.mu.Lock()
	e, ok := m.entries[remote.ID]
	if !ok {
		m.entries[remote.ID] = &entry{ch: remote}
		m.mu.Unlock()

		m.commit(ctx, TransitionRecord{
			ChallengeID: remote.ID,
			Action:      "reconcile",
			From:        remote.Status,
			To:          remote.Status,
			Actor:       "remote",
			Version:     remote.Version,
			At:          evt.ReceivedAt,
		}, remote)
		return
	}

	if remote.Version <= e.ch.Version {
		// Duplicate fan-out delivery or out-of-order stale event.
		m.mu.Unlock()
		return
	}

	prev := e.ch.Status
	reversedOwn := e.pendingAction != "" && remote.Status != e.pendingTo
	confirmedOwn := e.pendingAction != "" && remote.Status == e.pendingTo
	e.ch = remote
	if reversedOwn || confirmedOwn {
		e.pendingAction = ""
		e.pendingTo = ""
	}
	m.mu.Unlock()

	m.commit(ctx, TransitionRecord{
		ChallengeID: remote.ID,
		Action:      "reconcile",
		From:        prev,
		To:          remote.Status,
		Actor:       "remote",
		Version:     remote.Version,
		At:          evt.ReceivedAt,
	}, remote)

	if reversedOwn {
		// The user's own optimistic action lost the race; surface a
		// recoverable notice. Conflicts on the other party's actions stay
		// silent: the remote value simply wins.
		m.notices.Notice("Challenge updated", fmt.Sprintf("The challenge is now %s.", remote.Status), noticeTag(remote.ID))
	}
}

// commit persists and reports a committed transition: projection store,
// audit log, metrics, and cache invalidation. Persistence failures are
// logged only; the in-memory projection is already authoritative.
func (m *Machine) commit(ctx context.Context, rec TransitionRecord, ch Challenge) {
	m.persist(ctx, ch)

	if m.auditor != nil {
		if err := m.auditor.Record(ctx, rec); err != nil {
			log.Printf("[challenge] audit record failed id=%d: %v", rec.ChallengeID, err)
		}
	}

	metrics.ChallengeTransitions.WithLabelValues(rec.Action).Inc()
	m.cache.Invalidate(CacheKeyChallenges)
	m.cache.Invalidate(CacheKeyWallet)
}

func (m *Machine) persist(ctx context.Context, ch Challenge) {
	if m.store == nil {
		return
	}
	if _, err := m.store.Apply(ctx, ch); err != nil {
		log.Printf("[challenge] persist projection id=%d: %v", ch.ID, err)
	}
}

func noticeTag(id int64) string {
	return fmt.Sprintf("challenge-%d", id)
}
