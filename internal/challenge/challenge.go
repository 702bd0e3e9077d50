// Package challenge drives the client-side projection of the challenge
// lifecycle: optimistic local transitions validated against a strict state
// machine, reconciled against the authoritative state pushed by the backing
// store. The package never moves money; it records statuses the backing
// ledger has already committed.
package challenge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is a challenge lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}

// Action is a user-issued challenge mutation.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionCancel  Action = "cancel"
	ActionResolve Action = "resolve"
	ActionDispute Action = "dispute"
)

// ErrInvalidTransition is returned when an action is illegal for the
// challenge's current state or actor. The challenge is left unmodified.
var ErrInvalidTransition = errors.New("challenge: invalid transition")

// ErrUnknownChallenge is returned when acting on an untracked challenge ID.
var ErrUnknownChallenge = errors.New("challenge: unknown challenge")

// Challenge is the local projection of a direct stake-bearing challenge
// between two users. Amount is immutable after creation; Version is the
// server-assigned monotonic revision used to reject stale reconciliations.
type Challenge struct {
	ID           int64     `json:"id"`
	ChallengerID string    `json:"challenger_id"`
	ChallengedID string    `json:"challenged_id"`
	Title        string    `json:"title"`
	Category     string    `json:"category"`
	Amount       string    `json:"amount"` // positive decimal stake, e.g. "25.00"
	Status       Status    `json:"status"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	DueDate      time.Time `json:"due_date"`
}

// IsParty reports whether userID is one of the two challenge parties.
func (c *Challenge) IsParty(userID string) bool {
	return userID == c.ChallengerID || userID == c.ChallengedID
}

// transition describes one row of the lifecycle table.
type transition struct {
	from Status
	to   Status
}

// transitions is the full action table. Any action attempted from a state
// not listed for it fails with ErrInvalidTransition.
var transitions = map[Action]transition{
	ActionAccept:  {from: StatusPending, to: StatusActive},
	ActionDecline: {from: StatusPending, to: StatusCancelled},
	ActionCancel:  {from: StatusPending, to: StatusCancelled},
	ActionResolve: {from: StatusActive, to: StatusCompleted},
	ActionDispute: {from: StatusActive, to: StatusDisputed},
}

// Next returns the resulting status of applying action to a challenge
// currently in from, or ErrInvalidTransition.
func Next(action Action, from Status) (Status, error) {
	tr, ok := transitions[action]
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if tr.from != from {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from)
	}
	return tr.to, nil
}

// ActorAllowed reports whether actorID may issue action on c. Accept and
// decline belong to the challenged party, cancel to the challenger; resolve
// and dispute are open to either party (adjudicator resolution happens
// upstream and arrives as a routed event).
func (c *Challenge) ActorAllowed(action Action, actorID string) bool {
	switch action {
	case ActionAccept, ActionDecline:
		return actorID == c.ChallengedID
	case ActionCancel:
		return actorID == c.ChallengerID
	case ActionResolve, ActionDispute:
		return c.IsParty(actorID)
	}
	return false
}

// ParsePayload decodes a routed challenge event payload into a Challenge.
func ParsePayload(data json.RawMessage) (Challenge, error) {
	var c Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return Challenge{}, fmt.Errorf("challenge: decode payload: %w", err)
	}
	if c.ID == 0 || !c.Status.Valid() {
		return Challenge{}, fmt.Errorf("challenge: payload missing id or status")
	}
	return c, nil
}
