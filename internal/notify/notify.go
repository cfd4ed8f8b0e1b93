// Package notify defines how the service pushes events to players.
package notify

import (
	"context"
	"sync"
)

// EventKind names an outbound player event
type EventKind string

const (
	KindQueued         EventKind = "queued"
	KindNoOpponent     EventKind = "no_opponent"
	KindMatchStarted   EventKind = "match_started"
	KindMatchCancelled EventKind = "match_cancelled"
	KindMoveApplied    EventKind = "move_applied"
	KindRoundOver      EventKind = "round_over"
	KindTimeoutForfeit EventKind = "timeout_forfeit"
	KindMatchWon       EventKind = "match_won"
	KindMatchLost      EventKind = "match_lost"
	KindMatchTied      EventKind = "match_tied"
)

// Notifier delivers an event to a player. Delivery is best effort: an
// implementation logs failures and never blocks the caller on a slow peer.
type Notifier interface {
	Notify(ctx context.Context, playerID int64, kind EventKind, payload any)
}

// Multi fans every event out to all notifiers
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, playerID int64, kind EventKind, payload any) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, playerID, kind, payload)
		}
	}
}

// Nop drops every event
type Nop struct{}

func (Nop) Notify(context.Context, int64, EventKind, any) {}

// Event is one delivery captured by a Recorder
type Event struct {
	PlayerID int64
	Kind     EventKind
	Payload  any
}

// Recorder keeps every event it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, playerID int64, kind EventKind, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{PlayerID: playerID, Kind: kind, Payload: payload})
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// For returns the kinds delivered to one player, in order
func (r *Recorder) For(playerID int64) []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []EventKind
	for _, e := range r.events {
		if e.PlayerID == playerID {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// Count returns how many events of kind were delivered to anyone
func (r *Recorder) Count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
