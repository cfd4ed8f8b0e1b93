// Package session routes player events to the matchmaker, the match state
// machine and settlement.
package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/xogrid/server/internal/game"
	"github.com/xogrid/server/internal/matchmaker"
	"github.com/xogrid/server/internal/notify"
	"github.com/xogrid/server/internal/settlement"
	"github.com/xogrid/server/internal/storage"
)

// JoinStatus is the outcome of a queue join
type JoinStatus string

const (
	StatusQueued       JoinStatus = "queued"
	StatusMatchCreated JoinStatus = "match_created"
)

// JoinResult is returned by JoinQueue
type JoinResult struct {
	Status JoinStatus  `json:"status"`
	Match  *game.Match `json:"match,omitempty"`
}

// MovePayload is what both players receive after a move
type MovePayload struct {
	Result game.MoveResult `json:"result"`
	View   *game.View      `json:"view"`
}

// EventSink receives match lifecycle events for analytics
type EventSink interface {
	MatchStarted(m *game.Match)
	MoveApplied(m *game.Match, res game.MoveResult)
	MatchEnded(m *game.Match, res *settlement.Result)
}

// SweepReport counts what a Sweep did
type SweepReport struct {
	Evicted   int `json:"evicted"`
	Forfeited int `json:"forfeited"`
	Settled   int `json:"settled"`
}

var errNotExpired = errors.New("move timer not expired")

// Coordinator is the entry point for player actions
type Coordinator struct {
	store      storage.MatchStore
	matchmaker *matchmaker.Matchmaker
	settler    *settlement.Settler
	notifier   notify.Notifier
	events     EventSink
	now        func() time.Time
}

// NewCoordinator wires the coordinator. events may be nil.
func NewCoordinator(store storage.MatchStore, mm *matchmaker.Matchmaker, settler *settlement.Settler,
	notifier notify.Notifier, events EventSink) *Coordinator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	c := &Coordinator{
		store:      store,
		matchmaker: mm,
		settler:    settler,
		notifier:   notifier,
		events:     events,
		now:        time.Now,
	}
	if events != nil {
		mm.SetOnMatchStart(events.MatchStarted)
		settler.SetOnSettled(events.MatchEnded)
	}
	return c
}

// SetClock replaces the time source here and in the matchmaker and settler
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.matchmaker.SetClock(now)
	c.settler.SetClock(now)
}

// Matchmaker exposes the queue manager for read-only status queries
func (c *Coordinator) Matchmaker() *matchmaker.Matchmaker {
	return c.matchmaker
}

// JoinQueue puts the player in the queue for t
func (c *Coordinator) JoinQueue(ctx context.Context, playerID int64, t game.GameType) (*JoinResult, error) {
	m, err := c.matchmaker.Join(ctx, playerID, t)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return &JoinResult{Status: StatusQueued}, nil
	}
	return &JoinResult{Status: StatusMatchCreated, Match: m}, nil
}

// LeaveQueue removes the player from any queue
func (c *Coordinator) LeaveQueue(ctx context.Context, playerID int64) (bool, error) {
	return c.matchmaker.Leave(ctx, playerID)
}

// SubmitMove applies a move. The transition is committed before anyone is
// notified. A late move forfeits the match: the result is returned together
// with game.ErrTimeoutForfeit.
func (c *Coordinator) SubmitMove(ctx context.Context, matchID string, playerID int64, row, col int) (*game.MoveResult, error) {
	now := c.now()
	var res game.MoveResult
	m, err := c.store.UpdateMatch(ctx, matchID, func(m *game.Match) error {
		r, err := m.ApplyMove(playerID, row, col, now)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch res.Kind {
	case game.KindTimeoutForfeit:
		log.Printf("[Session] Player %d timed out in match %s", playerID, matchID)
		c.notifyBoth(ctx, m, notify.KindTimeoutForfeit, res)
		c.settle(ctx, matchID, res.Winner)
		return &res, game.ErrTimeoutForfeit
	case game.KindRoundOver:
		c.notifyBoth(ctx, m, notify.KindRoundOver, res)
	default:
		c.notifyBoth(ctx, m, notify.KindMoveApplied, res)
	}

	if c.events != nil {
		c.events.MoveApplied(m, res)
	}
	if res.Kind == game.KindMatchOver {
		c.settle(ctx, matchID, 0)
	}
	return &res, nil
}

// GetMatchView returns the match as seen by playerID
func (c *Coordinator) GetMatchView(ctx context.Context, matchID string, playerID int64) (*game.View, error) {
	m, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return m.View(playerID)
}

// Sweep evicts stale queue entries, forfeits matches whose move timer ran
// out and settles finished matches a crashed caller left unsettled. Running
// it repeatedly is safe.
func (c *Coordinator) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := c.now()

	evicted, err := c.matchmaker.Evict(ctx, now)
	report.Evicted = len(evicted)
	if err != nil {
		return report, err
	}

	ids, err := c.store.ActiveMatchIDs(ctx)
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		m, err := c.store.GetMatch(ctx, id)
		if err != nil {
			log.Printf("[Session] Sweep could not load match %s: %v", id, err)
			continue
		}
		switch {
		case m.IsOver():
			if c.settle(ctx, id, 0) {
				report.Settled++
			}
		case m.TimedOut(now):
			ok, err := c.expire(ctx, id, now)
			if err != nil {
				log.Printf("[Session] Sweep could not expire match %s: %v", id, err)
				continue
			}
			if ok {
				report.Forfeited++
			}
		}
	}
	return report, nil
}

// expire forfeits the match for the player to move if the timer ran out
func (c *Coordinator) expire(ctx context.Context, matchID string, now time.Time) (bool, error) {
	var res game.MoveResult
	m, err := c.store.UpdateMatch(ctx, matchID, func(m *game.Match) error {
		r, ok := m.CheckTimeout(now)
		if !ok {
			return errNotExpired
		}
		res = r
		return nil
	})
	if errors.Is(err, errNotExpired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Printf("[Session] Match %s forfeited by %d on timeout", matchID, res.Loser)
	c.notifyBoth(ctx, m, notify.KindTimeoutForfeit, res)
	c.settle(ctx, matchID, res.Winner)
	return true, nil
}

// settle runs settlement and reports whether this call applied it
func (c *Coordinator) settle(ctx context.Context, matchID string, forfeitWinner int64) bool {
	res, err := c.settler.Settle(ctx, matchID, forfeitWinner)
	if err != nil {
		log.Printf("[Session] Error settling match %s: %v", matchID, err)
	}
	return res != nil && !res.AlreadySettled
}

func (c *Coordinator) notifyBoth(ctx context.Context, m *game.Match, kind notify.EventKind, res game.MoveResult) {
	for _, player := range []int64{m.P1, m.P2} {
		view, _ := m.View(player)
		c.notifier.Notify(ctx, player, kind, MovePayload{Result: res, View: view})
	}
}
