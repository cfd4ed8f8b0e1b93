package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xogrid/server/internal/game"
	"github.com/xogrid/server/internal/notify"
	"github.com/xogrid/server/internal/storage"
)

// DefaultStaleAfter is how long a queue entry may wait for an opponent
const DefaultStaleAfter = 60 * time.Second

// StakeUnit is what each player puts into a staked match
var StakeUnit = decimal.NewFromInt(1)

// Store is the persistence the matchmaker needs
type Store interface {
	storage.ProfileStore
	storage.MatchStore
	storage.QueueStore
}

// Config tunes queue staleness and the move timer of created matches
type Config struct {
	StaleAfter  time.Duration
	MoveTimeout time.Duration
}

// Matchmaker handles player matching. It keeps no state of its own: queues,
// markers and matches live in the store and every change is a
// compare-and-swap update there.
type Matchmaker struct {
	store        Store
	notifier     notify.Notifier
	staleAfter   time.Duration
	moveTimeout  time.Duration
	now          func() time.Time
	onMatchStart func(m *game.Match)
}

// NewMatchmaker creates a new matchmaker instance
func NewMatchmaker(store Store, notifier notify.Notifier, cfg Config) *Matchmaker {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Matchmaker{
		store:       store,
		notifier:    notifier,
		staleAfter:  cfg.StaleAfter,
		moveTimeout: cfg.MoveTimeout,
		now:         time.Now,
	}
}

// SetOnMatchStart sets the callback for when a match starts
func (m *Matchmaker) SetOnMatchStart(callback func(match *game.Match)) {
	m.onMatchStart = callback
}

// SetClock replaces the time source
func (m *Matchmaker) SetClock(now func() time.Time) {
	m.now = now
}

func validType(t game.GameType) bool {
	for _, known := range game.GameTypes {
		if t == known {
			return true
		}
	}
	return false
}

func contains(q []storage.QueueEntry, playerID int64) bool {
	for _, e := range q {
		if e.PlayerID == playerID {
			return true
		}
	}
	return false
}

// Join admits the player to the queue for t and pairs the two oldest
// entries when possible. It returns the created match, or nil if the player
// is waiting.
func (m *Matchmaker) Join(ctx context.Context, playerID int64, t game.GameType) (*game.Match, error) {
	if !validType(t) {
		return nil, game.ErrInvalidGameType
	}

	inMatch, err := m.InActiveMatch(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if inMatch {
		return nil, game.ErrAlreadyInMatch
	}

	now := m.now()
	if _, err := m.Evict(ctx, now); err != nil {
		return nil, err
	}

	for _, other := range game.GameTypes {
		if other == t {
			continue
		}
		q, err := m.store.GetQueue(ctx, other)
		if err != nil {
			return nil, err
		}
		if contains(q, playerID) {
			return nil, game.ErrAlreadyQueued
		}
	}

	if t == game.Staked {
		p, err := m.store.GetProfile(ctx, playerID)
		if err != nil {
			return nil, err
		}
		if p.StakeBalance.LessThan(StakeUnit) {
			return nil, game.ErrInsufficientFunds
		}
	}

	var pair []storage.QueueEntry
	_, err = m.store.UpdateQueue(ctx, t, func(q []storage.QueueEntry) ([]storage.QueueEntry, error) {
		pair = nil
		if contains(q, playerID) {
			return nil, game.ErrAlreadyQueued
		}
		q = append(q, storage.QueueEntry{PlayerID: playerID, JoinTime: now})
		if len(q) < 2 {
			return q, nil
		}
		sort.SliceStable(q, func(i, j int) bool { return q[i].JoinTime.Before(q[j].JoinTime) })
		pair = append(pair, q[0], q[1])
		return q[2:], nil
	})
	if err != nil {
		return nil, err
	}

	if pair == nil {
		log.Printf("[Matchmaker] Player %d queued for %s", playerID, t)
		m.notifier.Notify(ctx, playerID, notify.KindQueued, t)
		return nil, nil
	}

	p1, p2 := pair[0].PlayerID, pair[1].PlayerID
	if p1 == p2 {
		log.Printf("[Matchmaker] Refusing to pair player %d with themselves", p1)
		return nil, nil
	}

	// Admission only reads the other queues, so a player may have been
	// waiting in two of them and got paired from the other one meanwhile.
	match, err := m.startMatch(ctx, p1, p2, t, now)
	if errors.Is(err, game.ErrAlreadyInMatch) {
		return m.requeue(ctx, t, pair, playerID)
	}
	return match, err
}

// requeue handles a pairing refused because a player is already in an
// active match. Entries of players who are free go back into the queue with
// their original join time; the busy player's entry is dropped.
func (m *Matchmaker) requeue(ctx context.Context, t game.GameType, pair []storage.QueueEntry, caller int64) (*game.Match, error) {
	var back []storage.QueueEntry
	callerBusy := false
	for _, e := range pair {
		busy, err := m.InActiveMatch(ctx, e.PlayerID)
		if err != nil {
			return nil, err
		}
		if busy {
			log.Printf("[Matchmaker] Player %d is already playing, dropped from the %s queue", e.PlayerID, t)
			callerBusy = callerBusy || e.PlayerID == caller
			continue
		}
		back = append(back, e)
	}

	if len(back) > 0 {
		_, err := m.store.UpdateQueue(ctx, t, func(q []storage.QueueEntry) ([]storage.QueueEntry, error) {
			for _, e := range back {
				if !contains(q, e.PlayerID) {
					q = append(q, e)
				}
			}
			sort.SliceStable(q, func(i, j int) bool { return q[i].JoinTime.Before(q[j].JoinTime) })
			return q, nil
		})
		if err != nil {
			return nil, err
		}
	}

	if callerBusy {
		return nil, game.ErrAlreadyInMatch
	}
	m.notifier.Notify(ctx, caller, notify.KindQueued, t)
	return nil, nil
}

// startMatch debits stakes, persists the match and notifies both players.
// It returns game.ErrAlreadyInMatch, with any stake refunded, when either
// player is in another active match.
func (m *Matchmaker) startMatch(ctx context.Context, p1, p2 int64, t game.GameType, now time.Time) (*game.Match, error) {
	for _, player := range []int64{p1, p2} {
		busy, err := m.InActiveMatch(ctx, player)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, game.ErrAlreadyInMatch
		}
	}

	var debited []int64
	if t == game.Staked {
		for _, player := range []int64{p1, p2} {
			if err := m.debitStake(ctx, player); err != nil {
				log.Printf("[Matchmaker] Stake debit failed for player %d: %v", player, err)
				m.cancel(ctx, debited, p1, p2, err)
				return nil, fmt.Errorf("%w: %v", game.ErrMatchCancelled, err)
			}
			debited = append(debited, player)
		}
	}

	match := game.NewMatch(p1, p2, t, now, m.moveTimeout)
	if err := m.store.CreateMatch(ctx, match); err != nil {
		if errors.Is(err, game.ErrAlreadyInMatch) {
			m.refund(ctx, debited)
			return nil, err
		}
		m.cancel(ctx, debited, p1, p2, err)
		return nil, fmt.Errorf("create match: %w", err)
	}

	log.Printf("[Matchmaker] Match %s created: %d vs %d (%s)", match.ID, p1, p2, t)
	for _, player := range []int64{p1, p2} {
		view, _ := match.View(player)
		m.notifier.Notify(ctx, player, notify.KindMatchStarted, view)
	}

	if m.onMatchStart != nil {
		go m.onMatchStart(match)
	}
	return match, nil
}

func (m *Matchmaker) debitStake(ctx context.Context, playerID int64) error {
	_, err := m.store.UpdateProfile(ctx, playerID, func(p *storage.PlayerProfile) error {
		if p.StakeBalance.LessThan(StakeUnit) {
			return game.ErrInsufficientFunds
		}
		p.StakeBalance = p.StakeBalance.Sub(StakeUnit)
		return nil
	})
	return err
}

// cancel refunds whoever was already debited and tells both players
func (m *Matchmaker) cancel(ctx context.Context, debited []int64, p1, p2 int64, cause error) {
	m.refund(ctx, debited)
	for _, player := range []int64{p1, p2} {
		m.notifier.Notify(ctx, player, notify.KindMatchCancelled, game.Code(cause))
	}
}

func (m *Matchmaker) refund(ctx context.Context, debited []int64) {
	for _, player := range debited {
		_, err := m.store.UpdateProfile(ctx, player, func(p *storage.PlayerProfile) error {
			p.StakeBalance = p.StakeBalance.Add(StakeUnit)
			return nil
		})
		if err != nil {
			log.Printf("[Matchmaker] Refund failed for player %d: %v", player, err)
		}
	}
}

// InActiveMatch reports whether the player's marker points at a match that
// is still active. Markers left behind by an interrupted settlement are
// cleared here.
func (m *Matchmaker) InActiveMatch(ctx context.Context, playerID int64) (bool, error) {
	id, err := m.store.ActiveMatch(ctx, playerID)
	if err != nil || id == "" {
		return false, err
	}
	match, err := m.store.GetMatch(ctx, id)
	if err != nil && !errors.Is(err, game.ErrMatchNotFound) {
		return false, err
	}
	if match != nil && match.Active {
		return true, nil
	}
	if err := m.store.ClearActiveMatch(ctx, playerID, id); err != nil {
		return false, err
	}
	return false, nil
}

// Evict removes entries that waited staleAfter or longer from every queue
// and notifies their players. It returns the evicted player ids.
func (m *Matchmaker) Evict(ctx context.Context, now time.Time) ([]int64, error) {
	var evicted []int64
	for _, t := range game.GameTypes {
		var removed []int64
		_, err := m.store.UpdateQueue(ctx, t, func(q []storage.QueueEntry) ([]storage.QueueEntry, error) {
			removed = nil
			kept := q[:0]
			for _, e := range q {
				if now.Sub(e.JoinTime) >= m.staleAfter {
					removed = append(removed, e.PlayerID)
					continue
				}
				kept = append(kept, e)
			}
			return kept, nil
		})
		if err != nil {
			return evicted, err
		}
		for _, player := range removed {
			log.Printf("[Matchmaker] Player %d found no %s opponent", player, t)
			m.notifier.Notify(ctx, player, notify.KindNoOpponent, t)
		}
		evicted = append(evicted, removed...)
	}
	return evicted, nil
}

// Leave removes a player from whichever queue holds them
func (m *Matchmaker) Leave(ctx context.Context, playerID int64) (bool, error) {
	left := false
	for _, t := range game.GameTypes {
		var found bool
		_, err := m.store.UpdateQueue(ctx, t, func(q []storage.QueueEntry) ([]storage.QueueEntry, error) {
			found = false
			kept := q[:0]
			for _, e := range q {
				if e.PlayerID == playerID {
					found = true
					continue
				}
				kept = append(kept, e)
			}
			return kept, nil
		})
		if err != nil {
			return left, err
		}
		left = left || found
	}
	if left {
		log.Printf("[Matchmaker] Player %d left the queue", playerID)
	}
	return left, nil
}

// QueueLengths returns the number of players waiting per game type
func (m *Matchmaker) QueueLengths(ctx context.Context) (map[game.GameType]int, error) {
	lengths := make(map[game.GameType]int, len(game.GameTypes))
	for _, t := range game.GameTypes {
		q, err := m.store.GetQueue(ctx, t)
		if err != nil {
			return nil, err
		}
		lengths[t] = len(q)
	}
	return lengths, nil
}

// ActiveMatchCount returns the number of unsettled matches
func (m *Matchmaker) ActiveMatchCount(ctx context.Context) (int, error) {
	ids, err := m.store.ActiveMatchIDs(ctx)
	return len(ids), err
}
