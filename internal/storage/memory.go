package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xogrid/server/internal/game"
)

const statsKey = "global"

type versioned[T any] struct {
	value   T
	version int64
}

// MemoryStore keeps every record in process. Each record carries a version
// and commits are compare-and-swap, so callers see the same conflict
// behaviour as the database bindings. The mutex is only held while loading
// or committing, never while a mutation runs.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[int64]versioned[PlayerProfile]
	matches  map[string]versioned[game.Match]
	active   map[int64]string
	queues   map[game.GameType]versioned[[]QueueEntry]
	stats    map[string]versioned[Stats]
	payouts  map[int64]versioned[Withdrawal]
	archive  []CompletedMatch
	retry    RetryPolicy
	now      func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[int64]versioned[PlayerProfile]),
		matches:  make(map[string]versioned[game.Match]),
		active:   make(map[int64]string),
		queues:   make(map[game.GameType]versioned[[]QueueEntry]),
		stats:    make(map[string]versioned[Stats]),
		payouts:  make(map[int64]versioned[Withdrawal]),
		retry:    DefaultRetry,
		now:      time.Now,
	}
}

// casUpdate loads rows[key], applies fn to a copy and commits it if the
// version did not move. initial builds the value for an absent key.
func casUpdate[K comparable, T any](ctx context.Context, s *MemoryStore, rows map[K]versioned[T], key K,
	initial func() (T, error), clone func(T) T, fn func(*T) error) (T, error) {
	var out T
	err := withRetry(ctx, s.retry, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		cur, ok := rows[key]
		s.mu.Unlock()

		var val T
		if ok {
			val = clone(cur.value)
		} else {
			v, err := initial()
			if err != nil {
				return err
			}
			val = v
		}
		if err := fn(&val); err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if rows[key].version != cur.version {
			return ErrConflict
		}
		rows[key] = versioned[T]{value: val, version: cur.version + 1}
		out = clone(val)
		return nil
	})
	return out, err
}

func same[T any](v T) T { return v }

func cloneQueue(q []QueueEntry) []QueueEntry {
	return append([]QueueEntry(nil), q...)
}

// GetProfile returns the stored profile or a zero profile
func (s *MemoryStore) GetProfile(ctx context.Context, id int64) (*PlayerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.profiles[id]; ok {
		p := row.value
		return &p, nil
	}
	return &PlayerProfile{ID: id}, nil
}

// UpdateProfile applies fn to the profile under compare-and-swap
func (s *MemoryStore) UpdateProfile(ctx context.Context, id int64, fn func(*PlayerProfile) error) (*PlayerProfile, error) {
	p, err := casUpdate(ctx, s, s.profiles, id, func() (PlayerProfile, error) {
		return PlayerProfile{ID: id, CreatedAt: s.now()}, nil
	}, same[PlayerProfile], func(p *PlayerProfile) error {
		if err := fn(p); err != nil {
			return err
		}
		p.ID = id
		p.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetMatch returns a copy of the match
func (s *MemoryStore) GetMatch(ctx context.Context, id string) (*game.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.matches[id]
	if !ok {
		return nil, game.ErrMatchNotFound
	}
	m := row.value
	return &m, nil
}

// CreateMatch stores a new match and sets both active markers unless one
// of the players is still in an active match
func (s *MemoryStore) CreateMatch(ctx context.Context, m *game.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.matches[m.ID]; exists {
		return ErrConflict
	}
	for _, player := range []int64{m.P1, m.P2} {
		if row, ok := s.matches[s.active[player]]; ok && row.value.Active {
			return game.ErrAlreadyInMatch
		}
	}
	s.matches[m.ID] = versioned[game.Match]{value: *m, version: 1}
	s.active[m.P1] = m.ID
	s.active[m.P2] = m.ID
	return nil
}

// UpdateMatch applies fn to the match under compare-and-swap
func (s *MemoryStore) UpdateMatch(ctx context.Context, id string, fn func(*game.Match) error) (*game.Match, error) {
	m, err := casUpdate(ctx, s, s.matches, id, func() (game.Match, error) {
		return game.Match{}, game.ErrMatchNotFound
	}, same[game.Match], fn)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ActiveMatch returns the player's active match id, or ""
func (s *MemoryStore) ActiveMatch(ctx context.Context, playerID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[playerID], nil
}

// ClearActiveMatch removes the marker if it points at matchID
func (s *MemoryStore) ClearActiveMatch(ctx context.Context, playerID int64, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[playerID] == matchID {
		delete(s.active, playerID)
	}
	return nil
}

// ActiveMatchIDs lists matches that have not been settled
func (s *MemoryStore) ActiveMatchIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, row := range s.matches {
		if row.value.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// GetQueue returns a copy of the queue
func (s *MemoryStore) GetQueue(ctx context.Context, t game.GameType) ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneQueue(s.queues[t].value), nil
}

// UpdateQueue applies fn to the queue under compare-and-swap
func (s *MemoryStore) UpdateQueue(ctx context.Context, t game.GameType, fn func([]QueueEntry) ([]QueueEntry, error)) ([]QueueEntry, error) {
	return casUpdate(ctx, s, s.queues, t, func() ([]QueueEntry, error) {
		return nil, nil
	}, cloneQueue, func(q *[]QueueEntry) error {
		next, err := fn(*q)
		if err != nil {
			return err
		}
		*q = next
		return nil
	})
}

// GetStats returns the global counters
func (s *MemoryStore) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[statsKey].value
	return &st, nil
}

// UpdateStats applies fn to the counters under compare-and-swap
func (s *MemoryStore) UpdateStats(ctx context.Context, fn func(*Stats) error) (*Stats, error) {
	st, err := casUpdate(ctx, s, s.stats, statsKey, func() (Stats, error) {
		return Stats{}, nil
	}, same[Stats], fn)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveCompletedMatch archives a match once
func (s *MemoryStore) SaveCompletedMatch(ctx context.Context, cm *CompletedMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.archive {
		if existing.ID == cm.ID {
			return nil
		}
	}
	stored := *cm
	stored.SettlementErrors = append([]string(nil), cm.SettlementErrors...)
	s.archive = append(s.archive, stored)
	return nil
}

// RecentMatches returns the player's archived matches, newest first
func (s *MemoryStore) RecentMatches(ctx context.Context, playerID int64, limit int) ([]CompletedMatch, error) {
	limit = leaderboardLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CompletedMatch
	for i := len(s.archive) - 1; i >= 0 && len(out) < limit; i-- {
		cm := s.archive[i]
		if cm.Player1 == playerID || cm.Player2 == playerID {
			out = append(out, cm)
		}
	}
	return out, nil
}

// Leaderboard ranks every stored profile
func (s *MemoryStore) Leaderboard(ctx context.Context, by LeaderboardBy, limit int) ([]LeaderboardEntry, error) {
	limit = leaderboardLimit(limit)
	s.mu.Lock()
	profiles := make([]PlayerProfile, 0, len(s.profiles))
	for _, row := range s.profiles {
		profiles = append(profiles, row.value)
	}
	s.mu.Unlock()

	sort.Slice(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if by == ByWithdrawable {
			if c := a.WithdrawableBalance.Cmp(b.WithdrawableBalance); c != 0 {
				return c > 0
			}
		} else if a.Trophies != b.Trophies {
			return a.Trophies > b.Trophies
		}
		return a.ID < b.ID
	})

	entries := make([]LeaderboardEntry, 0, limit)
	for i, p := range profiles {
		if i >= limit {
			break
		}
		entries = append(entries, entryFromProfile(i+1, p))
	}
	return entries, nil
}

func entryFromProfile(rank int, p PlayerProfile) LeaderboardEntry {
	return LeaderboardEntry{
		Rank:          rank,
		PlayerID:      p.ID,
		Username:      p.Username,
		Trophies:      p.Trophies,
		Withdrawable:  p.WithdrawableBalance,
		Wins:          p.Wins,
		Losses:        p.Losses,
		MatchesPlayed: p.MatchesPlayed,
	}
}

// GetWithdrawal returns the player's withdrawal record
func (s *MemoryStore) GetWithdrawal(ctx context.Context, playerID int64) (*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.payouts[playerID].value
	w.PlayerID = playerID
	return &w, nil
}

// UpdateWithdrawal applies fn to the record under compare-and-swap
func (s *MemoryStore) UpdateWithdrawal(ctx context.Context, playerID int64, fn func(*Withdrawal) error) (*Withdrawal, error) {
	w, err := casUpdate(ctx, s, s.payouts, playerID, func() (Withdrawal, error) {
		return Withdrawal{PlayerID: playerID}, nil
	}, same[Withdrawal], func(w *Withdrawal) error {
		if err := fn(w); err != nil {
			return err
		}
		w.PlayerID = playerID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// PendingWithdrawals lists open requests, oldest first
func (s *MemoryStore) PendingWithdrawals(ctx context.Context) ([]Withdrawal, error) {
	s.mu.Lock()
	var out []Withdrawal
	for _, row := range s.payouts {
		if row.value.Pending() {
			out = append(out, row.value)
		}
	}
	s.mu.Unlock()
	sortWithdrawals(out)
	return out, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() {}
