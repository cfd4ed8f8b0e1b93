package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xogrid/server/internal/game"
)

// ErrConflict is returned when a compare-and-swap commit loses to a
// concurrent writer. Update methods retry it internally and only surface it
// once the retry budget is spent.
var ErrConflict = errors.New("storage: version conflict")

// ProfileStore persists player profiles
type ProfileStore interface {
	GetProfile(ctx context.Context, id int64) (*PlayerProfile, error)
	// UpdateProfile runs fn on a private copy of the current profile and
	// commits it only if nobody wrote the profile in between. An error from
	// fn aborts the update without retrying.
	UpdateProfile(ctx context.Context, id int64, fn func(*PlayerProfile) error) (*PlayerProfile, error)
}

// MatchStore persists matches and the per-player active match markers
type MatchStore interface {
	// GetMatch returns game.ErrMatchNotFound for unknown ids.
	GetMatch(ctx context.Context, id string) (*game.Match, error)
	// CreateMatch inserts a new match and points both players' active
	// markers at it. It returns game.ErrAlreadyInMatch, writing nothing, when
	// either marker already points at an active match.
	CreateMatch(ctx context.Context, m *game.Match) error
	UpdateMatch(ctx context.Context, id string, fn func(*game.Match) error) (*game.Match, error)
	// ActiveMatch returns the id the player's marker points at, or "".
	ActiveMatch(ctx context.Context, playerID int64) (string, error)
	// ClearActiveMatch removes the marker only if it still points at matchID.
	ClearActiveMatch(ctx context.Context, playerID int64, matchID string) error
	ActiveMatchIDs(ctx context.Context) ([]string, error)
}

// QueueStore persists one FIFO queue per game type
type QueueStore interface {
	GetQueue(ctx context.Context, t game.GameType) ([]QueueEntry, error)
	UpdateQueue(ctx context.Context, t game.GameType, fn func([]QueueEntry) ([]QueueEntry, error)) ([]QueueEntry, error)
}

// StatsStore persists the global counters
type StatsStore interface {
	GetStats(ctx context.Context) (*Stats, error)
	UpdateStats(ctx context.Context, fn func(*Stats) error) (*Stats, error)
}

// ArchiveStore keeps settled matches and answers ranking queries
type ArchiveStore interface {
	SaveCompletedMatch(ctx context.Context, cm *CompletedMatch) error
	RecentMatches(ctx context.Context, playerID int64, limit int) ([]CompletedMatch, error)
	Leaderboard(ctx context.Context, by LeaderboardBy, limit int) ([]LeaderboardEntry, error)
}

// WithdrawalStore keeps one withdrawal record per player
type WithdrawalStore interface {
	// GetWithdrawal returns the player's record, or a zero record.
	GetWithdrawal(ctx context.Context, playerID int64) (*Withdrawal, error)
	// UpdateWithdrawal runs fn on the current record (zero if absent) under
	// compare-and-swap.
	UpdateWithdrawal(ctx context.Context, playerID int64, fn func(*Withdrawal) error) (*Withdrawal, error)
	// PendingWithdrawals lists requests not yet completed, oldest first.
	PendingWithdrawals(ctx context.Context) ([]Withdrawal, error)
}

// Store is everything the service persists
type Store interface {
	ProfileStore
	MatchStore
	QueueStore
	StatsStore
	ArchiveStore
	WithdrawalStore
	Close()
}

// RetryPolicy bounds the compare-and-swap retry loop
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetry is used by every store binding unless overridden
var DefaultRetry = RetryPolicy{
	MaxAttempts: 100,
	BaseDelay:   time.Millisecond,
	MaxDelay:    100 * time.Millisecond,
}

// withRetry runs op until it returns something other than ErrConflict.
// Delays double up to MaxDelay with full jitter on the upper half.
func withRetry(ctx context.Context, p RetryPolicy, op func() error) error {
	if p.MaxAttempts <= 0 {
		p = DefaultRetry
	}
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := op()
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		wait := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		if err := sleepWithContext(ctx, wait); err != nil {
			return err
		}
		if delay < p.MaxDelay {
			delay *= 2
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func sortWithdrawals(ws []Withdrawal) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].RequestedAt.Equal(ws[j].RequestedAt) {
			return ws[i].RequestedAt.Before(ws[j].RequestedAt)
		}
		return ws[i].PlayerID < ws[j].PlayerID
	})
}

func leaderboardLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// uuidOrNotFound rejects ids that could never name a match
func uuidOrNotFound(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, game.ErrMatchNotFound
	}
	return u, nil
}
