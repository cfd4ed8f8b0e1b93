package matchmaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xogrid/server/internal/game"
	"github.com/xogrid/server/internal/notify"
	"github.com/xogrid/server/internal/storage"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.MemoryStore
	recorder *notify.Recorder
	mm       *Matchmaker
	now      time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store:    storage.NewMemoryStore(),
		recorder: &notify.Recorder{},
		now:      t0,
	}
	f.mm = NewMatchmaker(f.store, f.recorder, Config{})
	f.mm.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) fund(t *testing.T, player int64, amount int64) {
	t.Helper()
	_, err := f.store.UpdateProfile(context.Background(), player, func(p *storage.PlayerProfile) error {
		p.StakeBalance = decimal.NewFromInt(amount)
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) stake(t *testing.T, player int64) decimal.Decimal {
	t.Helper()
	p, err := f.store.GetProfile(context.Background(), player)
	require.NoError(t, err)
	return p.StakeBalance
}

func TestJoinQueuesFirstPlayer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	m, err := f.mm.Join(ctx, 1, game.Ranked)
	require.NoError(t, err)
	assert.Nil(t, m)

	lengths, err := f.mm.QueueLengths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lengths[game.Ranked])
	assert.Equal(t, 0, lengths[game.Staked])
	assert.Equal(t, []notify.EventKind{notify.KindQueued}, f.recorder.For(1))
}

func TestJoinPairsInArrivalOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var matches []*game.Match
	for i, player := range []int64{1, 2, 3, 4} {
		f.now = t0.Add(time.Duration(i) * time.Second)
		m, err := f.mm.Join(ctx, player, game.Ranked)
		require.NoError(t, err)
		if m != nil {
			matches = append(matches, m)
		}
	}

	require.Len(t, matches, 2)
	assert.Equal(t, [2]int64{1, 2}, [2]int64{matches[0].P1, matches[0].P2})
	assert.Equal(t, [2]int64{3, 4}, [2]int64{matches[1].P1, matches[1].P2})
	assert.Equal(t, game.Ranked, matches[0].Type)

	for _, player := range []int64{1, 2} {
		id, err := f.store.ActiveMatch(ctx, player)
		require.NoError(t, err)
		assert.Equal(t, matches[0].ID, id)
		assert.Contains(t, f.recorder.For(player), notify.KindMatchStarted)
	}

	q, err := f.store.GetQueue(ctx, game.Ranked)
	require.NoError(t, err)
	assert.Empty(t, q)
}

func TestJoinRejectsQueuedPlayer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.mm.Join(ctx, 1, game.Ranked)
	require.NoError(t, err)

	_, err = f.mm.Join(ctx, 1, game.Ranked)
	assert.ErrorIs(t, err, game.ErrAlreadyQueued)

	_, err = f.mm.Join(ctx, 1, game.Staked)
	assert.ErrorIs(t, err, game.ErrAlreadyQueued)

	q, _ := f.store.GetQueue(ctx, game.Ranked)
	assert.Len(t, q, 1)
}

func TestJoinRejectsPlayerInMatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.mm.Join(ctx, 1, game.Ranked)
	require.NoError(t, err)
	m, err := f.mm.Join(ctx, 2, game.Ranked)
	require.NoError(t, err)
	require.NotNil(t, m)

	_, err = f.mm.Join(ctx, 1, game.Ranked)
	assert.ErrorIs(t, err, game.ErrAlreadyInMatch)
	_, err = f.mm.Join(ctx, 2, game.Staked)
	assert.ErrorIs(t, err, game.ErrAlreadyInMatch)
}

func TestJoinClearsMarkerOfSettledMatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	m := game.NewMatch(1, 2, game.Ranked, t0, 0)
	require.NoError(t, f.store.CreateMatch(ctx, m))
	_, err := f.store.UpdateMatch(ctx, m.ID, func(m *game.Match) error {
		m.Active = false
		return nil
	})
	require.NoError(t, err)

	_, err = f.mm.Join(ctx, 1, game.Ranked)
	require.NoError(t, err)

	id, _ := f.store.ActiveMatch(ctx, 1)
	assert.Empty(t, id)
}

func TestStaleEntryIsEvictedBeforeJoin(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.mm.Join(ctx, 1, game.Ranked)
	require.NoError(t, err)

	f.now = t0.Add(61 * time.Second)
	m, err := f.mm.Join(ctx, 2, game.Ranked)
	require.NoError(t, err)
	assert.Nil(t, m, "the stale player must not be paired")

	assert.Equal(t, []notify.EventKind{notify.KindQueued, notify.KindNoOpponent}, f.recorder.For(1))

	q, err := f.store.GetQueue(ctx, game.Ranked)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, int64(2), q[0].PlayerID)
}

func TestEvictionCoversBothQueues(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.fund(t, 1, 3)

	_, err := f.mm.Join(ctx, 1, game.Staked)
	require.NoError(t, err)

	// exactly at the staleness boundary
	f.now = t0.Add(DefaultStaleAfter)
	_, err = f.mm.Join(ctx, 2, game.Ranked)
	require.NoError(t, err)

	q, _ := f.store.GetQueue(ctx, game.Staked)
	assert.Empty(t, q)
	assert.Contains(t, f.recorder.For(1), notify.KindNoOpponent)
}

func TestEntryYoungerThanTimeoutSurvives(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.mm.Join(ctx, 1, game.Ranked)
	require.NoError(t, err)

	f.now = t0.Add(59 * time.Second)
	m, err := f.mm.Join(ctx, 2, game.Ranked)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, int64(1), m.P1)
}

func TestStakedJoinNeedsFunds(t *testing.T) {
	f := newFixture()
	_, err := f.mm.Join(context.Background(), 1, game.Staked)
	assert.ErrorIs(t, err, game.ErrInsufficientFunds)
}

func TestStakedMatchDebitsBothPlayers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.fund(t, 1, 1)
	f.fund(t, 2, 3)

	_, err := f.mm.Join(ctx, 1, game.Staked)
	require.NoError(t, err)
	m, err := f.mm.Join(ctx, 2, game.Staked)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, game.Staked, m.Type)

	assert.True(t, f.stake(t, 1).IsZero())
	assert.True(t, f.stake(t, 2).Equal(decimal.NewFromInt(2)))
}

// overstatedStore reports a healthy balance for one player at admission
// while the stored balance is empty, so the later debit fails.
type overstatedStore struct {
	*storage.MemoryStore
	player int64
}

func (s overstatedStore) GetProfile(ctx context.Context, id int64) (*storage.PlayerProfile, error) {
	p, err := s.MemoryStore.GetProfile(ctx, id)
	if err == nil && id == s.player {
		p.StakeBalance = decimal.NewFromInt(5)
	}
	return p, err
}

func TestFailedDebitRefundsAndCancels(t *testing.T) {
	store := storage.NewMemoryStore()
	recorder := &notify.Recorder{}
	mm := NewMatchmaker(overstatedStore{MemoryStore: store, player: 2}, recorder, Config{})
	ctx := context.Background()

	_, err := store.UpdateProfile(ctx, 1, func(p *storage.PlayerProfile) error {
		p.StakeBalance = decimal.NewFromInt(1)
		return nil
	})
	require.NoError(t, err)

	_, err = mm.Join(ctx, 1, game.Staked)
	require.NoError(t, err)
	m, err := mm.Join(ctx, 2, game.Staked)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, game.ErrMatchCancelled)

	p1, _ := store.GetProfile(ctx, 1)
	assert.True(t, p1.StakeBalance.Equal(decimal.NewFromInt(1)), "p1 must be refunded")
	assert.Contains(t, recorder.For(1), notify.KindMatchCancelled)
	assert.Contains(t, recorder.For(2), notify.KindMatchCancelled)

	ids, _ := store.ActiveMatchIDs(ctx)
	assert.Empty(t, ids)
}

func TestConcurrentJoinsPairEveryone(t *testing.T) {
	f := newFixture()
	f.mm.SetClock(time.Now)
	ctx := context.Background()

	const players = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matches []*game.Match
	)
	for i := 1; i <= players; i++ {
		wg.Add(1)
		go func(player int64) {
			defer wg.Done()
			m, err := f.mm.Join(ctx, player, game.Ranked)
			assert.NoError(t, err)
			if m != nil {
				mu.Lock()
				matches = append(matches, m)
				mu.Unlock()
			}
		}(int64(i))
	}
	wg.Wait()

	require.Len(t, matches, players/2)
	seen := make(map[int64]bool)
	for _, m := range matches {
		for _, p := range []int64{m.P1, m.P2} {
			assert.False(t, seen[p], "player %d paired twice", p)
			seen[p] = true
		}
	}
	assert.Len(t, seen, players)

	q, _ := f.store.GetQueue(ctx, game.Ranked)
	assert.Empty(t, q)
}

func TestConcurrentDuplicateJoinAdmitsOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mm.Join(ctx, 1, game.Ranked)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, game.ErrAlreadyQueued)
		}
	}
	assert.Equal(t, 1, ok)
	q, _ := f.store.GetQueue(ctx, game.Ranked)
	assert.Len(t, q, 1)
}

func TestLeave(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.mm.Join(ctx, 1, game.Ranked)
	require.NoError(t, err)

	left, err := f.mm.Leave(ctx, 1)
	require.NoError(t, err)
	assert.True(t, left)

	left, err = f.mm.Leave(ctx, 1)
	require.NoError(t, err)
	assert.False(t, left)

	_, err = f.mm.Join(ctx, 1, game.Ranked)
	assert.NoError(t, err)
}

func TestJoinRejectsUnknownType(t *testing.T) {
	f := newFixture()
	_, err := f.mm.Join(context.Background(), 1, game.GameType("blitz"))
	assert.ErrorIs(t, err, game.ErrInvalidGameType)
}

// racingStore lets another queue write land right after Join has read the
// other queues.
type racingStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	afterGet map[game.GameType]func()
}

func (s *racingStore) GetQueue(ctx context.Context, t game.GameType) ([]storage.QueueEntry, error) {
	q, err := s.MemoryStore.GetQueue(ctx, t)
	s.mu.Lock()
	hook := s.afterGet[t]
	delete(s.afterGet, t)
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return q, err
}

func TestPlayerInTwoQueuesIsPairedOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	recorder := &notify.Recorder{}
	racing := &racingStore{MemoryStore: store}
	mm := NewMatchmaker(racing, recorder, Config{})
	now := t0
	mm.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for _, player := range []int64{1, 3} {
		_, err := store.UpdateProfile(ctx, player, func(p *storage.PlayerProfile) error {
			p.StakeBalance = decimal.NewFromInt(5)
			return nil
		})
		require.NoError(t, err)
	}

	// player 1 enters the staked queue between the ranked join's check and
	// its own queue write
	racing.afterGet = map[game.GameType]func(){game.Staked: func() {
		_, err := store.UpdateQueue(ctx, game.Staked, func(q []storage.QueueEntry) ([]storage.QueueEntry, error) {
			return append(q, storage.QueueEntry{PlayerID: 1, JoinTime: t0}), nil
		})
		require.NoError(t, err)
	}}
	m, err := mm.Join(ctx, 1, game.Ranked)
	require.NoError(t, err)
	require.Nil(t, m)

	now = t0.Add(time.Second)
	first, err := mm.Join(ctx, 2, game.Ranked)
	require.NoError(t, err)
	require.NotNil(t, first)

	now = t0.Add(2 * time.Second)
	second, err := mm.Join(ctx, 3, game.Staked)
	require.NoError(t, err)
	assert.Nil(t, second, "player 1 is already playing")

	ids, err := store.ActiveMatchIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, ids)

	q, _ := store.GetQueue(ctx, game.Staked)
	require.Len(t, q, 1)
	assert.Equal(t, int64(3), q[0].PlayerID)

	p1, _ := store.GetProfile(ctx, 1)
	assert.Equal(t, "5", p1.StakeBalance.String())
	p3, _ := store.GetProfile(ctx, 3)
	assert.Equal(t, "5", p3.StakeBalance.String())
	assert.Equal(t, []notify.EventKind{notify.KindQueued}, recorder.For(3))
}

// hiddenMarkerStore hides active markers until a match is created, so the
// matchmaker's own check passes and only the store can refuse.
type hiddenMarkerStore struct {
	*storage.MemoryStore
	mu     sync.Mutex
	hidden bool
}

func (s *hiddenMarkerStore) ActiveMatch(ctx context.Context, playerID int64) (string, error) {
	s.mu.Lock()
	hidden := s.hidden
	s.mu.Unlock()
	if hidden {
		return "", nil
	}
	return s.MemoryStore.ActiveMatch(ctx, playerID)
}

func (s *hiddenMarkerStore) CreateMatch(ctx context.Context, m *game.Match) error {
	s.mu.Lock()
	s.hidden = false
	s.mu.Unlock()
	return s.MemoryStore.CreateMatch(ctx, m)
}

func TestRefusedMatchCreationRefundsStakes(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	busy := game.NewMatch(1, 9, game.Ranked, t0, 0)
	require.NoError(t, store.CreateMatch(ctx, busy))

	for _, player := range []int64{1, 3} {
		_, err := store.UpdateProfile(ctx, player, func(p *storage.PlayerProfile) error {
			p.StakeBalance = decimal.NewFromInt(2)
			return nil
		})
		require.NoError(t, err)
	}
	_, err := store.UpdateQueue(ctx, game.Staked, func(q []storage.QueueEntry) ([]storage.QueueEntry, error) {
		return append(q, storage.QueueEntry{PlayerID: 1, JoinTime: t0}), nil
	})
	require.NoError(t, err)

	recorder := &notify.Recorder{}
	mm := NewMatchmaker(&hiddenMarkerStore{MemoryStore: store, hidden: true}, recorder, Config{})
	mm.SetClock(func() time.Time { return t0.Add(time.Second) })

	m, err := mm.Join(ctx, 3, game.Staked)
	require.NoError(t, err)
	assert.Nil(t, m)

	for _, player := range []int64{1, 3} {
		p, _ := store.GetProfile(ctx, player)
		assert.Equal(t, "2", p.StakeBalance.String(), "player %d", player)
	}
	q, _ := store.GetQueue(ctx, game.Staked)
	require.Len(t, q, 1)
	assert.Equal(t, int64(3), q[0].PlayerID)
	assert.NotContains(t, recorder.For(3), notify.KindMatchCancelled)

	ids, _ := store.ActiveMatchIDs(ctx)
	assert.Equal(t, []string{busy.ID}, ids)
}
