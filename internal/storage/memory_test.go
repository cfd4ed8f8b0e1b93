package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xogrid/server/internal/game"
)

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	m := game.NewMatch(1, 2, game.Ranked, time.Now(), 0)
	require.NoError(t, s.CreateMatch(ctx, m))

	loaded, err := s.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	loaded.Board[0] = game.O

	again, err := s.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, game.Empty, again.Board[0])

	_, err = s.UpdateQueue(ctx, game.Ranked, func(q []QueueEntry) ([]QueueEntry, error) {
		return append(q, QueueEntry{PlayerID: 7}), nil
	})
	require.NoError(t, err)
	q, _ := s.GetQueue(ctx, game.Ranked)
	q[0].PlayerID = 8
	q, _ = s.GetQueue(ctx, game.Ranked)
	assert.Equal(t, int64(7), q[0].PlayerID)
}

func TestMemoryStoreDetectsInterleavedWrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	attempts := 0
	p, err := s.UpdateProfile(ctx, 1, func(p *PlayerProfile) error {
		attempts++
		if attempts == 1 {
			// another writer commits while this mutation is in flight
			_, err := s.UpdateProfile(ctx, 1, func(p *PlayerProfile) error {
				p.Trophies += 10
				return nil
			})
			require.NoError(t, err)
		}
		p.Trophies++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts, "the first commit must conflict and rerun")
	assert.Equal(t, 11, p.Trophies)
}

func TestMemoryStoreDuplicateMatch(t *testing.T) {
	s := NewMemoryStore()
	m := game.NewMatch(1, 2, game.Ranked, time.Now(), 0)
	require.NoError(t, s.CreateMatch(context.Background(), m))
	err := s.CreateMatch(context.Background(), m)
	assert.True(t, errors.Is(err, ErrConflict))
}
