package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xogrid/server/internal/game"
)

const (
	keyPrefix         = "xogrid:"
	keyActiveMatches  = keyPrefix + "matches:active"
	keyStats          = keyPrefix + "stats"
	keyLBTrophies     = keyPrefix + "lb:trophies"
	keyLBWithdrawable = keyPrefix + "lb:withdrawable"
	keyPendingPayouts = keyPrefix + "withdrawals:pending"
)

func profileKey(id int64) string { return keyPrefix + "profile:" + strconv.FormatInt(id, 10) }
func matchKey(id string) string { return keyPrefix + "match:" + id }
func activeKey(playerID int64) string { return keyPrefix + "active:" + strconv.FormatInt(playerID, 10) }
func queueKey(t game.GameType) string { return keyPrefix + "queue:" + string(t) }
func archiveKey(id string) string { return keyPrefix + "archive:" + id }
func playerHistoryKey(playerID int64) string { return keyPrefix + "history:" + strconv.FormatInt(playerID, 10) }
func withdrawalKey(playerID int64) string { return keyPrefix + "withdrawal:" + strconv.FormatInt(playerID, 10) }

const historyLength = 100

// RedisStore keeps records as JSON values and commits them with
// WATCH/MULTI optimistic transactions.
type RedisStore struct {
	rdb   *redis.Client
	retry RetryPolicy
}

// NewRedisStore connects to Redis
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Println("[Storage] Connected to Redis")
	return &RedisStore{rdb: client, retry: DefaultRetry}, nil
}

// cas watches key, hands its current JSON (nil if absent) to mutate and
// writes the result in a MULTI block. The func mutate returns alongside the
// value queues additional writes in the same transaction.
func (s *RedisStore) cas(ctx context.Context, key string,
	mutate func(raw []byte) (any, func(redis.Pipeliner), error)) error {
	return withRetry(ctx, s.retry, func() error {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				raw = nil
			} else if err != nil {
				return err
			}

			val, extra, err := mutate(raw)
			if err != nil {
				return err
			}
			data, err := json.Marshal(val)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if extra != nil {
					extra(pipe)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return ErrConflict
		}
		return err
	})
}

func getJSON(ctx context.Context, rdb *redis.Client, key string, dst any) (bool, error) {
	raw, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, dst)
}

// GetProfile returns the stored profile or a zero profile
func (s *RedisStore) GetProfile(ctx context.Context, id int64) (*PlayerProfile, error) {
	p := PlayerProfile{ID: id}
	if _, err := getJSON(ctx, s.rdb, profileKey(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile applies fn and keeps the leaderboard sets in the same transaction
func (s *RedisStore) UpdateProfile(ctx context.Context, id int64, fn func(*PlayerProfile) error) (*PlayerProfile, error) {
	var out PlayerProfile
	err := s.cas(ctx, profileKey(id), func(raw []byte) (any, func(redis.Pipeliner), error) {
		now := time.Now().UTC()
		p := PlayerProfile{ID: id, CreatedAt: now}
		if raw != nil {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, nil, err
			}
		}
		if err := fn(&p); err != nil {
			return nil, nil, err
		}
		p.ID = id
		p.UpdatedAt = now
		out = p

		member := strconv.FormatInt(id, 10)
		withdrawable, _ := p.WithdrawableBalance.Float64()
		return p, func(pipe redis.Pipeliner) {
			pipe.ZAdd(ctx, keyLBTrophies, redis.Z{Score: float64(p.Trophies), Member: member})
			pipe.ZAdd(ctx, keyLBWithdrawable, redis.Z{Score: withdrawable, Member: member})
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMatch loads a match by id
func (s *RedisStore) GetMatch(ctx context.Context, id string) (*game.Match, error) {
	var m game.Match
	found, err := getJSON(ctx, s.rdb, matchKey(id), &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, game.ErrMatchNotFound
	}
	return &m, nil
}

// CreateMatch stores the match, both active markers and the active index.
// The two markers are watched so a concurrent pairing of either player
// forces a re-check.
func (s *RedisStore) CreateMatch(ctx context.Context, m *game.Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := matchKey(m.ID)
	err = withRetry(ctx, s.retry, func() error {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return errMatchExists
			}
			for _, player := range []int64{m.P1, m.P2} {
				busy, err := s.inActiveMatch(ctx, tx, player)
				if err != nil {
					return err
				}
				if busy {
					return game.ErrAlreadyInMatch
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.Set(ctx, activeKey(m.P1), m.ID, 0)
				pipe.Set(ctx, activeKey(m.P2), m.ID, 0)
				pipe.SAdd(ctx, keyActiveMatches, m.ID)
				return nil
			})
			return err
		}, key, activeKey(m.P1), activeKey(m.P2))
		if errors.Is(err, redis.TxFailedErr) {
			return ErrConflict
		}
		return err
	})
	if errors.Is(err, errMatchExists) {
		return fmt.Errorf("match %s: %w", m.ID, ErrConflict)
	}
	return err
}

var errMatchExists = errors.New("match id taken")

// inActiveMatch reports whether the player's marker names an active match
func (s *RedisStore) inActiveMatch(ctx context.Context, tx *redis.Tx, player int64) (bool, error) {
	id, err := tx.Get(ctx, activeKey(player)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var current game.Match
	raw, err := tx.Get(ctx, matchKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, &current); err != nil {
		return false, err
	}
	return current.Active, nil
}

// UpdateMatch applies fn and keeps the active index in the same transaction
func (s *RedisStore) UpdateMatch(ctx context.Context, id string, fn func(*game.Match) error) (*game.Match, error) {
	var out game.Match
	err := s.cas(ctx, matchKey(id), func(raw []byte) (any, func(redis.Pipeliner), error) {
		if raw == nil {
			return nil, nil, game.ErrMatchNotFound
		}
		var m game.Match
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, nil, err
		}
		if err := fn(&m); err != nil {
			return nil, nil, err
		}
		out = m
		return m, func(pipe redis.Pipeliner) {
			if !m.Active {
				pipe.SRem(ctx, keyActiveMatches, id)
			}
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveMatch returns the player's active match id, or ""
func (s *RedisStore) ActiveMatch(ctx context.Context, playerID int64) (string, error) {
	id, err := s.rdb.Get(ctx, activeKey(playerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

// ClearActiveMatch removes the marker if it points at matchID
func (s *RedisStore) ClearActiveMatch(ctx context.Context, playerID int64, matchID string) error {
	key := activeKey(playerID)
	err := withRetry(ctx, s.retry, func() error {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) || (err == nil && current != matchID) {
				return nil
			}
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return ErrConflict
		}
		return err
	})
	return err
}

// ActiveMatchIDs lists matches that have not been settled
func (s *RedisStore) ActiveMatchIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, keyActiveMatches).Result()
}

// GetQueue returns the queue for a game type
func (s *RedisStore) GetQueue(ctx context.Context, t game.GameType) ([]QueueEntry, error) {
	var q []QueueEntry
	if _, err := getJSON(ctx, s.rdb, queueKey(t), &q); err != nil {
		return nil, err
	}
	return q, nil
}

// UpdateQueue applies fn to the queue under WATCH
func (s *RedisStore) UpdateQueue(ctx context.Context, t game.GameType, fn func([]QueueEntry) ([]QueueEntry, error)) ([]QueueEntry, error) {
	var out []QueueEntry
	err := s.cas(ctx, queueKey(t), func(raw []byte) (any, func(redis.Pipeliner), error) {
		var q []QueueEntry
		if raw != nil {
			if err := json.Unmarshal(raw, &q); err != nil {
				return nil, nil, err
			}
		}
		next, err := fn(q)
		if err != nil {
			return nil, nil, err
		}
		if next == nil {
			next = []QueueEntry{}
		}
		out = next
		return next, nil, nil
	})
	return out, err
}

// GetStats returns the global counters
func (s *RedisStore) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	if _, err := getJSON(ctx, s.rdb, keyStats, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateStats applies fn to the counters under WATCH
func (s *RedisStore) UpdateStats(ctx context.Context, fn func(*Stats) error) (*Stats, error) {
	var out Stats
	err := s.cas(ctx, keyStats, func(raw []byte) (any, func(redis.Pipeliner), error) {
		var st Stats
		if raw != nil {
			if err := json.Unmarshal(raw, &st); err != nil {
				return nil, nil, err
			}
		}
		if err := fn(&st); err != nil {
			return nil, nil, err
		}
		out = st
		return st, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveCompletedMatch archives a match once and indexes it per player
func (s *RedisStore) SaveCompletedMatch(ctx context.Context, cm *CompletedMatch) error {
	data, err := json.Marshal(cm)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, archiveKey(cm.ID), data, 0).Result()
	if err != nil || !ok {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, player := range []int64{cm.Player1, cm.Player2} {
			pipe.LPush(ctx, playerHistoryKey(player), cm.ID)
			pipe.LTrim(ctx, playerHistoryKey(player), 0, historyLength-1)
		}
		return nil
	})
	return err
}

// RecentMatches returns the player's archived matches, newest first
func (s *RedisStore) RecentMatches(ctx context.Context, playerID int64, limit int) ([]CompletedMatch, error) {
	ids, err := s.rdb.LRange(ctx, playerHistoryKey(playerID), 0, int64(leaderboardLimit(limit))-1).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = archiveKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	matches := make([]CompletedMatch, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var cm CompletedMatch
		if err := json.Unmarshal([]byte(str), &cm); err != nil {
			return nil, err
		}
		matches = append(matches, cm)
	}
	return matches, nil
}

// Leaderboard reads the ranking sorted set and loads each profile
func (s *RedisStore) Leaderboard(ctx context.Context, by LeaderboardBy, limit int) ([]LeaderboardEntry, error) {
	key := keyLBTrophies
	if by == ByWithdrawable {
		key = keyLBWithdrawable
	}
	members, err := s.rdb.ZRevRange(ctx, key, 0, int64(leaderboardLimit(limit))-1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(members))
	for i, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		p, err := s.GetProfile(ctx, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entryFromProfile(i+1, *p))
	}
	return entries, nil
}

// GetWithdrawal returns the player's withdrawal record
func (s *RedisStore) GetWithdrawal(ctx context.Context, playerID int64) (*Withdrawal, error) {
	w := Withdrawal{PlayerID: playerID}
	if _, err := getJSON(ctx, s.rdb, withdrawalKey(playerID), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWithdrawal applies fn under WATCH and keeps the pending index in the
// same transaction
func (s *RedisStore) UpdateWithdrawal(ctx context.Context, playerID int64, fn func(*Withdrawal) error) (*Withdrawal, error) {
	var out Withdrawal
	err := s.cas(ctx, withdrawalKey(playerID), func(raw []byte) (any, func(redis.Pipeliner), error) {
		w := Withdrawal{PlayerID: playerID}
		if raw != nil {
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, nil, err
			}
		}
		if err := fn(&w); err != nil {
			return nil, nil, err
		}
		w.PlayerID = playerID
		out = w

		member := strconv.FormatInt(playerID, 10)
		return w, func(pipe redis.Pipeliner) {
			if w.Pending() {
				pipe.ZAdd(ctx, keyPendingPayouts, redis.Z{Score: float64(w.RequestedAt.UnixMilli()), Member: member})
			} else {
				pipe.ZRem(ctx, keyPendingPayouts, member)
			}
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PendingWithdrawals lists open requests, oldest first
func (s *RedisStore) PendingWithdrawals(ctx context.Context) ([]Withdrawal, error) {
	members, err := s.rdb.ZRange(ctx, keyPendingPayouts, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []Withdrawal
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		w, err := s.GetWithdrawal(ctx, id)
		if err != nil {
			return nil, err
		}
		if w.Pending() {
			out = append(out, *w)
		}
	}
	sortWithdrawals(out)
	return out, nil
}

// Close closes the client
func (s *RedisStore) Close() {
	if err := s.rdb.Close(); err != nil {
		log.Printf("[Storage] redis close: %v", err)
	}
}
