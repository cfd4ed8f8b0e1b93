package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	s, err := NewRedisStore(ctx, redisURL)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.rdb.FlushDB(ctx).Err())

	testStore(t, s)
}
