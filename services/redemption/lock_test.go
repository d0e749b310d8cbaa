package redemption

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNoopLocker(t *testing.T) {
	release, err := noopLocker{}.Acquire(context.Background(), testCode, time.Minute)
	require.NoError(t, err)
	release()
}

// Runs against a real server when REDIS_TEST_ADDR is set.
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	ctx := context.Background()
	code := "LOCK" + node.Generate().String()[:8]
	l := NewRedisLocker(rdb, node)

	release, err := l.Acquire(ctx, code, time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, code, time.Minute)
	require.ErrorIs(t, err, ErrLocked)

	release()

	release, err = l.Acquire(ctx, code, time.Minute)
	require.NoError(t, err)
	release()
}
