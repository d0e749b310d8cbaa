package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"giftcode-redeemer/pkg/config"
)

func TestQueues(t *testing.T) {
	cfg := &config.Config{}
	require.Len(t, Queues(cfg), 3)

	cfg.Redeem.TaskQueue = "default"
	require.Len(t, Queues(cfg), 3)

	cfg.Redeem.TaskQueue = "redeem"
	q := Queues(cfg)
	require.Equal(t, 6, q["redeem"])
	require.Len(t, q, 4)
}

func TestRedisOpt(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.Addr = "redis:6379"
	cfg.Redis.DB = 1

	opt := redisOpt(cfg)
	require.Equal(t, "redis:6379", opt.Addr)
	require.Equal(t, 1, opt.DB)
}
