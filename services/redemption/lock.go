package redemption

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"giftcode-redeemer/pkg/rediskey"
)

var ErrLocked = errors.New("redemption: a batch for this code is already running")

// Locker keeps two batches for the same code from running at once. The
// ledger still guards against double credit without it.
type Locker interface {
	Acquire(ctx context.Context, code string, ttl time.Duration) (release func(), err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	rdb  redis.UniversalClient
	node *snowflake.Node
}

func NewRedisLocker(rdb redis.UniversalClient, node *snowflake.Node) Locker {
	return &redisLocker{rdb: rdb, node: node}
}

func (l *redisLocker) Acquire(ctx context.Context, code string, ttl time.Duration) (func(), error) {
	key := rediskey.BuildGiftCodeLockKey(code)
	token := l.node.Generate().String()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			zap.L().Warn("failed to release gift code lock", zap.String("key", key), zap.Error(err))
		}
	}
	return release, nil
}

type noopLocker struct{}

func (noopLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}
