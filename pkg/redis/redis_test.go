package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"giftcode-redeemer/pkg/config"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestNewDisabledWithoutAddr(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	require.Nil(t, New(lc, &config.Config{}))
}

func TestOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.Addr = "redis:6379"
	cfg.Redis.DB = 2
	cfg.Redis.PoolTimeout = time.Second

	opts := Options(cfg)
	require.Equal(t, "redis:6379", opts.Addr)
	require.Equal(t, 2, opts.DB)
	require.Equal(t, time.Second, opts.PoolTimeout)
}
