package profiling

import (
	"testing"

	"github.com/grafana/pyroscope-go"
	"github.com/stretchr/testify/require"

	"giftcode-redeemer/pkg/config"
)

func TestNewConfig(t *testing.T) {
	cfg := &config.Config{AppName: "giftcode-redeemer", AppEnv: "test"}
	cfg.Pyroscope.Addr = "http://pyroscope:4040"

	pc := NewConfig(cfg)
	require.Equal(t, "giftcode-redeemer", pc.ApplicationName)
	require.Equal(t, "http://pyroscope:4040", pc.ServerAddress)
	require.Contains(t, pc.ProfileTypes, pyroscope.ProfileCPU)
	require.Equal(t, "test", pc.Tags["env"])
}
