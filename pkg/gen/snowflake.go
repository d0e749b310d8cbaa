package gen

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gen", fx.Provide(ProvideSnowflakeNode))

// ProvideSnowflakeNode uses SNOWFLAKE_NODE (0-1023) so replicas do not
// collide. Defaults to node 1.
func ProvideSnowflakeNode() (*snowflake.Node, error) {
	nodeID := int64(1)
	if v := os.Getenv("SNOWFLAKE_NODE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			zap.L().Error("invalid SNOWFLAKE_NODE", zap.String("value", v), zap.Error(err))
			return nil, err
		}
		nodeID = n
	}
	return snowflake.NewNode(nodeID)
}
