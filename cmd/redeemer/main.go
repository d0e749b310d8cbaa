package main

import (
	"os"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"giftcode-redeemer/pkg/config"
	"giftcode-redeemer/pkg/db"
	"giftcode-redeemer/pkg/gen"
	"giftcode-redeemer/pkg/hashistack/secretmanager"
	"giftcode-redeemer/pkg/health"
	"giftcode-redeemer/pkg/httpapi"
	"giftcode-redeemer/pkg/logger"
	"giftcode-redeemer/pkg/otelcol"
	"giftcode-redeemer/pkg/profiling"
	"giftcode-redeemer/pkg/redis"
	"giftcode-redeemer/pkg/server"
	"giftcode-redeemer/pkg/task"
	"giftcode-redeemer/services/redemption"
)

func main() {
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		health.Module,
		server.ProvideHTTPServer,
		httpapi.Module,
		redemption.ServerModule,
		asyncModules(),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

// asyncModules wires the job queue and its worker only when redis is
// configured. Without it the service still answers history and job lookups.
func asyncModules() fx.Option {
	cfg, err := config.Load(viper.New())
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	if cfg.Redis.Addr == "" {
		return fx.Options()
	}

	return fx.Options(
		task.Client,
		task.Server,
		redemption.WorkerModule,
	)
}
