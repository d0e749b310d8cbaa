package redemption

import (
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"giftcode-redeemer/pkg/captcha"
	"giftcode-redeemer/pkg/config"
	"giftcode-redeemer/pkg/gameapi"
	"giftcode-redeemer/pkg/taskname"
)

var Module = fx.Module("redemption.module",
	fx.Provide(
		provideGameAPI,
		provideSolver,
		NewLedger,
		provideRedeemer,
		provideBatch,
		NewService,
	),
	fx.Invoke(migrate),
)

var ServerModule = fx.Module("redemption.server",
	Module,
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

var WorkerModule = fx.Module("redemption.worker",
	fx.Invoke(registerTaskHandlers),
)

func provideGameAPI(cfg *config.Config) *gameapi.Client {
	c := cfg.GameAPI
	if c.Secret == "" {
		zap.L().Warn("GAME_API.SECRET is empty; every signed request will be rejected")
	}
	return gameapi.NewClient(gameapi.Config{
		BaseURL:       c.BaseURL,
		Secret:        c.Secret,
		UserAgent:     c.UserAgent,
		Origin:        c.Origin,
		Timeout:       c.Timeout,
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
	})
}

func provideSolver(cfg *config.Config) *captcha.Client {
	c := cfg.Captcha
	return captcha.NewClient(captcha.Config{
		BaseURL:      c.BaseURL,
		APIKey:       c.APIKey,
		Timeout:      c.Timeout,
		PollInterval: c.PollInterval,
		MaxPolls:     c.MaxPolls,
	})
}

type redeemerParams struct {
	fx.In
	Config *config.Config
	API    *gameapi.Client
	Solver *captcha.Client
	Ledger *Ledger
}

func provideRedeemer(p redeemerParams) *Redeemer {
	r := p.Config.Redeem
	return NewRedeemer(p.API, p.Solver, p.Ledger, WithPolicy(Policy{
		FetchAttempts: r.FetchAttempts,
		SolveAttempts: r.SolveAttempts,
		SolveDelay:    r.SolveDelay,
		OuterAttempts: r.OuterAttempts,
		MaxBackoff:    r.MaxBackoff,
	}))
}

func provideBatch(cfg *config.Config, r *Redeemer, ledger *Ledger) *Batch {
	return NewBatch(r, ledger, BatchConfig{
		Concurrency: cfg.Redeem.Concurrency,
		ItemDelay:   cfg.Redeem.ItemDelay,
	})
}

// mysqlCollation keeps fid and code comparisons byte exact. The server
// default utf8mb4 collations fold case.
const mysqlCollation = "utf8mb4_bin"

func tableOptions(dialect string) string {
	if dialect == "mysql" {
		return "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=" + mysqlCollation
	}
	return ""
}

func migrate(db *gorm.DB) error {
	dialect := db.Dialector.Name()
	tx := db
	if opts := tableOptions(dialect); opts != "" {
		tx = db.Set("gorm:table_options", opts)
	}
	if err := tx.AutoMigrate(&RedemptionHistory{}, &RedemptionJob{}); err != nil {
		zap.L().Error("failed to migrate redemption tables", zap.Error(err))
		return err
	}
	if dialect == "mysql" {
		return convertCollation(db, RedemptionHistory{}.TableName())
	}
	return nil
}

// convertCollation rewrites a table created before the binary collation was
// set. It is a no-op once the table uses mysqlCollation.
func convertCollation(db *gorm.DB, table string) error {
	var current string
	if err := db.Raw(
		"SELECT TABLE_COLLATION FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?",
		table,
	).Scan(&current).Error; err != nil {
		return err
	}
	if current == mysqlCollation {
		return nil
	}

	zap.L().Warn("converting table collation",
		zap.String("table", table),
		zap.String("from", current),
		zap.String("to", mysqlCollation),
	)
	return db.Exec("ALTER TABLE " + table + " CONVERT TO CHARACTER SET utf8mb4 COLLATE " + mysqlCollation).Error
}

func registerRoutes(engine *gin.Engine, h *Handler) {
	h.Register(engine)
	zap.L().Info("redemption routes registered")
}

func registerTaskHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.GiftCodeRedeemBatch, svc.HandleBatchTask)
}
