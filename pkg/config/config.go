package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	GameAPI struct {
		BaseURL       string        `mapstructure:"BASE_URL"`
		Secret        string        `mapstructure:"SECRET"`
		UserAgent     string        `mapstructure:"USER_AGENT"`
		Origin        string        `mapstructure:"ORIGIN"`
		Timeout       time.Duration `mapstructure:"TIMEOUT"`
		RatePerSecond float64       `mapstructure:"RATE_PER_SECOND"`
		Burst         int           `mapstructure:"BURST"`
	} `mapstructure:"GAME_API"`
	Captcha struct {
		BaseURL      string        `mapstructure:"BASE_URL"`
		APIKey       string        `mapstructure:"API_KEY"`
		Timeout      time.Duration `mapstructure:"TIMEOUT"`
		PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
		MaxPolls     int           `mapstructure:"MAX_POLLS"`
	} `mapstructure:"CAPTCHA"`
	Redeem struct {
		Concurrency   int           `mapstructure:"CONCURRENCY"`
		ItemDelay     time.Duration `mapstructure:"ITEM_DELAY"`
		FetchAttempts int           `mapstructure:"FETCH_ATTEMPTS"`
		SolveAttempts int           `mapstructure:"SOLVE_ATTEMPTS"`
		SolveDelay    time.Duration `mapstructure:"SOLVE_DELAY"`
		OuterAttempts int           `mapstructure:"OUTER_ATTEMPTS"`
		MaxBackoff    time.Duration `mapstructure:"MAX_BACKOFF"`
		LockTTL       time.Duration `mapstructure:"LOCK_TTL"`
		TaskQueue     string        `mapstructure:"TASK_QUEUE"`
		TaskRetention time.Duration `mapstructure:"TASK_RETENTION"`
		TaskTimeout   time.Duration `mapstructure:"TASK_TIMEOUT"`
		AsyncMaxItems int           `mapstructure:"ASYNC_MAX_ITEMS"`
	} `mapstructure:"REDEEM"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "giftcode-redeemer")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("DATABASE.TYPE", "sqlite")
	v.SetDefault("DATABASE.DBNAME", "giftcode.db")
	v.SetDefault("REDIS.ADDR", "")
	v.SetDefault("OTEL.ADDR", "")
	v.SetDefault("PYROSCOPE.ADDR", "")
	v.SetDefault("GAME_API.BASE_URL", "https://wos-giftcode-api.centurygame.com/api")
	v.SetDefault("GAME_API.SECRET", "")
	v.SetDefault("GAME_API.USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	v.SetDefault("GAME_API.ORIGIN", "https://wos-giftcode.centurygame.com")
	v.SetDefault("GAME_API.TIMEOUT", 30*time.Second)
	v.SetDefault("GAME_API.RATE_PER_SECOND", 2.0)
	v.SetDefault("GAME_API.BURST", 1)
	v.SetDefault("CAPTCHA.BASE_URL", "https://2captcha.com")
	v.SetDefault("CAPTCHA.API_KEY", "")
	v.SetDefault("CAPTCHA.TIMEOUT", 30*time.Second)
	v.SetDefault("CAPTCHA.POLL_INTERVAL", 5*time.Second)
	v.SetDefault("CAPTCHA.MAX_POLLS", 12)
	v.SetDefault("REDEEM.CONCURRENCY", 2)
	v.SetDefault("REDEEM.ITEM_DELAY", 1*time.Second)
	v.SetDefault("REDEEM.FETCH_ATTEMPTS", 3)
	v.SetDefault("REDEEM.SOLVE_ATTEMPTS", 3)
	v.SetDefault("REDEEM.SOLVE_DELAY", 2*time.Second)
	v.SetDefault("REDEEM.OUTER_ATTEMPTS", 5)
	v.SetDefault("REDEEM.MAX_BACKOFF", 30*time.Second)
	v.SetDefault("REDEEM.LOCK_TTL", 2*time.Hour)
	v.SetDefault("REDEEM.TASK_QUEUE", "default")
	v.SetDefault("REDEEM.TASK_RETENTION", 24*time.Hour)
	v.SetDefault("REDEEM.TASK_TIMEOUT", 2*time.Hour)
	v.SetDefault("REDEEM.ASYNC_MAX_ITEMS", 5000)
}

// Load reads config.yaml from the working directory (optional) and
// environment overrides. Nested keys map to env vars with "." replaced by "_",
// e.g. GAME_API_SECRET.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadConfig(p Params) *Config {
	cfg, err := Load(config)
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		// START - Vault
		ctx := context.Background()

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := p.Vault.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Info("Success Get Secret")

		applySecrets(cfg, secret.Data.Data)
		// END - Vault
	}

	return cfg
}

// applySecrets overrides credentials with values read from the secret store.
// Missing keys keep whatever the file or env provided.
func applySecrets(cfg *Config, data map[string]interface{}) {
	get := func(key, fallback string) string {
		if val, ok := data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.GameAPI.Secret = get("game_api_secret", cfg.GameAPI.Secret)
	cfg.Captcha.APIKey = get("captcha_api_key", cfg.Captcha.APIKey)
}
