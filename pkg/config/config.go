package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

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
		PublicURL    string        `mapstructure:"PUBLIC_URL"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
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
	Vault struct {
		Enable bool   `mapstructure:"ENABLE"`
		Mount  string `mapstructure:"MOUNT"`
		Path   string `mapstructure:"PATH"`
	} `mapstructure:"VAULT"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Snowflake struct {
		Node int64 `mapstructure:"NODE"`
	} `mapstructure:"SNOWFLAKE"`
	Lock struct {
		TTL           time.Duration `mapstructure:"TTL"`
		RetryInterval time.Duration `mapstructure:"RETRY_INTERVAL"`
	} `mapstructure:"LOCK"`
	Webhook struct {
		Path   string            `mapstructure:"PATH"`
		Token  string            `mapstructure:"TOKEN"`
		Fields map[string]string `mapstructure:"FIELDS"`
		Events map[string]string `mapstructure:"EVENTS"`
	} `mapstructure:"WEBHOOK"`
	Receipt struct {
		Secret        string        `mapstructure:"SECRET"`
		Timezone      string        `mapstructure:"TIMEZONE"`
		Prefix        string        `mapstructure:"PREFIX"`
		VerifyURL     string        `mapstructure:"VERIFY_URL"`
		RenderTimeout time.Duration `mapstructure:"RENDER_TIMEOUT"`
		Organization  struct {
			Name     string `mapstructure:"NAME"`
			Document string `mapstructure:"DOCUMENT"`
			Address  string `mapstructure:"ADDRESS"`
			Email    string `mapstructure:"EMAIL"`
		} `mapstructure:"ORGANIZATION"`
	} `mapstructure:"RECEIPT"`
	Commission struct {
		Rate     string        `mapstructure:"RATE"`
		CacheTTL time.Duration `mapstructure:"CACHE_TTL"`
	} `mapstructure:"COMMISSION"`
	Email struct {
		APIKey      string        `mapstructure:"API_KEY"`
		From        string        `mapstructure:"FROM"`
		ReplyTo     string        `mapstructure:"REPLY_TO"`
		Timeout     time.Duration `mapstructure:"TIMEOUT"`
		MaxAttempts int           `mapstructure:"MAX_ATTEMPTS"`
		BaseDelay   time.Duration `mapstructure:"BASE_DELAY"`
		MaxDelay    time.Duration `mapstructure:"MAX_DELAY"`
	} `mapstructure:"EMAIL"`
	Reconciliation struct {
		Enable      bool          `mapstructure:"ENABLE"`
		Interval    time.Duration `mapstructure:"INTERVAL"`
		Concurrency int           `mapstructure:"CONCURRENCY"`
		Pacing      time.Duration `mapstructure:"PACING"`
		BatchSize   int           `mapstructure:"BATCH_SIZE"`
	} `mapstructure:"RECONCILIATION"`
	Operator struct {
		Token string `mapstructure:"TOKEN"`
	} `mapstructure:"OPERATOR"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

var ErrInvalidConfig = errors.New("invalid configuration")

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "donation-reconciler")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("HTTP_SERVER.PUBLIC_URL", "http://localhost:8080")
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 5)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 20)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("VAULT.MOUNT", "secret")
	v.SetDefault("SNOWFLAKE.NODE", 1)
	v.SetDefault("LOCK.TTL", 30*time.Second)
	v.SetDefault("LOCK.RETRY_INTERVAL", 50*time.Millisecond)
	v.SetDefault("WEBHOOK.PATH", "/webhooks/asaas")
	v.SetDefault("RECEIPT.TIMEZONE", "America/Sao_Paulo")
	v.SetDefault("RECEIPT.PREFIX", "RCV")
	v.SetDefault("RECEIPT.VERIFY_URL", "https://coracaovalente.org.br/verificar")
	v.SetDefault("RECEIPT.RENDER_TIMEOUT", 10*time.Second)
	v.SetDefault("RECEIPT.ORGANIZATION.NAME", "Instituto Coração Valente")
	v.SetDefault("COMMISSION.RATE", "0.30")
	v.SetDefault("COMMISSION.CACHE_TTL", 5*time.Minute)
	v.SetDefault("EMAIL.TIMEOUT", 10*time.Second)
	v.SetDefault("EMAIL.MAX_ATTEMPTS", 3)
	v.SetDefault("EMAIL.BASE_DELAY", 2*time.Second)
	v.SetDefault("EMAIL.MAX_DELAY", 5*time.Minute)
	v.SetDefault("RECONCILIATION.INTERVAL", 15*time.Minute)
	v.SetDefault("RECONCILIATION.CONCURRENCY", 4)
	v.SetDefault("RECONCILIATION.PACING", 2*time.Second)
	v.SetDefault("RECONCILIATION.BATCH_SIZE", 200)

	// keys without a meaningful default are registered so env-only values unmarshal
	for _, key := range []string{
		"APP_VERSION", "TLS.CERT_PATH", "TLS.KEY_PATH", "OTEL.ADDR", "PYROSCOPE.ADDR",
		"DATABASE.HOST", "DATABASE.PORT", "DATABASE.DBNAME", "DATABASE.USER", "DATABASE.PASSWORD", "DATABASE.PATH",
		"REDIS.ADDR", "REDIS.PASSWORD", "VAULT.PATH", "FLAGSMITH.ADDR", "FLAGSMITH.API_KEY",
		"MINIO.ENDPOINT", "MINIO.ACCESS_KEY", "MINIO.SECRET_KEY", "MINIO.BUCKET_NAME",
		"WEBHOOK.TOKEN", "RECEIPT.SECRET", "RECEIPT.ORGANIZATION.DOCUMENT", "RECEIPT.ORGANIZATION.ADDRESS",
		"RECEIPT.ORGANIZATION.EMAIL", "EMAIL.API_KEY", "EMAIL.FROM", "EMAIL.REPLY_TO", "OPERATOR.TOKEN",
	} {
		v.SetDefault(key, "")
	}
	for _, key := range []string{"TLS.ENABLE", "MINIO.SECURE", "VAULT.ENABLE", "DATABASE.AUTO_MIGRATE", "RECONCILIATION.ENABLE"} {
		v.SetDefault(key, false)
	}
	v.SetDefault("REDIS.DB", 0)
}

func LoadConfig(p Params) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		zap.L().Info("config.yaml not found, using environment only")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if p.Vault != nil && cfg.Vault.Enable {
		if err := overlaySecrets(context.Background(), p.Vault, &cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func overlaySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	path := cfg.Vault.Path
	if path == "" {
		path = cfg.AppEnv
	}

	zap.L().Info("Starting Get Secrets", zap.String("path", path))
	secret, err := client.Secrets.KvV2Read(ctx, path, vault.WithMountPath(cfg.Vault.Mount))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return fmt.Errorf("vault read %s: %w", path, err)
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	cfg.Receipt.Secret = get("receipt_secret", cfg.Receipt.Secret)
	cfg.Email.APIKey = get("resend_api_key", cfg.Email.APIKey)
	cfg.Webhook.Token = get("asaas_webhook_token", cfg.Webhook.Token)
	cfg.Operator.Token = get("operator_token", cfg.Operator.Token)
	cfg.Minio.SecretKey = get("minio_secret_key", cfg.Minio.SecretKey)

	return nil
}

// Validate fails fast on settings the pipeline cannot run without.
func (c *Config) Validate() error {
	if len(c.Receipt.Secret) < 32 {
		return fmt.Errorf("%w: RECEIPT.SECRET must be at least 32 bytes", ErrInvalidConfig)
	}

	rate, err := decimal.NewFromString(c.Commission.Rate)
	if err != nil {
		return fmt.Errorf("%w: COMMISSION.RATE: %v", ErrInvalidConfig, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: COMMISSION.RATE must be within [0, 1]", ErrInvalidConfig)
	}

	if c.Email.MaxAttempts < 1 {
		return fmt.Errorf("%w: EMAIL.MAX_ATTEMPTS must be positive", ErrInvalidConfig)
	}

	if _, err := time.LoadLocation(c.Receipt.Timezone); err != nil {
		return fmt.Errorf("%w: RECEIPT.TIMEZONE: %v", ErrInvalidConfig, err)
	}

	return nil
}

// CommissionRate parses the configured rate. Validate guarantees it parses.
func (c *Config) CommissionRate() decimal.Decimal {
	return decimal.RequireFromString(c.Commission.Rate)
}

func (c *Config) ReceiptLocation() *time.Location {
	loc, err := time.LoadLocation(c.Receipt.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
