package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type R2 struct {
	AccountID  string `env:"ACCOUNT_ID"`
	AccessKey  string `env:"ACCESS_KEY"`
	SecretKey  string `env:"SECRET_KEY"`
	BucketName string `env:"BUCKET_NAME"`
	PublicURL  string `env:"PUBLIC_URL"`
}

type OAuthClient struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

type Scheduler struct {
	PollInterval time.Duration `env:"POLL_INTERVAL,default=1m"`
	LockLifetime time.Duration `env:"LOCK_LIFETIME,default=10m"`
	BatchSize    int           `env:"BATCH_SIZE,default=50"`
	Concurrency  int           `env:"CONCURRENCY,default=10"`
}

type Retry struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS,default=3"`
	BaseDelay   time.Duration `env:"BASE_DELAY,default=5m"`
	MaxDelay    time.Duration `env:"MAX_DELAY,default=1h"`
}

type Cleanup struct {
	Schedule  string        `env:"SCHEDULE,default=@daily"`
	Retention time.Duration `env:"RETENTION,default=720h"`
}

type Config struct {
	Env         string `env:"ENV,default=production"`
	Port        string `env:"PORT,default=3000"`
	DBDriver    string `env:"DB_DRIVER,default=postgres"`
	PostgresURI string `env:"POSTGRES_URI"`
	JobBackend  string `env:"JOB_BACKEND,default=postgres"`
	RedisURI    string `env:"REDIS_URI,default=localhost:6379"`
	FrontendURL string `env:"FRONTEND_URL,default=http://localhost:5173"`
	SecretKey   string `env:"SECRET_KEY"`
	CookieName  string `env:"COOKIE_NAME,default=postflow_session"`

	PublishTimeout    time.Duration `env:"PUBLISH_TIMEOUT,default=2m"`
	TokenRefreshEvery string        `env:"TOKEN_REFRESH_EVERY,default=@every 10m"`
	RateLimitPerMin   int           `env:"RATE_LIMIT_PER_MINUTE,default=60"`
	OTLPEndpoint      string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Scheduler Scheduler   `env:",prefix=SCHEDULER_"`
	Retry     Retry       `env:",prefix=RETRY_"`
	Cleanup   Cleanup     `env:",prefix=CLEANUP_"`
	R2        R2          `env:",prefix=R2_"`
	LinkedIn  OAuthClient `env:",prefix=LINKEDIN_"`
	Google    OAuthClient `env:",prefix=GOOGLE_"`
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, l); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.JobBackend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("JOB_BACKEND must be postgres or redis, got %q", c.JobBackend)
	}
	switch len(c.SecretKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("SECRET_KEY must be 16, 24 or 32 bytes, got %d", len(c.SecretKey))
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func (c *Config) Development() bool { return c.Env == "development" }
