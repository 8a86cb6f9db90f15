// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	PublicURL       string        `yaml:"public_url"` // base for provider callback urls
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"` // run goose migrations on start
}

type RedisConfig struct {
	URL          string        `yaml:"url"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	TTL          time.Duration `yaml:"ttl"`
	RelayChannel string        `yaml:"relay_channel"` // empty disables the pub/sub relay
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type ProviderEndpoint struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type ProvidersConfig struct {
	Astria          ProviderEndpoint `yaml:"astria"`
	Replicate       ProviderEndpoint `yaml:"replicate"`
	Gemini          ProviderEndpoint `yaml:"gemini"`
	OpenAI          ProviderEndpoint `yaml:"openai"`
	ConcurrentLimit int              `yaml:"concurrent_limit"` // per provider
	MaxRetries      int              `yaml:"max_retries"`
	RetryBackoff    time.Duration    `yaml:"retry_backoff"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PublicURL       string `yaml:"public_url"`
}

type LocalStorageConfig struct {
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
}

type StorageConfig struct {
	Driver           string             `yaml:"driver"` // s3|local
	S3               S3Config           `yaml:"s3"`
	Local            LocalStorageConfig `yaml:"local"`
	ThumbnailWidth   int                `yaml:"thumbnail_width"`
	FetchTimeout     time.Duration      `yaml:"fetch_timeout"`
	MaxDownloadBytes int64              `yaml:"max_download_bytes"`
}

type LedgerConfig struct {
	// RefundRestoresPackages returns refunded credits to the packages that
	// funded the original debit instead of the plan allowance.
	RefundRestoresPackages bool `yaml:"refund_restores_packages"`
}

type PricingConfig struct {
	GenerationPerImage int `yaml:"generation_per_image"`
	Training           int `yaml:"training"`
	Edit               int `yaml:"edit"`
	Upscale2x          int `yaml:"upscale_2x"`
	Upscale4x          int `yaml:"upscale_4x"`
}

type LimitsConfig struct {
	MaxInputBytes     int64  `yaml:"max_input_bytes"`
	MaxPromptTokens   int    `yaml:"max_prompt_tokens"`
	TokenizerEncoding string `yaml:"tokenizer_encoding"`
	JobsPerMinute     int    `yaml:"jobs_per_minute"` // per account, 0 disables
}

type PollerConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	Interval      time.Duration `yaml:"interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

type SweeperConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`     // PROCESSING rows with no update
	PendingTimeout time.Duration `yaml:"pending_timeout"` // PENDING rows orphaned before submit
	BatchSize      int           `yaml:"batch_size"`
}

type CronConfig struct {
	PackageExpiry string `yaml:"package_expiry"` // robfig cron spec with seconds
}

type WebhooksConfig struct {
	Secrets         map[string]string `yaml:"secrets"` // provider -> hmac secret
	SignatureHeader string            `yaml:"signature_header"`
	MaxBodyBytes    int64             `yaml:"max_body_bytes"`
}

type RealtimeConfig struct {
	BufferSize int `yaml:"buffer_size"` // per subscriber
	Workers    int `yaml:"workers"`
	QueueSize  int `yaml:"queue_size"`
}

type TelegramConfig struct {
	Token        string  `yaml:"token"`
	AdminChatIDs []int64 `yaml:"admin_chat_ids"`
}

type SentryConfig struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Limits    LimitsConfig    `yaml:"limits"`
	Poller    PollerConfig    `yaml:"poller"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Cron      CronConfig      `yaml:"cron"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Sentry    SentryConfig    `yaml:"sentry"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig parses -config and -dev and loads the file they point at.
func LoadConfig() (*Config, error) {
	var configPath string
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()

	// .env is optional; values already in the environment win.
	_ = godotenv.Load()

	return Load(configPath, dev)
}

// Load reads the yaml file at path, expands ${VAR} references from the
// environment, applies defaults and validates.
func Load(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Runtime.Dev = dev
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	c.Server.ReadTimeout = orDuration(c.Server.ReadTimeout, 15*time.Second)
	c.Server.WriteTimeout = orDuration(c.Server.WriteTimeout, 30*time.Second)
	c.Server.RequestTimeout = orDuration(c.Server.RequestTimeout, 60*time.Second)
	c.Server.ShutdownTimeout = orDuration(c.Server.ShutdownTimeout, 15*time.Second)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
		if c.Runtime.Dev {
			c.Log.Format = "console"
		}
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	c.Redis.TTL = normalizeTTL(c.Redis.TTL)
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "vibephoto"
	}

	if c.Providers.ConcurrentLimit <= 0 {
		c.Providers.ConcurrentLimit = 16
	}
	if c.Providers.MaxRetries <= 0 {
		c.Providers.MaxRetries = 3
	}
	c.Providers.RetryBackoff = orDuration(c.Providers.RetryBackoff, 500*time.Millisecond)
	if c.Providers.Astria.BaseURL == "" {
		c.Providers.Astria.BaseURL = "https://api.astria.ai"
	}
	if c.Providers.Replicate.BaseURL == "" {
		c.Providers.Replicate.BaseURL = "https://api.replicate.com/v1"
	}
	if c.Providers.Gemini.Model == "" {
		c.Providers.Gemini.Model = "gemini-2.5-flash-image-preview"
	}
	if c.Providers.OpenAI.Model == "" {
		c.Providers.OpenAI.Model = "gpt-image-1"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "local"
	}
	if c.Storage.Local.Dir == "" {
		c.Storage.Local.Dir = "./data/media"
	}
	if c.Storage.ThumbnailWidth <= 0 {
		c.Storage.ThumbnailWidth = 384
	}
	c.Storage.FetchTimeout = orDuration(c.Storage.FetchTimeout, 60*time.Second)
	if c.Storage.MaxDownloadBytes <= 0 {
		c.Storage.MaxDownloadBytes = 50 << 20
	}

	if c.Pricing.GenerationPerImage <= 0 {
		c.Pricing.GenerationPerImage = 1
	}
	if c.Pricing.Training <= 0 {
		c.Pricing.Training = 100
	}
	if c.Pricing.Edit <= 0 {
		c.Pricing.Edit = 5
	}
	if c.Pricing.Upscale2x <= 0 {
		c.Pricing.Upscale2x = 5
	}
	if c.Pricing.Upscale4x <= 0 {
		c.Pricing.Upscale4x = 10
	}

	if c.Limits.MaxInputBytes <= 0 {
		c.Limits.MaxInputBytes = 10 << 20
	}
	if c.Limits.MaxPromptTokens <= 0 {
		c.Limits.MaxPromptTokens = 1000
	}
	if c.Limits.TokenizerEncoding == "" {
		c.Limits.TokenizerEncoding = "cl100k_base"
	}
	if c.Limits.JobsPerMinute < 0 {
		c.Limits.JobsPerMinute = 0
	}

	c.Poller.InitialDelay = orDuration(c.Poller.InitialDelay, 30*time.Second)
	c.Poller.Interval = orDuration(c.Poller.Interval, 15*time.Second)
	if c.Poller.MaxAttempts <= 0 {
		c.Poller.MaxAttempts = 40
	}
	c.Poller.LeaseTTL = orDuration(c.Poller.LeaseTTL, 2*c.Poller.Interval)
	if c.Poller.MaxConcurrent <= 0 {
		c.Poller.MaxConcurrent = 64
	}

	c.Sweeper.Interval = orDuration(c.Sweeper.Interval, time.Minute)
	c.Sweeper.StaleAfter = orDuration(c.Sweeper.StaleAfter, 15*time.Minute)
	c.Sweeper.PendingTimeout = orDuration(c.Sweeper.PendingTimeout, 10*time.Minute)
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 50
	}

	if c.Cron.PackageExpiry == "" {
		c.Cron.PackageExpiry = "0 */5 * * * *"
	}
	if c.Webhooks.SignatureHeader == "" {
		c.Webhooks.SignatureHeader = "X-Signature"
	}
	if c.Webhooks.MaxBodyBytes <= 0 {
		c.Webhooks.MaxBodyBytes = 1 << 20
	}

	if c.Realtime.BufferSize <= 0 {
		c.Realtime.BufferSize = 32
	}
	if c.Realtime.Workers <= 0 {
		c.Realtime.Workers = 4
	}
	if c.Realtime.QueueSize <= 0 {
		c.Realtime.QueueSize = 1024
	}
	if c.Sentry.SampleRate <= 0 {
		c.Sentry.SampleRate = 1.0
	}
}

// Validate performs minimal validation of required settings.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	switch c.Storage.Driver {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required")
		}
		if c.Storage.S3.PublicURL == "" {
			return errors.New("storage.s3.public_url is required")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Poller.Interval <= 0 || c.Poller.MaxAttempts <= 0 {
		return errors.New("poller.interval and poller.max_attempts must be positive")
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
