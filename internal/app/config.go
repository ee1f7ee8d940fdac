package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const defaultListen = "0.0.0.0:8080"

// Config holds the API server configuration, loadable from environment
// variables (MARKET_ prefix), flags, or YAML config files.
type Config struct {
	Listen       string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (MARKET_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	Stripe       StripeConfig
	Webhook      WebhookConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// StripeConfig holds payment provider credentials.
type StripeConfig struct {
	SecretKey     string        `usage:"Stripe API secret key (or STRIPE_SECRET_KEY)" flag:"stripe-secret-key"`
	WebhookSecret string        `usage:"Stripe webhook signing secret (or STRIPE_WEBHOOK_SECRET)" flag:"stripe-webhook-secret"`
	Tolerance     time.Duration `default:"5m" usage:"Maximum webhook signature age"`
}

// WebhookConfig bounds webhook processing.
type WebhookConfig struct {
	MaxBytes int64         `default:"65536" usage:"Maximum webhook body size" flag:"webhook-max-bytes"`
	Timeout  time.Duration `default:"10s" usage:"Webhook processing timeout" flag:"webhook-timeout"`
}

// RateLimitConfig controls the per-client token bucket limiter on /api.
type RateLimitConfig struct {
	RPS   float64 `default:"10" usage:"Sustained requests per second per client"`
	Burst int     `default:"20" usage:"Token bucket size per client"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// SweepConfig configures the refund reconciliation sweep.
type SweepConfig struct {
	DatabaseURL string        `usage:"PostgreSQL connection URL (MARKET_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Stripe      StripeConfig
	Lookback    time.Duration `default:"72h" usage:"How far back to list provider refunds"`
	Workers     int           `default:"4" usage:"Parallel reconciliations"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := load(&cfg); err != nil {
		return nil, err
	}
	cfg.applyPlatformDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSweepConfig loads the sweep configuration the same way as LoadConfig.
func LoadSweepConfig() (*SweepConfig, error) {
	var cfg SweepConfig
	if err := load(&cfg); err != nil {
		return nil, err
	}
	fallback(&cfg.DatabaseURL, "DATABASE_URL")
	cfg.Stripe.applyPlatformDefaults()

	switch {
	case cfg.DatabaseURL == "":
		return nil, errors.New("database URL is required: set MARKET_DATABASE_URL or DATABASE_URL")
	case cfg.Stripe.SecretKey == "":
		return nil, errors.New("stripe secret key is required: set MARKET_STRIPE_SECRET_KEY or STRIPE_SECRET_KEY")
	case cfg.Lookback <= 0:
		return nil, errors.Errorf("lookback must be positive, got %s", cfg.Lookback)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &cfg, nil
}

func load(dst any) error {
	loader := aconfig.LoaderFor(dst, aconfig.Config{
		EnvPrefix: "MARKET",
		Files:     []string{"config.yaml", "/etc/market/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return errors.Wrap(err, "load config")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the MARKET_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	fallback(&c.DatabaseURL, "DATABASE_URL")
	if port := os.Getenv("PORT"); port != "" && c.Listen == defaultListen {
		c.Listen = "0.0.0.0:" + port
	}
	c.Stripe.applyPlatformDefaults()
}

func (c *StripeConfig) applyPlatformDefaults() {
	fallback(&c.SecretKey, "STRIPE_SECRET_KEY")
	fallback(&c.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
}

// LogFields describes the effective configuration for the startup log.
// Secrets are reported only as present or absent.
func (c *Config) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("listen", c.Listen),
		zap.Bool("stripe_refunds", c.Stripe.SecretKey != ""),
		zap.Duration("signature_tolerance", c.Stripe.Tolerance),
		zap.Int64("webhook_max_bytes", c.Webhook.MaxBytes),
		zap.Duration("webhook_timeout", c.Webhook.Timeout),
		zap.Float64("rate_limit_rps", c.RateLimit.RPS),
		zap.Int("rate_limit_burst", c.RateLimit.Burst),
	}
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set MARKET_DATABASE_URL or DATABASE_URL")
	case c.Stripe.WebhookSecret == "":
		return errors.New("webhook secret is required: set MARKET_STRIPE_WEBHOOK_SECRET or STRIPE_WEBHOOK_SECRET")
	case c.APIKeyPepper == "":
		return errors.New("API key pepper is required: set MARKET_API_KEY_PEPPER")
	}
	return nil
}

func fallback(dst *string, env string) {
	if *dst != "" {
		return
	}
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
