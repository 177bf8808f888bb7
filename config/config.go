// Package config loads the daemon configuration from an optional YAML
// file with environment overrides. Secrets always come from the
// environment; a .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Session  SessionConfig  `yaml:"session"`
	Gate     GateConfig     `yaml:"gate"`
	Rails    RailsConfig    `yaml:"rails"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Outbox   OutboxConfig   `yaml:"outbox"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionConfig selects and tunes the session store.
type SessionConfig struct {
	// Backend is "memory" or "redis".
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// GateConfig tunes the payment gate itself.
type GateConfig struct {
	// Recipient is the seller identifier payment requests name, e.g. a
	// wallet address.
	Recipient       string `yaml:"recipient"`
	DeadlineSeconds int    `yaml:"deadline_seconds"`
	RetryBudget     int    `yaml:"retry_budget"`
	Description     string `yaml:"description"`
	// Accepted prices the delivered work, in preference order. Empty
	// means a default price per configured rail.
	Accepted []FundsConfig `yaml:"accepted"`
}

// FundsConfig is one accepted price entry.
type FundsConfig struct {
	Currency string `yaml:"currency"`
	Amount   string `yaml:"amount"`
	Method   string `yaml:"method"`
}

// RailsConfig configures the payment verifiers. A rail with no
// configuration is simply not registered.
type RailsConfig struct {
	FetDirect FetDirectConfig `yaml:"fet_direct"`
	Skyfire   SkyfireConfig   `yaml:"skyfire"`
	Stripe    StripeConfig    `yaml:"stripe"`
}

// FetDirectConfig configures the on-chain rail.
type FetDirectConfig struct {
	RPCURL       string `yaml:"rpc_url"`
	TokenAddress string `yaml:"token_address"`
}

// SkyfireConfig configures the token-gateway rail.
type SkyfireConfig struct {
	JWKSURL   string `yaml:"jwks_url"`
	ChargeURL string `yaml:"charge_url"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	ServiceID string `yaml:"service_id"`
	APIKey    string `yaml:"-"`
}

// StripeConfig configures the hosted checkout rail.
type StripeConfig struct {
	APIKey      string        `yaml:"-"`
	ProductName string        `yaml:"product_name"`
	ReturnURL   string        `yaml:"return_url"`
	Expiry      time.Duration `yaml:"expiry"`
}

// DeliveryConfig configures the delivery executors.
type DeliveryConfig struct {
	RenderBaseURL  string        `yaml:"render_base_url"`
	ImageWidth     int           `yaml:"image_width"`
	ImageHeight    int           `yaml:"image_height"`
	RenderTimeout  time.Duration `yaml:"render_timeout"`
	StorageBaseURL string        `yaml:"storage_base_url"`
	StorageAPIKey  string        `yaml:"-"`
}

// OutboxConfig configures outbound webhook delivery.
type OutboxConfig struct {
	CallbackURL string `yaml:"callback_url"`
}

// Load reads the YAML file at path (optional, "" skips it), layers
// environment overrides on top, and validates the result. A .env file
// in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("PAYGATE_ADDR", &c.Server.Address)
	envString("PAYGATE_LOG_LEVEL", &c.Log.Level)
	envString("PAYGATE_LOG_FORMAT", &c.Log.Format)

	envString("PAYGATE_SESSION_BACKEND", &c.Session.Backend)
	envString("REDIS_ADDR", &c.Session.RedisAddr)
	envString("REDIS_PASSWORD", &c.Session.RedisPassword)
	envInt("REDIS_DB", &c.Session.RedisDB)

	envString("PAYGATE_RECIPIENT", &c.Gate.Recipient)
	envInt("PAYGATE_DEADLINE_SECONDS", &c.Gate.DeadlineSeconds)
	envInt("PAYGATE_RETRY_BUDGET", &c.Gate.RetryBudget)

	envString("FET_RPC_URL", &c.Rails.FetDirect.RPCURL)
	envString("FET_TOKEN_ADDRESS", &c.Rails.FetDirect.TokenAddress)

	envString("SKYFIRE_JWKS_URL", &c.Rails.Skyfire.JWKSURL)
	envString("SKYFIRE_CHARGE_URL", &c.Rails.Skyfire.ChargeURL)
	envString("SKYFIRE_ISSUER", &c.Rails.Skyfire.Issuer)
	envString("SELLER_ACCOUNT_ID", &c.Rails.Skyfire.Audience)
	envString("SELLER_SERVICE_ID", &c.Rails.Skyfire.ServiceID)
	envString("SKYFIRE_API_KEY", &c.Rails.Skyfire.APIKey)

	envString("STRIPE_SECRET_KEY", &c.Rails.Stripe.APIKey)
	envString("STRIPE_RETURN_URL", &c.Rails.Stripe.ReturnURL)

	envString("RENDER_BASE_URL", &c.Delivery.RenderBaseURL)
	envString("STORAGE_BASE_URL", &c.Delivery.StorageBaseURL)
	envString("STORAGE_API_KEY", &c.Delivery.StorageAPIKey)

	envString("PAYGATE_CALLBACK_URL", &c.Outbox.CallbackURL)
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = time.Minute
	}
	if c.Gate.DeadlineSeconds == 0 {
		c.Gate.DeadlineSeconds = 600
	}
	if c.Gate.RetryBudget == 0 {
		c.Gate.RetryBudget = 2
	}
	if c.Rails.Stripe.Expiry == 0 {
		c.Rails.Stripe.Expiry = 30 * time.Minute
	}
	if c.Delivery.ImageWidth == 0 {
		c.Delivery.ImageWidth = 1024
	}
	if c.Delivery.ImageHeight == 0 {
		c.Delivery.ImageHeight = 1024
	}
	if c.Delivery.RenderTimeout == 0 {
		c.Delivery.RenderTimeout = 60 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Gate.Recipient == "" {
		return fmt.Errorf("gate.recipient is required")
	}
	switch c.Session.Backend {
	case "memory":
	case "redis":
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	if c.Outbox.CallbackURL == "" {
		return fmt.Errorf("outbox.callback_url is required")
	}
	return nil
}

// HasFetDirect reports whether the on-chain rail is configured.
func (c *RailsConfig) HasFetDirect() bool {
	return c.FetDirect.RPCURL != "" && c.FetDirect.TokenAddress != ""
}

// HasSkyfire reports whether the token-gateway rail is configured.
func (c *RailsConfig) HasSkyfire() bool {
	return c.Skyfire.APIKey != "" && c.Skyfire.JWKSURL != "" && c.Skyfire.ChargeURL != ""
}

// HasStripe reports whether the hosted checkout rail is configured.
func (c *RailsConfig) HasStripe() bool {
	return c.Stripe.APIKey != ""
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
