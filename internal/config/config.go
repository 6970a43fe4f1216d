package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Development signing keys. Production refuses to start with either.
const (
	DevBrokerSigningKey = "dev-broker-signing-key-change-me"
	DevSourceSigningKey = "dev-mercy-signing-key-change-me"
)

// Service path prefixes mounted on the shared server.
const (
	ServiceBroker = "broker"
	ServiceSource = "mercy-ehr"
	ServiceClient = "client"
	ServiceIDP    = "idp"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	BaseURL           string        `mapstructure:"BASE_URL"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	BrokerSigningKey  string        `mapstructure:"BROKER_SIGNING_KEY"`
	SourceSigningKey  string        `mapstructure:"SOURCE_SIGNING_KEY"`
	AccessTokenTTL    time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	AssertionTTL      time.Duration `mapstructure:"ASSERTION_TTL"`
	TicketTTL         time.Duration `mapstructure:"TICKET_TTL"`
	TicketIssuer      string        `mapstructure:"TICKET_ISSUER"`
	NetworkAudience   string        `mapstructure:"NETWORK_AUDIENCE"`
	ClientID          string        `mapstructure:"CLIENT_ID"`
	ExpectedAudience  string        `mapstructure:"EXPECTED_AUDIENCE"`
	DeliveryTimeout   time.Duration `mapstructure:"DELIVERY_TIMEOUT"`
	FanoutConcurrency int           `mapstructure:"FANOUT_CONCURRENCY"`
	EventLogSize      int           `mapstructure:"EVENT_LOG_SIZE"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
}

var keys = []string{
	"PORT", "ENV", "BASE_URL", "CORS_ORIGINS",
	"BROKER_SIGNING_KEY", "SOURCE_SIGNING_KEY",
	"ACCESS_TOKEN_TTL", "ASSERTION_TTL", "TICKET_TTL",
	"TICKET_ISSUER", "NETWORK_AUDIENCE", "CLIENT_ID", "EXPECTED_AUDIENCE",
	"DELIVERY_TIMEOUT", "FANOUT_CONCURRENCY", "EVENT_LOG_SIZE", "BODY_LIMIT",
	"REDIS_URL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("BROKER_SIGNING_KEY", DevBrokerSigningKey)
	v.SetDefault("SOURCE_SIGNING_KEY", DevSourceSigningKey)
	v.SetDefault("ACCESS_TOKEN_TTL", "3600s")
	v.SetDefault("ASSERTION_TTL", "300s")
	v.SetDefault("TICKET_TTL", "3600s")
	v.SetDefault("TICKET_ISSUER", "https://identity-provider.example.org")
	v.SetDefault("NETWORK_AUDIENCE", "https://cms-network.example.org")
	v.SetDefault("CLIENT_ID", "https://ias-client.example.com")
	v.SetDefault("DELIVERY_TIMEOUT", "10s")
	v.SetDefault("FANOUT_CONCURRENCY", 8)
	v.SetDefault("EVENT_LOG_SIZE", 200)
	v.SetDefault("BODY_LIMIT", "1M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.IsDev() && cfg.BrokerSigningKey == DevBrokerSigningKey {
		log.Println("WARNING: running with development signing keys (ENV=development)")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ServiceURL is the public base URL of a mounted service, e.g.
// http://localhost:3000/broker.
func (c *Config) ServiceURL(name string) string {
	return c.BaseURL + "/" + name
}

// InternalURL is the loopback URL services use to call each other.
func (c *Config) InternalURL(name string) string {
	return "http://127.0.0.1:" + c.Port + "/" + name
}

// Validate rejects unsafe or nonsensical settings.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.BrokerSigningKey == "" || c.SourceSigningKey == "" {
		return fmt.Errorf("BROKER_SIGNING_KEY and SOURCE_SIGNING_KEY must be set")
	}
	if c.IsProduction() {
		if c.BrokerSigningKey == DevBrokerSigningKey {
			return fmt.Errorf("BROKER_SIGNING_KEY must not use the development value in production")
		}
		if c.SourceSigningKey == DevSourceSigningKey {
			return fmt.Errorf("SOURCE_SIGNING_KEY must not use the development value in production")
		}
	}

	durations := map[string]time.Duration{
		"ACCESS_TOKEN_TTL": c.AccessTokenTTL,
		"ASSERTION_TTL":    c.AssertionTTL,
		"TICKET_TTL":       c.TicketTTL,
		"DELIVERY_TIMEOUT": c.DeliveryTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.FanoutConcurrency <= 0 {
		return fmt.Errorf("FANOUT_CONCURRENCY must be positive, got %d", c.FanoutConcurrency)
	}
	if c.EventLogSize <= 0 {
		return fmt.Errorf("EVENT_LOG_SIZE must be positive, got %d", c.EventLogSize)
	}

	return nil
}
