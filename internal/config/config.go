package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	Logging LoggingConfig
	Gateway GatewayConfig
	Sweep   SweepConfig

	// MatchWindow bounds how far back an account-wide notification may
	// correlate to a request. The provider's own callback SLA is unclear,
	// so this stays configurable; the default is 24h plus a small buffer.
	MatchWindow time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string // text|json
}

type GatewayConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
	MaxRetries     int
}

type SweepConfig struct {
	ExpiryInterval  time.Duration
	RequestTimeout  time.Duration
	MissingInterval time.Duration
	MissingSLA      time.Duration
}

const (
	defaultMatchWindow     = 24*time.Hour + 5*time.Minute
	defaultGatewayTimeout  = 30 * time.Second
	defaultGatewayRetries  = 3
	defaultExpiryInterval  = 5 * time.Minute
	defaultRequestTimeout  = 2 * time.Hour
	defaultMissingInterval = 30 * time.Minute
	defaultMissingSLA      = 24 * time.Hour
)

func Load() (*Config, error) {
	// Best effort; real deployments set env vars directly.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	gw := GatewayConfig{
		BaseURL:        getEnv("DARAJA_BASE_URL", "https://api.safaricom.co.ke"),
		ConsumerKey:    os.Getenv("DARAJA_CONSUMER_KEY"),
		ConsumerSecret: os.Getenv("DARAJA_CONSUMER_SECRET"),
		ShortCode:      os.Getenv("DARAJA_SHORTCODE"),
		Passkey:        os.Getenv("DARAJA_PASSKEY"),
		CallbackURL:    os.Getenv("DARAJA_CALLBACK_URL"),
		Timeout:        getDuration("DARAJA_TIMEOUT", defaultGatewayTimeout),
		MaxRetries:     defaultGatewayRetries,
	}
	if gw.ConsumerKey == "" || gw.ConsumerSecret == "" {
		return nil, fmt.Errorf("DARAJA_CONSUMER_KEY and DARAJA_CONSUMER_SECRET are required")
	}
	if gw.ShortCode == "" || gw.Passkey == "" {
		return nil, fmt.Errorf("DARAJA_SHORTCODE and DARAJA_PASSKEY are required")
	}

	return &Config{
		DBSource: dbSource,
		Port:     getEnv("SERVER_PORT", "8080"),
		Env:      getEnv("ENVIRONMENT", "development"),
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Gateway: gw,
		Sweep: SweepConfig{
			ExpiryInterval:  getDuration("SWEEP_EXPIRY_INTERVAL", defaultExpiryInterval),
			RequestTimeout:  getDuration("REQUEST_EXPIRY_TIMEOUT", defaultRequestTimeout),
			MissingInterval: getDuration("SWEEP_MISSING_INTERVAL", defaultMissingInterval),
			MissingSLA:      getDuration("MISSING_NOTIFICATION_SLA", defaultMissingSLA),
		},
		MatchWindow: getDuration("MATCH_WINDOW", defaultMatchWindow),
	}, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
