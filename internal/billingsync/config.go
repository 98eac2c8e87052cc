package billingsync

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinLedgerRetention is the shortest accepted ledger retention. Stripe retries for
// up to three days.
const MinLedgerRetention = 72 * time.Hour

// Config holds all configuration for the synchronizer.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	AdminKey            string
	StripeWebhookSecret string
	StripeAPIKey        string
	WebhookTolerance    time.Duration
	WebhookRejectLimit  int // rejected deliveries per client before throttling
	StoreTimeout        time.Duration
	DownstreamURL       string // forward commands instead of applying locally
	DatabaseURL         string // postgres:// switches the store backend
	RedisURL            string // enables the cross-process lock
	LedgerRetention     time.Duration
	SuccessURL          string
	CancelURL           string
	PublicMetrics       bool
	PublicStatus        bool
	LogLevel            string
	LogFormat           string
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("SYNC_PORT", 8080)
	if err != nil {
		return nil, err
	}
	tolerance, err := envOrDefaultDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	rejectLimit, err := envOrDefaultInt("SYNC_WEBHOOK_REJECT_LIMIT", defaultWebhookRejectLimit)
	if err != nil {
		return nil, err
	}
	storeTimeout, err := envOrDefaultDuration("SYNC_STORE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	retention, err := envOrDefaultDuration("SYNC_LEDGER_RETENTION", 0)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("SYNC_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	publicStatus, err := envOrDefaultBool("SYNC_PUBLIC_STATUS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("SYNC_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("SYNC_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		AdminKey:            strings.TrimSpace(os.Getenv("SYNC_ADMIN_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		WebhookTolerance:    tolerance,
		WebhookRejectLimit:  rejectLimit,
		StoreTimeout:        storeTimeout,
		DownstreamURL:       strings.TrimSpace(os.Getenv("SYNC_DOWNSTREAM_URL")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		LedgerRetention:     retention,
		SuccessURL:          envOrDefault("SYNC_SUCCESS_URL", "/"),
		CancelURL:           envOrDefault("SYNC_CANCEL_URL", "/"),
		PublicMetrics:       publicMetrics,
		PublicStatus:        publicStatus,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate sync config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "SYNC_ADMIN_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SYNC_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.WebhookTolerance <= 0 {
		return fmt.Errorf("STRIPE_WEBHOOK_TOLERANCE must be greater than 0, got %s", c.WebhookTolerance)
	}
	if c.WebhookRejectLimit < 1 {
		return fmt.Errorf("SYNC_WEBHOOK_REJECT_LIMIT must be at least 1, got %d", c.WebhookRejectLimit)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("SYNC_STORE_TIMEOUT must be greater than 0, got %s", c.StoreTimeout)
	}
	if c.LedgerRetention < 0 || (c.LedgerRetention > 0 && c.LedgerRetention < MinLedgerRetention) {
		return fmt.Errorf("SYNC_LEDGER_RETENTION must be 0 or at least %s, got %s", MinLedgerRetention, c.LedgerRetention)
	}

	if c.DownstreamURL != "" {
		parsed, err := url.Parse(c.DownstreamURL)
		if err != nil {
			return fmt.Errorf("SYNC_DOWNSTREAM_URL must be a valid URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("SYNC_DOWNSTREAM_URL must use http or https scheme")
		}
		if parsed.Host == "" {
			return fmt.Errorf("SYNC_DOWNSTREAM_URL must include a host")
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
