// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; backs the idempotency ledger when set

	// Identity
	JWTSecret string
	JWTIssuer string

	// Escrow policy
	SupportedCurrencies []string
	PaymentWindow       time.Duration // PENDING -> CANCELLED if unpaid
	PaymentPollInterval time.Duration // reconciliation poll cadence for PENDING
	AcceptanceWindow    time.Duration // ESCROWED -> CANCELLED if the seller never responds
	ShippingWindow      time.Duration
	DeliveryWindow      time.Duration
	DisputeWindow       time.Duration
	AutoDeliverWindow   time.Duration

	// Delivery OTP
	OTPTTL         time.Duration
	OTPLength      int
	OTPMaxAttempts int
	OTPCooldown    time.Duration

	// Workers
	SweepInterval     time.Duration
	SweepBatchSize    int
	SweepRetryBackoff time.Duration // first hold-back after a failed deadline action
	SweepMaxBackoff   time.Duration
	PayoutInterval    time.Duration
	PayoutMaxAttempts int
	PayoutBaseDelay   time.Duration
	PayoutMaxDelay    time.Duration

	// M-Pesa (Daraja)
	MpesaBaseURL            string
	MpesaConsumerKey        string
	MpesaConsumerSecret     string
	MpesaShortCode          string
	MpesaPasskey            string
	MpesaCallbackURL        string
	MpesaResultURL          string
	MpesaTimeoutURL         string
	MpesaInitiatorName      string
	MpesaSecurityCredential string
	MpesaWebhookSecret      string

	// SMS (Twilio)
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// Observability / HTTP
	OTLPEndpoint string
	CORSOrigins  []string
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultCurrency            = "KES"
	DefaultPaymentWindow       = 15 * time.Minute
	DefaultPaymentPollInterval = 2 * time.Minute
	DefaultAcceptanceWindow    = 48 * time.Hour
	DefaultShippingWindow      = 72 * time.Hour
	DefaultDeliveryWindow      = 72 * time.Hour
	DefaultDisputeWindow       = 72 * time.Hour
	DefaultAutoDeliverWindow   = 7 * 24 * time.Hour
	DefaultOTPTTL              = 24 * time.Hour
	DefaultOTPLength           = 6
	DefaultOTPMaxAttempts      = 3
	DefaultOTPCooldown         = 15 * time.Minute
	DefaultSweepInterval       = time.Minute
	DefaultSweepBatchSize      = 100
	DefaultSweepRetryBackoff   = 5 * time.Minute
	DefaultSweepMaxBackoff     = time.Hour
	DefaultPayoutInterval      = 30 * time.Second
	DefaultPayoutMaxAttempts   = 5
	DefaultPayoutBaseDelay     = 30 * time.Second
	DefaultPayoutMaxDelay      = time.Hour
	DefaultMpesaBaseURL        = "https://sandbox.safaricom.co.ke"
	DefaultRateLimit           = 120
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		JWTIssuer:               os.Getenv("JWT_ISSUER"),
		SupportedCurrencies:     getEnvList("SUPPORTED_CURRENCIES", []string{DefaultCurrency}),
		PaymentWindow:           getEnvDuration("PAYMENT_WINDOW", DefaultPaymentWindow),
		PaymentPollInterval:     getEnvDuration("PAYMENT_POLL_INTERVAL", DefaultPaymentPollInterval),
		AcceptanceWindow:        getEnvDuration("ACCEPTANCE_WINDOW", DefaultAcceptanceWindow),
		ShippingWindow:          getEnvDuration("SHIPPING_WINDOW", DefaultShippingWindow),
		DeliveryWindow:          getEnvDuration("DELIVERY_WINDOW", DefaultDeliveryWindow),
		DisputeWindow:           getEnvDuration("DISPUTE_WINDOW", DefaultDisputeWindow),
		AutoDeliverWindow:       getEnvDuration("AUTO_DELIVER_WINDOW", DefaultAutoDeliverWindow),
		OTPTTL:                  getEnvDuration("OTP_TTL", DefaultOTPTTL),
		OTPLength:               int(getEnvInt64("OTP_LENGTH", DefaultOTPLength)),
		OTPMaxAttempts:          int(getEnvInt64("OTP_MAX_ATTEMPTS", DefaultOTPMaxAttempts)),
		OTPCooldown:             getEnvDuration("OTP_COOLDOWN", DefaultOTPCooldown),
		SweepInterval:           getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatchSize:          int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		SweepRetryBackoff:       getEnvDuration("SWEEP_RETRY_BACKOFF", DefaultSweepRetryBackoff),
		SweepMaxBackoff:         getEnvDuration("SWEEP_MAX_BACKOFF", DefaultSweepMaxBackoff),
		PayoutInterval:          getEnvDuration("PAYOUT_INTERVAL", DefaultPayoutInterval),
		PayoutMaxAttempts:       int(getEnvInt64("PAYOUT_MAX_ATTEMPTS", DefaultPayoutMaxAttempts)),
		PayoutBaseDelay:         getEnvDuration("PAYOUT_BASE_DELAY", DefaultPayoutBaseDelay),
		PayoutMaxDelay:          getEnvDuration("PAYOUT_MAX_DELAY", DefaultPayoutMaxDelay),
		MpesaBaseURL:            getEnv("MPESA_BASE_URL", DefaultMpesaBaseURL),
		MpesaConsumerKey:        os.Getenv("MPESA_CONSUMER_KEY"),
		MpesaConsumerSecret:     os.Getenv("MPESA_CONSUMER_SECRET"),
		MpesaShortCode:          os.Getenv("MPESA_SHORTCODE"),
		MpesaPasskey:            os.Getenv("MPESA_PASSKEY"),
		MpesaCallbackURL:        os.Getenv("MPESA_CALLBACK_URL"),
		MpesaResultURL:          os.Getenv("MPESA_RESULT_URL"),
		MpesaTimeoutURL:         os.Getenv("MPESA_TIMEOUT_URL"),
		MpesaInitiatorName:      os.Getenv("MPESA_INITIATOR_NAME"),
		MpesaSecurityCredential: os.Getenv("MPESA_SECURITY_CREDENTIAL"),
		MpesaWebhookSecret:      os.Getenv("MPESA_WEBHOOK_SECRET"),
		TwilioAccountSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:         os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:        os.Getenv("TWILIO_FROM_NUMBER"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:             getEnvList("CORS_ORIGINS", []string{"*"}),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.MpesaWebhookSecret == "" {
		return fmt.Errorf("MPESA_WEBHOOK_SECRET is required")
	}
	if len(c.SupportedCurrencies) == 0 {
		return fmt.Errorf("SUPPORTED_CURRENCIES must list at least one currency")
	}
	for _, cur := range c.SupportedCurrencies {
		if !currencyPattern.MatchString(cur) {
			return fmt.Errorf("SUPPORTED_CURRENCIES: %q is not a 3-letter ISO code", cur)
		}
	}

	windows := map[string]time.Duration{
		"PAYMENT_WINDOW":      c.PaymentWindow,
		"ACCEPTANCE_WINDOW":   c.AcceptanceWindow,
		"SHIPPING_WINDOW":     c.ShippingWindow,
		"DELIVERY_WINDOW":     c.DeliveryWindow,
		"DISPUTE_WINDOW":      c.DisputeWindow,
		"AUTO_DELIVER_WINDOW": c.AutoDeliverWindow,
		"OTP_TTL":             c.OTPTTL,
		"SWEEP_INTERVAL":      c.SweepInterval,
	}
	for name, d := range windows {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	// Buyers must always be able to use a code before the auto-confirm kicks in.
	if c.AutoDeliverWindow <= c.OTPTTL {
		return fmt.Errorf("AUTO_DELIVER_WINDOW (%s) must be longer than OTP_TTL (%s)", c.AutoDeliverWindow, c.OTPTTL)
	}
	if c.OTPLength < 4 || c.OTPLength > 10 {
		return fmt.Errorf("OTP_LENGTH must be between 4 and 10")
	}
	if c.OTPMaxAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}
	if c.PayoutMaxAttempts <= 0 {
		return fmt.Errorf("PAYOUT_MAX_ATTEMPTS must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MpesaConfigured reports whether Daraja credentials are present.
func (c *Config) MpesaConfigured() bool {
	return c.MpesaConsumerKey != "" && c.MpesaConsumerSecret != "" && c.MpesaShortCode != ""
}

// TwilioConfigured reports whether SMS delivery is available.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
