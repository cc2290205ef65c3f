package config

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"storefront-payment-api/database"
	"storefront-payment-api/logging"
	"storefront-payment-api/services/email"
)

type Config struct {
	Database database.DatabaseConfig
	Mpesa    MpesaConfig
	SMTP     email.SMTPConfig
	Server   ServerConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Checkout CheckoutConfig
	Log      logging.Config
}

type MpesaConfig struct {
	Environment        string
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	PassKey            string
	TransactionType    string
	CallbackURL        string
	CallbackSecret     string
	CallbackAllowedIPs []string
	TrustedProxies     []string
	AccountReference   string
	Description        string
	RequestTimeout     time.Duration
	TokenMargin        time.Duration
	MaxAmount          decimal.Decimal
}

type ServerConfig struct {
	Port          string
	AllowedOrigin string
}

type RedisConfig struct {
	URL               string
	QueueName         string
	WorkerConcurrency int
}

type AuthConfig struct {
	JWTSecret      string
	Issuer         string
	TokenDuration  time.Duration
	InternalSecret string
	SessionSecret  string
	SessionName    string
	SessionSecure  bool
}

type CheckoutConfig struct {
	ConfirmationWindow time.Duration
	SweepInterval      time.Duration
	ReplayAttempts     int
	ReplayDelay        time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	cfg := &Config{
		Database: database.DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost:3306"),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   os.Getenv("DB_NAME"),
		},
		Mpesa: MpesaConfig{
			Environment:        getEnv("MPESA_ENVIRONMENT", "sandbox"),
			BaseURL:            os.Getenv("MPESA_BASE_URL"),
			ConsumerKey:        os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret:     os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:          os.Getenv("MPESA_SHORTCODE"),
			PassKey:            os.Getenv("MPESA_PASSKEY"),
			TransactionType:    getEnv("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline"),
			CallbackURL:        os.Getenv("MPESA_CALLBACK_URL"),
			CallbackSecret:     os.Getenv("MPESA_CALLBACK_SECRET"),
			CallbackAllowedIPs: getList("MPESA_CALLBACK_ALLOWED_IPS"),
			TrustedProxies:     getList("TRUSTED_PROXIES"),
			AccountReference:   getEnv("MPESA_ACCOUNT_REFERENCE", "STORE"),
			Description:        getEnv("MPESA_DESCRIPTION", "Order payment"),
			RequestTimeout:     getDuration("MPESA_REQUEST_TIMEOUT", 15*time.Second),
			TokenMargin:        getDuration("MPESA_TOKEN_MARGIN", 30*time.Second),
			MaxAmount:          getDecimal("MPESA_MAX_AMOUNT", decimal.NewFromInt(250000)),
		},
		SMTP: email.SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getEnv("SMTP_PORT", "587"),
			Username: os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("SMTP_FROM", "no-reply@localhost"),
		},
		Server: ServerConfig{
			Port:          getEnv("SERVER_PORT", "8080"),
			AllowedOrigin: getEnv("CORS_ALLOWED_ORIGIN", "*"),
		},
		Redis: RedisConfig{
			URL:               getEnv("REDIS_URL", "redis://localhost:6379/0"),
			QueueName:         getEnv("REDIS_QUEUE_NAME", "payment_jobs"),
			WorkerConcurrency: getInt("WORKER_CONCURRENCY", 2),
		},
		Auth: AuthConfig{
			JWTSecret:      os.Getenv("JWT_SECRET"),
			Issuer:         getEnv("JWT_ISSUER", "storefront-payment-api"),
			TokenDuration:  getDuration("JWT_TOKEN_DURATION", 15*time.Minute),
			InternalSecret: os.Getenv("INTERNAL_API_SECRET"),
			SessionSecret:  os.Getenv("SESSION_SECRET"),
			SessionName:    getEnv("SESSION_NAME", "storefront-session"),
			SessionSecure:  getBool("SESSION_SECURE", true),
		},
		Checkout: CheckoutConfig{
			ConfirmationWindow: getDuration("CHECKOUT_CONFIRMATION_WINDOW", 2*time.Minute),
			SweepInterval:      getDuration("CHECKOUT_SWEEP_INTERVAL", 30*time.Second),
			ReplayAttempts:     getInt("CALLBACK_REPLAY_ATTEMPTS", 3),
			ReplayDelay:        getDuration("CALLBACK_REPLAY_DELAY", 5*time.Second),
		},
		Log: logging.Config{
			Level: getEnv("LOG_LEVEL", "info"),
			Path:  os.Getenv("LOG_PATH"),
		},
	}

	if cfg.Redis.WorkerConcurrency < 1 {
		cfg.Redis.WorkerConcurrency = 1
	} else if cfg.Redis.WorkerConcurrency > 8 {
		cfg.Redis.WorkerConcurrency = 8
	}

	return cfg
}

// Validate reports every required setting that is missing.
func (c *Config) Validate() error {
	required := map[string]string{
		"DB_USER":               c.Database.User,
		"DB_NAME":               c.Database.DBName,
		"MPESA_CONSUMER_KEY":    c.Mpesa.ConsumerKey,
		"MPESA_CONSUMER_SECRET": c.Mpesa.ConsumerSecret,
		"MPESA_SHORTCODE":       c.Mpesa.ShortCode,
		"MPESA_PASSKEY":         c.Mpesa.PassKey,
		"MPESA_CALLBACK_URL":    c.Mpesa.CallbackURL,
		"MPESA_CALLBACK_SECRET": c.Mpesa.CallbackSecret,
		"JWT_SECRET":            c.Auth.JWTSecret,
		"INTERNAL_API_SECRET":   c.Auth.InternalSecret,
	}

	var missing []string
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Checkout.SweepInterval <= 0 || c.Checkout.ConfirmationWindow <= 0 {
		return fmt.Errorf("checkout sweep interval and confirmation window must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %t", key, value, fallback)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %s", key, value, fallback)
		return fallback
	}
	return d
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %s", key, value, fallback)
		return fallback
	}
	return d
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
