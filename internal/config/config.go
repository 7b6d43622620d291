package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// CORS configuration
	CORS CORSConfig

	// Booking saga configuration
	Saga SagaConfig

	// Notification delivery configuration
	Notification NotificationConfig

	// Background job configuration
	Cron CronConfig

	// Metrics configuration
	Metrics MetricsConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// SagaConfig holds the settlement saga and amendment policy knobs
type SagaConfig struct {
	StepTimeout              time.Duration   // bound on one ledger call
	IdempotentStepRetries    int             // extra attempts for capture/refund
	MaxOccurrences           int             // cap for recurrence enumeration
	CancellationWindow       time.Duration   // late-cancellation threshold before next ride
	PassengerRefundFraction  decimal.Decimal // share of the price returned on late cancellation
	CancellationApproval     string          // "dual" or "single"
	DefaultPlatformFeeMargin decimal.Decimal // used when system_settings has no value
	NotificationTimeout      time.Duration
}

// NotificationConfig holds booking event delivery configuration
type NotificationConfig struct {
	Mode     string // "log" or "amqp"
	AMQPURL  string
	Exchange string
}

// CronConfig holds reconciler job configuration
type CronConfig struct {
	Enabled        bool
	ReconcileSpec  string // robfig/cron spec, e.g. "@every 1m"
	ReconcileBatch int
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		Saga: SagaConfig{
			StepTimeout:              time.Duration(getEnvAsInt("SAGA_STEP_TIMEOUT_MS", 5000)) * time.Millisecond,
			IdempotentStepRetries:    getEnvAsInt("SAGA_IDEMPOTENT_STEP_RETRIES", 1),
			MaxOccurrences:           getEnvAsInt("RECURRENCE_MAX_OCCURRENCES", 1000),
			CancellationWindow:       time.Duration(getEnvAsInt("CANCELLATION_WINDOW_MINUTES", 15)) * time.Minute,
			PassengerRefundFraction:  getEnvAsDecimal("CANCELLATION_REFUND_FRACTION", decimal.RequireFromString("0.75")),
			CancellationApproval:     getEnv("CANCELLATION_APPROVAL_POLICY", "dual"),
			DefaultPlatformFeeMargin: getEnvAsDecimal("DEFAULT_PLATFORM_FEE_MARGIN", decimal.RequireFromString("0.10")),
			NotificationTimeout:      time.Duration(getEnvAsInt("NOTIFICATION_TIMEOUT_MS", 3000)) * time.Millisecond,
		},
		Notification: NotificationConfig{
			Mode:     getEnv("NOTIFICATION_MODE", "log"),
			AMQPURL:  getEnv("AMQP_URL", ""),
			Exchange: getEnv("NOTIFICATION_EXCHANGE", "booking.events"),
		},
		Cron: CronConfig{
			Enabled:        getEnvAsBool("CRON_ENABLED", true),
			ReconcileSpec:  getEnv("CRON_RECONCILE_SPEC", "@every 1m"),
			ReconcileBatch: getEnvAsInt("CRON_RECONCILE_BATCH", 50),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Saga.CancellationApproval != "dual" && c.Saga.CancellationApproval != "single" {
		return fmt.Errorf("invalid CANCELLATION_APPROVAL_POLICY: %s (must be 'dual' or 'single')", c.Saga.CancellationApproval)
	}

	if c.Saga.PassengerRefundFraction.IsNegative() || c.Saga.PassengerRefundFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("CANCELLATION_REFUND_FRACTION must be between 0 and 1")
	}

	if c.Saga.DefaultPlatformFeeMargin.IsNegative() || c.Saga.DefaultPlatformFeeMargin.GreaterThan(decimal.RequireFromString("0.99")) {
		return fmt.Errorf("DEFAULT_PLATFORM_FEE_MARGIN must be between 0 and 0.99")
	}

	if c.Saga.StepTimeout <= 0 {
		return fmt.Errorf("SAGA_STEP_TIMEOUT_MS must be positive")
	}

	if c.Notification.Mode == "amqp" && c.Notification.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required when NOTIFICATION_MODE is 'amqp'")
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		log.Printf("Invalid decimal value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
