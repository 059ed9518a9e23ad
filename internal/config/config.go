package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	LogLevel string

	HTTPPort string
	GRPCPort string

	MongoURI    string
	MongoDBName string

	RedisAddr     string
	RedisPassword string

	Postgres       PostgresConfig
	MigrationsPath string

	CatalogDBPath         string
	CatalogMigrationsPath string

	KafkaBrokers       []string
	OrderEventsTopic   string
	CartRemindersTopic string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	Providers        ProvidersConfig
	Scheduler        SchedulerConfig
	WebhookTolerance time.Duration

	Currency CurrencyConfig

	CartTTL             time.Duration
	AbandonedAfter      time.Duration
	SweepInterval       time.Duration
	SweepBatchSize      int
	OrderRecheckAfter   time.Duration
	OrderPendingTTL     time.Duration
	RequestTimeout      time.Duration
	ShutdownTimeout     time.Duration
	ExternalCallTimeout time.Duration
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Secret  string
}

type ProvidersConfig struct {
	Card    ProviderConfig
	Crypto  ProviderConfig
	EWallet ProviderConfig
	// ReturnURL is where hosted payment pages send the customer back.
	ReturnURL string
}

type SchedulerConfig struct {
	SigningKey string
}

type CurrencyConfig struct {
	BaseCurrency        string
	UpdateIntervalHours int
	AutoUpdate          bool
	RateSourceURL       string
	FailureBackoff      time.Duration
}

// Load reads .env (if present) and the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded, using process environment", "error", err)
	}

	return &Config{
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPPort: getEnv("HTTP_PORT", "8080"),
		GRPCPort: getEnv("GRPC_PORT", "50060"),

		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName: getEnv("MONGO_DB_NAME", "cartdb"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		Postgres: PostgresConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "commerce"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		MigrationsPath: getEnv("MIGRATIONS_PATH", "internal/repository/migrations/postgres"),

		CatalogDBPath:         getEnv("CATALOG_DB_PATH", "catalog.db"),
		CatalogMigrationsPath: getEnv("CATALOG_MIGRATIONS_PATH", "internal/repository/migrations/sqlite"),

		KafkaBrokers:       getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
		OrderEventsTopic:   getEnv("KAFKA_ORDER_EVENTS_TOPIC", "order-events"),
		CartRemindersTopic: getEnv("KAFKA_CART_REMINDERS_TOPIC", "cart-reminders"),
		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 100),

		Providers: ProvidersConfig{
			Card: ProviderConfig{
				BaseURL: getEnv("CARD_PROVIDER_URL", "http://localhost:9101"),
				APIKey:  getEnv("CARD_PROVIDER_API_KEY", ""),
				Secret:  getEnv("CARD_WEBHOOK_SECRET", ""),
			},
			Crypto: ProviderConfig{
				BaseURL: getEnv("CRYPTO_PROVIDER_URL", "http://localhost:9102"),
				APIKey:  getEnv("CRYPTO_PROVIDER_API_KEY", ""),
				Secret:  getEnv("CRYPTO_WEBHOOK_SECRET", ""),
			},
			EWallet: ProviderConfig{
				BaseURL: getEnv("EWALLET_PROVIDER_URL", "http://localhost:9103"),
				APIKey:  getEnv("EWALLET_PROVIDER_API_KEY", ""),
				Secret:  getEnv("EWALLET_WEBHOOK_SECRET", ""),
			},
			ReturnURL: getEnv("PAYMENT_RETURN_URL", "http://localhost:3000/checkout/complete"),
		},
		Scheduler: SchedulerConfig{
			SigningKey: getEnv("SCHEDULER_WEBHOOK_SIGNING_KEY", ""),
		},
		WebhookTolerance: getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),

		Currency: CurrencyConfig{
			BaseCurrency:        getEnv("BASE_CURRENCY", "USD"),
			UpdateIntervalHours: getEnvInt("RATE_UPDATE_INTERVAL_HOURS", 24),
			AutoUpdate:          getEnvBool("RATE_AUTO_UPDATE", true),
			RateSourceURL:       getEnv("RATE_SOURCE_URL", "https://open.er-api.com/v6/latest"),
			FailureBackoff:      getEnvDuration("RATE_FAILURE_BACKOFF", time.Minute),
		},

		CartTTL:             getEnvDuration("CART_TTL", 30*24*time.Hour),
		AbandonedAfter:      time.Duration(getEnvInt("ABANDONED_THRESHOLD_HOURS", 24)) * time.Hour,
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 15*time.Minute),
		SweepBatchSize:      getEnvInt("SWEEP_BATCH_SIZE", 200),
		OrderRecheckAfter:   getEnvDuration("ORDER_RECHECK_AFTER", 15*time.Minute),
		OrderPendingTTL:     getEnvDuration("ORDER_PENDING_TTL", 24*time.Hour),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 15*time.Second),
		ShutdownTimeout:     getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		ExternalCallTimeout: getEnvDuration("EXTERNAL_CALL_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("invalid boolean in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return d
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
