package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64
	// AdminToken guards administrative booking routes. Empty disables them.
	AdminToken string

	LogLevel  string
	LogFormat string

	OTLPEndpoint string
	OTLPProtocol string
	// OtelEnabled defaults to on outside development environments.
	OtelEnabled       bool
	OtelSamplingRatio float64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	// Migrate applies the embedded schema on startup.
	Migrate bool

	Reservation ReservationConfig
	Idempotency IdempotencyConfig
	RateLimit   RateLimitConfig
	Outbox      OutboxConfig
	Stripe      StripeConfig
	Scheduler   SchedulerConfig
}

// ReservationConfig bounds a single reservation attempt.
type ReservationConfig struct {
	TxTimeout time.Duration
}

type IdempotencyConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	// StaleClaimAfter lets a new delivery take over a RECEIVED event whose worker went away.
	StaleClaimAfter time.Duration
}

type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type OutboxConfig struct {
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
	BatchSize    int
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	// EnabledJobs limits the jobs this process runs. Empty runs all of them.
	EnabledJobs []string
}

type StripeConfig struct {
	SignatureTolerance time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "slotbook"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("NODE_ID", 1),
		AdminToken:        strings.TrimSpace(os.Getenv("ADMIN_API_TOKEN")),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT", "json")),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		OTLPProtocol:      strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "slotbook"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Migrate:           getenvBool("DATABASE_MIGRATE", true),
		Reservation: ReservationConfig{
			TxTimeout: getenvDuration("RESERVATION_TX_TIMEOUT", 3*time.Second),
		},
		Idempotency: IdempotencyConfig{
			TTL:             getenvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			SweepInterval:   getenvDuration("IDEMPOTENCY_SWEEP_INTERVAL", time.Hour),
			SweepBatch:      getenvInt("IDEMPOTENCY_SWEEP_BATCH", 500),
			StaleClaimAfter: getenvDuration("WEBHOOK_STALE_CLAIM_AFTER", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "localhost:6379")),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
		},
		Outbox: OutboxConfig{
			KafkaEnabled: getenvBool("OUTBOX_KAFKA_ENABLED", false),
			KafkaBrokers: parseList(getenv("OUTBOX_KAFKA_BROKERS", "localhost:9092")),
			KafkaTopic:   getenv("OUTBOX_KAFKA_TOPIC", "slotbook.bookings"),
			BatchSize:    getenvInt("OUTBOX_BATCH_SIZE", 100),
		},
		Stripe: StripeConfig{
			SignatureTolerance: getenvDuration("STRIPE_SIGNATURE_TOLERANCE", 5*time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", 5*time.Second),
			EnabledJobs: parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},
	}

	cfg.OtelEnabled = getenvBool("OTEL_ENABLED", !cfg.IsDevelopment())

	return cfg
}

// IsDevelopment covers local, test and dev deployments.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
