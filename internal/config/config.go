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
	AppName    string
	AppVersion string
	Port       string

	Environment   string
	AuthJWTSecret string
	AdminAPIToken string

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

	RateLimitRedisAddr     string
	RateLimitRedisPassword string
	RateLimitRedisDB       int

	// Replay window for idempotency records. Deployment-tunable: its correct
	// value tracks how long clients keep retrying a write.
	IdempotencyReplayWindow time.Duration

	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	OutboxMaxRetries    int
	OutboxStaleClaimAge time.Duration

	KafkaBrokers           []string
	KafkaTopic             string
	KafkaPublishRatePerSec int
	KafkaPublishBurst      int
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:    getenv("APP_SERVICE", "writepath"),
		AppVersion: getenv("APP_VERSION", "0.1.0"),
		Port:       getenv("PORT", "8080"),

		Environment:   getenv("ENVIRONMENT", "development"),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AdminAPIToken: strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),

		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "writepath"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBMaxIdleConn:     getenvInt("DB_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DB_MAX_OPEN_CONN", 100),
		DBConnMaxLifetime: getenvInt("DB_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DB_CONN_MAX_IDLE_TIME", 60),

		RateLimitRedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
		RateLimitRedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
		RateLimitRedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),

		IdempotencyReplayWindow: getenvDuration("IDEMPOTENCY_REPLAY_WINDOW", 10*time.Minute),

		OutboxPollInterval:  getenvDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxBatchSize:     getenvInt("OUTBOX_BATCH_SIZE", 50),
		OutboxMaxRetries:    getenvInt("OUTBOX_MAX_RETRIES", 3),
		OutboxStaleClaimAge: getenvDuration("OUTBOX_STALE_CLAIM_AGE", 5*time.Minute),

		KafkaBrokers:           parseList(getenv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:             getenv("KAFKA_TOPIC", "writepath.domain-events"),
		KafkaPublishRatePerSec: getenvInt("KAFKA_PUBLISH_RATE_PER_SEC", 0),
		KafkaPublishBurst:      getenvInt("KAFKA_PUBLISH_BURST", 0),
	}

	return &cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
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
