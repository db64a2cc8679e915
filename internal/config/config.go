package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	Env         string
	LogLevel    string

	ClinicTimezone   string
	CallPolicy       string
	SkipPolicy       string
	SkipRequeueAfter time.Duration
	SkipScanInterval time.Duration
	SkipBatchSize    int
	BatchDedupWindow time.Duration
	IdempotencyTTL   time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int
	RedisAddress       string
	RedisPassword      string

	RealtimePollInterval time.Duration
	RealtimeBatchSize    int

	TicketTemplate string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; real environment
// variables win over it.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		Env:         readString("ENV", "production"),
		LogLevel:    readString("LOG_LEVEL", "info"),

		ClinicTimezone:   readString("CLINIC_TIMEZONE", "UTC"),
		CallPolicy:       strings.ToLower(readString("CALL_POLICY", "idempotent")),
		SkipPolicy:       strings.ToLower(readString("SKIP_POLICY", "hold")),
		SkipRequeueAfter: readDurationSeconds("SKIP_REQUEUE_AFTER_SECONDS", 0),
		SkipScanInterval: readDurationSeconds("SKIP_SCAN_INTERVAL_SECONDS", 30),
		SkipBatchSize:    readInt("SKIP_BATCH_SIZE", 100),
		BatchDedupWindow: readDurationSeconds("BATCH_DEDUP_WINDOW_SECONDS", 600),
		IdempotencyTTL:   readDurationSeconds("IDEMPOTENCY_TTL_SECONDS", 86400),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		RedisAddress:       os.Getenv("REDIS_ADDRESS"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),

		RealtimePollInterval: time.Duration(readInt("REALTIME_POLL_MILLIS", 500)) * time.Millisecond,
		RealtimeBatchSize:    readInt("REALTIME_BATCH_SIZE", 200),

		TicketTemplate: os.Getenv("TICKET_TEMPLATE"),
	}
}

// Location resolves the clinic time zone, falling back to UTC.
func (c Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.ClinicTimezone)
}

func readString(key, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
