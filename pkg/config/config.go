package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port            string
	LogLevel        string
	DatabasePath    string
	ProfilesDir     string
	JWTSecret       string
	RedisURL        string
	RateLimitPerSec float64
	RateLimitBurst  int
	ShutdownTimeout time.Duration

	// OTLP exporter target; empty disables export.
	OTLPEndpoint string

	// Archive sink settings. ArchiveDSN selects Postgres, ArchiveBucket
	// selects S3; both empty disables archiving.
	ArchiveDSN      string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "spendguard.db"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	perSec := 10.0
	if v := os.Getenv("RATE_LIMIT_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			perSec = f
		}
	}

	burst := 20
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			burst = n
		}
	}

	shutdown := 10 * time.Second
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			shutdown = d
		}
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabasePath:    dbPath,
		ProfilesDir:     profilesDir,
		JWTSecret:       os.Getenv("JWT_SECRET"),
		RedisURL:        os.Getenv("REDIS_URL"),
		RateLimitPerSec: perSec,
		RateLimitBurst:  burst,
		ShutdownTimeout: shutdown,
		OTLPEndpoint:    os.Getenv("OTLP_ENDPOINT"),
		ArchiveDSN:      os.Getenv("ARCHIVE_DSN"),
		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:   os.Getenv("ARCHIVE_REGION"),
		ArchiveEndpoint: os.Getenv("ARCHIVE_ENDPOINT"),
	}
}
