package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	DatabaseURL    string
	SslCertPath    string
	AwsAccessKey   string
	AwsSecretKey   string
	AwsRegion      string
	BucketName     string
	JWTSecret      string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string

	TextStoreURL   string
	TextStoreToken string

	LocalDocumentRoot string

	GuardPollInterval time.Duration
	GuardPollAttempts int
	GuardCooldown     time.Duration
	GuardSettleDelay  time.Duration

	PixelRatio   float64
	DefaultScale float64

	ExtractBatchSize      int
	ExtractRetryDelay     time.Duration
	ExtractPersistTimeout time.Duration
	ExtractWorkers        int

	RateLimitEvery time.Duration
	RateLimitBurst int
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := FromEnv()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	return cfg
}

// FromEnv reads the configuration without validating it.
func FromEnv() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		SslCertPath:    getEnv("SSL_CERT_PATH", ""),
		AwsAccessKey:   getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:   getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:      getEnv("AWS_REGION", "us-east-2"),
		BucketName:     getEnv("BUCKET_NAME", "docanchor-docs"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),

		TextStoreURL:   strings.TrimRight(getEnv("TEXT_STORE_URL", ""), "/"),
		TextStoreToken: getEnv("TEXT_STORE_TOKEN", ""),

		LocalDocumentRoot: getEnv("LOCAL_DOCUMENT_ROOT", ""),

		GuardPollInterval: getEnvDuration("GUARD_POLL_INTERVAL", 50*time.Millisecond),
		GuardPollAttempts: getEnvInt("GUARD_POLL_ATTEMPTS", 20),
		GuardCooldown:     getEnvDuration("GUARD_COOLDOWN", 500*time.Millisecond),
		GuardSettleDelay:  getEnvDuration("GUARD_SETTLE_DELAY", 300*time.Millisecond),

		PixelRatio:   getEnvFloat("PIXEL_RATIO", 2),
		DefaultScale: getEnvFloat("DEFAULT_SCALE", 1.0),

		ExtractBatchSize:      getEnvInt("EXTRACT_BATCH_SIZE", 10),
		ExtractRetryDelay:     getEnvDuration("EXTRACT_RETRY_DELAY", 250*time.Millisecond),
		ExtractPersistTimeout: getEnvDuration("EXTRACT_PERSIST_TIMEOUT", 30*time.Second),
		ExtractWorkers:        getEnvInt("EXTRACT_WORKERS", 1),

		RateLimitEvery: getEnvDuration("RATE_LIMIT_EVERY", 200*time.Millisecond),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("WARN: %s=%q not a positive number, using default %v", key, v, def)
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
