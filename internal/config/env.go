package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// PricingConfig holds the per-page rates and the copies range.
type PricingConfig struct {
	RateA4         float64
	RateLetter     float64
	RateLegal      float64
	ImageSurcharge float64
	MinCopies      int
	MaxCopies      int
}

// AnalyzerConfig controls document parsing and previews.
type AnalyzerConfig struct {
	Backend    string // "pdfcpu"|"lenient"|"auto"
	Timeout    time.Duration
	MaxUploadB int64
	PreviewDPI int
	CacheTTL   time.Duration
}

// StorageConfig holds S3 settings for submitted documents.
type StorageConfig struct {
	Bucket          string
	Region          string
	Password        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// WorkerConfig defines fulfillment worker behavior and limits.
type WorkerConfig struct {
	Enabled            bool
	Concurrency        int
	WebhookURL         string
	NotifyTimeout      time.Duration
	JobMaxAttempts     int
	RetryBaseDelay     time.Duration
	RetryJitter        time.Duration
	RetryBackoffFactor float64
	BreakerBaseBackoff time.Duration
	BreakerMaxBackoff  time.Duration
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// HTTPConfig holds listener and session settings.
type HTTPConfig struct {
	Port       string
	SessionTTL time.Duration
}

// Config is the top-level configuration.
type Config struct {
	Logging  LoggingConfig
	Axiom    AxiomConfig
	Pricing  PricingConfig
	Analyzer AnalyzerConfig
	Storage  StorageConfig
	Worker   WorkerConfig
	Queue    QueueConfig
	HTTP     HTTPConfig
}

// Load reads an optional .env file and then the environment.
// Variables already set in the environment win over the file.
func Load(files ...string) Config {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
	return FromEnv()
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/printcost.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_printcost",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Pricing = PricingConfig{
		RateA4:         parseFloat(getEnv("PRICE_A4", "5"), 5),
		RateLetter:     parseFloat(getEnv("PRICE_LETTER", "4"), 4),
		RateLegal:      parseFloat(getEnv("PRICE_LEGAL", "6"), 6),
		ImageSurcharge: parseFloat(getEnv("IMAGE_SURCHARGE", "3"), 3),
		MinCopies:      parseInt(getEnv("COPIES_MIN", "1"), 1),
		MaxCopies:      parseInt(getEnv("COPIES_MAX", "100"), 100),
	}
	if cfg.Pricing.MinCopies < 1 {
		cfg.Pricing.MinCopies = 1
	}
	if cfg.Pricing.MaxCopies < cfg.Pricing.MinCopies {
		cfg.Pricing.MaxCopies = cfg.Pricing.MinCopies
	}

	cfg.Analyzer = AnalyzerConfig{
		Backend:    strings.ToLower(getEnv("ANALYZER_BACKEND", "auto")),
		Timeout:    parseDuration(getEnv("ANALYZER_TIMEOUT", "30s"), 30*time.Second),
		MaxUploadB: int64(parseInt(getEnv("MAX_UPLOAD_MB", "50"), 50)) << 20,
		PreviewDPI: parseInt(getEnv("PREVIEW_DPI", "48"), 48),
		CacheTTL:   parseDuration(getEnv("ANALYSIS_CACHE_TTL", "24h"), 24*time.Hour),
	}

	cfg.Storage = StorageConfig{
		Bucket:          getEnv("AWS_S3_BUCKET", ""),
		Region:          getEnv("AWS_REGION", "eu-central-1"),
		Password:        getEnv("STORAGE_PASSWORD", ""),
		AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		Prefix:          getEnv("STORAGE_PREFIX", "submissions"),
	}

	cfg.Worker = WorkerConfig{
		Enabled:            parseBool(getEnv("RUN_DISPATCHER", "true")),
		Concurrency:        parseInt(getEnv("WORKER_CONCURRENCY", "4"), 4),
		WebhookURL:         getEnv("NOTIFY_WEBHOOK_URL", ""),
		NotifyTimeout:      parseDuration(getEnv("NOTIFY_TIMEOUT", "15s"), 15*time.Second),
		JobMaxAttempts:     parseInt(getEnv("JOB_MAX_ATTEMPTS", "5"), 5),
		RetryBaseDelay:     parseDuration(getEnv("RETRY_BASE_DELAY", "2s"), 2*time.Second),
		RetryJitter:        parseDuration(getEnv("RETRY_JITTER", "200ms"), 200*time.Millisecond),
		RetryBackoffFactor: parseFloat(getEnv("RETRY_BACKOFF_FACTOR", "2.0"), 2.0),
		BreakerBaseBackoff: parseDuration(getEnv("BREAKER_BASE_BACKOFF", "30s"), 30*time.Second),
		BreakerMaxBackoff:  parseDuration(getEnv("BREAKER_MAX_BACKOFF", "5m"), 5*time.Minute),
	}
	if cfg.Worker.Concurrency < 1 {
		cfg.Worker.Concurrency = 1
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:print:submissions"),
		Group:        getEnv("QUEUE_GROUP", "workers:fulfillment"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "100ms"), 100*time.Millisecond),
	}

	cfg.HTTP = HTTPConfig{
		Port:       getEnv("PORT", "8080"),
		SessionTTL: parseDuration(getEnv("SESSION_TTL", "2h"), 2*time.Hour),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
