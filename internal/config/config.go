package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Key-value storage ("redis", "memory" or "auto").
	StorageBackend string
	RedisURL       string

	// WhatsApp Business (Meta Graph API) configuration.
	WABAVerifyToken string
	WABAAppSecret   string
	GraphAPIVersion string
	GraphBaseURL    string

	// Google Calendar service account.
	GoogleServiceAccountFile string

	// Gemini interpreter configuration.
	GeminiAPIKey string
	GeminiModel  string

	// Fallbacks used when a shop row does not carry its own values.
	DefaultTimezone string
	DefaultCountry  string

	// Rate limiting (all buckets are per minute).
	GlobalPerIP        int
	UserRatePerMin     int
	WebhookPerShop     int
	OutboundWAPerShop  int
	OutboundWAPerUser  int

	// Dispatcher and loopback behaviour.
	LoopbackTimeout   time.Duration
	DispatchWorkers   int
	DispatchQueueSize int

	// Booking commit behaviour.
	SlotLockTimeout time.Duration
	MaxLockRetries  int

	// Cache TTLs.
	StateTTL       time.Duration
	IdempotencyTTL time.Duration
	HoursCacheTTL  time.Duration
	SnapshotTTL    time.Duration
	ReminderDedupe time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		StorageBackend: strings.ToLower(strings.TrimSpace(getEnv("STORAGE_BACKEND", "auto"))),
		RedisURL:       getEnv("REDIS_URL", ""),

		WABAVerifyToken: getEnv("WABA_VERIFY_TOKEN", ""),
		WABAAppSecret:   getEnv("WABA_APP_SECRET", ""),
		GraphAPIVersion: getEnv("GRAPH_API_VERSION", "v23.0"),
		GraphBaseURL:    getEnv("GRAPH_BASE_URL", "https://graph.facebook.com"),

		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", "credentials.json"),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),

		DefaultTimezone: getEnv("DEFAULT_TZ", "Europe/Madrid"),
		DefaultCountry:  getEnv("DEFAULT_COUNTRY", "ES"),

		GlobalPerIP:       getEnvAsInt("GLOBAL_PER_IP", 200),
		UserRatePerMin:    getEnvAsInt("USER_RATE_PER_MIN", 100),
		WebhookPerShop:    getEnvAsInt("WEBHOOK_PER_SHOP", 1500),
		OutboundWAPerShop: getEnvAsInt("OUTBOUND_WA_PER_SHOP", 100),
		OutboundWAPerUser: getEnvAsInt("OUTBOUND_WA_PER_USER", 70),

		LoopbackTimeout:   getEnvAsDuration("LOOPBACK_TIMEOUT", 40*time.Second),
		DispatchWorkers:   getEnvAsInt("DISPATCH_WORKERS", 2),
		DispatchQueueSize: getEnvAsInt("DISPATCH_QUEUE_SIZE", 128),

		SlotLockTimeout: getEnvAsDuration("SLOT_LOCK_TIMEOUT", 5*time.Second),
		MaxLockRetries:  getEnvAsInt("MAX_LOCK_RETRIES", 1),

		StateTTL:       getEnvAsDuration("STATE_TTL", 5*time.Hour),
		IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", 10*time.Minute),
		HoursCacheTTL:  getEnvAsDuration("HOURS_CACHE_TTL", 2*time.Minute),
		SnapshotTTL:    getEnvAsDuration("SNAPSHOT_TTL", 5*time.Minute),
		ReminderDedupe: getEnvAsDuration("REMINDER_DEDUPE_TTL", 72*time.Hour),
	}
}

// UseRedis reports whether the configured backend should talk to Redis.
// "auto" picks Redis whenever a URL is present.
func (c *Config) UseRedis() bool {
	switch c.StorageBackend {
	case "redis":
		return true
	case "memory":
		return false
	default:
		return c.RedisURL != ""
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
