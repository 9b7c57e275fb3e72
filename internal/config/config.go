package config

import (
	"os"
	"strconv"
	"strings"

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AES-256-GCM key (base64) for webhook secrets at rest.
	SecretEncryptionKey string

	// Publisher
	PublishIntervalSeconds int
	PublishBatchLimit      int

	// Webhook dispatcher
	DispatchIntervalSeconds  int
	DispatchBatchLimit       int
	DispatchRatePerMinute    int
	DispatchBurst            int
	WebhookDisableThreshold  int
	WebhookMaxBackoffMs      int
	CircuitBreakerEnabled    bool
	CBFailureThreshold       int
	CBMinRequests            int
	CBHalfOpenMaxSuccess     int
	CBRecoverySeconds        int
	CBSamplingSeconds        int

	// Entity types tenants may filter webhooks on. Comma-separated override.
	KnownEntityTypes []string

	// Idempotency
	IdempotencySuccessTTLSeconds int
	IdempotencyFailureTTLSeconds int

	SnowflakeNodeID int64
}

var defaultKnownEntities = []string{
	"event",
	"task",
	"recipe",
	"shift",
	"employee",
	"inventory_item",
	"menu",
	"order",
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	_ = godotenv.Load()
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "prepflow-cloud"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Port:        getenv("PORT", "8080"),
		Environment: environment,

		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AdminAPIToken: strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),

		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "prepflow"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBMaxIdleConn:     getenvInt("DB_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DB_MAX_OPEN_CONN", 100),
		DBConnMaxLifetime: getenvInt("DB_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DB_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
		RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:       getenvInt("REDIS_DB", 0),

		SecretEncryptionKey: strings.TrimSpace(getenv("SECRET_ENCRYPTION_KEY", "")),

		PublishIntervalSeconds: getenvInt("OUTBOX_PUBLISH_INTERVAL", 5),
		PublishBatchLimit:      getenvInt("OUTBOX_PUBLISH_LIMIT", 100),

		DispatchIntervalSeconds: getenvInt("WEBHOOK_DISPATCH_INTERVAL", 10),
		DispatchBatchLimit:      getenvInt("WEBHOOK_DISPATCH_LIMIT", 50),
		DispatchRatePerMinute:   getenvInt("WEBHOOK_RATE_PER_MINUTE", 300),
		DispatchBurst:           getenvInt("WEBHOOK_RATE_BURST", 10),
		WebhookDisableThreshold: getenvInt("WEBHOOK_DISABLE_THRESHOLD", 5),
		WebhookMaxBackoffMs:     getenvInt("WEBHOOK_MAX_BACKOFF_MS", 30000),

		CircuitBreakerEnabled: getenvBool("REALTIME_CB_ENABLED", false),
		CBFailureThreshold:    getenvInt("REALTIME_CB_FAILURE_THRESHOLD", 5),
		CBMinRequests:         getenvInt("REALTIME_CB_MIN_REQUESTS", 10),
		CBHalfOpenMaxSuccess:  getenvInt("REALTIME_CB_HALF_OPEN_MAX_SUCCESS", 2),
		CBRecoverySeconds:     getenvInt("REALTIME_CB_RECOVERY_SECONDS", 30),
		CBSamplingSeconds:     getenvInt("REALTIME_CB_SAMPLING_SECONDS", 60),

		KnownEntityTypes: parseList(getenv("WEBHOOK_ENTITY_TYPES", "")),

		IdempotencySuccessTTLSeconds: getenvInt("IDEMPOTENCY_SUCCESS_TTL", 24*3600),
		IdempotencyFailureTTLSeconds: getenvInt("IDEMPOTENCY_FAILURE_TTL", 30),

		SnowflakeNodeID: getenvInt64("SNOWFLAKE_NODE_ID", 1),
	}

	if len(cfg.KnownEntityTypes) == 0 {
		cfg.KnownEntityTypes = defaultKnownEntities
	}

	return &cfg
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
