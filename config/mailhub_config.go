package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// JWT
	JWTSecret string

	// Credential encryption (AES-256, 32 bytes)
	EncryptionKey string

	// OpenAI
	OpenAIAPIKey  string
	LLMModel      string
	LLMTimeoutSec int

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Scheduler
	SchedulerEnabled       bool
	SchedulerBootDelay     time.Duration
	SchedulerRescanEvery   time.Duration
	SchedulerMaxConcurrent int
	SyncDefaultInterval    time.Duration
	SyncFailureThreshold   int

	// Sync runner
	SyncBatchSize      int
	SyncMaxPerRun      int
	SyncConnectTimeout time.Duration

	// Offline queue
	QueueResourceConcurrency int

	// Outbox dispatcher
	OutboxEnabled          bool
	OutboxDispatchInterval time.Duration
	OutboxBatchSize        int

	// Automation pipeline
	PipelineEnabled        bool
	PipelineSweepInterval  time.Duration
	PipelineUserConcurrency int
	PipelineMessagesPerSweep int

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "mailhub"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// Crypto
		EncryptionKey: getEnv("CREDENTIAL_ENCRYPTION_KEY", ""),

		// OpenAI
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		LLMModel:      getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeoutSec: getEnvInt("LLM_TIMEOUT_SEC", 20),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		// Scheduler
		SchedulerEnabled:       getEnvBool("SCHEDULER_ENABLED", true),
		SchedulerBootDelay:     time.Duration(getEnvInt("SCHEDULER_BOOT_DELAY_SEC", 5)) * time.Second,
		SchedulerRescanEvery:   time.Duration(getEnvInt("SCHEDULER_RESCAN_SEC", 300)) * time.Second,
		SchedulerMaxConcurrent: getEnvInt("SCHEDULER_MAX_CONCURRENT", 5),
		SyncDefaultInterval:    time.Duration(getEnvInt("SYNC_INTERVAL_SEC", 300)) * time.Second,
		SyncFailureThreshold:   getEnvInt("SYNC_FAILURE_THRESHOLD", 3),

		// Sync runner
		SyncBatchSize:      getEnvInt("SYNC_BATCH_SIZE", 100),
		SyncMaxPerRun:      getEnvInt("SYNC_MAX_PER_RUN", 500),
		SyncConnectTimeout: time.Duration(getEnvInt("SYNC_CONNECT_TIMEOUT_SEC", 30)) * time.Second,

		// Offline queue
		QueueResourceConcurrency: getEnvInt("QUEUE_RESOURCE_CONCURRENCY", 4),

		// Outbox dispatcher
		OutboxEnabled:          getEnvBool("OUTBOX_ENABLED", true),
		OutboxDispatchInterval: time.Duration(getEnvInt("OUTBOX_DISPATCH_INTERVAL_SEC", 60)) * time.Second,
		OutboxBatchSize:        getEnvInt("OUTBOX_BATCH_SIZE", 100),

		// Automation pipeline
		PipelineEnabled:          getEnvBool("PIPELINE_ENABLED", true),
		PipelineSweepInterval:    time.Duration(getEnvInt("PIPELINE_SWEEP_INTERVAL_SEC", 600)) * time.Second,
		PipelineUserConcurrency:  getEnvInt("PIPELINE_USER_CONCURRENCY", 3),
		PipelineMessagesPerSweep: getEnvInt("PIPELINE_MESSAGES_PER_SWEEP", 50),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
