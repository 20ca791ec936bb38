/**
 * @description
 * This package handles the configuration management for the billing-service.
 * It uses the Viper library to read configuration from environment variables
 * and an optional .env file, then normalizes the values so the rest of the
 * service can rely on sane defaults.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the billing-service.
type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RunMigrations bool   `mapstructure:"RUN_MIGRATIONS"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`

	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisLockPrefix string `mapstructure:"REDIS_LOCK_PREFIX"`
	LockTTLSeconds  int    `mapstructure:"LOCK_TTL_SECONDS"`

	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	JobsExchange        string `mapstructure:"JOBS_EXCHANGE"`
	JobsWorkQueue       string `mapstructure:"JOBS_WORK_QUEUE"`
	JobsRetryQueue      string `mapstructure:"JOBS_RETRY_QUEUE"`
	JobsDeadQueue       string `mapstructure:"JOBS_DEAD_QUEUE"`
	DeadLetterMaxLength int    `mapstructure:"DEAD_LETTER_MAX_LENGTH"`
	EventsExchange      string `mapstructure:"EVENTS_EXCHANGE"`
	JobPrefetch         int    `mapstructure:"JOB_PREFETCH"`
	MemoryQueueWorkers  int    `mapstructure:"MEMORY_QUEUE_WORKERS"`

	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	OperatorJWTSecret  string `mapstructure:"OPERATOR_JWT_SECRET"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	AsaasAPIBaseURL   string `mapstructure:"ASAAS_API_BASE_URL"`
	AsaasAPIKey       string `mapstructure:"ASAAS_API_KEY"`
	AsaasWebhookToken string `mapstructure:"ASAAS_WEBHOOK_TOKEN"`

	BusinessTimezone             string  `mapstructure:"BUSINESS_TIMEZONE"`
	GeneratorConcurrency         int     `mapstructure:"GENERATOR_CONCURRENCY"`
	DefaultFinePercent           float64 `mapstructure:"DEFAULT_FINE_PERCENT"`
	DefaultMonthlyInterestPct    float64 `mapstructure:"DEFAULT_MONTHLY_INTEREST_PERCENT"`
	InvoiceGenerationJobSchedule string  `mapstructure:"INVOICE_GENERATION_JOB_SCHEDULE"`
	OverdueJobSchedule           string  `mapstructure:"OVERDUE_JOB_SCHEDULE"`
	InterestJobSchedule          string  `mapstructure:"INTEREST_JOB_SCHEDULE"`
	WebhookRequeueJobSchedule    string  `mapstructure:"WEBHOOK_REQUEUE_JOB_SCHEDULE"`
	WebhookStaleAfterMinutes     int     `mapstructure:"WEBHOOK_STALE_AFTER_MINUTES"`
	WebhookMaxAttempts           int     `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
}

// LockTTL returns the lock TTL as a duration.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// Location resolves BusinessTimezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AllowedOrigins splits CORSAllowedOrigins on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables and the optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("REDIS_LOCK_PREFIX", "billing:lock")
	viper.SetDefault("LOCK_TTL_SECONDS", 30)
	viper.SetDefault("JOBS_EXCHANGE", "billing.jobs")
	viper.SetDefault("JOBS_WORK_QUEUE", "billing.jobs.work")
	viper.SetDefault("JOBS_RETRY_QUEUE", "billing.jobs.retry")
	viper.SetDefault("JOBS_DEAD_QUEUE", "billing.jobs.dead")
	viper.SetDefault("DEAD_LETTER_MAX_LENGTH", 10000)
	viper.SetDefault("EVENTS_EXCHANGE", "billing.events")
	viper.SetDefault("JOB_PREFETCH", 8)
	viper.SetDefault("MEMORY_QUEUE_WORKERS", 4)
	viper.SetDefault("ASAAS_API_BASE_URL", "https://api.asaas.com")
	viper.SetDefault("BUSINESS_TIMEZONE", "America/Sao_Paulo")
	viper.SetDefault("GENERATOR_CONCURRENCY", 4)
	viper.SetDefault("DEFAULT_FINE_PERCENT", 2.0)
	viper.SetDefault("DEFAULT_MONTHLY_INTEREST_PERCENT", 1.0)
	viper.SetDefault("INVOICE_GENERATION_JOB_SCHEDULE", "0 3 1 * *") // At 03:00 on day-of-month 1.
	viper.SetDefault("OVERDUE_JOB_SCHEDULE", "0 1 * * *")            // Daily at 01:00.
	viper.SetDefault("INTEREST_JOB_SCHEDULE", "0 2 * * *")           // Daily at 02:00.
	viper.SetDefault("WEBHOOK_REQUEUE_JOB_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("WEBHOOK_STALE_AFTER_MINUTES", 10)
	viper.SetDefault("WEBHOOK_MAX_ATTEMPTS", 5)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BILLING_REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("LOCK_TTL_SECONDS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JOBS_EXCHANGE")
	_ = viper.BindEnv("JOBS_WORK_QUEUE")
	_ = viper.BindEnv("JOBS_RETRY_QUEUE")
	_ = viper.BindEnv("JOBS_DEAD_QUEUE")
	_ = viper.BindEnv("DEAD_LETTER_MAX_LENGTH")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("JOB_PREFETCH")
	_ = viper.BindEnv("MEMORY_QUEUE_WORKERS")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "BILLING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("OPERATOR_JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("ASAAS_API_BASE_URL")
	_ = viper.BindEnv("ASAAS_API_KEY")
	_ = viper.BindEnv("ASAAS_WEBHOOK_TOKEN")
	_ = viper.BindEnv("BUSINESS_TIMEZONE")
	_ = viper.BindEnv("GENERATOR_CONCURRENCY")
	_ = viper.BindEnv("DEFAULT_FINE_PERCENT")
	_ = viper.BindEnv("DEFAULT_MONTHLY_INTEREST_PERCENT")
	_ = viper.BindEnv("INVOICE_GENERATION_JOB_SCHEDULE")
	_ = viper.BindEnv("OVERDUE_JOB_SCHEDULE")
	_ = viper.BindEnv("INTEREST_JOB_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_REQUEUE_JOB_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_STALE_AFTER_MINUTES")
	_ = viper.BindEnv("WEBHOOK_MAX_ATTEMPTS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.OperatorJWTSecret = strings.TrimSpace(c.OperatorJWTSecret)
	c.AsaasAPIKey = strings.TrimSpace(c.AsaasAPIKey)
	c.AsaasWebhookToken = strings.TrimSpace(c.AsaasWebhookToken)
	c.AsaasAPIBaseURL = strings.TrimSuffix(strings.TrimSpace(c.AsaasAPIBaseURL), "/")

	c.RedisLockPrefix = strings.TrimSpace(c.RedisLockPrefix)
	if c.RedisLockPrefix == "" {
		c.RedisLockPrefix = "billing:lock"
	}
	if c.LockTTLSeconds <= 0 {
		slog.Warn("non-positive lock ttl configured; using default", "component", "config", "lock_ttl_seconds", c.LockTTLSeconds)
		c.LockTTLSeconds = 30
	}
	if c.GeneratorConcurrency <= 0 {
		c.GeneratorConcurrency = 1
	}
	if c.JobPrefetch <= 0 {
		c.JobPrefetch = 8
	}
	if c.MemoryQueueWorkers <= 0 {
		c.MemoryQueueWorkers = 4
	}
	if c.DeadLetterMaxLength < 0 {
		c.DeadLetterMaxLength = 0
	}
	if c.WebhookStaleAfterMinutes <= 0 {
		c.WebhookStaleAfterMinutes = 10
	}
	if c.WebhookMaxAttempts <= 0 {
		c.WebhookMaxAttempts = 5
	}
	if c.DefaultFinePercent < 0 {
		slog.Warn("negative fine percent configured; coercing to zero", "component", "config", "fine_percent", c.DefaultFinePercent)
		c.DefaultFinePercent = 0
	}
	if c.DefaultMonthlyInterestPct < 0 {
		slog.Warn("negative interest percent configured; coercing to zero", "component", "config", "interest_percent", c.DefaultMonthlyInterestPct)
		c.DefaultMonthlyInterestPct = 0
	}
	if _, err := time.LoadLocation(c.BusinessTimezone); err != nil || strings.TrimSpace(c.BusinessTimezone) == "" {
		slog.Warn("invalid business timezone; using America/Sao_Paulo", "component", "config", "timezone", c.BusinessTimezone)
		c.BusinessTimezone = "America/Sao_Paulo"
	}
}
