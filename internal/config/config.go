// Package config loads typed configuration from the environment,
// following the grouped-struct / getEnv* helper style this codebase has
// used since its trading-engine days.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every configuration key this system reads at startup.
type Config struct {
	Port        string
	Environment string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Partition PartitionConfig
	Archive   ArchiveConfig
	Realtime  RealtimeConfig
	Alerts    AlertsConfig
	DevAuth   DevAuthConfig
	Logging   LoggingConfig
}

type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// PartitionConfig holds the partition.* keys.
type PartitionConfig struct {
	WarnMB           float64
	CriticalMB       float64
	EmergencyMB      float64
	AutoCreate       bool
	AutoCleanup      bool
	AutoCompress     bool
	AutoConvert      bool
	FutureMonths     int
	RetentionMonths  int
	SizeCheckIntervalMS int
	QueryTimeoutMS      int
	BatchSize           int
	MaxConcurrentOps    int
}

// ArchiveConfig holds the archive.* keys.
type ArchiveConfig struct {
	Path               string
	ActiveMonths       int
	WarmMonths         int
	ColdMonths         int
	ParallelJobs       int
	BackupBeforeArchive bool
}

// RealtimeConfig holds the realtime.* keys.
type RealtimeConfig struct {
	HeartbeatMS       int
	SubscriberQueueMax int
	SendTimeoutMS      int
}

// AlertsConfig holds the alerts.* keys.
type AlertsConfig struct {
	CooldownMS      int
	WebhookURL      string
	EmailSMTPHost   string
	EmailSMTPPort   int
	EmailFrom       string
	EmailRecipients []string
}

// DevAuthConfig holds the local principal-minting stub's roster. Entries
// are "username:bcrypt_hash:role:user_id" quadruples; never populated in
// production (see internal/devauth).
type DevAuthConfig struct {
	Enabled bool
	Users   []string
}

// LoggingConfig holds the logging.* keys. FilePath left empty means log
// to stdout only, the zero-config default; setting it additionally
// routes logs through a RotatingFileWriter.
type LoggingConfig struct {
	FilePath    string
	MaxSizeMB   int
	MaxAgeDays  int
	MaxBackups  int
	Compress    bool
}

// Load reads configuration from the environment, optionally preceded by
// a .env file in the working directory (missing .env is not an error).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			Name:     getEnv("DB_NAME", "telemetry"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Expiry: getEnvAsDuration("JWT_EXPIRY", 24*time.Hour),
		},

		Partition: PartitionConfig{
			WarnMB:              getEnvAsFloat("PARTITION_WARN_MB", 2048),
			CriticalMB:          getEnvAsFloat("PARTITION_CRITICAL_MB", 8192),
			EmergencyMB:         getEnvAsFloat("PARTITION_EMERGENCY_MB", 16384),
			AutoCreate:          getEnvAsBool("PARTITION_AUTO_CREATE", true),
			AutoCleanup:         getEnvAsBool("PARTITION_AUTO_CLEANUP", false),
			AutoCompress:        getEnvAsBool("PARTITION_AUTO_COMPRESS", true),
			AutoConvert:         getEnvAsBool("PARTITION_AUTO_CONVERT", false),
			FutureMonths:        getEnvAsInt("PARTITION_FUTURE_MONTHS", 3),
			RetentionMonths:     getEnvAsInt("PARTITION_RETENTION_MONTHS", 12),
			SizeCheckIntervalMS: getEnvAsInt("PARTITION_SIZE_CHECK_INTERVAL_MS", 1800000),
			QueryTimeoutMS:      getEnvAsInt("PARTITION_QUERY_TIMEOUT_MS", 5000),
			BatchSize:           getEnvAsInt("PARTITION_BATCH_SIZE", 500),
			MaxConcurrentOps:    getEnvAsInt("PARTITION_MAX_CONCURRENT_OPS", 4),
		},

		Archive: ArchiveConfig{
			Path:                getEnv("ARCHIVE_PATH", "./data/archive"),
			ActiveMonths:        getEnvAsInt("ARCHIVE_ACTIVE_MONTHS", 3),
			WarmMonths:          getEnvAsInt("ARCHIVE_WARM_MONTHS", 6),
			ColdMonths:          getEnvAsInt("ARCHIVE_COLD_MONTHS", 24),
			ParallelJobs:        getEnvAsInt("ARCHIVE_PARALLEL_JOBS", 2),
			BackupBeforeArchive: getEnvAsBool("ARCHIVE_BACKUP_BEFORE_ARCHIVE", true),
		},

		Realtime: RealtimeConfig{
			HeartbeatMS:        getEnvAsInt("REALTIME_HEARTBEAT_MS", 25000),
			SubscriberQueueMax: getEnvAsInt("REALTIME_SUBSCRIBER_QUEUE_MAX", 1000),
			SendTimeoutMS:      getEnvAsInt("REALTIME_SEND_TIMEOUT_MS", 5000),
		},

		Alerts: AlertsConfig{
			CooldownMS:      getEnvAsInt("ALERTS_COOLDOWN_MS", 1800000),
			WebhookURL:      getEnv("ALERTS_WEBHOOK_URL", ""),
			EmailSMTPHost:   getEnv("ALERTS_EMAIL_SMTP_HOST", ""),
			EmailSMTPPort:   getEnvAsInt("ALERTS_EMAIL_SMTP_PORT", 587),
			EmailFrom:       getEnv("ALERTS_EMAIL_FROM", "alerts@fleetwatch.local"),
			EmailRecipients: getEnvAsSlice("ALERTS_EMAIL_RECIPIENTS", nil, ","),
		},

		DevAuth: DevAuthConfig{
			Enabled: getEnvAsBool("DEVAUTH_ENABLED", false),
			Users:   getEnvAsSlice("DEVAUTH_USERS", nil, ";"),
		},

		Logging: LoggingConfig{
			FilePath:   getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 7),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 10),
			Compress:   getEnvAsBool("LOG_COMPRESS", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces the configuration invariants that matter in
// production: the threshold triple must be strictly increasing and a
// JWT secret must be present.
func (c *Config) Validate() error {
	p := c.Partition
	if !(p.WarnMB < p.CriticalMB && p.CriticalMB < p.EmergencyMB) {
		return fmt.Errorf("partition thresholds must satisfy warn < critical < emergency, got %v/%v/%v",
			p.WarnMB, p.CriticalMB, p.EmergencyMB)
	}

	if c.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.DevAuth.Enabled {
			return fmt.Errorf("DEVAUTH_ENABLED must not be set in production")
		}
	} else if c.JWT.Secret == "" {
		log.Println("[config] WARNING: JWT_SECRET not set - tokens are signed with an empty secret")
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	v := getEnv(key, "")
	if v == "" {
		return defaultVal
	}
	return strings.Split(v, sep)
}
