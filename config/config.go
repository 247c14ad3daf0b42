package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Auth     AuthConfig
	AWS      AWSConfig
	Tracker  TrackerConfig
	Batch    BatchConfig
	Archive  ArchiveConfig
	Trigger  TriggerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings. Addr empty disables the
// realtime pub/sub bridge.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AuthConfig holds the bcrypt hash of the shared access key.
type AuthConfig struct {
	AccessKeyHash string
}

// AWSConfig holds AWS credentials and the archive bucket. Bucket empty
// disables S3 replication.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
}

// TrackerConfig holds session orchestration settings.
type TrackerConfig struct {
	EventBufferSize        int
	SnapshotBufferSize     int
	NormalLaneMax          int
	ContinuationWindowMins int
	CleanupIntervalSecs    int
	MemoryThresholdBytes   uint64
	SessionGraceHours      int
	SnapshotIntervalSecs   int
}

// BatchConfig holds event batch writer settings.
type BatchConfig struct {
	Size        int
	MaxWaitSecs int
}

// ArchiveConfig holds retention archiver settings.
type ArchiveConfig struct {
	Dir                string
	RetentionDays      int
	CheckIntervalHours int
}

// TriggerConfig holds the critical-event webhook bridge settings. URL empty
// disables the bridge.
type TriggerConfig struct {
	WebhookURL string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is;
// otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	memThreshold, _ := strconv.ParseUint(getEnv("MEMORY_THRESHOLD_BYTES", "524288000"), 10, 64)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/tracker?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "tracker"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Auth: AuthConfig{
			AccessKeyHash: getEnv("ACCESS_KEY_HASH", ""),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_S3_ARCHIVE_BUCKET", ""),
		},
		Tracker: TrackerConfig{
			EventBufferSize:        getEnvInt("EVENT_BUFFER_SIZE", 1000),
			SnapshotBufferSize:     getEnvInt("SNAPSHOT_BUFFER_SIZE", 100),
			NormalLaneMax:          getEnvInt("NORMAL_LANE_MAX", 1000),
			ContinuationWindowMins: getEnvInt("CONTINUATION_WINDOW_MINUTES", 30),
			CleanupIntervalSecs:    getEnvInt("CLEANUP_INTERVAL_SECONDS", 300),
			MemoryThresholdBytes:   memThreshold,
			SessionGraceHours:      getEnvInt("SESSION_GRACE_HOURS", 2),
			SnapshotIntervalSecs:   getEnvInt("SNAPSHOT_INTERVAL_SECONDS", 60),
		},
		Batch: BatchConfig{
			Size:        getEnvInt("BATCH_SIZE", 50),
			MaxWaitSecs: getEnvInt("BATCH_MAX_WAIT_SECONDS", 5),
		},
		Archive: ArchiveConfig{
			Dir:                getEnv("ARCHIVE_DIR", "archives"),
			RetentionDays:      getEnvInt("RETENTION_DAYS", 90),
			CheckIntervalHours: getEnvInt("ARCHIVE_CHECK_INTERVAL_HOURS", 24),
		},
		Trigger: TriggerConfig{
			WebhookURL: getEnv("TRIGGER_WEBHOOK_URL", ""),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
