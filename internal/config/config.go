// Package config loads process configuration from environment variables
// and an optional .env file, the way the rest of this codebase's lineage
// does it: no config server, no remote flags, just env with sane
// fallbacks and one explicit Validate step before anything is wired.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds everything the daemon needs to wire its dependencies.
type Config struct {
	DataDir  string
	Port     int
	LogLevel string
	DevMode  bool

	// WatchPort serves the read-only websocket push view (internal/watch).
	WatchPort int

	// SyncSchedule is the cron expression (seconds-resolution, per
	// robfig/cron/v3.WithSeconds) driving the broker-sync poller.
	SyncSchedule string

	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerBaseURL   string

	// DistributionConfigPassword gates changes to DistributionRules, the
	// one facade surface the spec calls out as needing an out-of-band
	// confirmation beyond the per-call protected-mutation capability.
	DistributionConfigPassword string

	// Backup upload target. Empty Bucket disables off-box upload; the
	// JSON envelope is still written locally.
	BackupS3Bucket          string
	BackupS3Region          string
	BackupS3Endpoint        string
	BackupS3AccessKeyID     string
	BackupS3SecretAccessKey string
}

const defaultDataDir = "./data"

// Load reads .env (if present), then environment variables, resolves the
// data directory to an absolute path and creates it, and validates the
// result.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	dataDir := defaultDataDir
	if v := os.Getenv("TRUST_DATA_DIR"); v != "" {
		dataDir = v
	}
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve data dir: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create data dir: %w", err)
	}

	cfg := &Config{
		DataDir:                    absDataDir,
		Port:                       getEnvAsInt("TRUST_PORT", 8080),
		WatchPort:                  getEnvAsInt("TRUST_WATCH_PORT", 8081),
		SyncSchedule:               getEnv("TRUST_SYNC_SCHEDULE", "@every 30s"),
		LogLevel:                   getEnv("TRUST_LOG_LEVEL", "info"),
		DevMode:                    getEnvAsBool("TRUST_DEV_MODE", false),
		BrokerAPIKey:               getEnv("TRUST_BROKER_API_KEY", ""),
		BrokerAPISecret:            getEnv("TRUST_BROKER_API_SECRET", ""),
		BrokerBaseURL:              getEnv("TRUST_BROKER_BASE_URL", ""),
		DistributionConfigPassword: getEnv("TRUST_DISTRIBUTION_PASSWORD", ""),
		BackupS3Bucket:             getEnv("TRUST_BACKUP_S3_BUCKET", ""),
		BackupS3Region:             getEnv("TRUST_BACKUP_S3_REGION", "auto"),
		BackupS3Endpoint:           getEnv("TRUST_BACKUP_S3_ENDPOINT", ""),
		BackupS3AccessKeyID:        getEnv("TRUST_BACKUP_S3_ACCESS_KEY_ID", ""),
		BackupS3SecretAccessKey:    getEnv("TRUST_BACKUP_S3_SECRET_ACCESS_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the fields the daemon cannot start without.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data dir is required")
	}
	if c.WatchPort <= 0 || c.WatchPort > 65535 {
		return fmt.Errorf("config: invalid watch port %d", c.WatchPort)
	}
	if c.WatchPort == c.Port {
		return fmt.Errorf("config: watch port must differ from the reporting port")
	}
	if c.SyncSchedule == "" {
		return fmt.Errorf("config: sync schedule is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
