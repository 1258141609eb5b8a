// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Gateway modes
const (
	GatewayModeSimulator = "simulator"
	GatewayModeHTTP      = "http"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Dispatch  DispatchConfig
	Session   SessionConfig
	Publisher PublisherConfig
	Sync      SyncConfig
	Gateway   GatewayConfig
	Ledger    LedgerConfig
	Backup    BackupConfig

	WALCheckpointSchedule string
	MaintenanceSchedule   string
}

// DispatchConfig bounds batch execution
type DispatchConfig struct {
	Workers     int
	CallTimeout time.Duration
}

// SessionConfig controls gateway session lifetime
type SessionConfig struct {
	Lifetime      time.Duration
	ResetTime     string // HH:MM local to ResetTZ, empty disables the daily reset
	ResetTZ       string
	SweepSchedule string
	AuthTimeout   time.Duration // bounds one shared login call
}

// ResetClock parses ResetTime into hour and minute
func (c SessionConfig) ResetClock() (hour, minute int, ok bool) {
	if c.ResetTime == "" {
		return 0, 0, false
	}
	t, err := time.Parse("15:04", c.ResetTime)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// PublisherConfig controls the P&L push server
type PublisherConfig struct {
	Interval         time.Duration
	SubscriberBuffer int
	PingInterval     time.Duration
}

// SyncConfig controls the P&L push client
type SyncConfig struct {
	URL                   string
	HeartbeatInterval     time.Duration
	BaseReconnectInterval time.Duration
	MaxReconnectAttempts  int
	MaxReconnectInterval  time.Duration // 0 = uncapped
	ReconnectJitter       float64       // fraction of the delay, 0 = none
}

// GatewayConfig selects and tunes the broker gateway
type GatewayConfig struct {
	Mode          string
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// LedgerConfig controls batch report retention
type LedgerConfig struct {
	RetentionDays     int
	RetentionSchedule string
}

// BackupConfig addresses the S3-compatible bucket for cloud backups
type BackupConfig struct {
	Bucket          string // empty disables cloud backups
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Schedule        string
	RetentionDays   int
}

// Enabled reports whether cloud backups are configured
func (c BackupConfig) Enabled() bool {
	return c.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FLEET_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := FromEnv()
	cfg.DataDir = absDataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from the current environment without touching the filesystem
func FromEnv() *Config {
	return &Config{
		DataDir:  getEnv("FLEET_DATA_DIR", "./data"),
		Port:     getEnvAsInt("FLEET_PORT", 8001),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Dispatch: DispatchConfig{
			Workers:     getEnvAsInt("DISPATCH_WORKERS", 5),
			CallTimeout: getEnvAsDuration("DISPATCH_CALL_TIMEOUT", 15*time.Second),
		},
		Session: SessionConfig{
			Lifetime:      getEnvAsDuration("SESSION_LIFETIME", 8*time.Hour),
			ResetTime:     getEnv("SESSION_RESET_TIME", "06:00"),
			ResetTZ:       getEnv("SESSION_RESET_TZ", "Asia/Kolkata"),
			SweepSchedule: getEnv("SESSION_SWEEP_SCHEDULE", "@every 10m"),
			AuthTimeout:   getEnvAsDuration("SESSION_AUTH_TIMEOUT", 30*time.Second),
		},
		Publisher: PublisherConfig{
			Interval:         getEnvAsDuration("PUBLISHER_INTERVAL", 2*time.Second),
			SubscriberBuffer: getEnvAsInt("PUBLISHER_SUBSCRIBER_BUFFER", 64),
			PingInterval:     getEnvAsDuration("PUBLISHER_PING_INTERVAL", 30*time.Second),
		},
		Sync: SyncConfig{
			URL:                   getEnv("SYNC_URL", "ws://localhost:8001/ws/pl"),
			HeartbeatInterval:     getEnvAsDuration("SYNC_HEARTBEAT_INTERVAL", 30*time.Second),
			BaseReconnectInterval: getEnvAsDuration("SYNC_BASE_RECONNECT_INTERVAL", 5*time.Second),
			MaxReconnectAttempts:  getEnvAsInt("SYNC_MAX_RECONNECT_ATTEMPTS", 5),
			MaxReconnectInterval:  getEnvAsDuration("SYNC_MAX_RECONNECT_INTERVAL", 0),
			ReconnectJitter:       getEnvAsFloat("SYNC_RECONNECT_JITTER", 0),
		},
		Gateway: GatewayConfig{
			Mode:          getEnv("GATEWAY_MODE", GatewayModeSimulator),
			BaseURL:       getEnv("GATEWAY_BASE_URL", ""),
			Timeout:       getEnvAsDuration("GATEWAY_TIMEOUT", 30*time.Second),
			RatePerSecond: getEnvAsFloat("GATEWAY_RATE_PER_SECOND", 10),
			Burst:         getEnvAsInt("GATEWAY_BURST", 5),
		},
		Ledger: LedgerConfig{
			RetentionDays:     getEnvAsInt("LEDGER_RETENTION_DAYS", 90),
			RetentionSchedule: getEnv("LEDGER_RETENTION_SCHEDULE", "@daily"),
		},
		Backup: BackupConfig{
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:          getEnv("BACKUP_S3_REGION", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			Schedule:        getEnv("BACKUP_SCHEDULE", "0 0 3 * * *"),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
		WALCheckpointSchedule: getEnv("WAL_CHECKPOINT_SCHEDULE", "@hourly"),
		MaintenanceSchedule:   getEnv("MAINTENANCE_SCHEDULE", "0 30 2 * * *"),
	}
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid FLEET_PORT: %d", c.Port)
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.CallTimeout <= 0 {
		return fmt.Errorf("DISPATCH_CALL_TIMEOUT must be positive")
	}
	if c.Sync.MaxReconnectAttempts < 0 {
		return fmt.Errorf("SYNC_MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.Sync.ReconnectJitter < 0 || c.Sync.ReconnectJitter > 1 {
		return fmt.Errorf("SYNC_RECONNECT_JITTER must be within [0,1], got %v", c.Sync.ReconnectJitter)
	}
	if c.Session.ResetTime != "" {
		if _, _, ok := c.Session.ResetClock(); !ok {
			return fmt.Errorf("invalid SESSION_RESET_TIME %q, expected HH:MM", c.Session.ResetTime)
		}
		if _, err := time.LoadLocation(c.Session.ResetTZ); err != nil {
			return fmt.Errorf("invalid SESSION_RESET_TZ %q: %w", c.Session.ResetTZ, err)
		}
	}
	if c.Backup.Enabled() && (c.Backup.AccessKeyID == "") != (c.Backup.SecretAccessKey == "") {
		return fmt.Errorf("BACKUP_S3_ACCESS_KEY_ID and BACKUP_S3_SECRET_ACCESS_KEY must be set together")
	}
	switch c.Gateway.Mode {
	case GatewayModeSimulator:
	case GatewayModeHTTP:
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("GATEWAY_BASE_URL is required when GATEWAY_MODE=http")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_MODE %q", c.Gateway.Mode)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are milliseconds
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
