package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "WAVETRACE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "wavetrace.db"
	defaultLogLevel     = "info"

	defaultSnapshotBaseInterval     = 1000
	defaultSnapshotBurstMultiplier  = 0.5
	defaultSnapshotIdleMultiplier   = 2.0
	defaultSnapshotBurstThreshold   = 20.0
	defaultSnapshotIdleThreshold    = 2.0
	defaultSnapshotActivityWindow   = 60 * time.Second
	defaultSnapshotCompression      = true
	defaultSnapshotQueueCapacity    = 4
	defaultSnapshotRetainCount      = 5
	defaultCheckpointInterval       = 1000
	defaultCheckpointMemoryBudget   = 64 << 20
	defaultRecoveryBudget           = 100 * time.Millisecond
	defaultCORSAllowedOrigin        = "*"
	minimumSnapshotActivityWindowMs = 100
)

// Viper keys shared by defaults, flags, and Load.
const (
	KeyHTTPAddress             = "http.address"
	KeyCORSAllowedOrigins      = "http.cors_allowed_origins"
	KeyDatabasePath            = "database.path"
	KeyLogLevel                = "log.level"
	KeySnapshotBaseInterval    = "snapshot.base_interval"
	KeySnapshotBurstMultiplier = "snapshot.burst_multiplier"
	KeySnapshotIdleMultiplier  = "snapshot.idle_multiplier"
	KeySnapshotBurstThreshold  = "snapshot.burst_threshold"
	KeySnapshotIdleThreshold   = "snapshot.idle_threshold"
	KeySnapshotActivityWindow  = "snapshot.activity_window"
	KeySnapshotCompression     = "snapshot.compression"
	KeySnapshotQueueCapacity   = "snapshot.queue_capacity"
	KeySnapshotRetainCount     = "snapshot.retain_count"
	KeySnapshotMaxAge          = "snapshot.max_age"
	KeyCheckpointInterval      = "checkpoint.interval"
	KeyCheckpointMemoryBudget  = "checkpoint.memory_budget_bytes"
	KeyRecoveryBudget          = "recovery.budget"
)

// SnapshotConfig tunes snapshot cadence and persistence.
type SnapshotConfig struct {
	BaseInterval    uint64
	BurstMultiplier float64
	IdleMultiplier  float64
	BurstThreshold  float64
	IdleThreshold   float64
	ActivityWindow  time.Duration
	Compression     bool
	QueueCapacity   int
	RetainCount     int
	MaxAge          time.Duration
}

// CheckpointConfig tunes the in-memory seek cache.
type CheckpointConfig struct {
	Interval          uint64
	MemoryBudgetBytes int64
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	CORSAllowedOrigins []string
	DatabasePath       string
	LogLevel           string
	Snapshot           SnapshotConfig
	Checkpoint         CheckpointConfig
	RecoveryBudget     time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyCORSAllowedOrigins, []string{defaultCORSAllowedOrigin})
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeySnapshotBaseInterval, defaultSnapshotBaseInterval)
	configViper.SetDefault(KeySnapshotBurstMultiplier, defaultSnapshotBurstMultiplier)
	configViper.SetDefault(KeySnapshotIdleMultiplier, defaultSnapshotIdleMultiplier)
	configViper.SetDefault(KeySnapshotBurstThreshold, defaultSnapshotBurstThreshold)
	configViper.SetDefault(KeySnapshotIdleThreshold, defaultSnapshotIdleThreshold)
	configViper.SetDefault(KeySnapshotActivityWindow, defaultSnapshotActivityWindow)
	configViper.SetDefault(KeySnapshotCompression, defaultSnapshotCompression)
	configViper.SetDefault(KeySnapshotQueueCapacity, defaultSnapshotQueueCapacity)
	configViper.SetDefault(KeySnapshotRetainCount, defaultSnapshotRetainCount)
	configViper.SetDefault(KeySnapshotMaxAge, time.Duration(0))
	configViper.SetDefault(KeyCheckpointInterval, defaultCheckpointInterval)
	configViper.SetDefault(KeyCheckpointMemoryBudget, defaultCheckpointMemoryBudget)
	configViper.SetDefault(KeyRecoveryBudget, defaultRecoveryBudget)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString(KeyHTTPAddress),
		CORSAllowedOrigins: configViper.GetStringSlice(KeyCORSAllowedOrigins),
		DatabasePath:       configViper.GetString(KeyDatabasePath),
		LogLevel:           configViper.GetString(KeyLogLevel),
		Snapshot: SnapshotConfig{
			BaseInterval:    configViper.GetUint64(KeySnapshotBaseInterval),
			BurstMultiplier: configViper.GetFloat64(KeySnapshotBurstMultiplier),
			IdleMultiplier:  configViper.GetFloat64(KeySnapshotIdleMultiplier),
			BurstThreshold:  configViper.GetFloat64(KeySnapshotBurstThreshold),
			IdleThreshold:   configViper.GetFloat64(KeySnapshotIdleThreshold),
			ActivityWindow:  configViper.GetDuration(KeySnapshotActivityWindow),
			Compression:     configViper.GetBool(KeySnapshotCompression),
			QueueCapacity:   configViper.GetInt(KeySnapshotQueueCapacity),
			RetainCount:     configViper.GetInt(KeySnapshotRetainCount),
			MaxAge:          configViper.GetDuration(KeySnapshotMaxAge),
		},
		Checkpoint: CheckpointConfig{
			Interval:          configViper.GetUint64(KeyCheckpointInterval),
			MemoryBudgetBytes: configViper.GetInt64(KeyCheckpointMemoryBudget),
		},
		RecoveryBudget: configViper.GetDuration(KeyRecoveryBudget),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("%s is required", KeyDatabasePath)
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("%s is required", KeyHTTPAddress)
	}
	if c.Snapshot.BaseInterval == 0 {
		return fmt.Errorf("%s must be positive", KeySnapshotBaseInterval)
	}
	if c.Snapshot.BurstMultiplier <= 0 || c.Snapshot.IdleMultiplier <= 0 {
		return fmt.Errorf("%s and %s must be positive", KeySnapshotBurstMultiplier, KeySnapshotIdleMultiplier)
	}
	if c.Snapshot.IdleThreshold < 0 || c.Snapshot.BurstThreshold <= c.Snapshot.IdleThreshold {
		return fmt.Errorf("%s must exceed %s", KeySnapshotBurstThreshold, KeySnapshotIdleThreshold)
	}
	if c.Snapshot.ActivityWindow < minimumSnapshotActivityWindowMs*time.Millisecond {
		return fmt.Errorf("%s must be at least %dms", KeySnapshotActivityWindow, minimumSnapshotActivityWindowMs)
	}
	if c.Snapshot.QueueCapacity <= 0 {
		return fmt.Errorf("%s must be positive", KeySnapshotQueueCapacity)
	}
	if c.Snapshot.RetainCount < 0 || c.Snapshot.MaxAge < 0 {
		return fmt.Errorf("%s and %s must not be negative", KeySnapshotRetainCount, KeySnapshotMaxAge)
	}
	if c.Checkpoint.Interval == 0 {
		return fmt.Errorf("%s must be positive", KeyCheckpointInterval)
	}
	if c.Checkpoint.MemoryBudgetBytes <= 0 {
		return fmt.Errorf("%s must be positive", KeyCheckpointMemoryBudget)
	}
	if c.RecoveryBudget <= 0 {
		return fmt.Errorf("%s must be positive", KeyRecoveryBudget)
	}
	return nil
}
