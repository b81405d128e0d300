// Package config provides engine configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Configuration bounds to prevent resource exhaustion.
const (
	maxMemoryMbytes         = 65536
	maxPersistInterval      = 1 * time.Hour
	minPersistInterval      = 5 * time.Second
	defaultPersistInterval  = 60 * time.Second
	defaultAPIBaseURL       = "https://api.crawlkit.dev/v2"
	defaultLocalStorageDir  = "./storage"
	defaultKeyValueStoreID  = "default"
	defaultRequestQueueID   = "default"
	defaultMigrationGrace   = 20 * time.Second
	maxMigrationGracePeriod = 5 * time.Minute
)

// Config holds all engine configuration.
// Configuration is loaded from environment variables at startup, with an
// optional YAML overlay file pointed to by CRAWLKIT_CONFIG_PATH.
type Config struct {
	// Storage settings
	LocalStorageDir        string `yaml:"localStorageDir"`
	Token                  string `yaml:"token"`
	APIBaseURL             string `yaml:"apiBaseUrl"`
	DefaultKeyValueStoreID string `yaml:"defaultKeyValueStoreId"`
	DefaultRequestQueueID  string `yaml:"defaultRequestQueueId"`

	// Platform settings
	IsAtHome  bool   `yaml:"isAtHome"`
	SignalDir string `yaml:"signalDir"`

	// Browser settings
	Headless bool `yaml:"headless"`

	// MemoryMbytes is the memory envelope used by the snapshotter when cgroup
	// limits are unavailable. Zero means autodetect.
	MemoryMbytes int `yaml:"memoryMbytes"`

	// Persistence cadence for state snapshots
	PersistStateInterval time.Duration `yaml:"persistStateInterval"`

	// MigrationGracePeriod bounds how long a migration pause waits for
	// in-flight tasks before persisting anyway.
	MigrationGracePeriod time.Duration `yaml:"migrationGracePeriod"`

	// Logging
	LogLevel string `yaml:"logLevel"`
}

// Load loads configuration from environment variables, then applies the YAML
// overlay file if CRAWLKIT_CONFIG_PATH is set. Returns a Config with values
// from the environment or sensible defaults.
func Load() *Config {
	cfg := &Config{
		LocalStorageDir:        getEnvString("CRAWLKIT_LOCAL_STORAGE_DIR", defaultLocalStorageDir),
		Token:                  getEnvString("CRAWLKIT_TOKEN", ""),
		APIBaseURL:             getEnvString("CRAWLKIT_API_BASE_URL", defaultAPIBaseURL),
		DefaultKeyValueStoreID: getEnvString("CRAWLKIT_DEFAULT_KEY_VALUE_STORE_ID", defaultKeyValueStoreID),
		DefaultRequestQueueID:  getEnvString("CRAWLKIT_DEFAULT_REQUEST_QUEUE_ID", defaultRequestQueueID),
		IsAtHome:               getEnvBool("CRAWLKIT_IS_AT_HOME", false),
		SignalDir:              getEnvString("CRAWLKIT_SIGNAL_DIR", ""),
		Headless:               getEnvBool("CRAWLKIT_HEADLESS", true),
		MemoryMbytes:           getEnvInt("CRAWLKIT_MEMORY_MBYTES", 0),
		PersistStateInterval:   getEnvDuration("CRAWLKIT_PERSIST_STATE_INTERVAL", defaultPersistInterval),
		MigrationGracePeriod:   getEnvDuration("CRAWLKIT_MIGRATION_GRACE_PERIOD", defaultMigrationGrace),
		LogLevel:               getEnvString("CRAWLKIT_LOG_LEVEL", "info"),
	}

	if path := os.Getenv("CRAWLKIT_CONFIG_PATH"); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			log.Warn().
				Err(err).
				Str("path", path).
				Msg("Failed to load config overlay, using environment values")
		} else {
			log.Info().Str("path", path).Msg("Applied config overlay")
		}
	}

	return cfg
}

// applyOverlay merges a YAML config file over the current values.
// Only keys present in the file are applied.
func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Decode into a shadow struct of pointers so absent keys leave the
	// environment-derived value untouched.
	var overlay struct {
		LocalStorageDir        *string        `yaml:"localStorageDir"`
		Token                  *string        `yaml:"token"`
		APIBaseURL             *string        `yaml:"apiBaseUrl"`
		DefaultKeyValueStoreID *string        `yaml:"defaultKeyValueStoreId"`
		DefaultRequestQueueID  *string        `yaml:"defaultRequestQueueId"`
		IsAtHome               *bool          `yaml:"isAtHome"`
		SignalDir              *string        `yaml:"signalDir"`
		Headless               *bool          `yaml:"headless"`
		MemoryMbytes           *int           `yaml:"memoryMbytes"`
		PersistStateInterval   *time.Duration `yaml:"persistStateInterval"`
		MigrationGracePeriod   *time.Duration `yaml:"migrationGracePeriod"`
		LogLevel               *string        `yaml:"logLevel"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}

	if overlay.LocalStorageDir != nil {
		c.LocalStorageDir = *overlay.LocalStorageDir
	}
	if overlay.Token != nil {
		c.Token = *overlay.Token
	}
	if overlay.APIBaseURL != nil {
		c.APIBaseURL = *overlay.APIBaseURL
	}
	if overlay.DefaultKeyValueStoreID != nil {
		c.DefaultKeyValueStoreID = *overlay.DefaultKeyValueStoreID
	}
	if overlay.DefaultRequestQueueID != nil {
		c.DefaultRequestQueueID = *overlay.DefaultRequestQueueID
	}
	if overlay.IsAtHome != nil {
		c.IsAtHome = *overlay.IsAtHome
	}
	if overlay.SignalDir != nil {
		c.SignalDir = *overlay.SignalDir
	}
	if overlay.Headless != nil {
		c.Headless = *overlay.Headless
	}
	if overlay.MemoryMbytes != nil {
		c.MemoryMbytes = *overlay.MemoryMbytes
	}
	if overlay.PersistStateInterval != nil {
		c.PersistStateInterval = *overlay.PersistStateInterval
	}
	if overlay.MigrationGracePeriod != nil {
		c.MigrationGracePeriod = *overlay.MigrationGracePeriod
	}
	if overlay.LogLevel != nil {
		c.LogLevel = *overlay.LogLevel
	}
	return nil
}

// HasRemoteStorage returns true if a remote storage backend is configured.
func (c *Config) HasRemoteStorage() bool {
	return c.Token != ""
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.LocalStorageDir == "" {
		log.Warn().Msg("Empty local storage dir, using default")
		c.LocalStorageDir = defaultLocalStorageDir
	}
	if strings.Contains(c.LocalStorageDir, "..") {
		log.Error().
			Str("path", c.LocalStorageDir).
			Msg("LocalStorageDir contains path traversal sequence (..), using default")
		c.LocalStorageDir = defaultLocalStorageDir
	}

	if c.APIBaseURL != "" && !strings.Contains(c.APIBaseURL, "://") {
		log.Warn().
			Str("url", c.APIBaseURL).
			Msg("APIBaseURL missing scheme, using default")
		c.APIBaseURL = defaultAPIBaseURL
	}

	if c.MemoryMbytes < 0 {
		log.Warn().Int("mbytes", c.MemoryMbytes).Msg("Negative memory envelope, using autodetect")
		c.MemoryMbytes = 0
	} else if c.MemoryMbytes > maxMemoryMbytes {
		log.Warn().
			Int("mbytes", c.MemoryMbytes).
			Int("max", maxMemoryMbytes).
			Msg("Memory envelope too large, capping to maximum")
		c.MemoryMbytes = maxMemoryMbytes
	}

	if c.PersistStateInterval < minPersistInterval {
		log.Warn().
			Dur("interval", c.PersistStateInterval).
			Dur("min", minPersistInterval).
			Msg("Persist interval too short, using minimum")
		c.PersistStateInterval = minPersistInterval
	} else if c.PersistStateInterval > maxPersistInterval {
		log.Warn().
			Dur("interval", c.PersistStateInterval).
			Dur("max", maxPersistInterval).
			Msg("Persist interval too long, using maximum")
		c.PersistStateInterval = maxPersistInterval
	}

	if c.MigrationGracePeriod <= 0 {
		log.Warn().
			Dur("grace", c.MigrationGracePeriod).
			Msg("Invalid migration grace period, using default")
		c.MigrationGracePeriod = defaultMigrationGrace
	} else if c.MigrationGracePeriod > maxMigrationGracePeriod {
		log.Warn().
			Dur("grace", c.MigrationGracePeriod).
			Dur("max", maxMigrationGracePeriod).
			Msg("Migration grace period too long, capping to maximum")
		c.MigrationGracePeriod = maxMigrationGracePeriod
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.SignalDir != "" {
		if _, err := os.Stat(c.SignalDir); os.IsNotExist(err) {
			log.Warn().
				Str("path", c.SignalDir).
				Msg("SignalDir does not exist - migration signals will not be received")
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
