// Package config provides configuration loading and management for the
// reply flow service.
//
// A single global Config instance is maintained in memory, protected by a
// mutex. GetConfig() returns the config BY VALUE (copy, not reference) to
// prevent external mutation. Tuning values cover the flow watchdog, the
// staleness threshold, and the storage/observability paths; algorithm
// constants such as the collection-time separator are hardcoded where they
// belong and are not configurable.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"replyflow/pkg/logx"
)

// Config holds the reply flow service configuration.
type Config struct {
	// Flow tuning.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`

	// Storage.
	StoreDir     string `yaml:"store_dir"`     // file-backed reply store directory
	DatabasePath string `yaml:"database_path"` // sqlite reply store; takes precedence when set

	// Observability.
	EventLogDir string `yaml:"event_log_dir"`
	MetricsAddr string `yaml:"metrics_addr"` // Prometheus listen address, empty disables
}

//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config *Config
	logger *logx.Logger
	mu     sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ProcessingTimeout: 30 * time.Second,
		StaleThreshold:    24 * time.Hour,
		StoreDir:          ".replyflow",
		EventLogDir:       "logs",
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("processing_timeout must be positive, got %v", c.ProcessingTimeout)
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("stale_threshold must be positive, got %v", c.StaleThreshold)
	}
	if c.StoreDir == "" && c.DatabasePath == "" {
		return fmt.Errorf("one of store_dir or database_path must be set")
	}
	return nil
}

// LoadConfig loads configuration from the given YAML file, applying defaults
// for unset fields. A missing file is not an error; the defaults are used.
// Environment variable REPLYFLOW_CONFIG overrides path when path is empty.
func LoadConfig(path string) error {
	if path == "" {
		path = os.Getenv("REPLYFLOW_CONFIG")
	}

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			getLogger().Warn("Config file %s not found, using defaults", path)
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			getLogger().Info("Config loaded from %s", path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	config = &cfg

	return nil
}

// GetConfig returns the current configuration by value. If LoadConfig was
// never called, the defaults are returned.
func GetConfig() Config {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil {
		return DefaultConfig()
	}
	return *config
}

// SetConfig replaces the configuration after validation. Intended for tests
// and programmatic embedding.
func SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	config = &cfg
	return nil
}
