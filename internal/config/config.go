package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/PelionIoT/node-cgroups/internal/stress"
)

// Config holds the application configuration
type Config struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BlockSize         int           `mapstructure:"block_size"` // bytes
	InterAttemptDelay time.Duration `mapstructure:"inter_attempt_delay"`
	PostLoopPause     time.Duration `mapstructure:"post_loop_pause"`
	Allocator         string        `mapstructure:"allocator"`  // "mmap" or "heap"
	HeapLimit         string        `mapstructure:"heap_limit"` // e.g. "512M", empty = no budget

	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"` // "text" or "json"
	AuditEnabled bool   `mapstructure:"audit_enabled"`
	AuditLogFile string `mapstructure:"audit_log_file"`

	CgroupRoot     string        `mapstructure:"cgroup_root"`
	CgroupVersion  string        `mapstructure:"cgroup_version"` // "auto", "v1" or "v2"
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// LoadConfig loads configuration from file and environment variables.
// With no file and no MALLOCALOT_* variables the stress settings equal stress.DefaultConfig().
func LoadConfig() (*Config, error) {
	// Set defaults
	viper.SetDefault("max_attempts", stress.DefaultMaxAttempts)
	viper.SetDefault("block_size", stress.DefaultBlockSize)
	viper.SetDefault("inter_attempt_delay", stress.DefaultInterAttemptDelay)
	viper.SetDefault("post_loop_pause", stress.DefaultPostLoopPause)
	viper.SetDefault("allocator", stress.AllocatorMmap)
	viper.SetDefault("heap_limit", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("audit_enabled", false)
	viper.SetDefault("audit_log_file", filepath.Join(getHomeDir(), ".mallocalot", "audit.log"))
	viper.SetDefault("cgroup_root", "/sys/fs/cgroup")
	viper.SetDefault("cgroup_version", "auto")
	viper.SetDefault("sample_interval", 250*time.Millisecond)

	// Set config file location
	configDir := filepath.Join(getHomeDir(), ".mallocalot")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)

	// Read config file (ignore error if file doesn't exist)
	_ = viper.ReadInConfig() // nolint:errcheck // config file is optional

	// Override with environment variables
	viper.SetEnvPrefix("MALLOCALOT")
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.AuditLogFile = expandPath(cfg.AuditLogFile)

	return &cfg, nil
}

// Validate checks the values that the stress loop and launcher depend on
func (c *Config) Validate() error {
	if err := c.StressConfig().Validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Allocator) {
	case stress.AllocatorMmap, stress.AllocatorHeap:
	default:
		return fmt.Errorf("unknown allocator %q", c.Allocator)
	}

	if _, err := c.HeapLimitBytes(); err != nil {
		return err
	}

	switch c.CgroupVersion {
	case "auto", "v1", "v2":
	default:
		return fmt.Errorf("invalid cgroup_version %q (expected auto, v1 or v2)", c.CgroupVersion)
	}

	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive: got %s", c.SampleInterval)
	}
	return nil
}

// StressConfig returns the stress loop parameters
func (c *Config) StressConfig() stress.Config {
	return stress.Config{
		MaxAttempts:       c.MaxAttempts,
		BlockSize:         c.BlockSize,
		InterAttemptDelay: c.InterAttemptDelay,
		PostLoopPause:     c.PostLoopPause,
	}
}

// HeapLimitBytes parses HeapLimit ("512M", "1g", "1048576"); empty means 0 (no budget)
func (c *Config) HeapLimitBytes() (int64, error) {
	if c.HeapLimit == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.HeapLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid heap_limit %q: %w", c.HeapLimit, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid heap_limit %q: must not be negative", c.HeapLimit)
	}
	return n, nil
}

// getHomeDir returns the user's home directory
func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home := getHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
