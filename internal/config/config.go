package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// S3 configuration; an empty bucket disables fetch/publish.
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Working directory for downloads, mounts and temporary COW files
	WorkDir string `mapstructure:"work-dir"`

	// Filesystem parameters for built images
	FSType    string `mapstructure:"fs-type"`
	FSLabel   string `mapstructure:"fs-label"`
	BlockSize int64  `mapstructure:"block-size"`

	// Security limits
	MaxImageSize        int64   `mapstructure:"max-image-size"`
	MaxExtractSize      int64   `mapstructure:"max-extract-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("sqlite-path", ".artifacts/runs.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("work-dir", "/var/tmp/livecd-tools")
	viper.SetDefault("fs-type", "ext4")
	viper.SetDefault("fs-label", "LiveOS")
	viper.SetDefault("block-size", 4096)
	viper.SetDefault("max-image-size", 8*1024*1024*1024)
	viper.SetDefault("max-extract-size", 20*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("fsm-max-retries", 5)

	// Environment variables (LIVECD_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("LIVECD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.livecd-tools")

	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.FSType != "ext2" && c.FSType != "ext3" && c.FSType != "ext4" {
		return fmt.Errorf("fs-type must be one of ext2, ext3, ext4")
	}
	switch c.BlockSize {
	case 1024, 2048, 4096:
	default:
		return fmt.Errorf("block-size must be 1024, 2048 or 4096")
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("max-image-size must be positive")
	}
	if c.MaxExtractSize <= 0 {
		return fmt.Errorf("max-extract-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}
