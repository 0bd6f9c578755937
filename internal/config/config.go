package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the entire application configuration
type Config struct {
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Muxer      MuxerConfig      `mapstructure:"muxer"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
}

// DownloaderConfig contains the fetch policy
type DownloaderConfig struct {
	MaxConcurrent         int               `mapstructure:"maxConcurrent"`
	MaxRetry              int               `mapstructure:"maxRetry"`
	RequestTimeoutSeconds int               `mapstructure:"requestTimeoutSeconds"`
	ConnectionVerifyTLS   bool              `mapstructure:"connectionVerifyTLS"`
	CleanTemp             bool              `mapstructure:"cleanTemp"`
	StatusBackoff         string            `mapstructure:"statusBackoff"`
	ChunkSizeKB           int               `mapstructure:"chunkSizeKB"`
	RequestsPerSecond     float64           `mapstructure:"requestsPerSecond"`
	ProxyURL              string            `mapstructure:"proxyURL"`
	Headers               map[string]string `mapstructure:"headers"`
}

// PathsConfig contains output and temp roots
type PathsConfig struct {
	VideoDir string `mapstructure:"videoDir"`
	TmpDir   string `mapstructure:"tmpDir"`
}

// MuxerConfig contains the external muxer settings
type MuxerConfig struct {
	FFmpegPath string `mapstructure:"ffmpegPath"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig contains job ledger settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// FlagKeys maps command line flag names to configuration keys
var FlagKeys = map[string]string{
	"concurrent": "downloader.maxConcurrent",
	"retry":      "downloader.maxRetry",
	"timeout":    "downloader.requestTimeoutSeconds",
	"verify-tls": "downloader.connectionVerifyTLS",
	"clean-temp": "downloader.cleanTemp",
	"rate":       "downloader.requestsPerSecond",
	"proxy":      "downloader.proxyURL",
	"video-dir":  "paths.videoDir",
	"tmp-dir":    "paths.tmpDir",
	"ffmpeg":     "muxer.ffmpegPath",
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"db":         "database.path",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("downloader.maxConcurrent", 20)
	v.SetDefault("downloader.maxRetry", 3)
	v.SetDefault("downloader.requestTimeoutSeconds", 180)
	v.SetDefault("downloader.connectionVerifyTLS", false)
	v.SetDefault("downloader.cleanTemp", true)
	v.SetDefault("downloader.statusBackoff", "500ms")
	v.SetDefault("downloader.chunkSizeKB", 64)
	v.SetDefault("downloader.requestsPerSecond", 0)
	v.SetDefault("downloader.proxyURL", "")
	v.SetDefault("downloader.headers", map[string]string{"User-Agent": defaultUserAgent})
	v.SetDefault("paths.videoDir", "./videos")
	v.SetDefault("paths.tmpDir", "./tmp_files")
	v.SetDefault("muxer.ffmpegPath", "ffmpeg")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("database.path", "")
}

// Load builds the configuration from defaults, an optional YAML file,
// HLSFETCH_* environment variables and the flags listed in FlagKeys.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HLSFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	d := c.Downloader
	if d.MaxConcurrent < 1 {
		return fmt.Errorf("downloader.maxConcurrent must be positive")
	}
	if d.MaxRetry < 0 {
		return fmt.Errorf("downloader.maxRetry must not be negative")
	}
	if d.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("downloader.requestTimeoutSeconds must be positive")
	}
	if d.RequestsPerSecond < 0 {
		return fmt.Errorf("downloader.requestsPerSecond must not be negative")
	}
	if _, err := time.ParseDuration(d.StatusBackoff); err != nil {
		return fmt.Errorf("invalid downloader.statusBackoff: %w", err)
	}

	if c.Paths.VideoDir == "" || c.Paths.TmpDir == "" {
		return fmt.Errorf("paths.videoDir and paths.tmpDir are required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

// GetRequestTimeout returns the per-attempt timeout as time.Duration
func (c *DownloaderConfig) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// GetStatusBackoff returns the wait after a non-200 answer
func (c *DownloaderConfig) GetStatusBackoff() time.Duration {
	d, _ := time.ParseDuration(c.StatusBackoff)
	return d
}

// GetChunkSize returns the streaming chunk size in bytes
func (c *DownloaderConfig) GetChunkSize() int {
	if c.ChunkSizeKB <= 0 {
		return 64 * 1024
	}
	return c.ChunkSizeKB * 1024
}
