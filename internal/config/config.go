// Package config loads Flasharr's configuration. Grounded on gonzb's
// internal/infra/config: viper-backed YAML with env override and a
// validate() pass.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Credential is one upstream file-host account the Link Resolver's pool
// rotates across. Generalized from gonzb's ServerConfig (NNTP servers) to
// a file-hosting account.
type Credential struct {
	ID            string `mapstructure:"id" yaml:"id"`
	Label         string `mapstructure:"label" yaml:"label"`
	BaseURL       string `mapstructure:"base_url" yaml:"base_url"`
	APIKey        string `mapstructure:"api_key" yaml:"api_key"`
	MaxConnection int    `mapstructure:"max_connections" yaml:"max_connections"`
	Priority      int    `mapstructure:"priority" yaml:"priority"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

// Config is every option flasharr.yaml (or its FLASHARR_ env overrides)
// can set.
type Config struct {
	Port string `mapstructure:"port" yaml:"port"`

	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	DownloadDir string `mapstructure:"download_dir" yaml:"download_dir"`

	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`

	SegmentsPerDownload  int   `mapstructure:"segments_per_download" yaml:"segments_per_download"`
	MinSegments          int   `mapstructure:"min_segments" yaml:"min_segments"`
	MaxSegments          int   `mapstructure:"max_segments" yaml:"max_segments"`
	SegmentThresholdByte int64 `mapstructure:"segment_threshold_bytes" yaml:"segment_threshold_bytes"`
	MaxConcurrentSockets int   `mapstructure:"max_concurrent_sockets" yaml:"max_concurrent_sockets"`

	RetryBaseSeconds int `mapstructure:"retry_base_seconds" yaml:"retry_base_seconds"`
	RetryMaxAttempts int `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`

	ProgressHz           float64 `mapstructure:"progress_hz" yaml:"progress_hz"`
	GlobalSpeedLimitBps  int64   `mapstructure:"global_speed_limit_bps" yaml:"global_speed_limit_bps"`
	DedupSubmissions     bool    `mapstructure:"dedup_submissions" yaml:"dedup_submissions"`
	LinkResolveTimeoutMs int     `mapstructure:"link_resolve_timeout_ms" yaml:"link_resolve_timeout_ms"`
	SegmentTimeoutMs     int     `mapstructure:"segment_timeout_ms" yaml:"segment_timeout_ms"`

	Credentials []Credential `mapstructure:"credentials" yaml:"credentials"`
	Log         LogConfig    `mapstructure:"log" yaml:"log"`
}

// Load reads path (defaulting to flasharr.yaml) through viper, applying
// defaults, then GONZB-style FLASHARR_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "flasharr.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path == "flasharr.yaml" {
			if _, errEx := os.Stat("/config/flasharr.yaml"); errEx == nil {
				path = "/config/flasharr.yaml"
			} else if _, errEx := os.Stat("flasharr.yaml.example"); errEx == nil {
				return nil, fmt.Errorf("configuration file 'flasharr.yaml' not found\n\n" +
					"To fix this, run:\n" +
					"  cp flasharr.yaml.example flasharr.yaml\n" +
					"Then edit it with your upstream credentials.")
			} else {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
		} else {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v := viper.New()

	v.SetDefault("port", "8090")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("download_dir", "./downloads")
	v.SetDefault("concurrency", 4)
	v.SetDefault("segments_per_download", 4)
	v.SetDefault("min_segments", 1)
	v.SetDefault("max_segments", 16)
	v.SetDefault("segment_threshold_bytes", 16*1024*1024)
	v.SetDefault("max_concurrent_sockets", 64)
	v.SetDefault("retry_base_seconds", 5)
	v.SetDefault("retry_max_attempts", 5)
	v.SetDefault("progress_hz", 2.0)
	v.SetDefault("global_speed_limit_bps", 0)
	v.SetDefault("dedup_submissions", true)
	v.SetDefault("link_resolve_timeout_ms", 15000)
	v.SetDefault("segment_timeout_ms", 30000)
	v.SetDefault("log.path", "flasharr.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	v.SetEnvPrefix("FLASHARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Credentials) == 0 {
		return fmt.Errorf("at least one upstream credential must be configured")
	}

	for i, cr := range c.Credentials {
		if cr.ID == "" {
			return fmt.Errorf("credentials[%d] requires a unique id", i)
		}
		if cr.BaseURL == "" {
			return fmt.Errorf("credential %s: base_url is required", cr.ID)
		}
		if cr.MaxConnection <= 0 {
			c.Credentials[i].MaxConnection = 4
		}
		if cr.Priority == 0 {
			c.Credentials[i].Priority = 1
		}
	}

	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MinSegments <= 0 {
		c.MinSegments = 1
	}
	if c.MaxSegments < c.MinSegments {
		c.MaxSegments = c.MinSegments
	}
	if c.SegmentsPerDownload < c.MinSegments {
		c.SegmentsPerDownload = c.MinSegments
	}
	if c.SegmentsPerDownload > c.MaxSegments {
		c.SegmentsPerDownload = c.MaxSegments
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 5
	}
	if c.RetryBaseSeconds <= 0 {
		c.RetryBaseSeconds = 5
	}
	if c.ProgressHz <= 0 {
		c.ProgressHz = 2.0
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "./downloads"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	return nil
}
