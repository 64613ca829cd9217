// Package config loads settings from an optional YAML file and TABS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// TABS_TELEGRAM_BOT_TOKEN for telegram.bot_token.
const EnvPrefix = "TABS"

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	API      APIConfig      `mapstructure:"api"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Media    MediaConfig    `mapstructure:"media"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Preview  PreviewConfig  `mapstructure:"preview"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type APIConfig struct {
	Addr           string   `mapstructure:"addr"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes"`
}

type TelegramConfig struct {
	AppID       int    `mapstructure:"app_id"`
	AppHash     string `mapstructure:"app_hash"`
	BotToken    string `mapstructure:"bot_token"`
	BotUsername string `mapstructure:"bot_username"`
	SessionFile string `mapstructure:"session_file"`
}

type MediaConfig struct {
	Dir          string        `mapstructure:"dir"`
	MaxBytes     int64         `mapstructure:"max_bytes"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

type IngestConfig struct {
	SettleWindow time.Duration `mapstructure:"settle_window"`
	QuietWindow  time.Duration `mapstructure:"quiet_window"`
	Shards       int           `mapstructure:"shards"`
}

type PreviewConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	PendingTTL    time.Duration `mapstructure:"pending_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "tabs.db")

	v.SetDefault("api.addr", ":8000")
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.max_upload_bytes", 50<<20)

	v.SetDefault("telegram.app_id", 0)
	v.SetDefault("telegram.app_hash", "")
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.bot_username", "")
	v.SetDefault("telegram.session_file", "")

	v.SetDefault("media.dir", "static")
	v.SetDefault("media.max_bytes", 20<<20)
	v.SetDefault("media.fetch_timeout", 30*time.Second)

	v.SetDefault("ingest.settle_window", 500*time.Millisecond)
	v.SetDefault("ingest.quiet_window", 10*time.Second)
	v.SetDefault("ingest.shards", 32)

	v.SetDefault("preview.timeout", 5*time.Second)

	v.SetDefault("auth.pending_ttl", 10*time.Minute)
	v.SetDefault("auth.sweep_interval", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configPath if given, then applies environment overrides.
// A missing file at an explicit path is an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file not found: %s", configPath)
			}
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Ingest.SettleWindow <= 0 {
		return fmt.Errorf("ingest.settle_window must be positive")
	}
	if c.Ingest.QuietWindow < c.Ingest.SettleWindow {
		return fmt.Errorf("ingest.quiet_window must not be shorter than ingest.settle_window")
	}
	if c.Media.MaxBytes <= 0 {
		return fmt.Errorf("media.max_bytes must be positive")
	}
	return nil
}

// ValidateAPI checks the settings the query API needs.
func (c *Config) ValidateAPI() error {
	if c.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	if c.API.MaxUploadBytes <= 0 {
		return fmt.Errorf("api.max_upload_bytes must be positive")
	}
	if c.Telegram.BotUsername == "" {
		return fmt.Errorf("telegram.bot_username is required for login links")
	}
	return nil
}

// ValidateBot checks the settings the Telegram transport needs.
func (c *Config) ValidateBot() error {
	if c.Telegram.AppID == 0 {
		return fmt.Errorf("telegram.app_id is required")
	}
	if c.Telegram.AppHash == "" {
		return fmt.Errorf("telegram.app_hash is required")
	}
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	return nil
}
