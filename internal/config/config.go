// Package config loads client settings from defaults, an optional yaml
// file, CHAT_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. CHAT_USER_ID.
// EnvPrefix prefixes environment overrides, e.g. CHAT_CHAT_ID.
const EnvPrefix = "CHAT"

// Config holds the client settings read from file, environment and flags.
type Config struct {
	ServerURL      string        `mapstructure:"server_url"`
	APIURL         string        `mapstructure:"api_url"`
	ChatID         string        `mapstructure:"chat_id"`
	UserID         string        `mapstructure:"user_id"`
	Token          string        `mapstructure:"token"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	MaxBuffered    int           `mapstructure:"max_buffered"`
	BlobGrace      time.Duration `mapstructure:"blob_grace"`
	BlobIdleTTL    time.Duration `mapstructure:"blob_idle_ttl"`
	LoadHistory    bool          `mapstructure:"load_history"`
	Log            LogConfig     `mapstructure:"log"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("chat")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.chat")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	return v
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:2033/ws")
	v.SetDefault("api_url", "http://localhost:2033")
	v.SetDefault("chat_id", "")
	v.SetDefault("user_id", "")
	v.SetDefault("token", "")
	v.SetDefault("reconnect_delay", "3s")
	v.SetDefault("write_timeout", "10s")
	v.SetDefault("http_timeout", "10s")
	v.SetDefault("chunk_size", 64*1024)
	v.SetDefault("max_buffered", 0)
	v.SetDefault("blob_grace", "1s")
	v.SetDefault("blob_idle_ttl", "10m")
	v.SetDefault("load_history", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the config file if one exists and returns the validated result.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	if c.ChatID == "" {
		return fmt.Errorf("chat_id is required (use --chat flag or %s_CHAT_ID env var)", EnvPrefix)
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required (use --user flag or %s_USER_ID env var)", EnvPrefix)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("server_url must be a ws:// or wss:// URL, got %q", c.ServerURL)
	}
	u, err = url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api_url must be an http:// or https:// URL, got %q", c.APIURL)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.MaxBuffered < 0 {
		return fmt.Errorf("max_buffered must not be negative, got %d", c.MaxBuffered)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive, got %s", c.ReconnectDelay)
	}
	return nil
}
