package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "RELAYCACHE"
	defaultHTTPAddress        = "127.0.0.1:7777"
	defaultDatabasePath       = "relaycache.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultSeenCacheSize      = 100000
	defaultCompactionInterval = time.Hour
	defaultTokenTTL           = 30 * time.Minute
)

// AppConfig captures runtime configuration for the CLI and the HTTP server.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	SeenCacheSize      int
	CompactionInterval time.Duration
	// SigningSecret enables bearer authentication when set.
	SigningSecret string
	TokenTTL      time.Duration
}

// AuthEnabled reports whether HTTP requests must carry a bearer token.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.SigningSecret) != ""
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("cache.seen_size", defaultSeenCacheSize)
	configViper.SetDefault("compaction.interval", defaultCompactionInterval)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
}

// ReadFile merges an optional configuration file into configViper.
func ReadFile(configViper *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	configViper.SetConfigFile(path)
	if err := configViper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SeenCacheSize:      configViper.GetInt("cache.seen_size"),
		CompactionInterval: configViper.GetDuration("compaction.interval"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           configViper.GetDuration("auth.token_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.SeenCacheSize <= 0 {
		return fmt.Errorf("cache.seen_size must be positive")
	}
	if c.CompactionInterval < 0 {
		return fmt.Errorf("compaction.interval must not be negative")
	}
	if c.AuthEnabled() && c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}
