package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Fetch engines selectable with FETCH_ENGINE.
const (
	EngineHTTP = "http"
	EngineRod  = "rod"
)

// Config holds all configuration for the application.
// Values are read by viper from a config file or environment variables.
type Config struct {
	TelegramBotToken string        `mapstructure:"TELEGRAM_BOT_TOKEN"`
	BadgerDBPath     string        `mapstructure:"BADGERDB_PATH"`
	SyncWrites       bool          `mapstructure:"SYNC_WRITES"`
	GCInterval       time.Duration `mapstructure:"GC_INTERVAL"`

	HTTPPort int    `mapstructure:"HTTP_PORT"`
	AppURL   string `mapstructure:"APP_URL"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	FeedLimit int `mapstructure:"FEED_LIMIT"`

	FetchTimeout  time.Duration `mapstructure:"FETCH_TIMEOUT"`
	FetchMaxBytes int64         `mapstructure:"FETCH_MAX_BYTES"`
	FetchWorkers  int           `mapstructure:"FETCH_WORKERS"`
	FetchRetries  int           `mapstructure:"FETCH_RETRIES"`
	FetchEngine   string        `mapstructure:"FETCH_ENGINE"`

	// FetchAllowPrivate lets fetchers reach loopback and private networks.
	FetchAllowPrivate bool `mapstructure:"FETCH_ALLOW_PRIVATE"`
}

var defaults = map[string]any{
	"TELEGRAM_BOT_TOKEN":  "",
	"BADGERDB_PATH":       "./badger_data",
	"SYNC_WRITES":         true,
	"GC_INTERVAL":         5 * time.Minute,
	"HTTP_PORT":           8080,
	"APP_URL":             "",
	"LOG_LEVEL":           "info",
	"FEED_LIMIT":          50,
	"FETCH_TIMEOUT":       8 * time.Second,
	"FETCH_MAX_BYTES":     int64(2 << 20),
	"FETCH_WORKERS":       4,
	"FETCH_RETRIES":       0,
	"FETCH_ENGINE":        EngineHTTP,
	"FETCH_ALLOW_PRIVATE": false,
}

// LoadConfig reads configuration from path/config.yaml, a .env file in the
// working directory and environment variables, in increasing precedence.
func LoadConfig(path string) (Config, error) {
	// A missing .env is the normal case in production.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Unmarshal only sees keys viper knows about, so every key gets a default.
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if cfg.AppURL == "" {
		cfg.AppURL = fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)
	}
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT %d is out of range", c.HTTPPort)
	}
	if c.FetchEngine != EngineHTTP && c.FetchEngine != EngineRod {
		return fmt.Errorf("FETCH_ENGINE must be %q or %q, got %q", EngineHTTP, EngineRod, c.FetchEngine)
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("FETCH_RETRIES must not be negative")
	}
	return nil
}

// RequireBot reports an error when the bot cannot be started.
func (c Config) RequireBot() error {
	if c.TelegramBotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is not set")
	}
	return nil
}
