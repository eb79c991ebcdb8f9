// Package config loads the orchestrator configuration from file and
// environment. A .env file in the working directory is honored first so
// secrets stay out of the config file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

// ServerConfig is the admin HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig locates the SQLite account store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ModelConfig names one upstream analysis model.
type ModelConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// OracleConfig lists the inference endpoints the bots consult.
type OracleConfig struct {
	Models []ModelConfig `mapstructure:"models"`
}

// NewsConfig wires the economic calendar feed and the blackout filter.
type NewsConfig struct {
	FeedURL string                   `mapstructure:"feed_url"`
	APIKey  string                   `mapstructure:"api_key"`
	Filter  types.NewsFilterSettings `mapstructure:"filter"`
}

// NotifyConfig carries the outbound webhook for trade events.
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// JobsConfig holds the cron expressions of the background jobs.
type JobsConfig struct {
	NewsRefresh string `mapstructure:"news_refresh"`
	DailyReport string `mapstructure:"daily_report"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	News     NewsConfig     `mapstructure:"news"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

// Load reads the configuration. path may be empty, in which case config.yaml
// is searched in the working directory; every key can be overridden through
// FALANGE_-prefixed environment variables.
func Load(path string) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FALANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "falange.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("news.feed_url", "")
	v.SetDefault("news.api_key", "")
	v.SetDefault("news.filter.enabled", true)
	v.SetDefault("news.filter.min_impact", string(types.NewsImpactHigh))
	v.SetDefault("news.filter.minutes_before", 30)
	v.SetDefault("news.filter.minutes_after", 15)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("jobs.news_refresh", "0 * * * *")
	v.SetDefault("jobs.daily_report", "5 0 * * *")
}
