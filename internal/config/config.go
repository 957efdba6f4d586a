// Package config loads application configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Torrent  ClientSection  `mapstructure:"torrent"`
	NZB      ClientSection  `mapstructure:"nzb"`
	Process  ProcessConfig  `mapstructure:"process"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// ClientSection configures one download client family.
type ClientSection struct {
	Method    string  `mapstructure:"method"`
	Host      string  `mapstructure:"host"`
	Port      int     `mapstructure:"port"`
	Username  string  `mapstructure:"username"`
	Password  string  `mapstructure:"password"`
	APIKey    string  `mapstructure:"api_key"`
	UseSSL    bool    `mapstructure:"use_ssl"`
	URLBase   string  `mapstructure:"url_base"`
	Category  string  `mapstructure:"category"`
	SavePath  string  `mapstructure:"save_path"`
	Paused    bool    `mapstructure:"paused"`
	SeedRatio float64 `mapstructure:"seed_ratio"`
	SeedTime  int     `mapstructure:"seed_time_minutes"`
	Timeout   int     `mapstructure:"timeout_seconds"`
}

// ClientType returns the configured method as a ClientType.
func (s *ClientSection) ClientType() types.ClientType {
	return types.ClientType(strings.ToLower(s.Method))
}

// ClientConfig converts the section into the explicit config that client
// constructors take.
func (s *ClientSection) ClientConfig() types.ClientConfig {
	return types.ClientConfig{
		Host:      s.Host,
		Port:      s.Port,
		Username:  s.Username,
		Password:  s.Password,
		APIKey:    s.APIKey,
		UseSSL:    s.UseSSL,
		URLBase:   s.URLBase,
		Category:  s.Category,
		SavePath:  s.SavePath,
		Paused:    s.Paused,
		SeedRatio: s.SeedRatio,
		SeedTime:  time.Duration(s.SeedTime) * time.Minute,
		Timeout:   time.Duration(s.Timeout) * time.Second,
	}
}

// ProcessConfig tunes the reconciliation loop and post-processing queue.
type ProcessConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	QueueSize       int `mapstructure:"queue_size"`
}

// Interval returns the reconciliation interval.
func (p *ProcessConfig) Interval() time.Duration {
	if p.IntervalSeconds < 30 {
		return time.Minute
	}
	return time.Duration(p.IntervalSeconds) * time.Second
}

// WebhookConfig configures outbound event notifications.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.medusa")
	}

	v.SetEnvPrefix("MEDUSA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults plus env vars.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)

	v.SetDefault("database.path", "./data/medusa.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")

	v.SetDefault("torrent.method", "")
	v.SetDefault("torrent.port", 0)
	v.SetDefault("torrent.timeout_seconds", 60)

	v.SetDefault("nzb.method", "")
	v.SetDefault("nzb.port", 0)
	v.SetDefault("nzb.timeout_seconds", 60)

	v.SetDefault("process.interval_seconds", 60)
	v.SetDefault("process.queue_size", 64)

	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.url", "")
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
