// Package config loads service settings from an optional YAML file with
// environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Blob     BlobConfig     `yaml:"blob"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

type BlobConfig struct {
	Dir string `yaml:"dir"`
}

type NotifyConfig struct {
	RelayInterval time.Duration `yaml:"relay_interval"`
	BatchSize     int           `yaml:"batch_size"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`
	Kafka         KafkaConfig   `yaml:"kafka"`
	Redis         RedisConfig   `yaml:"redis"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// Default returns the settings used when neither file nor env supplies a value.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  10 << 20,
		},
		Database: DatabaseConfig{
			MaxConns:        16,
			MaxConnIdleTime: 30 * time.Second,
			MaxConnLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{TokenTTL: 15 * time.Minute, RefreshTTL: 7 * 24 * time.Hour},
		Blob: BlobConfig{Dir: "uploads"},
		Notify: NotifyConfig{
			RelayInterval: 2 * time.Second,
			BatchSize:     50,
			MaxAttempts:   5,
			RetryBase:     5 * time.Second,
			RetryMax:      5 * time.Minute,
			Kafka:         KafkaConfig{Topic: "loan.notifications"},
			Redis:         RedisConfig{Channel: "loan.notifications"},
		},
		Log: LogConfig{Level: "info", Encoding: "json"},
	}
}

// Load reads path (when non-empty) over the defaults, then applies env
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DATABASE_URL"); ok {
		c.Database.URL = v
	}
	if v, ok := lookup("JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("HTTP_ADDR"); ok {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("BLOB_DIR"); ok {
		c.Blob.Dir = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		c.Notify.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		c.Notify.Redis.Addr = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("MIGRATE_ON_START"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: MIGRATE_ON_START: %w", err)
		}
		c.Database.MigrateOnStart = b
	}
	return nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url (DATABASE_URL) is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("config: auth.jwt_secret (JWT_SECRET) must be at least 16 bytes")
	}
	if c.Notify.BatchSize <= 0 {
		return fmt.Errorf("config: notify.batch_size must be positive")
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("config: notify.max_attempts must be positive")
	}
	if c.Notify.RelayInterval <= 0 {
		return fmt.Errorf("config: notify.relay_interval must be positive")
	}
	if c.Notify.RetryBase <= 0 || c.Notify.RetryMax < c.Notify.RetryBase {
		return fmt.Errorf("config: notify.retry_base must be positive and not above notify.retry_max")
	}
	if c.Auth.TokenTTL <= 0 || c.Auth.RefreshTTL <= c.Auth.TokenTTL {
		return fmt.Errorf("config: auth.refresh_ttl must outlive auth.token_ttl")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
