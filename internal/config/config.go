// Package config loads larder configuration from a config file, LARDER_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend kinds accepted by the backend key.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendRemote   = "remote"
)

// Config is the complete larder configuration.
type Config struct {
	Backend   string          `mapstructure:"backend"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	S3        S3Config        `mapstructure:"s3"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Generator GeneratorConfig `mapstructure:"generator"`
}

type SQLiteConfig struct {
	Path       string        `mapstructure:"path"`
	WatchFiles bool          `mapstructure:"watch_files"`
	Debounce   time.Duration `mapstructure:"debounce"`
}

type PostgresConfig struct {
	DSN     string `mapstructure:"dsn"`
	Channel string `mapstructure:"channel"`
}

// S3Config credentials fall back to the default AWS chain when empty.
type S3Config struct {
	Region          string        `mapstructure:"region"`
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	Endpoint        string        `mapstructure:"endpoint"`
	PathStyle       bool          `mapstructure:"path_style"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Concurrency     int           `mapstructure:"concurrency"`
}

type RemoteConfig struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig controls where component loggers write. An empty File means stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SyncConfig tunes every repository the process creates.
type SyncConfig struct {
	// WriteTimeout bounds each remote write; 0 leaves hung writes pending.
	WriteTimeout             time.Duration `mapstructure:"write_timeout"`
	ReselectOnDeleteRollback bool          `mapstructure:"reselect_on_delete_rollback"`
}

type GeneratorConfig struct {
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
	APIKey    string `mapstructure:"api_key"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:       filepath.Join(".larder", "larder.db"),
			WatchFiles: true,
			Debounce:   100 * time.Millisecond,
		},
		Postgres: PostgresConfig{
			Channel: "larder_documents",
		},
		S3: S3Config{
			Region:       "us-east-1",
			Prefix:       "larder/",
			PollInterval: 5 * time.Second,
			Concurrency:  8,
		},
		Remote: RemoteConfig{
			DialTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Generator: GeneratorConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 2048,
		},
	}
}

// NewViper returns a viper instance with every key defaulted, LARDER_*
// environment binding, and the config file read if one exists. An explicit
// file that cannot be read is an error; a missing implicit one is not.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("LARDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("larder")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "larder"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres backend")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return errors.New("s3.bucket is required for the s3 backend")
		}
		if c.S3.PollInterval <= 0 {
			return errors.New("s3.poll_interval must be positive")
		}
	case BackendRemote:
		if c.Remote.URL == "" {
			return errors.New("remote.url is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want memory, sqlite, postgres, s3 or remote)", c.Backend)
	}

	if c.Sync.WriteTimeout < 0 {
		return errors.New("sync.write_timeout must not be negative")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return errors.New("log rotation limits must not be negative")
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// appear in no config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("backend", d.Backend)

	v.SetDefault("sqlite.path", d.SQLite.Path)
	v.SetDefault("sqlite.watch_files", d.SQLite.WatchFiles)
	v.SetDefault("sqlite.debounce", d.SQLite.Debounce)

	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.channel", d.Postgres.Channel)

	v.SetDefault("s3.region", d.S3.Region)
	v.SetDefault("s3.bucket", d.S3.Bucket)
	v.SetDefault("s3.prefix", d.S3.Prefix)
	v.SetDefault("s3.endpoint", d.S3.Endpoint)
	v.SetDefault("s3.path_style", d.S3.PathStyle)
	v.SetDefault("s3.access_key_id", d.S3.AccessKeyID)
	v.SetDefault("s3.secret_access_key", d.S3.SecretAccessKey)
	v.SetDefault("s3.poll_interval", d.S3.PollInterval)
	v.SetDefault("s3.concurrency", d.S3.Concurrency)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.dial_timeout", d.Remote.DialTimeout)

	v.SetDefault("server.addr", d.Server.Addr)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("sync.write_timeout", d.Sync.WriteTimeout)
	v.SetDefault("sync.reselect_on_delete_rollback", d.Sync.ReselectOnDeleteRollback)

	v.SetDefault("generator.model", d.Generator.Model)
	v.SetDefault("generator.max_tokens", d.Generator.MaxTokens)
	v.SetDefault("generator.api_key", d.Generator.APIKey)
}
