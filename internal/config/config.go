// Package config loads daemon configuration from defaults, an optional TOML
// file and BEAMLINECORE_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"beamlinecore/internal/blob"
	"beamlinecore/internal/core"
)

// EnvConfigPath names the variable holding an explicit config file path.
const EnvConfigPath = "BEAMLINECORE_CONFIG"

// Config holds application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Device  DeviceConfig  `mapstructure:"device"`
	Storage StorageConfig `mapstructure:"storage"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig holds the operator API listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DeviceConfig locates the device-control server.
type DeviceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PushURL        string        `mapstructure:"push_url"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	AbortTimeout   time.Duration `mapstructure:"abort_timeout"`
}

// StorageConfig selects the queue snapshot store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db"`
}

// ArchiveConfig selects the queue archive object store.
type ArchiveConfig struct {
	Driver            string `mapstructure:"driver"`
	FSRoot            string `mapstructure:"fs_root"`
	S3Bucket          string `mapstructure:"s3_bucket"`
	S3Region          string `mapstructure:"s3_region"`
	S3Endpoint        string `mapstructure:"s3_endpoint"`
	S3PathStyle       bool   `mapstructure:"s3_path_style"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from file and env. Env var overrides use prefix BEAMLINECORE_.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8090")
	v.SetDefault("device.base_url", "http://localhost:8081/mxcube/api/v0.1/")
	v.SetDefault("device.push_url", "")
	v.SetDefault("device.command_timeout", 30*time.Second)
	v.SetDefault("device.abort_timeout", 10*time.Second)
	v.SetDefault("storage.driver", string(core.StorageMemory))
	v.SetDefault("storage.sqlite_path", "beamlinecore.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("archive.driver", string(blob.DriverFilesystem))
	v.SetDefault("archive.fs_root", "archive")
	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.s3_region", "")
	v.SetDefault("archive.s3_endpoint", "")
	v.SetDefault("archive.s3_path_style", false)
	v.SetDefault("archive.s3_access_key_id", "")
	v.SetDefault("archive.s3_secret_access_key", "")
	v.SetDefault("log.level", "info")

	v.SetConfigType("toml")

	cfgPath := os.Getenv(EnvConfigPath)
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "beamlinecore"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("BEAMLINECORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// A missing default file is fine; an explicit path must exist and parse.
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Device.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("device.command_timeout must be positive, got %s", c.Device.CommandTimeout))
	}
	if c.Device.AbortTimeout <= 0 {
		errs = append(errs, fmt.Errorf("device.abort_timeout must be positive, got %s", c.Device.AbortTimeout))
	}
	if u, err := url.Parse(c.Device.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("device.base_url %q must be an http(s) url", c.Device.BaseURL))
	}
	if c.Device.PushURL != "" && !strings.HasPrefix(c.Device.PushURL, "ws://") && !strings.HasPrefix(c.Device.PushURL, "wss://") {
		errs = append(errs, fmt.Errorf("device.push_url %q must be a ws(s) url", c.Device.PushURL))
	}
	switch core.StorageDriver(c.Storage.Driver) {
	case core.StorageMemory, core.StorageSQLite, core.StorageRedis:
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	switch blob.Driver(c.Archive.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Archive.S3Bucket == "" {
			errs = append(errs, errors.New("archive.s3_bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive.driver %q", c.Archive.Driver))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// QueueStore converts the storage section for core.OpenQueueStore.
func (c Config) QueueStore() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
		RedisAddr:   c.Storage.RedisAddr,
		RedisDB:     c.Storage.RedisDB,
	}
}

// Blob converts the archive section for blob.Open.
func (c Config) Blob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Archive.Driver),
		FSRoot: c.Archive.FSRoot,
		S3: blob.S3Config{
			Bucket:          c.Archive.S3Bucket,
			Region:          c.Archive.S3Region,
			Endpoint:        c.Archive.S3Endpoint,
			PathStyle:       c.Archive.S3PathStyle,
			AccessKeyID:     c.Archive.S3AccessKeyID,
			SecretAccessKey: c.Archive.S3SecretAccessKey,
		},
	}
}
