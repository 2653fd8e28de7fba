// Package config loads the sync daemon's configuration: an optional YAML
// file plus environment variable overrides, with godotenv picking up a
// local/dev .env file along the way.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lezzur/lime-sync-core/internal/syncerr"
	"github.com/lezzur/lime-sync-core/internal/vault"
)

// Config is the unified configuration for one lime-sync-core instance.
type Config struct {
	ObjectStore struct {
		Endpoint  string `mapstructure:"endpoint"`
		Region    string `mapstructure:"region"`
		Bucket    string `mapstructure:"bucket"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		UserID    string `mapstructure:"user_id"`
	} `mapstructure:"object_store"`

	Vault struct {
		Path                  string `mapstructure:"path"`
		SessionTimeoutMinutes int    `mapstructure:"session_timeout_minutes"`
		Argon2TimeCost        uint32 `mapstructure:"argon2_time_cost"`
		Argon2MemoryKiB       uint32 `mapstructure:"argon2_memory_kib"`
		Argon2Parallelism     uint8  `mapstructure:"argon2_parallelism"`
	} `mapstructure:"vault"`

	Sync struct {
		DBPath                 string `mapstructure:"db_path"`
		AutoSyncIntervalSecs   int    `mapstructure:"auto_sync_interval_seconds"`
		AudioSyncEnabled       bool   `mapstructure:"audio_sync_enabled"`
		ChangelogRetentionDays int    `mapstructure:"changelog_retention_days"`
		DeviceName             string `mapstructure:"device_name"`
	} `mapstructure:"sync"`
}

// Default returns a Config with production-tuned defaults: Argon2id
// time_cost=3, memory=64MiB, parallelism=4; 30 minute session timeout;
// 5 minute auto-sync interval; audio sync off.
func Default() Config {
	var c Config
	c.Vault.Path = "lime-vault.json"
	c.Vault.SessionTimeoutMinutes = 30
	c.Vault.Argon2TimeCost = 3
	c.Vault.Argon2MemoryKiB = 64 * 1024
	c.Vault.Argon2Parallelism = 4
	c.Sync.DBPath = "lime-sync.db"
	c.Sync.AutoSyncIntervalSecs = 300
	c.Sync.ChangelogRetentionDays = 90
	c.ObjectStore.Region = "us-east-1"
	return c
}

// Load reads an optional YAML config file (name "lime", type "yaml", in the
// given dir and the working directory) and overlays environment variables
// prefixed LIME_ (e.g. LIME_OBJECT_STORE_BUCKET). A missing .env file or
// missing YAML config file is not an error — defaults plus bare environment
// variables are a complete configuration for a fresh install.
func Load(dir string) (Config, error) {
	_ = godotenv.Load(".env") // best-effort; absence is normal outside dev

	cfg := Default()

	v := viper.New()
	v.SetConfigName("lime")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("LIME")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// AutomaticEnv alone is not consulted by Unmarshal for keys absent from
	// the YAML file, so every key is bound explicitly.
	for _, key := range []string{
		"object_store.endpoint", "object_store.region", "object_store.bucket",
		"object_store.access_key", "object_store.secret_key", "object_store.user_id",
		"vault.path", "vault.session_timeout_minutes", "vault.argon2_time_cost",
		"vault.argon2_memory_kib", "vault.argon2_parallelism",
		"sync.db_path", "sync.auto_sync_interval_seconds", "sync.audio_sync_enabled",
		"sync.changelog_retention_days", "sync.device_name",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, syncerr.Wrap(err, "config: read config file")
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, syncerr.Wrap(err, "config: unmarshal")
	}
	return cfg, nil
}

// SessionTimeout returns the configured vault idle timeout as a Duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Vault.SessionTimeoutMinutes) * time.Minute
}

// AutoSyncInterval returns the configured auto-sync tick interval.
func (c Config) AutoSyncInterval() time.Duration {
	return time.Duration(c.Sync.AutoSyncIntervalSecs) * time.Second
}

// ChangelogRetention returns the configured GC retention window.
func (c Config) ChangelogRetention() time.Duration {
	return time.Duration(c.Sync.ChangelogRetentionDays) * 24 * time.Hour
}

// VaultParams derives Argon2id tuning parameters from the config.
func (c Config) VaultParams() vault.Params {
	return vault.Params{
		TimeCost:    c.Vault.Argon2TimeCost,
		MemoryKiB:   c.Vault.Argon2MemoryKiB,
		Parallelism: c.Vault.Argon2Parallelism,
		SaltLen:     16,
		KeyLen:      32,
	}
}
