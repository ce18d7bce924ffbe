// Package config loads nightlog settings from nightlog.yaml and NIGHTLOG_*
// environment variables.
//
// Example nightlog.yaml:
//
//	data_dir: ~/.nightlog
//	device_id: kitchen-ipad
//	user_id: alice
//	sync:
//	  debounce: 250ms
//	  push_interval: 10s
//	  watch_files: true
//	relay:
//	  url: http://relay.local:8787
//	log:
//	  file: ~/.nightlog/nightlog.log
//
// Nested keys map to upper-case environment variables with dots replaced by
// underscores: sync.push_interval is NIGHTLOG_SYNC_PUSH_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file name searched for without an explicit path.
const FileName = "nightlog"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NIGHTLOG"

// Config holds the resolved settings.
type Config struct {
	DataDir  string
	DeviceID string
	UserID   string
	Author   string
	Sync     SyncConfig
	Relay    RelayConfig
	Log      LogConfig

	// File is the config file that was read, empty when none was found
	File string
}

// SyncConfig tunes the reconciler.
type SyncConfig struct {
	Debounce     time.Duration
	PushInterval time.Duration
	PollInterval time.Duration
	WatchFiles   bool
}

// RelayConfig locates the relay for clients and binds it for `nightlog relay`.
type RelayConfig struct {
	URL  string
	Addr string
}

// LogConfig configures the rotating log file. An empty File logs to stderr.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}

	v.SetDefault("data_dir", filepath.Join(home, ".nightlog"))
	v.SetDefault("device_id", host)
	v.SetDefault("user_id", "")
	v.SetDefault("author", "app")
	v.SetDefault("sync.debounce", 100*time.Millisecond)
	v.SetDefault("sync.push_interval", 5*time.Second)
	v.SetDefault("sync.poll_interval", 30*time.Second)
	v.SetDefault("sync.watch_files", true)
	v.SetDefault("relay.url", "http://localhost:8787")
	v.SetDefault("relay.addr", ":8787")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads the configuration.
//
// path may name a config file or a directory holding nightlog.yaml. With an
// empty path the working directory and the user config directory are
// searched. A missing file is not an error; defaults and environment
// overrides still apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	switch info, err := os.Stat(path); {
	case path == "":
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "nightlog"))
		}
	case err == nil && info.IsDir():
		v.SetConfigName(FileName)
		v.AddConfigPath(path)
	default:
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Config{
		DataDir:  expandHome(v.GetString("data_dir")),
		DeviceID: v.GetString("device_id"),
		UserID:   v.GetString("user_id"),
		Author:   v.GetString("author"),
		Sync: SyncConfig{
			Debounce:     v.GetDuration("sync.debounce"),
			PushInterval: v.GetDuration("sync.push_interval"),
			PollInterval: v.GetDuration("sync.poll_interval"),
			WatchFiles:   v.GetBool("sync.watch_files"),
		},
		Relay: RelayConfig{
			URL:  v.GetString("relay.url"),
			Addr: v.GetString("relay.addr"),
		},
		Log: LogConfig{
			File:       expandHome(v.GetString("log.file")),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		File: v.ConfigFileUsed(),
	}
	if cfg.File != "" {
		if _, err := os.Stat(cfg.File); err != nil {
			cfg.File = ""
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device_id cannot be empty")
	}
	if c.Author == "" {
		return fmt.Errorf("author cannot be empty")
	}
	if c.Sync.Debounce < 0 || c.Sync.PushInterval < 0 || c.Sync.PollInterval < 0 {
		return fmt.Errorf("sync intervals cannot be negative")
	}
	return nil
}

// RequireUser returns an error when no user id is configured; syncing and
// sharing need one.
func (c Config) RequireUser() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is not configured (set it in %s.yaml or %s_USER_ID)", FileName, EnvPrefix)
	}
	return nil
}

// PrivateDBPath is the private store database.
func (c Config) PrivateDBPath() string {
	return filepath.Join(c.DataDir, "private.db")
}

// SharedDBPath is the shared store database.
func (c Config) SharedDBPath() string {
	return filepath.Join(c.DataDir, "shared.db")
}

// TokensPath is the persisted token file.
func (c Config) TokensPath() string {
	return filepath.Join(c.DataDir, "tokens.toml")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
