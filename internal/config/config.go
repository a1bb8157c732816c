// Package config holds the engine tuning knobs, stored as TOML in the
// profile directory.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that round-trips through TOML as a string
// like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the engine configuration.
type Config struct {
	// Offline send queue.
	MaxRetries    int      `toml:"max_retries"`
	SyncInterval  Duration `toml:"sync_interval"`
	SendBatchSize int      `toml:"send_batch_size"`
	SentRetention Duration `toml:"sent_retention"`

	// Profile propagation.
	ProfileSyncInterval Duration `toml:"profile_sync_interval"`
	ProfileRetryCap     Duration `toml:"profile_retry_cap"`
	ProfileRetryLimit   int      `toml:"profile_retry_limit"`
	GuestPrefix         string   `toml:"guest_prefix"`

	// Presence.
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		MaxRetries:          5,
		SyncInterval:        Duration(30 * time.Second),
		SendBatchSize:       5,
		SentRetention:       Duration(5 * time.Second),
		ProfileSyncInterval: Duration(60 * time.Second),
		ProfileRetryCap:     Duration(30 * time.Second),
		ProfileRetryLimit:   5,
		GuestPrefix:         "guest_",
		HeartbeatInterval:   Duration(30 * time.Second),
	}
}

// Load reads config from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
