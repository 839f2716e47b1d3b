package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.meshlink/config.toml.
type Config struct {
	DefaultProfile string           `toml:"default_profile"`
	Connection     ConnectionConfig `toml:"connection"`
	Reconnect      ReconnectConfig  `toml:"reconnect"`
	Sync           SyncConfig       `toml:"sync"`
	Gateway        GatewayConfig    `toml:"gateway"`
}

// ConnectionConfig tunes the connect retry loop and session handshake.
type ConnectionConfig struct {
	AutoConnectDevice string   `toml:"auto_connect_device"`
	MaxAttempts       int      `toml:"max_attempts"`
	BaseDelay         Duration `toml:"base_delay"`
	MaxDelay          Duration `toml:"max_delay"`
	HandshakeAttempts int      `toml:"handshake_attempts"`
	RequestTimeout    Duration `toml:"request_timeout"`
}

// ReconnectConfig tunes handling of OS-driven transport reconnects.
type ReconnectConfig struct {
	UITimeout  Duration `toml:"ui_timeout"`
	Ceiling    Duration `toml:"ceiling"`
	RetryDelay Duration `toml:"retry_delay"`
}

// SyncConfig tunes the resync loop and notification suppression.
type SyncConfig struct {
	ResyncAttempts      int      `toml:"resync_attempts"`
	ResyncInterval      Duration `toml:"resync_interval"`
	SuppressionWatchdog Duration `toml:"suppression_watchdog"`
	DedupCapacity       int      `toml:"dedup_capacity"`
}

// GatewayConfig controls the optional WebSocket event gateway. An empty
// ListenAddr disables it.
type GatewayConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Duration is a time.Duration that reads and writes as a string like "15s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Connection: ConnectionConfig{
			MaxAttempts:       4,
			BaseDelay:         Duration{300 * time.Millisecond},
			MaxDelay:          Duration{5 * time.Second},
			HandshakeAttempts: 3,
			RequestTimeout:    Duration{5 * time.Second},
		},
		Reconnect: ReconnectConfig{
			UITimeout:  Duration{15 * time.Second},
			Ceiling:    Duration{60 * time.Second},
			RetryDelay: Duration{2 * time.Second},
		},
		Sync: SyncConfig{
			ResyncAttempts:      3,
			ResyncInterval:      Duration{2 * time.Second},
			SuppressionWatchdog: Duration{120 * time.Second},
			DedupCapacity:       4096,
		},
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
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
