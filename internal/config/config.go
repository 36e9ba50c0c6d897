// Package config loads ~/.parla/config.toml with PARLA_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/matheus3301/parla/internal/retry"
)

// Transport kinds.
const (
	TransportWebsocket = "websocket"
	TransportNATS      = "nats"
)

// Config represents the global ~/.parla/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile" env:"PARLA_PROFILE"`

	Relay     RelayConfig     `toml:"relay"`
	Transport TransportConfig `toml:"transport"`
	Session   SessionConfig   `toml:"session"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Sync      SyncConfig      `toml:"sync"`
	Language  LanguageConfig  `toml:"language"`
	Server    ServerConfig    `toml:"server"`
}

// RelayConfig points the daemon at the relay's HTTP/websocket endpoint.
type RelayConfig struct {
	URL string `toml:"url" env:"PARLA_RELAY_URL"`
}

// TransportConfig selects the realtime transport.
type TransportConfig struct {
	Kind    string `toml:"kind" env:"PARLA_TRANSPORT"`
	NATSURL string `toml:"nats_url" env:"PARLA_NATS_URL"`
}

type SessionConfig struct {
	Lifetime            time.Duration `toml:"lifetime" env:"PARLA_SESSION_LIFETIME"`
	ExpiryCheckInterval time.Duration `toml:"expiry_check_interval" env:"PARLA_SESSION_EXPIRY_CHECK_INTERVAL"`
	ValidateTimeout     time.Duration `toml:"validate_timeout" env:"PARLA_SESSION_VALIDATE_TIMEOUT"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `toml:"initial_interval" env:"PARLA_RECONNECT_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `toml:"max_interval" env:"PARLA_RECONNECT_MAX_INTERVAL"`
	Multiplier      float64       `toml:"multiplier" env:"PARLA_RECONNECT_MULTIPLIER"`
	MaxAttempts     int           `toml:"max_attempts" env:"PARLA_RECONNECT_MAX_ATTEMPTS"`
	DialTimeout     time.Duration `toml:"dial_timeout" env:"PARLA_RECONNECT_DIAL_TIMEOUT"`
	// NetworkCheckInterval is how often a disconnected device checks the
	// realtime service. Zero disables the check.
	NetworkCheckInterval time.Duration `toml:"network_check_interval" env:"PARLA_RECONNECT_NETWORK_CHECK_INTERVAL"`
}

type SyncConfig struct {
	ReadinessDelay    time.Duration `toml:"readiness_delay" env:"PARLA_SYNC_READINESS_DELAY"`
	HistoryTimeout    time.Duration `toml:"history_timeout" env:"PARLA_SYNC_HISTORY_TIMEOUT"`
	ProcessingTimeout time.Duration `toml:"processing_timeout" env:"PARLA_SYNC_PROCESSING_TIMEOUT"`
	SendAttempts      int           `toml:"send_attempts" env:"PARLA_SYNC_SEND_ATTEMPTS"`
}

// LanguageConfig names this device's language and the language it expects
// from the partner.
type LanguageConfig struct {
	Local   string `toml:"local" env:"PARLA_LANG_LOCAL"`
	Partner string `toml:"partner" env:"PARLA_LANG_PARTNER"`
}

// ServerConfig is read by parla-relay only.
type ServerConfig struct {
	Listen        string        `toml:"listen" env:"PARLA_SERVER_LISTEN"`
	DBPath        string        `toml:"db_path" env:"PARLA_SERVER_DB_PATH"`
	SweepInterval time.Duration `toml:"sweep_interval" env:"PARLA_SERVER_SWEEP_INTERVAL"`
	LogPath       string        `toml:"log_path" env:"PARLA_SERVER_LOG_PATH"`
}

// Default returns the configuration used when no file or env var says otherwise.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Relay:          RelayConfig{URL: "http://127.0.0.1:7420"},
		Transport:      TransportConfig{Kind: TransportWebsocket, NATSURL: "nats://127.0.0.1:4222"},
		Session: SessionConfig{
			Lifetime:            12 * time.Hour,
			ExpiryCheckInterval: 5 * time.Minute,
			ValidateTimeout:     5 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialInterval:      500 * time.Millisecond,
			MaxInterval:          10 * time.Second,
			Multiplier:           2,
			MaxAttempts:          8,
			DialTimeout:          5 * time.Second,
			NetworkCheckInterval: 15 * time.Second,
		},
		Sync: SyncConfig{
			ReadinessDelay:    2 * time.Second,
			HistoryTimeout:    10 * time.Second,
			ProcessingTimeout: 30 * time.Second,
			SendAttempts:      3,
		},
		Language: LanguageConfig{Local: "en", Partner: "es"},
		Server: ServerConfig{
			Listen:        "127.0.0.1:7420",
			SweepInterval: time.Minute,
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads the file at path if it exists, then applies PARLA_*
// environment overrides and validates the result.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportWebsocket, TransportNATS:
	default:
		return fmt.Errorf("transport.kind %q: want %q or %q", c.Transport.Kind, TransportWebsocket, TransportNATS)
	}
	if c.Session.Lifetime <= 0 {
		return errors.New("session.lifetime must be positive")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	return nil
}

// Policy converts the reconnect section into the shared retry policy.
func (r ReconnectConfig) Policy() retry.Policy {
	return retry.Policy{
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
		MaxAttempts:     r.MaxAttempts,
		Jitter:          0.2,
	}
}

// SendPolicy is the bounded retry applied to message publishes.
func (c *Config) SendPolicy() retry.Policy {
	p := c.Reconnect.Policy()
	p.MaxAttempts = c.Sync.SendAttempts
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
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
