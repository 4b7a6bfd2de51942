package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the global ~/.deskchat/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Server         Server `toml:"server"`
	Queue          Queue  `toml:"queue"`
	Convo          Convo  `toml:"convo"`
	Auth           Auth   `toml:"auth"`
	Archive        bool   `toml:"archive"`
}

// Server holds connection tuning. Zero values defer to component defaults.
type Server struct {
	URL               string   `toml:"url"`
	ConnectTimeout    Duration `toml:"connect_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
	BackoffInitial    Duration `toml:"backoff_initial"`
	BackoffMax        Duration `toml:"backoff_max"`
	MaxAttempts       int      `toml:"max_attempts"`
}

// Queue holds outbound delivery tuning.
type Queue struct {
	RetryCap   int `toml:"retry_cap"`
	AckHistory int `toml:"ack_history"`
}

// Convo holds conversation display tuning.
type Convo struct {
	TypingTTL Duration `toml:"typing_ttl"`
}

// Auth identifies the agent and points at the bearer token. The token lives
// in its own file so it can be rotated without touching the config.
type Auth struct {
	UserID    string `toml:"user_id"`
	Role      string `toml:"role"`
	TokenFile string `toml:"token_file"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
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
