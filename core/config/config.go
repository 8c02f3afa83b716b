// Package config loads the settings of a voice service session from YAML.
package config

import (
	"log/slog"
	"time"
)

// Config is the root configuration.
type Config struct {
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Recording RecordingConfig `yaml:"recording"`
	Transport TransportConfig `yaml:"transport"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Auth      AuthConfig      `yaml:"auth"`
	LogLevel  LogLevel        `yaml:"log_level"`
}

type EndpointConfig struct {
	// BaseURL is the regional service root, without the API version.
	BaseURL    string `yaml:"base_url"`
	APIVersion string `yaml:"api_version"`
}

type KeepaliveConfig struct {
	// PingInterval must stay between 2 and 5 minutes; the service drops
	// idle connections after that.
	PingInterval time.Duration `yaml:"ping_interval"`
	// SyncInterval is usually about twice PingInterval and never shorter.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

type RecordingConfig struct {
	// Timeout caps how long a single utterance is recorded.
	Timeout time.Duration `yaml:"timeout"`
}

type TransportConfig struct {
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams"`
	ReadIdleTimeout      time.Duration `yaml:"read_idle_timeout"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	MaxEntityBytes       int64         `yaml:"max_entity_bytes"`
}

type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// AuthConfig holds Login with Amazon credentials for the refresh token
// grant. Leaving RefreshToken empty means tokens come from elsewhere.
type AuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	TokenURL     string `yaml:"token_url"`
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// Level maps to the slog level, defaulting to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const (
	DefaultBaseURL    = "https://avs-alexa-na.amazon.com"
	DefaultAPIVersion = "v20160207"
	DefaultTokenURL   = "https://api.amazon.com/auth/o2/token"
)

// Default returns the configuration used for any field a file leaves out.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			BaseURL:    DefaultBaseURL,
			APIVersion: DefaultAPIVersion,
		},
		Keepalive: KeepaliveConfig{
			PingInterval: 5 * time.Minute,
			SyncInterval: 10 * time.Minute,
		},
		Recording: RecordingConfig{Timeout: 10 * time.Second},
		Transport: TransportConfig{
			MaxConcurrentStreams: 10,
			ReadIdleTimeout:      30 * time.Second,
			PingTimeout:          15 * time.Second,
			MaxEntityBytes:       16 << 20,
		},
		Reconnect: ReconnectConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
		},
		Auth:     AuthConfig{TokenURL: DefaultTokenURL},
		LogLevel: LogLevelInfo,
	}
}
