package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	minPingInterval     = 2 * time.Minute
	maxPingInterval     = 5 * time.Minute
	minRecordingTimeout = 6 * time.Second
	maxRecordingTimeout = 15 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over [Default] and validates the
// result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if u, err := url.Parse(cfg.Endpoint.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint.base_url %q must be an absolute URL", cfg.Endpoint.BaseURL))
	}
	if cfg.Endpoint.APIVersion == "" {
		errs = append(errs, fmt.Errorf("endpoint.api_version is required"))
	}

	if p := cfg.Keepalive.PingInterval; p < minPingInterval || p > maxPingInterval {
		errs = append(errs, fmt.Errorf("keepalive.ping_interval %s is out of range [%s, %s]", p, minPingInterval, maxPingInterval))
	}
	if s := cfg.Keepalive.SyncInterval; s < cfg.Keepalive.PingInterval {
		errs = append(errs, fmt.Errorf("keepalive.sync_interval %s is below ping_interval %s", s, cfg.Keepalive.PingInterval))
	}

	if t := cfg.Recording.Timeout; t < minRecordingTimeout || t > maxRecordingTimeout {
		errs = append(errs, fmt.Errorf("recording.timeout %s is out of range [%s, %s]", t, minRecordingTimeout, maxRecordingTimeout))
	}

	if cfg.Transport.MaxConcurrentStreams < 2 {
		errs = append(errs, fmt.Errorf("transport.max_concurrent_streams must allow the directives stream and at least one event, got %d", cfg.Transport.MaxConcurrentStreams))
	}
	if cfg.Transport.ReadIdleTimeout < 0 || cfg.Transport.PingTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport timeouts must not be negative"))
	}
	if cfg.Transport.MaxEntityBytes <= 0 {
		errs = append(errs, fmt.Errorf("transport.max_entity_bytes must be positive"))
	}

	if cfg.Reconnect.InitialBackoff <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.initial_backoff must be positive"))
	}
	if cfg.Reconnect.MaxBackoff < cfg.Reconnect.InitialBackoff {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff %s is below initial_backoff %s", cfg.Reconnect.MaxBackoff, cfg.Reconnect.InitialBackoff))
	}

	if cfg.Auth.RefreshToken != "" {
		if cfg.Auth.ClientID == "" {
			errs = append(errs, fmt.Errorf("auth.client_id is required with auth.refresh_token"))
		}
		if cfg.Auth.TokenURL == "" {
			errs = append(errs, fmt.Errorf("auth.token_url is required with auth.refresh_token"))
		}
	}

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
