package orchestration

import (
	"context"
	"net/http"
	"time"

	"github.com/koscakluka/ema-avs/core/audio"
	"github.com/koscakluka/ema-avs/core/auth"
	"github.com/koscakluka/ema-avs/core/avs"
	"github.com/koscakluka/ema-avs/core/config"
)

type CoordinatorOption func(*Coordinator)

// ProtocolClient is the subset of [avs.Transport] the coordinator drives.
type ProtocolClient interface {
	OpenDirectives(ctx context.Context, token string) (*avs.Stream, error)
	SendEvent(ctx context.Context, token string, event avs.EventRequest) (*http.Response, error)
	Ping(ctx context.Context, token string) error
	OnConnectionReset(fn func(epoch uint64))
}

func WithProtocolClient(client ProtocolClient) CoordinatorOption {
	return func(c *Coordinator) { c.client = client }
}

// TokenSource hands out a bearer token. It is asked again before every
// request; caching, if any, is its own business.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

func WithTokenSource(tokens TokenSource) CoordinatorOption {
	return func(c *Coordinator) { c.tokens = tokens }
}

// WakeWordDetector listens for the wake word. Once it reports a detection
// it stays disarmed until Start is called again.
type WakeWordDetector interface {
	Start(ctx context.Context, onDetected func(source audio.Source)) error
	Stop() error
}

func WithWakeWordDetector(detector WakeWordDetector) CoordinatorOption {
	return func(c *Coordinator) { c.detector = detector }
}

// Player plays an MP3 clip and blocks until it finishes.
type Player interface {
	Play(ctx context.Context, mp3 []byte) error
}

func WithPlayer(player Player) CoordinatorOption {
	return func(c *Coordinator) { c.player = player }
}

type Indicator interface {
	Set(on bool) error
}

func WithIndicator(indicator Indicator) CoordinatorOption {
	return func(c *Coordinator) { c.indicator = indicator }
}

// DirectiveHandler handles one directive by name. Registered handlers run
// instead of the built-in behaviour for that name.
type DirectiveHandler func(ctx context.Context, directive avs.Directive) error

func WithDirectiveHandler(name string, handler DirectiveHandler) CoordinatorOption {
	return func(c *Coordinator) {
		if handler == nil {
			delete(c.handlers, name)
			return
		}
		c.handlers[name] = handler
	}
}

func WithPingInterval(interval time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if interval > 0 {
			c.pingInterval = interval
		}
	}
}

func WithSyncInterval(interval time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if interval > 0 {
			c.syncInterval = interval
		}
	}
}

func WithRecordingTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.recordingTimeout = timeout
		}
	}
}

// WithReconnectBackoff sets the delay before the first re-registration
// attempt after a failure and the cap it doubles up to.
func WithReconnectBackoff(initial, max time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if initial > 0 {
			c.backoff.initial = initial
		}
		if max > 0 {
			c.backoff.max = max
		}
	}
}

func WithMaxEntityBytes(n int64) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.decoderOptions = append(c.decoderOptions, avs.WithMaxEntityBytes(n))
		}
	}
}

// WithTransportOptions configures the transport built when no
// [ProtocolClient] is supplied.
func WithTransportOptions(opts ...avs.TransportOption) CoordinatorOption {
	return func(c *Coordinator) { c.transportOptions = append(c.transportOptions, opts...) }
}

// WithConfig applies a loaded configuration. Explicit clients passed with
// [WithProtocolClient] or [WithTokenSource] take precedence over the ones
// the configuration describes. log_level is not applied here; build the
// application logger from it with observe.NewLogger.
func WithConfig(cfg *config.Config) CoordinatorOption {
	return func(c *Coordinator) {
		if cfg == nil {
			return
		}

		WithPingInterval(cfg.Keepalive.PingInterval)(c)
		WithSyncInterval(cfg.Keepalive.SyncInterval)(c)
		WithRecordingTimeout(cfg.Recording.Timeout)(c)
		WithReconnectBackoff(cfg.Reconnect.InitialBackoff, cfg.Reconnect.MaxBackoff)(c)
		WithMaxEntityBytes(cfg.Transport.MaxEntityBytes)(c)
		WithTransportOptions(
			avs.WithBaseURL(cfg.Endpoint.BaseURL),
			avs.WithAPIVersion(cfg.Endpoint.APIVersion),
			avs.WithMaxConcurrentStreams(cfg.Transport.MaxConcurrentStreams),
			avs.WithHTTP2HealthCheck(cfg.Transport.ReadIdleTimeout, cfg.Transport.PingTimeout),
		)(c)

		if cfg.Auth.RefreshToken != "" {
			c.authConfig = &auth.Config{
				ClientID:     cfg.Auth.ClientID,
				ClientSecret: cfg.Auth.ClientSecret,
				RefreshToken: cfg.Auth.RefreshToken,
				TokenURL:     cfg.Auth.TokenURL,
			}
		}
	}
}
