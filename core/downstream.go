package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/koscakluka/ema-avs/core/avs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 60 * time.Second

	// DefaultHealthyStreamAge is how long a directives stream has to stay
	// up before its loss counts as a fresh failure rather than another
	// step of the current backoff.
	DefaultHealthyStreamAge = 30 * time.Second
)

type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelResetting
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelResetting:
		return "resetting"
	default:
		return "closed"
	}
}

var registrations, _ = meter.Int64Counter("ema_avs.channel.registrations",
	metric.WithDescription("Downstream channel registrations by outcome."))

// backoff doubles from initial up to max between failed attempts.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func (b *backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.initial
	}
	delay := b.current
	b.current = min(b.current*2, b.max)
	return delay
}

func (b *backoff) Reset() { b.current = 0 }

// downstreamChannel keeps exactly one directives stream registered and
// feeds what it receives to the dispatcher.
type downstreamChannel struct {
	client   ProtocolClient
	tokens   TokenSource
	dispatch func(ctx context.Context, origin Origin, decoder *avs.Decoder) error
	// onOpen runs after every successful registration, before the stream
	// is consumed.
	onOpen func(ctx context.Context)

	backoff        backoff
	healthyAfter   time.Duration
	decoderOptions []avs.DecoderOption

	mu            sync.Mutex
	state         ChannelState
	epoch         uint64
	registrations int
	lastPingAt    time.Time
	resetPending  bool
	cancelStream  context.CancelFunc
}

func newDownstreamChannel(client ProtocolClient, tokens TokenSource) *downstreamChannel {
	c := &downstreamChannel{
		client:  client,
		tokens:  tokens,
		backoff:      backoff{initial: DefaultInitialBackoff, max: DefaultMaxBackoff},
		healthyAfter: DefaultHealthyStreamAge,
	}
	client.OnConnectionReset(c.connectionReset)
	return c
}

func (c *downstreamChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run registers the channel and keeps it registered until ctx is done.
// A stream that was healthy is replaced right away; streams that keep
// breaking soon after opening are reopened on the backoff schedule.
func (c *downstreamChannel) Run(ctx context.Context) error {
	defer c.setState(ChannelClosed)

	reopenNow := true
	for {
		openedAt, err := c.register(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if !openedAt.IsZero() {
			if time.Since(openedAt) >= c.healthyAfter {
				c.backoff.Reset()
				reopenNow = true
			}
			if err != nil {
				logger.WarnContext(ctx, "directives stream broke", "error", err, "lasted", time.Since(openedAt))
			} else {
				logger.InfoContext(ctx, "directives stream ended", "lasted", time.Since(openedAt))
			}
			if reopenNow {
				reopenNow = false
				continue
			}
		}

		delay := c.backoff.Next()
		logger.WarnContext(ctx, "re-registering directives stream after backoff",
			"error", err,
			"retry_in", delay,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// register opens one directives stream and consumes it until it ends.
// openedAt is zero when the service did not accept the registration.
func (c *downstreamChannel) register(ctx context.Context) (openedAt time.Time, err error) {
	c.setState(ChannelOpening)

	token, err := c.tokens.Token(ctx)
	if err != nil {
		registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "token_error")))
		return time.Time{}, fmt.Errorf("failed to get token for directives stream: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.client.OpenDirectives(streamCtx, token)
	if err != nil {
		registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		return time.Time{}, err
	}
	defer stream.Close()
	openedAt = time.Now()

	c.mu.Lock()
	c.state = ChannelOpen
	c.epoch = stream.Epoch
	c.registrations++
	c.resetPending = false
	c.cancelStream = cancel
	c.mu.Unlock()

	registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "ok")))
	logger.InfoContext(ctx, "directives stream registered", "epoch", stream.Epoch)

	if c.onOpen != nil {
		c.onOpen(ctx)
	}

	err = c.dispatch(streamCtx, OriginDownstream, avs.NewDecoder(stream.Response, c.decoderOptions...))

	c.mu.Lock()
	c.cancelStream = nil
	if c.resetPending || errors.Is(err, avs.ErrConnectionReset) || avs.IsConnectionReset(err) {
		c.state = ChannelResetting
	}
	c.mu.Unlock()

	return openedAt, err
}

// connectionReset tears down the stream if it runs on the connection that
// was just discarded.
func (c *downstreamChannel) connectionReset(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ChannelOpen || c.cancelStream == nil || c.epoch > epoch {
		return
	}

	c.state = ChannelResetting
	c.resetPending = true
	c.cancelStream()
	logger.Warn("connection behind directives stream reset", "epoch", epoch)
}

func (c *downstreamChannel) setState(state ChannelState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *downstreamChannel) recordPing(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPingAt = at
}

type channelSnapshot struct {
	State         ChannelState
	Epoch         uint64
	Registrations int
	LastPingAt    time.Time
}

func (c *downstreamChannel) snapshot() channelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return channelSnapshot{
		State:         c.state,
		Epoch:         c.epoch,
		Registrations: c.registrations,
		LastPingAt:    c.lastPingAt,
	}
}
