package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-avs/core/audio"
	"github.com/koscakluka/ema-avs/core/auth"
	"github.com/koscakluka/ema-avs/core/avs"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("coordinator closed")

// Coordinator owns the downstream channel and the speech session. It arms
// the wake word detector, turns detections into Recognize events, and
// routes every response to the dispatcher.
type Coordinator struct {
	client    ProtocolClient
	tokens    TokenSource
	detector  WakeWordDetector
	player    Player
	indicator Indicator
	handlers  map[string]DirectiveHandler

	pingInterval     time.Duration
	syncInterval     time.Duration
	recordingTimeout time.Duration
	backoff          backoff
	decoderOptions   []avs.DecoderOption
	transportOptions []avs.TransportOption
	authConfig       *auth.Config
	ownsClient       bool

	dispatcher *dispatcher
	channel    *downstreamChannel
	sessions   *speechSessions
	listener   *wakeWordListener

	playing atomic.Int32
	started atomic.Bool
	closed  atomic.Bool

	mu        sync.Mutex
	runCtx    context.Context
	cancelRun context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		handlers:         map[string]DirectiveHandler{},
		pingInterval:     DefaultPingInterval,
		syncInterval:     DefaultSyncInterval,
		recordingTimeout: DefaultRecordingTimeout,
		backoff:          backoff{initial: DefaultInitialBackoff, max: DefaultMaxBackoff},
		runCtx:           context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		c.client = avs.NewTransport(c.transportOptions...)
		c.ownsClient = true
	}
	if c.tokens == nil && c.authConfig != nil {
		c.tokens = auth.NewTokenSource(context.Background(), *c.authConfig)
	}

	c.dispatcher = &dispatcher{
		handlers:        c.handlers,
		player:          c.player,
		stopCapture:     c.stopCapture,
		resumeListening: c.resumeListening,
		playbackStarted: c.playbackStarted,
		playbackEnded:   c.playbackEnded,
	}

	c.channel = newDownstreamChannel(c.client, c.tokens)
	c.channel.dispatch = c.dispatcher.DispatchAll
	c.channel.onOpen = c.registered
	c.channel.backoff = c.backoff
	c.channel.decoderOptions = c.decoderOptions

	c.sessions = &speechSessions{
		client:         c.client,
		tokens:         c.tokens,
		dispatch:       c.dispatcher.DispatchAll,
		onEnded:        c.resumeListening,
		indicator:      indicator{device: c.indicator},
		timeout:        c.recordingTimeout,
		decoderOptions: c.decoderOptions,
	}

	c.listener = &wakeWordListener{detector: c.detector, onDetected: c.wakeWordDetected}
	return c
}

// Run registers the downstream channel and starts the keepalive loops. The
// wake word detector is armed once the first registration has been
// followed by a state report. Run blocks until ctx is done or Close is
// called.
//
// Run may only be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already running")
	}
	if c.tokens == nil {
		return fmt.Errorf("no token source configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.runCtx = ctx
	c.cancelRun = cancel
	c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	logger.InfoContext(ctx, "coordinator starting",
		"ping_interval", c.pingInterval,
		"sync_interval", c.syncInterval,
		"recording_timeout", c.recordingTimeout,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.channel.Run(gctx) })
	g.Go(func() error { return c.pingLoop(gctx) })
	g.Go(func() error { return c.syncLoop(gctx) })

	err := g.Wait()
	cancel()
	c.listener.Pause(context.WithoutCancel(ctx))
	c.sessions.Cancel(context.WithoutCancel(ctx), "shutdown")
	indicator{device: c.indicator}.Set(context.WithoutCancel(ctx), false)
	c.sessions.Wait()

	logger.InfoContext(context.WithoutCancel(ctx), "coordinator stopped")
	return err
}

// Close stops Run, the detector and the indicator. It is safe to call more
// than once.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		cancel := c.cancelRun
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		var errs []error
		if c.detector != nil {
			if err := c.detector.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop wake word detector: %w", err))
			}
		}
		if c.indicator != nil {
			if err := c.indicator.Set(false); err != nil {
				errs = append(errs, fmt.Errorf("failed to switch indicator off: %w", err))
			}
		}
		if closer, ok := c.client.(interface{ Close() }); ok && c.ownsClient {
			closer.Close()
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// CoordinatorState is a point in time view of the coordinator.
type CoordinatorState struct {
	Channel        ChannelState
	Session        SessionState
	Epoch          uint64
	Registrations  int
	LastPingAt     time.Time
	ListeningArmed bool
}

func (c *Coordinator) State() CoordinatorState {
	channel := c.channel.snapshot()
	return CoordinatorState{
		Channel:        channel.State,
		Session:        c.sessions.State(),
		Epoch:          channel.Epoch,
		Registrations:  channel.Registrations,
		LastPingAt:     channel.LastPingAt,
		ListeningArmed: c.listener.Armed(),
	}
}

// StartRecognize starts a speech session reading from source, as a wake
// word detection would. It returns the dialog request id of the session.
func (c *Coordinator) StartRecognize(ctx context.Context, source audio.Source) (string, error) {
	if c.closed.Load() {
		_ = source.Stop()
		return "", ErrClosed
	}
	if c.tokens == nil {
		_ = source.Stop()
		return "", fmt.Errorf("no token source configured")
	}
	c.listener.Pause(ctx)
	return c.sessions.Start(ctx, source)
}

func (c *Coordinator) wakeWordDetected(ctx context.Context, source audio.Source) {
	logger.InfoContext(ctx, "wake word detected")
	if _, err := c.sessions.Start(ctx, source); err != nil {
		logger.InfoContext(ctx, "ignoring wake word", "error", err)
	}
}

// registered follows every directives registration with a state report,
// which the service expects before it sends anything else, and then makes
// sure the detector is listening.
func (c *Coordinator) registered(ctx context.Context) {
	if err := c.synchronizeState(ctx); err != nil && ctx.Err() == nil {
		logger.WarnContext(ctx, "failed to synchronize state after registration", "error", err)
	}
	c.resumeListening(ctx)
}

func (c *Coordinator) stopCapture(ctx context.Context) {
	if !c.sessions.Cancel(ctx, "stop_capture") {
		c.resumeListening(ctx)
	}
}

// resumeListening re-arms the detector unless a session or playback still
// needs it quiet.
func (c *Coordinator) resumeListening(context.Context) {
	if !c.started.Load() || c.closed.Load() || c.playing.Load() > 0 || c.sessions.Active() {
		return
	}

	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	c.listener.Resume(ctx)
}

func (c *Coordinator) playbackStarted(ctx context.Context) {
	c.playing.Add(1)
	c.listener.Pause(ctx)
}

func (c *Coordinator) playbackEnded(ctx context.Context) {
	c.playing.Add(-1)
	c.resumeListening(ctx)
}
