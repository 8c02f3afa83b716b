package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/koscakluka/ema-avs/core/audio"
	"github.com/koscakluka/ema-avs/core/avs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const DefaultRecordingTimeout = 10 * time.Second

var ErrSessionActive = errors.New("a speech session is already active")

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionRecording
	SessionAwaitingResponse
	SessionCancelled
)

func (s SessionState) String() string {
	switch s {
	case SessionRecording:
		return "recording"
	case SessionAwaitingResponse:
		return "awaiting_response"
	case SessionCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

var sessionDuration, _ = meter.Float64Histogram("ema_avs.session.duration",
	metric.WithDescription("Speech session duration from wake word to completion."),
	metric.WithUnit("s"))

// recognizeSession is one wake word to response round trip.
type recognizeSession struct {
	dialogRequestID string
	source          audio.Source
	timer           *time.Timer
	startedAt       time.Time
	span            trace.Span
}

// speechSessions runs at most one recognize session at a time.
type speechSessions struct {
	client   ProtocolClient
	tokens   TokenSource
	dispatch func(ctx context.Context, origin Origin, decoder *avs.Decoder) error
	// onEnded runs once per session after it returned to idle.
	onEnded func(ctx context.Context)

	indicator      indicator
	timeout        time.Duration
	decoderOptions []avs.DecoderOption

	mu      sync.Mutex
	state   SessionState
	current *recognizeSession

	// inFlight tracks Recognize requests, including ones that outlived
	// their session.
	inFlight sync.WaitGroup
}

func (s *speechSessions) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether a session is recording or awaiting its response.
func (s *speechSessions) Active() bool { return s.State() != SessionIdle }

// Start begins recording from source and streams it as a Recognize event.
// If a session is already live the source is stopped and ErrSessionActive
// returned.
func (s *speechSessions) Start(ctx context.Context, source audio.Source) (string, error) {
	s.mu.Lock()
	if s.state != SessionIdle {
		state := s.state
		s.mu.Unlock()
		if err := source.Stop(); err != nil {
			logger.WarnContext(ctx, "failed to stop ignored audio source", "error", err)
		}
		return "", fmt.Errorf("%w (%s)", ErrSessionActive, state)
	}

	dialogRequestID := avs.NewDialogRequestID()
	sessionCtx, span := tracer.Start(ctx, "speech session", trace.WithAttributes(
		attribute.String("dialog_request_id", dialogRequestID),
	))
	session := &recognizeSession{
		dialogRequestID: dialogRequestID,
		source:          source,
		startedAt:       time.Now(),
		span:            span,
	}
	session.timer = time.AfterFunc(s.timeout, func() {
		s.expire(sessionCtx, dialogRequestID)
	})
	s.current = session
	s.state = SessionRecording
	s.inFlight.Add(1)
	s.mu.Unlock()

	logger.InfoContext(sessionCtx, "recording started",
		"dialog_request_id", dialogRequestID,
		"timeout", s.timeout,
	)
	s.indicator.Set(sessionCtx, true)

	go func() {
		defer s.inFlight.Done()
		s.recognize(sessionCtx, session)
	}()
	return dialogRequestID, nil
}

func (s *speechSessions) recognize(ctx context.Context, session *recognizeSession) {
	id := session.dialogRequestID

	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.fail(ctx, session, fmt.Errorf("failed to get token for recognize event: %w", err))
		return
	}

	metadata, boundary := avs.EncodeRecognizeEvent(id)
	resp, err := s.client.SendEvent(ctx, token, avs.EventRequest{
		Name:       avs.EventRecognize,
		Metadata:   metadata,
		Boundary:   boundary,
		Audio:      session.source,
		OnUploaded: func(err error) { s.uploaded(ctx, id, err) },
	})
	if err != nil {
		s.fail(ctx, session, err)
		return
	}
	defer resp.Body.Close()

	logger.DebugContext(ctx, "recognize response received",
		"dialog_request_id", id,
		"status", resp.StatusCode,
	)
	decoder := avs.NewDecoder(resp, s.decoderOptions...)
	if err := s.dispatch(ctx, OriginEvent, decoder); err != nil {
		s.fail(ctx, session, fmt.Errorf("failed to read recognize response: %w", err))
		return
	}

	s.end(ctx, id, "completed")
}

// uploaded moves a recording session on once its audio and closing
// boundary are on the wire.
func (s *speechSessions) uploaded(ctx context.Context, id string, err error) {
	if err != nil {
		logger.WarnContext(ctx, "recognize upload ended early", "dialog_request_id", id, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.dialogRequestID != id || s.state != SessionRecording {
		return
	}
	s.current.timer.Stop()
	s.state = SessionAwaitingResponse
	logger.DebugContext(ctx, "recording finished, awaiting response", "dialog_request_id", id)
}

func (s *speechSessions) fail(ctx context.Context, session *recognizeSession, err error) {
	session.span.RecordError(err)
	session.span.SetStatus(codes.Error, err.Error())
	logger.ErrorContext(ctx, "recognize request failed",
		"dialog_request_id", session.dialogRequestID,
		"error", err,
	)
	s.end(ctx, session.dialogRequestID, "failed")
}

// Cancel ends the live session, whatever its stage. It reports whether
// there was one. Calling it again after the session ended does nothing.
func (s *speechSessions) Cancel(ctx context.Context, reason string) bool {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return false
	}
	id := s.current.dialogRequestID
	if s.state == SessionRecording {
		s.state = SessionCancelled
	}
	s.mu.Unlock()

	return s.end(ctx, id, reason)
}

// expire cancels session id if it is still recording when its timer
// fires. A session already awaiting its response is left to finish.
func (s *speechSessions) expire(ctx context.Context, id string) {
	s.mu.Lock()
	if s.current == nil || s.current.dialogRequestID != id || s.state != SessionRecording {
		s.mu.Unlock()
		return
	}
	s.state = SessionCancelled
	s.mu.Unlock()

	s.end(ctx, id, "timeout")
}

// end returns session id to idle and reports whether it was still live.
func (s *speechSessions) end(ctx context.Context, id string, outcome string) bool {
	s.mu.Lock()
	session := s.current
	if session == nil || session.dialogRequestID != id {
		s.mu.Unlock()
		return false
	}
	final := s.state
	session.timer.Stop()
	s.current = nil
	s.state = SessionIdle
	s.mu.Unlock()

	if err := session.source.Stop(); err != nil {
		logger.WarnContext(ctx, "failed to stop audio source", "error", err)
	}
	s.indicator.Set(ctx, false)

	elapsed := time.Since(session.startedAt)
	sessionDuration.Record(context.WithoutCancel(ctx), elapsed.Seconds(), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	session.span.SetAttributes(
		attribute.String("session.final_state", final.String()),
		attribute.String("session.outcome", outcome),
	)
	session.span.End()

	logger.InfoContext(ctx, "speech session ended",
		"dialog_request_id", session.dialogRequestID,
		"outcome", outcome,
		"stage", final.String(),
		"duration", elapsed,
	)

	if s.onEnded != nil {
		s.onEnded(ctx)
	}
	return true
}

// Wait blocks until every Recognize request has returned.
func (s *speechSessions) Wait() { s.inFlight.Wait() }
