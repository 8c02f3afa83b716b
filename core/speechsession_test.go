package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-avs/core/avs"
)

type sessionHarness struct {
	sessions  *speechSessions
	client    *testProtocolClient
	indicator *testIndicator
	ended     atomic.Int32
}

func newSessionHarness(timeout time.Duration) *sessionHarness {
	h := &sessionHarness{client: newTestProtocolClient(), indicator: &testIndicator{}}
	h.sessions = &speechSessions{
		client: h.client,
		tokens: staticToken,
		dispatch: func(_ context.Context, _ Origin, decoder *avs.Decoder) error {
			for range decoder.Messages() {
			}
			return decoder.Err()
		},
		onEnded:   func(context.Context) { h.ended.Add(1) },
		indicator: indicator{device: h.indicator},
		timeout:   timeout,
	}
	return h
}

// consumeAudio makes the fake service read the whole upload before it
// answers, the way a server waits for end of speech.
func consumeAudio(event avs.EventRequest) error {
	_, err := io.Copy(io.Discard, event.Audio)
	if event.OnUploaded != nil {
		event.OnUploaded(err)
	}
	return err
}

func TestSpeechSessionSendsRecognizeEvent(t *testing.T) {
	h := newSessionHarness(time.Second)
	events := make(chan avs.EventRequest, 1)
	h.client.recognize = func(_ context.Context, event avs.EventRequest) (*http.Response, error) {
		_ = consumeAudio(event)
		events <- event
		return noContentResponse(), nil
	}

	source := newTestSource([]byte("pcm"))
	id, err := h.sessions.Start(context.Background(), source)
	if err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected uuid dialog request id, got %q", id)
	}

	event := <-events
	var metadata avs.Event
	if err := json.Unmarshal(event.Metadata, &metadata); err != nil {
		t.Fatalf("expected json metadata, got %v", err)
	}
	header := metadata.Event.Header
	if header.Namespace != avs.NamespaceSpeechRecognizer || header.Name != avs.EventRecognize || header.DialogRequestID != id {
		t.Fatalf("unexpected recognize header %+v", header)
	}
	if event.Boundary == "" {
		t.Fatalf("expected a multipart boundary")
	}

	eventually(t, func() bool { return h.sessions.State() == SessionIdle && h.ended.Load() == 1 },
		"expected session to end once, state=%s ended=%d", h.sessions.State(), h.ended.Load())
	if got := h.indicator.history(); len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("expected indicator on then off, got %v", got)
	}
}

func TestSpeechSessionAwaitsResponseAfterUpload(t *testing.T) {
	h := newSessionHarness(time.Second)
	release := make(chan struct{})
	h.client.recognize = func(_ context.Context, event avs.EventRequest) (*http.Response, error) {
		_ = consumeAudio(event)
		<-release
		return noContentResponse(), nil
	}

	if _, err := h.sessions.Start(context.Background(), newTestSource([]byte("pcm"))); err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}
	eventually(t, func() bool { return h.sessions.State() == SessionAwaitingResponse },
		"expected session to await its response, got %s", h.sessions.State())

	close(release)
	eventually(t, func() bool { return h.sessions.State() == SessionIdle },
		"expected session to go idle once the response ended, got %s", h.sessions.State())
	h.sessions.Wait()
	if got := h.ended.Load(); got != 1 {
		t.Fatalf("expected one end of session, got %d", got)
	}
}

func TestSpeechSessionStopCaptureClearsTimer(t *testing.T) {
	h := newSessionHarness(40 * time.Millisecond)
	h.client.recognize = func(_ context.Context, event avs.EventRequest) (*http.Response, error) {
		_ = consumeAudio(event)
		return noContentResponse(), nil
	}

	var stops atomic.Int32
	if _, err := h.sessions.Start(context.Background(), newLiveSource(&stops)); err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}
	if h.sessions.State() != SessionRecording {
		t.Fatalf("expected recording, got %s", h.sessions.State())
	}

	if !h.sessions.Cancel(context.Background(), "stop_capture") {
		t.Fatalf("expected a live session to be cancelled")
	}
	if h.sessions.State() != SessionIdle {
		t.Fatalf("expected idle after stop capture, got %s", h.sessions.State())
	}
	if h.sessions.Cancel(context.Background(), "stop_capture") {
		t.Fatalf("expected repeated cancellation to be a no-op")
	}

	time.Sleep(100 * time.Millisecond)
	h.sessions.Wait()
	if got := h.ended.Load(); got != 1 {
		t.Fatalf("expected the cleared timer never to end the session again, got %d ends", got)
	}
	if got := stops.Load(); got != 1 {
		t.Fatalf("expected capture to be stopped once, got %d", got)
	}
}

func TestSpeechSessionTimeoutStopsCapture(t *testing.T) {
	h := newSessionHarness(30 * time.Millisecond)
	uploadDone := make(chan struct{})
	responded := make(chan struct{})
	h.client.recognize = func(_ context.Context, event avs.EventRequest) (*http.Response, error) {
		_ = consumeAudio(event)
		close(uploadDone)
		<-responded
		return noContentResponse(), nil
	}

	var stops atomic.Int32
	if _, err := h.sessions.Start(context.Background(), newLiveSource(&stops)); err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}

	select {
	case <-uploadDone:
	case <-time.After(time.Second):
		t.Fatalf("expected timeout to end the audio stream")
	}
	eventually(t, func() bool { return stops.Load() == 1 && h.sessions.State() == SessionIdle },
		"expected timeout to stop capture and idle the session, stops=%d state=%s", stops.Load(), h.sessions.State())

	close(responded)
	h.sessions.Wait()
	if got := h.ended.Load(); got != 1 {
		t.Fatalf("expected a late response not to end the session again, got %d", got)
	}
	if got := h.indicator.history(); len(got) != 2 || got[1] {
		t.Fatalf("expected indicator to be lowered once, got %v", got)
	}
}

func TestSpeechSessionResponseOutlastsRecordingTimeout(t *testing.T) {
	h := newSessionHarness(30 * time.Millisecond)
	body, bodyWriter := io.Pipe()
	h.client.recognize = func(_ context.Context, event avs.EventRequest) (*http.Response, error) {
		_ = consumeAudio(event)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       body,
		}, nil
	}

	source := newTestSource([]byte("pcm"))
	if _, err := h.sessions.Start(context.Background(), source); err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}
	eventually(t, func() bool { return h.sessions.State() == SessionAwaitingResponse },
		"expected session to await its response, got %s", h.sessions.State())

	time.Sleep(100 * time.Millisecond)
	if got := h.sessions.State(); got != SessionAwaitingResponse {
		t.Fatalf("expected the streaming response to keep the session alive past the timeout, got %s", got)
	}
	if got := h.ended.Load(); got != 0 {
		t.Fatalf("expected the session not to end while its response streams, got %d ends", got)
	}

	second := newTestSource(nil)
	if _, err := h.sessions.Start(context.Background(), second); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive while the response streams, got %v", err)
	}

	_, _ = io.WriteString(bodyWriter, string(directiveJSON(avs.DirectiveSpeak, "")))
	_ = bodyWriter.Close()
	h.sessions.Wait()

	if h.sessions.State() != SessionIdle || h.ended.Load() != 1 {
		t.Fatalf("expected one end once the response finished, state=%s ended=%d", h.sessions.State(), h.ended.Load())
	}
	if got := source.stops.Load(); got != 1 {
		t.Fatalf("expected capture to be stopped once, got %d", got)
	}
}

func TestSpeechSessionExpiryIgnoredAfterUpload(t *testing.T) {
	h := newSessionHarness(time.Hour)
	release := make(chan struct{})
	h.client.recognize = func(_ context.Context, event avs.EventRequest) (*http.Response, error) {
		_ = consumeAudio(event)
		<-release
		return noContentResponse(), nil
	}

	id, err := h.sessions.Start(context.Background(), newTestSource([]byte("pcm")))
	if err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}
	eventually(t, func() bool { return h.sessions.State() == SessionAwaitingResponse },
		"expected session to await its response, got %s", h.sessions.State())

	// A timer that fired just as the upload completed.
	h.sessions.expire(context.Background(), id)
	if got := h.sessions.State(); got != SessionAwaitingResponse {
		t.Fatalf("expected expiry to leave an uploaded session alone, got %s", got)
	}

	close(release)
	h.sessions.Wait()
	if got := h.ended.Load(); got != 1 {
		t.Fatalf("expected one end of session, got %d", got)
	}
}

func TestSpeechSessionRejectsSecondTrigger(t *testing.T) {
	h := newSessionHarness(time.Second)
	release := make(chan struct{})
	h.client.recognize = func(_ context.Context, event avs.EventRequest) (*http.Response, error) {
		<-release
		return noContentResponse(), nil
	}
	defer func() {
		close(release)
		h.sessions.Wait()
	}()

	var firstStops atomic.Int32
	if _, err := h.sessions.Start(context.Background(), newLiveSource(&firstStops)); err != nil {
		t.Fatalf("expected first session to start, got %v", err)
	}

	second := newTestSource(nil)
	if _, err := h.sessions.Start(context.Background(), second); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if second.stops.Load() != 1 {
		t.Fatalf("expected ignored source to be stopped")
	}
	if firstStops.Load() != 0 {
		t.Fatalf("expected the live session to keep recording")
	}
}

func TestSpeechSessionSurfacesRequestFailure(t *testing.T) {
	h := newSessionHarness(time.Second)
	var attempts atomic.Int32
	h.client.recognize = func(context.Context, avs.EventRequest) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("stream refused")
	}

	source := newTestSource(nil)
	if _, err := h.sessions.Start(context.Background(), source); err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}
	h.sessions.Wait()

	if h.sessions.State() != SessionIdle || h.ended.Load() != 1 {
		t.Fatalf("expected failed session to end, state=%s ended=%d", h.sessions.State(), h.ended.Load())
	}
	if attempts.Load() != 1 {
		t.Fatalf("expected recognize not to be retried, got %d attempts", attempts.Load())
	}
	if source.stops.Load() != 1 {
		t.Fatalf("expected capture to be stopped")
	}
}

func TestSpeechSessionTokenFailure(t *testing.T) {
	h := newSessionHarness(time.Second)
	h.sessions.tokens = TokenSourceFunc(func(context.Context) (string, error) { return "", errors.New("expired") })
	var sent atomic.Int32
	h.client.recognize = func(context.Context, avs.EventRequest) (*http.Response, error) {
		sent.Add(1)
		return noContentResponse(), nil
	}

	if _, err := h.sessions.Start(context.Background(), newTestSource(nil)); err != nil {
		t.Fatalf("expected session to start, got %v", err)
	}
	h.sessions.Wait()

	if sent.Load() != 0 {
		t.Fatalf("expected no request without a token")
	}
	if h.sessions.State() != SessionIdle {
		t.Fatalf("expected idle, got %s", h.sessions.State())
	}
}

func TestSessionStateString(t *testing.T) {
	for state, want := range map[SessionState]string{
		SessionIdle:             "idle",
		SessionRecording:        "recording",
		SessionAwaitingResponse: "awaiting_response",
		SessionCancelled:        "cancelled",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
