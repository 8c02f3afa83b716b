package orchestration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-avs/core/audio"
	"github.com/koscakluka/ema-avs/core/avs"
)

const testDirectivesBoundary = "directives-boundary"

var staticToken = TokenSourceFunc(func(context.Context) (string, error) { return "tok", nil })

type testProtocolClient struct {
	mu        sync.Mutex
	listeners []func(uint64)
	openErrs  []error
	epoch     atomic.Uint64

	opens          atomic.Int32
	openStreams    atomic.Int32
	maxOpenStreams atomic.Int32
	streams        chan *testDirectivesStream
	// openGate, when set, holds every registration until it is closed.
	openGate chan struct{}
	// breakStreams makes every stream fail with a reset as soon as it opens.
	breakStreams atomic.Bool

	pings    atomic.Int32
	pingFunc func(ctx context.Context) error

	syncEvents atomic.Int32
	recognize  func(ctx context.Context, event avs.EventRequest) (*http.Response, error)
}

type testDirectivesStream struct {
	writer  *io.PipeWriter
	epoch   uint64
	started bool
}

func newTestProtocolClient() *testProtocolClient {
	return &testProtocolClient{streams: make(chan *testDirectivesStream, 16)}
}

func (c *testProtocolClient) OnConnectionReset(fn func(epoch uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// resetConnection behaves like the transport discarding its connection.
func (c *testProtocolClient) resetConnection() {
	broken := c.epoch.Add(1) - 1
	c.mu.Lock()
	listeners := append([]func(uint64){}, c.listeners...)
	c.mu.Unlock()
	for _, listener := range listeners {
		listener(broken)
	}
}

func (c *testProtocolClient) failNextOpen(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErrs = append(c.openErrs, err)
}

func (c *testProtocolClient) OpenDirectives(ctx context.Context, _ string) (*avs.Stream, error) {
	c.opens.Add(1)
	if c.openGate != nil {
		select {
		case <-c.openGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	if len(c.openErrs) > 0 {
		err := c.openErrs[0]
		c.openErrs = c.openErrs[1:]
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	open := c.openStreams.Add(1)
	for {
		seen := c.maxOpenStreams.Load()
		if open <= seen || c.maxOpenStreams.CompareAndSwap(seen, open) {
			break
		}
	}

	reader, writer := io.Pipe()
	if c.breakStreams.Load() {
		writer.CloseWithError(fmt.Errorf("%w: read tcp: connection reset by peer", avs.ErrConnectionReset))
	}
	go func() {
		<-ctx.Done()
		writer.CloseWithError(ctx.Err())
	}()

	epoch := c.epoch.Load()
	body := &testStreamBody{Reader: reader, close: sync.OnceFunc(func() {
		c.openStreams.Add(-1)
		_ = reader.Close()
	})}
	select {
	case c.streams <- &testDirectivesStream{writer: writer, epoch: epoch}:
	default:
	}

	return &avs.Stream{
		Response: &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"multipart/related; boundary=" + testDirectivesBoundary}},
			Body:       body,
		},
		Epoch: epoch,
	}, nil
}

func (c *testProtocolClient) SendEvent(ctx context.Context, _ string, event avs.EventRequest) (*http.Response, error) {
	if event.Name == avs.EventSynchronizeState {
		c.syncEvents.Add(1)
		return noContentResponse(), nil
	}
	if c.recognize != nil {
		return c.recognize(ctx, event)
	}
	return noContentResponse(), nil
}

func (c *testProtocolClient) Ping(ctx context.Context, _ string) error {
	c.pings.Add(1)
	if c.pingFunc != nil {
		return c.pingFunc(ctx)
	}
	return nil
}

type testStreamBody struct {
	io.Reader
	close func()
}

func (b *testStreamBody) Close() error {
	b.close()
	return nil
}

func noContentResponse() *http.Response {
	return &http.Response{StatusCode: http.StatusNoContent, Header: http.Header{}, Body: http.NoBody}
}

type testPart struct {
	contentType string
	body        []byte
}

func multipartResponse(t *testing.T, parts ...testPart) *http.Response {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, part := range parts {
		w, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = w.Write(part.body)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"multipart/related; boundary=" + writer.Boundary()}},
		Body:       io.NopCloser(&body),
	}
}

func directiveJSON(name, dialogRequestID string) []byte {
	return fmt.Appendf(nil,
		`{"directive":{"header":{"namespace":"test","name":%q,"messageId":"m-1","dialogRequestId":%q},"payload":{}}}`,
		name, dialogRequestID)
}

// pushDirective writes one JSON part into an open directives stream,
// followed by the next delimiter so the part can be read to its end.
func (s *testDirectivesStream) pushDirective(t *testing.T, name string) {
	t.Helper()
	part := fmt.Sprintf("Content-Type: application/json\r\n\r\n%s\r\n--%s\r\n", directiveJSON(name, ""), testDirectivesBoundary)
	if !s.started {
		part = "--" + testDirectivesBoundary + "\r\n" + part
		s.started = true
	}
	if _, err := io.WriteString(s.writer, part); err != nil {
		t.Fatalf("push directive: %v", err)
	}
}

type testDetector struct {
	mu         sync.Mutex
	onDetected func(audio.Source)
	starts     atomic.Int32
	stops      atomic.Int32
}

func (d *testDetector) Start(_ context.Context, onDetected func(audio.Source)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDetected = onDetected
	d.starts.Add(1)
	return nil
}

func (d *testDetector) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDetected = nil
	d.stops.Add(1)
	return nil
}

// detect reports a wake word if the detector is armed.
func (d *testDetector) detect(source audio.Source) bool {
	d.mu.Lock()
	onDetected := d.onDetected
	d.onDetected = nil
	d.mu.Unlock()
	if onDetected == nil {
		return false
	}
	onDetected(source)
	return true
}

type testPlayer struct {
	mu    sync.Mutex
	clips [][]byte
	plays atomic.Int32
}

func (p *testPlayer) Play(_ context.Context, clip []byte) error {
	p.mu.Lock()
	p.clips = append(p.clips, clip)
	p.mu.Unlock()
	p.plays.Add(1)
	return nil
}

type testIndicator struct {
	mu     sync.Mutex
	states []bool
}

func (i *testIndicator) Set(on bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.states = append(i.states, on)
	return nil
}

func (i *testIndicator) history() []bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]bool{}, i.states...)
}

// testSource is a finite capture that ends on its own.
type testSource struct {
	io.Reader
	stops atomic.Int32
}

func newTestSource(pcm []byte) *testSource { return &testSource{Reader: bytes.NewReader(pcm)} }

func (s *testSource) Stop() error {
	s.stops.Add(1)
	return nil
}

func newLiveSource(stops *atomic.Int32) *audio.PCMSource {
	return audio.NewPCMSource(func() error {
		stops.Add(1)
		return nil
	})
}

func eventually(t *testing.T, condition func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func runCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("expected coordinator to stop cleanly, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("timed out waiting for coordinator to stop")
		}
	})
}
