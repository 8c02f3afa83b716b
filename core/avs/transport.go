package avs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/net/http2"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultBaseURL    = "https://avs-alexa-na.amazon.com"
	DefaultAPIVersion = "v20160207"

	// DefaultMaxConcurrentStreams is the stream ceiling the service imposes
	// on a single connection.
	DefaultMaxConcurrentStreams = 10
	DefaultReadIdleTimeout      = 30 * time.Second
	DefaultPingTimeout          = 15 * time.Second

	EventsPath     = "/events"
	DirectivesPath = "/directives"
	pingPath       = "/ping"

	pingBodyLimit = 4 << 10
)

var (
	connectionResets, _ = meter.Int64Counter("ema_avs.transport.connection_resets",
		metric.WithDescription("Connections discarded after a reset."))
	pings, _ = meter.Int64Counter("ema_avs.transport.pings",
		metric.WithDescription("Liveness pings by outcome."))
)

// Transport issues authenticated requests to the voice service over one
// reusable connection and replaces that connection when it resets.
//
// All methods are safe for concurrent use.
type Transport struct {
	baseURL    string
	apiVersion string

	newRoundTripper func() http.RoundTripper
	streams         *semaphore.Weighted

	conn atomic.Pointer[connection]

	listenersMu sync.Mutex
	listeners   []func(epoch uint64)
}

type connection struct {
	epoch        uint64
	roundTripper http.RoundTripper
	client       *http.Client
}

type TransportOption func(*Transport)

func WithBaseURL(baseURL string) TransportOption {
	return func(t *Transport) { t.baseURL = strings.TrimSuffix(baseURL, "/") }
}

func WithAPIVersion(version string) TransportOption {
	return func(t *Transport) { t.apiVersion = strings.Trim(version, "/") }
}

func WithMaxConcurrentStreams(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.streams = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithHTTP2HealthCheck tunes the HTTP/2 ping based health check of the
// default round tripper.
func WithHTTP2HealthCheck(readIdleTimeout, pingTimeout time.Duration) TransportOption {
	return func(t *Transport) { t.newRoundTripper = http2RoundTripper(readIdleTimeout, pingTimeout) }
}

// WithRoundTripperFactory replaces the default HTTP/2 round tripper. The
// factory is called again every time the connection is replaced.
func WithRoundTripperFactory(factory func() http.RoundTripper) TransportOption {
	return func(t *Transport) {
		if factory != nil {
			t.newRoundTripper = factory
		}
	}
}

func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		baseURL:         DefaultBaseURL,
		apiVersion:      DefaultAPIVersion,
		newRoundTripper: http2RoundTripper(DefaultReadIdleTimeout, DefaultPingTimeout),
		streams:         semaphore.NewWeighted(DefaultMaxConcurrentStreams),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.conn.Store(t.newConnection(0))
	return t
}

func http2RoundTripper(readIdleTimeout, pingTimeout time.Duration) func() http.RoundTripper {
	return func() http.RoundTripper {
		return &http2.Transport{
			ReadIdleTimeout:            readIdleTimeout,
			PingTimeout:                pingTimeout,
			StrictMaxConcurrentStreams: true,
		}
	}
}

func (t *Transport) newConnection(epoch uint64) *connection {
	roundTripper := t.newRoundTripper()
	return &connection{
		epoch:        epoch,
		roundTripper: roundTripper,
		client: &http.Client{Transport: otelhttp.NewTransport(roundTripper,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
}

// Epoch identifies the connection currently in use. It grows by one on
// every reset.
func (t *Transport) Epoch() uint64 { return t.conn.Load().epoch }

// OnConnectionReset registers fn to be called, once per replaced
// connection, with the epoch of the connection that was discarded.
func (t *Transport) OnConnectionReset(fn func(epoch uint64)) {
	if fn == nil {
		return
	}
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Close releases idle connections. In-flight streams are not interrupted.
func (t *Transport) Close() {
	closeIdleConnections(t.conn.Load().roundTripper)
}

// Get issues a GET against the versioned API.
func (t *Transport) Get(ctx context.Context, path, token string) (*http.Response, error) {
	resp, _, err := t.get(ctx, t.apiURL(path), token)
	return resp, err
}

// Post issues a multipart POST against the versioned API, streaming body.
func (t *Transport) Post(ctx context.Context, path, boundary, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create POST %s request: %w", path, err)
	}
	authorize(req, token)
	req.Header.Set("Content-Type", MultipartContentType(boundary))

	resp, _, err := t.do(req)
	return resp, err
}

// Stream is a long-lived response together with the connection epoch it is
// bound to.
type Stream struct {
	*http.Response
	Epoch uint64
}

func (s *Stream) Close() error { return s.Body.Close() }

// OpenDirectives opens the downstream channel.
func (t *Transport) OpenDirectives(ctx context.Context, token string) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "open directives stream")
	defer span.End()

	resp, epoch, err := t.get(ctx, t.apiURL(DirectivesPath), token)
	span.SetAttributes(attribute.Int64("transport.epoch", int64(epoch)))
	if err != nil {
		err = fmt.Errorf("failed to open directives stream: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		err := newStatusError(http.MethodGet, DirectivesPath, resp)
		drainAndClose(resp.Body, pingBodyLimit)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return &Stream{Response: resp, Epoch: epoch}, nil
}

// EventRequest describes one outbound event.
type EventRequest struct {
	// Name is only used for telemetry.
	Name     string
	Metadata []byte
	Boundary string
	// Audio, when set, is streamed as the audio part until it returns EOF.
	Audio io.Reader
	// OnUploaded is called once the closing boundary has been written, or
	// with the error that prevented it.
	OnUploaded func(err error)
}

// SendEvent streams an event request and returns once the response headers
// arrive. The request body keeps streaming in the background while the
// audio source produces data.
func (t *Transport) SendEvent(ctx context.Context, token string, event EventRequest) (*http.Response, error) {
	ctx, span := tracer.Start(ctx, "send event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.name", event.Name),
		attribute.Bool("event.has_audio", event.Audio != nil),
	)

	if event.Boundary == "" {
		event.Boundary = NewBoundary()
	}

	bodyReader, bodyWriter := io.Pipe()
	go func() {
		err := WriteEvent(bodyWriter, event.Boundary, event.Metadata, event.Audio)
		if event.OnUploaded != nil {
			event.OnUploaded(err)
		}
		bodyWriter.CloseWithError(err)
	}()

	resp, err := t.Post(ctx, EventsPath, event.Boundary, token, bodyReader)
	if err != nil {
		bodyReader.CloseWithError(err)
		err = fmt.Errorf("failed to send %s event: %w", event.Name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	return resp, nil
}

// Ping probes the service root. The response body is discarded and the
// stream closed right away so it does not count against the stream ceiling.
func (t *Transport) Ping(ctx context.Context, token string) error {
	ctx, span := tracer.Start(ctx, "ping")
	defer span.End()

	resp, _, err := t.get(ctx, t.baseURL+pingPath, token)
	if err != nil {
		pings.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		err = fmt.Errorf("ping failed: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	drainAndClose(resp.Body, pingBodyLimit)

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusMultipleChoices {
		pings.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "rejected")))
		err := newStatusError(http.MethodGet, pingPath, resp)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	pings.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "ok")))
	return nil
}

func (t *Transport) get(ctx context.Context, url, token string) (*http.Response, uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create GET request: %w", err)
	}
	authorize(req, token)
	return t.do(req)
}

// do holds one stream slot from the request until the response body is
// closed.
func (t *Transport) do(req *http.Request) (*http.Response, uint64, error) {
	if err := t.streams.Acquire(req.Context(), 1); err != nil {
		return nil, 0, fmt.Errorf("failed to acquire a stream slot: %w", err)
	}

	conn := t.conn.Load()
	resp, err := conn.client.Do(req)
	if err != nil {
		t.streams.Release(1)
		if IsConnectionReset(err) {
			t.resetConnection(req.Context(), conn, err)
			return nil, conn.epoch, fmt.Errorf("%w: %w", ErrConnectionReset, err)
		}
		return nil, conn.epoch, err
	}

	resp.Body = &streamBody{
		ReadCloser: resp.Body,
		release:    sync.OnceFunc(func() { t.streams.Release(1) }),
		onReset:    func(err error) { t.resetConnection(req.Context(), conn, err) },
	}
	return resp, conn.epoch, nil
}

// resetConnection swaps in a fresh connection unless someone already
// replaced broken.
func (t *Transport) resetConnection(ctx context.Context, broken *connection, cause error) {
	next := t.newConnection(broken.epoch + 1)
	if !t.conn.CompareAndSwap(broken, next) {
		return
	}

	logger.WarnContext(ctx, "connection reset, replacing connection",
		"epoch", broken.epoch,
		"error", cause,
	)
	connectionResets.Add(context.WithoutCancel(ctx), 1)
	closeIdleConnections(broken.roundTripper)

	t.listenersMu.Lock()
	listeners := append([]func(uint64){}, t.listeners...)
	t.listenersMu.Unlock()
	for _, listener := range listeners {
		listener(broken.epoch)
	}
}

func (t *Transport) apiURL(path string) string {
	return t.baseURL + "/" + t.apiVersion + "/" + strings.TrimPrefix(path, "/")
}

func authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

// streamBody returns the stream slot on Close and reports reads that fail
// because the connection went away.
type streamBody struct {
	io.ReadCloser
	release func()
	onReset func(error)
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && IsConnectionReset(err) {
		b.onReset(err)
		return n, fmt.Errorf("%w: %w", ErrConnectionReset, err)
	}
	return n, err
}

func (b *streamBody) Close() error {
	defer b.release()
	return b.ReadCloser.Close()
}

func drainAndClose(body io.ReadCloser, limit int64) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, limit))
	_ = body.Close()
}

func closeIdleConnections(roundTripper http.RoundTripper) {
	if closer, ok := roundTripper.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}
