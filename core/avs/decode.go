package avs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

const (
	// DefaultMaxEntityBytes bounds how much of a single JSON or binary
	// entity is buffered in memory.
	DefaultMaxEntityBytes = 16 << 20

	maxNestingDepth = 4
)

// Decoder turns a response body into a sequence of [Message]. It is bound to
// one body and can be consumed only once.
type Decoder struct {
	status      int
	contentType string
	body        io.Reader

	maxEntityBytes int64

	consumed bool
	err      error
}

type DecoderOption func(*Decoder)

// WithMaxEntityBytes overrides [DefaultMaxEntityBytes].
func WithMaxEntityBytes(n int64) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxEntityBytes = n
		}
	}
}

// NewDecoder decodes resp. The caller still owns resp.Body and must close it.
func NewDecoder(resp *http.Response, opts ...DecoderOption) *Decoder {
	return NewEntityDecoder(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body, opts...)
}

// NewEntityDecoder decodes an arbitrary body described by a status code and
// a Content-Type.
func NewEntityDecoder(status int, contentType string, body io.Reader, opts ...DecoderOption) *Decoder {
	if body == nil {
		body = http.NoBody
	}
	d := &Decoder{
		status:         status,
		contentType:    contentType,
		body:           body,
		maxEntityBytes: DefaultMaxEntityBytes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Err reports the framing or transport error that ended the sequence early,
// if any. Malformed individual parts are not errors; they are yielded as
// [KindUnknown].
func (d *Decoder) Err() error { return d.err }

// Messages yields the decoded messages in body order.
func (d *Decoder) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		if d.consumed {
			return
		}
		d.consumed = true

		if d.status == http.StatusNoContent {
			yield(Message{Kind: KindNoContent})
			return
		}

		d.decode(d.contentType, d.body, 0, yield)
	}
}

// decode reports false once yield asked to stop or the body can not be read
// any further.
func (d *Decoder) decode(contentType string, body io.Reader, depth int, yield func(Message) bool) bool {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return d.skip(contentType, body, yield)
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		if depth >= maxNestingDepth {
			logger.Warn("multipart nesting too deep, skipping part", "depth", depth, "content_type", contentType)
			return d.skip(contentType, body, yield)
		}
		return d.decodeMultipart(params["boundary"], body, depth, yield)
	case mediaType == "application/json":
		data, keepGoing, ok := d.buffer(contentType, body, yield)
		if !ok {
			return keepGoing
		}
		if !json.Valid(data) {
			logger.Warn("dropping malformed json part", "length", len(data))
			return yield(Message{Kind: KindUnknown, ContentType: contentType, Length: int64(len(data))})
		}
		return yield(Message{Kind: KindJSON, JSON: json.RawMessage(data), ContentType: contentType, Length: int64(len(data))})
	case mediaType == "application/octet-stream":
		data, keepGoing, ok := d.buffer(contentType, body, yield)
		if !ok {
			return keepGoing
		}
		return yield(Message{Kind: KindBinary, Binary: data, ContentType: contentType, Length: int64(len(data))})
	default:
		return d.skip(contentType, body, yield)
	}
}

func (d *Decoder) decodeMultipart(boundary string, body io.Reader, depth int, yield func(Message) bool) bool {
	if boundary == "" {
		logger.Warn("multipart body without boundary")
		return d.skip("multipart/*", body, yield)
	}

	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			d.fail(fmt.Errorf("failed to read next multipart part: %w", err))
			return false
		}

		keepGoing := d.decode(part.Header.Get("Content-Type"), part, depth+1, yield)
		_ = part.Close()
		if !keepGoing {
			return false
		}
	}
}

// buffer reads a whole entity. When ok is false the entity was not handed
// back: it was oversized and has already been yielded as unknown, or reading
// it failed and Err is set. keepGoing then tells the caller whether to
// continue with sibling parts.
func (d *Decoder) buffer(contentType string, body io.Reader, yield func(Message) bool) (data []byte, keepGoing bool, ok bool) {
	data, err := io.ReadAll(io.LimitReader(body, d.maxEntityBytes+1))
	if err != nil {
		d.fail(fmt.Errorf("failed to read %s entity: %w", contentType, err))
		return nil, false, false
	}
	if int64(len(data)) > d.maxEntityBytes {
		logger.Warn("dropping oversized entity", "content_type", contentType, "max_bytes", d.maxEntityBytes)
		n, err := io.Copy(io.Discard, body)
		if err != nil {
			d.fail(fmt.Errorf("failed to read %s entity: %w", contentType, err))
			return nil, false, false
		}
		return nil, yield(Message{Kind: KindUnknown, ContentType: contentType, Length: int64(len(data)) + n}), false
	}
	return data, true, true
}

func (d *Decoder) skip(contentType string, body io.Reader, yield func(Message) bool) bool {
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		d.fail(fmt.Errorf("failed to read %s entity: %w", contentType, err))
		return false
	}
	if contentType != "" || n > 0 {
		logger.Info("skipping entity with unknown content type", "content_type", contentType, "status", d.status, "length", n)
	}
	return yield(Message{Kind: KindUnknown, ContentType: contentType, Length: n})
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}
