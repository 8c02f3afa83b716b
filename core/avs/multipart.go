package avs

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
)

const (
	partMetadata = "metadata"
	partAudio    = "audio"

	contentTypeJSON        = "application/json; charset=UTF-8"
	contentTypeOctetStream = "application/octet-stream"
)

// EventWriter writes the multipart body of an event request: one metadata
// part, an optional audio part, and the closing boundary.
type EventWriter struct {
	mw *multipart.Writer

	wroteMetadata bool
	audio         io.Writer
	closed        bool
}

// NewEventWriter returns a writer that frames parts with boundary.
func NewEventWriter(w io.Writer, boundary string) (*EventWriter, error) {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("invalid boundary %q: %w", boundary, err)
	}
	return &EventWriter{mw: mw}, nil
}

// ContentType is the request Content-Type matching the writer's boundary.
func (w *EventWriter) ContentType() string {
	return MultipartContentType(w.mw.Boundary())
}

// MultipartContentType is the Content-Type of an event request framed with
// boundary.
func MultipartContentType(boundary string) string {
	return "multipart/form-data; boundary=" + boundary
}

// WriteMetadata writes the JSON event part. It must be the first part.
func (w *EventWriter) WriteMetadata(metadata []byte) error {
	if w.closed {
		return fmt.Errorf("event writer closed")
	}
	if w.wroteMetadata {
		return fmt.Errorf("metadata part already written")
	}

	part, err := w.mw.CreatePart(partHeader(partMetadata, contentTypeJSON))
	if err != nil {
		return fmt.Errorf("failed to create metadata part: %w", err)
	}
	if _, err := part.Write(metadata); err != nil {
		return fmt.Errorf("failed to write metadata part: %w", err)
	}
	w.wroteMetadata = true
	return nil
}

// AudioPart opens the binary audio part. Everything written to the returned
// writer until Close belongs to it.
func (w *EventWriter) AudioPart() (io.Writer, error) {
	if w.closed {
		return nil, fmt.Errorf("event writer closed")
	}
	if !w.wroteMetadata {
		return nil, fmt.Errorf("metadata part must precede audio")
	}
	if w.audio != nil {
		return w.audio, nil
	}

	part, err := w.mw.CreatePart(partHeader(partAudio, contentTypeOctetStream))
	if err != nil {
		return nil, fmt.Errorf("failed to create audio part: %w", err)
	}
	w.audio = part
	return part, nil
}

// Close writes the closing boundary. Calling it more than once is a no-op.
func (w *EventWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.mw.Close()
}

func partHeader(name, contentType string) textproto.MIMEHeader {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, name))
	header.Set("Content-Type", contentType)
	return header
}

// WriteEvent writes a complete event body to w: the metadata, then audio
// (when non-nil) until it is exhausted, then the closing boundary.
func WriteEvent(w io.Writer, boundary string, metadata []byte, audio io.Reader) error {
	ew, err := NewEventWriter(w, boundary)
	if err != nil {
		return err
	}
	if err := ew.WriteMetadata(metadata); err != nil {
		return err
	}
	if audio != nil {
		part, err := ew.AudioPart()
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, audio); err != nil {
			return fmt.Errorf("failed to stream audio part: %w", err)
		}
	}
	return ew.Close()
}
