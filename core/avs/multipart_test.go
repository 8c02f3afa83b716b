package avs

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"strings"
	"testing"
)

func TestWriteEventFramesMetadataAndAudio(t *testing.T) {
	var body bytes.Buffer
	boundary := NewBoundary()
	metadata := []byte(`{"event":{}}`)
	audio := bytes.Repeat([]byte{0x01, 0x02}, 4096)

	if err := WriteEvent(&body, boundary, metadata, bytes.NewReader(audio)); err != nil {
		t.Fatalf("expected event to be written, got %v", err)
	}

	if !strings.HasSuffix(body.String(), "--"+boundary+"--\r\n") {
		t.Fatalf("expected body to end with the closing boundary")
	}

	reader := multipart.NewReader(bytes.NewReader(body.Bytes()), boundary)

	part, err := reader.NextPart()
	if err != nil {
		t.Fatalf("expected metadata part, got %v", err)
	}
	if got := part.FormName(); got != "metadata" {
		t.Fatalf("expected metadata part name, got %q", got)
	}
	if got := part.Header.Get("Content-Type"); got != "application/json; charset=UTF-8" {
		t.Fatalf("expected json content type, got %q", got)
	}
	if got, _ := io.ReadAll(part); !bytes.Equal(got, metadata) {
		t.Fatalf("expected metadata %s, got %s", metadata, got)
	}

	part, err = reader.NextPart()
	if err != nil {
		t.Fatalf("expected audio part, got %v", err)
	}
	if got := part.FormName(); got != "audio" {
		t.Fatalf("expected audio part name, got %q", got)
	}
	if got := part.Header.Get("Content-Type"); got != "application/octet-stream" {
		t.Fatalf("expected octet-stream content type, got %q", got)
	}
	if got, _ := io.ReadAll(part); !bytes.Equal(got, audio) {
		t.Fatalf("expected %d audio bytes, got %d", len(audio), len(got))
	}

	if _, err := reader.NextPart(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected end of multipart body, got %v", err)
	}
}

func TestWriteEventWithoutAudioStillTerminates(t *testing.T) {
	var body bytes.Buffer
	boundary := NewBoundary()

	if err := WriteEvent(&body, boundary, EncodeSynchronizeStateEvent(), nil); err != nil {
		t.Fatalf("expected event to be written, got %v", err)
	}

	if got := strings.Count(body.String(), "--"+boundary); got != 2 {
		t.Fatalf("expected one part delimiter and one closing delimiter, got %d", got)
	}
	if !strings.HasSuffix(body.String(), "--"+boundary+"--\r\n") {
		t.Fatalf("expected body to end with the closing boundary")
	}
}

func TestEventWriterRequiresMetadataFirst(t *testing.T) {
	writer, err := NewEventWriter(io.Discard, NewBoundary())
	if err != nil {
		t.Fatalf("expected writer, got %v", err)
	}

	if _, err := writer.AudioPart(); err == nil {
		t.Fatalf("expected audio before metadata to fail")
	}
	if err := writer.WriteMetadata([]byte(`{}`)); err != nil {
		t.Fatalf("expected metadata to be written, got %v", err)
	}
	if err := writer.WriteMetadata([]byte(`{}`)); err == nil {
		t.Fatalf("expected second metadata part to fail")
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("expected close to succeed, got %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("expected second close to be a no-op, got %v", err)
	}
}

func TestNewEventWriterRejectsInvalidBoundary(t *testing.T) {
	if _, err := NewEventWriter(io.Discard, ""); err == nil {
		t.Fatalf("expected empty boundary to be rejected")
	}
}

func TestEventWriterContentTypeCarriesBoundary(t *testing.T) {
	writer, err := NewEventWriter(io.Discard, "abc")
	if err != nil {
		t.Fatalf("expected writer, got %v", err)
	}
	if got := writer.ContentType(); got != "multipart/form-data; boundary=abc" {
		t.Fatalf("unexpected content type %q", got)
	}
}
