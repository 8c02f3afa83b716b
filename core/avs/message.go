package avs

import "encoding/json"

// Kind tags the variant held by a [Message].
type Kind int

const (
	// KindUnknown is a part whose content type is not understood or whose
	// body could not be read. Only ContentType and Length are set.
	KindUnknown Kind = iota
	// KindJSON carries a parsed JSON document in JSON.
	KindJSON
	// KindBinary carries an opaque blob, usually MP3 speech, in Binary.
	KindBinary
	// KindNoContent signals an HTTP 204 response. It is distinct from an
	// empty binary part so callers can release playback without playing.
	KindNoContent
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindBinary:
		return "binary"
	case KindNoContent:
		return "no_content"
	default:
		return "unknown"
	}
}

// Message is one decoded unit of a response body.
type Message struct {
	Kind Kind

	JSON   json.RawMessage
	Binary []byte

	ContentType string
	Length      int64
}

// Directive extracts the directive carried by a JSON message whose top-level
// key is "directive".
func (m Message) Directive() (Directive, bool) {
	if m.Kind != KindJSON {
		return Directive{}, false
	}

	var envelope struct {
		Directive *Directive `json:"directive"`
	}
	if err := json.Unmarshal(m.JSON, &envelope); err != nil || envelope.Directive == nil {
		return Directive{}, false
	}
	return *envelope.Directive, true
}
