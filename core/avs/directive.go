package avs

import "encoding/json"

const (
	DirectiveStopCapture = "StopCapture"
	DirectiveSpeak       = "Speak"
)

// Directive is a server-to-client instruction.
type Directive struct {
	Header  DirectiveHeader `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type DirectiveHeader struct {
	Namespace       string `json:"namespace"`
	Name            string `json:"name"`
	MessageID       string `json:"messageId"`
	DialogRequestID string `json:"dialogRequestId,omitempty"`
}

// Exception is the JSON body the service answers with when it rejects a
// request.
type Exception struct {
	Header  DirectiveHeader `json:"header"`
	Payload struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"payload"`
}

// Exception extracts a service exception from a JSON message that carries
// no directive.
func (m Message) Exception() (Exception, bool) {
	if m.Kind != KindJSON {
		return Exception{}, false
	}

	var exception Exception
	if err := json.Unmarshal(m.JSON, &exception); err != nil || exception.Payload.Code == "" {
		return Exception{}, false
	}
	return exception, true
}
