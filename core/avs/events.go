package avs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	NamespaceSpeechRecognizer  = "SpeechRecognizer"
	NamespaceSpeechSynthesizer = "SpeechSynthesizer"
	NamespaceSystem            = "System"
	NamespaceAudioPlayer       = "AudioPlayer"
	NamespaceAlerts            = "Alerts"
	NamespaceSpeaker           = "Speaker"

	EventRecognize        = "Recognize"
	EventSynchronizeState = "SynchronizeState"
)

const (
	profileNearField = "NEAR_FIELD"
	formatL16Mono16k = "AUDIO_L16_RATE_16000_CHANNELS_1"

	defaultVolume = 50
)

// Event is the envelope of every client-to-server notification.
type Event struct {
	Context []ContextEntry `json:"context,omitempty"`
	Event   EventBody      `json:"event"`
}

type EventBody struct {
	Header  EventHeader `json:"header"`
	Payload any         `json:"payload"`
}

type EventHeader struct {
	Namespace       string `json:"namespace"`
	Name            string `json:"name"`
	MessageID       string `json:"messageId"`
	DialogRequestID string `json:"dialogRequestId,omitempty"`
}

// ContextEntry reports the state of one client capability.
type ContextEntry struct {
	Header  ContextHeader `json:"header"`
	Payload any           `json:"payload"`
}

type ContextHeader struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

type recognizePayload struct {
	Profile string `json:"profile"`
	Format  string `json:"format"`
}

type playbackState struct {
	Token                string `json:"token"`
	OffsetInMilliseconds int64  `json:"offsetInMilliseconds"`
	PlayerActivity       string `json:"playerActivity"`
}

type alertsState struct {
	AllAlerts    []any `json:"allAlerts"`
	ActiveAlerts []any `json:"activeAlerts"`
}

type volumeState struct {
	Volume int  `json:"volume"`
	Muted  bool `json:"muted"`
}

// NewMessageID returns a fresh identifier for an event header.
func NewMessageID() string { return uuid.NewString() }

// NewDialogRequestID returns a fresh identifier correlating a Recognize event
// with the directives it produces.
func NewDialogRequestID() string { return uuid.NewString() }

// NewBoundary returns a fresh MIME boundary token.
func NewBoundary() string { return "ema-avs-" + uuid.NewString() }

// DefaultContext is the idle state of every capability this client reports.
func DefaultContext() []ContextEntry {
	return []ContextEntry{
		{
			Header:  ContextHeader{Namespace: NamespaceAudioPlayer, Name: "PlaybackState"},
			Payload: playbackState{PlayerActivity: "IDLE"},
		},
		{
			Header:  ContextHeader{Namespace: NamespaceAlerts, Name: "AlertsState"},
			Payload: alertsState{AllAlerts: []any{}, ActiveAlerts: []any{}},
		},
		{
			Header:  ContextHeader{Namespace: NamespaceSpeaker, Name: "VolumeState"},
			Payload: volumeState{Volume: defaultVolume, Muted: false},
		},
		{
			Header:  ContextHeader{Namespace: NamespaceSpeechSynthesizer, Name: "SpeechState"},
			Payload: playbackState{PlayerActivity: "FINISHED"},
		},
	}
}

// NewRecognizeEvent builds the event that opens a speech recognition turn.
func NewRecognizeEvent(dialogRequestID string) Event {
	return Event{
		Context: DefaultContext(),
		Event: EventBody{
			Header: EventHeader{
				Namespace:       NamespaceSpeechRecognizer,
				Name:            EventRecognize,
				MessageID:       NewMessageID(),
				DialogRequestID: dialogRequestID,
			},
			Payload: recognizePayload{Profile: profileNearField, Format: formatL16Mono16k},
		},
	}
}

// NewSynchronizeStateEvent builds the event that reports the full client
// context to the service.
func NewSynchronizeStateEvent() Event {
	return Event{
		Context: DefaultContext(),
		Event: EventBody{
			Header: EventHeader{
				Namespace: NamespaceSystem,
				Name:      EventSynchronizeState,
				MessageID: NewMessageID(),
			},
			Payload: struct{}{},
		},
	}
}

// EncodeRecognizeEvent returns the metadata JSON of a Recognize event and the
// boundary the multipart request carrying it must use.
func EncodeRecognizeEvent(dialogRequestID string) ([]byte, string) {
	return mustMarshal(NewRecognizeEvent(dialogRequestID)), NewBoundary()
}

// EncodeSynchronizeStateEvent returns the metadata JSON of a SynchronizeState
// event.
func EncodeSynchronizeStateEvent() []byte {
	return mustMarshal(NewSynchronizeStateEvent())
}

// mustMarshal only ever sees the fixed event types above, none of which can
// fail to encode.
func mustMarshal(event Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		panic(fmt.Sprintf("avs: encode %s event: %v", event.Event.Header.Name, err))
	}
	return data
}
