// Package protocol defines the JSON events exchanged with the realtime speech service
// over the WebRTC data channel.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Client -> server event types.
const (
	TypeSessionUpdate  = "session.update"
	TypeResponseCreate = "response.create"
)

// Server -> client event types.
const (
	TypeConversationItemCreated          = "conversation.item.created"
	TypeInputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeAudioTranscriptDelta             = "response.audio_transcript.delta"
	TypeAudioTranscriptDone              = "response.audio_transcript.done"
	TypeTextDelta                        = "response.text.delta"
	TypeError                            = "error"
	TypeSessionCreated                   = "session.created"
	TypeSessionUpdated                   = "session.updated"
)

// Roles used by conversation items.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SessionUpdate configures input transcription and turn detection for a connection.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
}

type InputAudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

// NewSessionUpdate builds the session.update event. An empty vadMode leaves turn detection
// to the server default.
func NewSessionUpdate(transcriptionModel, language, vadMode string) SessionUpdate {
	ev := SessionUpdate{
		Type: TypeSessionUpdate,
		Session: SessionConfig{
			InputAudioTranscription: &InputAudioTranscription{
				Model:    transcriptionModel,
				Language: language,
			},
		},
	}
	if vadMode != "" {
		ev.Session.TurnDetection = &TurnDetection{Type: vadMode}
	}
	return ev
}

// ResponseCreate asks the model to produce a response.
type ResponseCreate struct {
	Type     string           `json:"type"`
	Response *ResponseOptions `json:"response,omitempty"`
}

type ResponseOptions struct {
	Instructions string `json:"instructions,omitempty"`
}

func NewResponseCreate(instructions string) ResponseCreate {
	ev := ResponseCreate{Type: TypeResponseCreate}
	if strings.TrimSpace(instructions) != "" {
		ev.Response = &ResponseOptions{Instructions: instructions}
	}
	return ev
}

// Event is the union of the server events the engine consumes. Fields that a given
// event type does not carry stay at their zero value.
type Event struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	ItemID     string       `json:"item_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Item       *Item        `json:"item,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

type Item struct {
	ID      string        `json:"id"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Text returns the first usable text of the item: a direct text field, or the
// transcript of an input_audio entry.
func (i *Item) Text() string {
	if i == nil {
		return ""
	}
	for _, part := range i.Content {
		if part.Text != "" {
			return part.Text
		}
		if part.Type == "input_audio" && part.Transcript != "" {
			return part.Transcript
		}
	}
	return ""
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Decode parses one data-channel frame.
func Decode(frame []byte) (Event, error) {
	var ev Event
	if len(frame) == 0 {
		return ev, errors.New("protocol: empty frame")
	}
	if err := json.Unmarshal(frame, &ev); err != nil {
		return ev, errors.Wrap(err, "protocol: decode frame")
	}
	if strings.TrimSpace(ev.Type) == "" {
		return ev, errors.New("protocol: frame has no type")
	}
	return ev, nil
}
