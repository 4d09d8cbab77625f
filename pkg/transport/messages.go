package transport

import "encoding/json"

// Reserved handler keys.
const (
	// TypeAudio receives binary frames.
	TypeAudio = "audio"

	// TypeAny receives every structured message after its typed handler.
	TypeAny = "*"
)

// Inbound message types.
const (
	TypeResponseCreated      = "response.created"
	TypeResponseDone         = "response.done"
	TypeResponseCancelled    = "response.cancelled"
	TypeInputTranscription   = "conversation.item.input_audio_transcription.completed"
	TypeOutputTextDelta      = "conversation.item.output_text.delta"
	TypeOutputTextDone       = "conversation.item.output_text.done"
	TypeAudioTranscriptDelta = "response.audio_transcript.delta"
	TypeAudioTranscriptDone  = "response.audio_transcript.done"
	TypeAudioDelta           = "response.audio.delta"
	TypeUserContextResolved  = "user.context.resolved"
	TypeError                = "error"
)

// ── Inbound ────────────────────────────────────────────────────────────────────

// Event is one inbound message. Structured messages carry Raw and the decoded
// fields behind the accessors; binary frames carry only Binary.
type Event struct {
	Type   string
	Raw    json.RawMessage
	Binary []byte

	wire wireEvent
}

// wireEvent is the union of the payload fields the relay sends.
type wireEvent struct {
	Type string `json:"type"`

	// *.delta events
	Delta string `json:"delta,omitempty"`

	// conversation.item.output_text.done
	Text string `json:"text,omitempty"`

	// input transcription completed / response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.created
	Response *struct {
		ID string `json:"id"`
	} `json:"response,omitempty"`
	ResponseID string `json:"response_id,omitempty"`

	// error: the relay sends a flat message; upstream errors nest it.
	Message string           `json:"message,omitempty"`
	Error   *wireErrorDetail `json:"error,omitempty"`

	// user.context.resolved
	OrderNumber string            `json:"orderNumber,omitempty"`
	FullName    string            `json:"fullName,omitempty"`
	Caricatures []json.RawMessage `json:"caricatures,omitempty"`
	Photo       json.RawMessage   `json:"photo,omitempty"`
}

type wireErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ParseEvent decodes a structured message. A message without a type is
// malformed.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, err
	}
	if w.Type == "" {
		return Event{}, errMissingType
	}
	return Event{Type: w.Type, Raw: json.RawMessage(data), wire: w}, nil
}

// Delta returns the incremental text or base64 audio of a delta event.
func (e Event) Delta() string { return e.wire.Delta }

// Text returns the final text of conversation.item.output_text.done.
func (e Event) Text() string { return e.wire.Text }

// Transcript returns the transcript of a transcription or audio transcript
// event.
func (e Event) Transcript() string { return e.wire.Transcript }

// ResponseID returns the response id from response.created, or the top-level
// response_id of other response events.
func (e Event) ResponseID() string {
	if e.wire.Response != nil && e.wire.Response.ID != "" {
		return e.wire.Response.ID
	}
	return e.wire.ResponseID
}

// ErrorMessage returns the message of an error event, or "" when absent.
func (e Event) ErrorMessage() string {
	if e.wire.Message != "" {
		return e.wire.Message
	}
	if e.wire.Error != nil {
		return e.wire.Error.Message
	}
	return ""
}

// OrderNumber returns the order number of user.context.resolved.
func (e Event) OrderNumber() string { return e.wire.OrderNumber }

// FullName returns the visitor name of user.context.resolved.
func (e Event) FullName() string { return e.wire.FullName }

// Caricatures returns the generated image references of
// user.context.resolved. Entries that are not JSON strings are dropped. The
// slice is never nil.
func (e Event) Caricatures() []string {
	out := make([]string, 0, len(e.wire.Caricatures))
	for _, raw := range e.wire.Caricatures {
		if s, ok := rawString(raw); ok {
			out = append(out, s)
		}
	}
	return out
}

// Photo returns the original photo reference of user.context.resolved, and
// whether one was present. A photo that is not a JSON string counts as absent.
func (e Event) Photo() (string, bool) {
	return rawString(e.wire.Photo)
}

// rawString decodes raw when it holds a JSON string.
func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// ── Outbound ───────────────────────────────────────────────────────────────────

// SessionConfig is the session.update payload sent once per connection.
type SessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
}

// TranscriptionConfig selects the server-side transcription model.
type TranscriptionConfig struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// DefaultSessionConfig returns the kiosk's session parameters: text and audio,
// the shimmer voice, PCM16 both ways, whisper-1 transcription and server VAD.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:              []string{"text", "audio"},
		Voice:                   "shimmer",
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &TranscriptionConfig{Model: "whisper-1"},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 1000,
		},
	}
}

// SessionUpdate is the session handshake.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// ResponseCreate asks the assistant to respond.
type ResponseCreate struct {
	Type string `json:"type"`
}

// NewResponseCreate returns a response.create message.
func NewResponseCreate() ResponseCreate { return ResponseCreate{Type: "response.create"} }

// ResponseCancel cancels an in-flight response.
type ResponseCancel struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

// NewResponseCancel returns a response.cancel message for id.
func NewResponseCancel(id string) ResponseCancel {
	return ResponseCancel{Type: "response.cancel", ResponseID: id}
}

// ConversationItemCreate injects a conversation item.
type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// ConversationItem is a message item with content parts.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is one part of a conversation item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewUserText returns a conversation.item.create carrying a user text message.
func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}
