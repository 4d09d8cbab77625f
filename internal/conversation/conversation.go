// Package conversation implements the kiosk's conversation orchestrator.
//
// An [Orchestrator] owns one realtime session at a time. It wires the
// microphone ([Capturer]), the speaker ([Player]) and the relay channel
// ([Channel]) together, keeps the transcript, and applies two policies on
// user speech transitions: barge-in (stop assistant audio and cancel the
// in-flight response when the visitor starts talking over it) and
// turn-taking (request a response after a fixed silence).
//
// State changes are published as immutable [Snapshot] values to subscribers,
// which is how the control API and the operator terminal render the session.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fulgencio/kiosk/pkg/audio/capture"
	"github.com/fulgencio/kiosk/pkg/audio/playback"
	"github.com/fulgencio/kiosk/pkg/transport"
)

var (
	// ErrNotConnected is returned by [Orchestrator.SendText] when no session
	// is active.
	ErrNotConnected = errors.New("conversation: no active connection")

	// ErrEmptyText is returned by [Orchestrator.SendText] for blank input.
	ErrEmptyText = errors.New("conversation: empty text")

	// ErrAborted is returned by [Orchestrator.Start] when Stop or Close ran
	// while the session was still starting.
	ErrAborted = errors.New("conversation: start aborted")

	// ErrClosed is returned after [Orchestrator.Close].
	ErrClosed = errors.New("conversation: orchestrator closed")
)

// ── Collaborators ─────────────────────────────────────────────────────────────

// Capturer is the microphone side of a session.
type Capturer interface {
	Start(ctx context.Context, onChunk capture.ChunkFunc, onSpeakingChange capture.SpeakingFunc) error
	Stop()
	SetThreshold(threshold float64)
}

// Player is the speaker side of a session. Methods must not block.
type Player interface {
	Enqueue(buf []float32)
	StopAll()
	HasActiveAudio() bool
}

// ActivityNotifier is implemented by players that report when their activity
// flips. The orchestrator then refreshes the display without waiting for the
// next poll. fn may run with the player's lock held and must not block.
type ActivityNotifier interface {
	OnActivityChange(fn func(active bool))
}

// Channel is one realtime connection.
type Channel interface {
	Connect(ctx context.Context) error
	Send(msg any)
	Connected() bool
	Close() error
}

// Dialer builds an unconnected Channel for url with its handler table.
type Dialer func(url string, handlers transport.Handlers, lc transport.Lifecycle) Channel

// TranscriptStore persists finished transcripts.
type TranscriptStore interface {
	Write(ctx context.Context, path string, value any) error
}

var (
	_ Capturer         = (*capture.Engine)(nil)
	_ Player           = (*playback.Engine)(nil)
	_ ActivityNotifier = (*playback.Engine)(nil)
	_ Channel          = (*transport.Channel)(nil)
)

// ── Data model ────────────────────────────────────────────────────────────────

// Role identifies the speaker of a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. Content grows while the assistant streams.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UserContext is the visitor record the relay resolved out of band.
type UserContext struct {
	OrderNumber string   `json:"orderNumber,omitempty"`
	FullName    string   `json:"fullName,omitempty"`
	Caricatures []string `json:"caricatures"`
	Photo       string   `json:"photo,omitempty"`
}

// State is the orchestrator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Phase is what a display should show: the avatar idles when there is no
// session and talks while assistant audio plays.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseListening         Phase = "listening"
	PhaseUserSpeaking      Phase = "user-speaking"
	PhaseAssistantSpeaking Phase = "assistant-speaking"
)

// Snapshot is an immutable view of the orchestrator. The Transcript slice is
// never modified after publication.
type Snapshot struct {
	State             State            `json:"state"`
	Status            transport.Status `json:"status"`
	Phase             Phase            `json:"phase"`
	Recording         bool             `json:"recording"`
	UserSpeaking      bool             `json:"userSpeaking"`
	AssistantSpeaking bool             `json:"assistantSpeaking"`
	Error             string           `json:"error,omitempty"`
	SessionID         string           `json:"sessionId,omitempty"`
	Transcript        []Message        `json:"transcript"`
	UserContext       *UserContext     `json:"userContext,omitempty"`
}

// MarshalJSON keeps Transcript an array when empty.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	if s.Transcript == nil {
		s.Transcript = []Message{}
	}
	return json.Marshal(plain(s))
}

// Tuning holds the parameters that can change while running.
type Tuning struct {
	SilenceDuration   time.Duration
	SpeakingThreshold float64
}

func phaseOf(status transport.Status, userSpeaking, assistantSpeaking bool) Phase {
	switch {
	case status != transport.StatusConnected:
		return PhaseIdle
	case assistantSpeaking:
		return PhaseAssistantSpeaking
	case userSpeaking:
		return PhaseUserSpeaking
	default:
		return PhaseListening
	}
}
