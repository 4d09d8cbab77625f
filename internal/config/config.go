// Package config provides the configuration schema, loader, hot reload
// watcher and storage backend registry for the kiosk.
package config

import (
	"time"

	"github.com/fulgencio/kiosk/internal/resilience"
	"github.com/fulgencio/kiosk/pkg/transport"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageBackend selects the storage collaborator.
type StorageBackend string

const (
	// StorageMemory keeps everything in process. Data is lost on exit.
	StorageMemory StorageBackend = "memory"

	// StoragePostgres stores the tree in PostgreSQL.
	StoragePostgres StorageBackend = "postgres"

	// StorageFirebase talks to a Firebase Realtime Database over REST.
	StorageFirebase StorageBackend = "firebase"
)

// IsValid reports whether b is a recognised backend.
func (b StorageBackend) IsValid() bool {
	switch b {
	case StorageMemory, StoragePostgres, StorageFirebase:
		return true
	}
	return false
}

// Config is the root configuration. Load it with [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Audio        AudioConfig        `yaml:"audio"`
	Conversation ConversationConfig `yaml:"conversation"`
	Storage      StorageConfig      `yaml:"storage"`
	Caricature   CaricatureConfig   `yaml:"caricature"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds the local HTTP API and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API (e.g. "127.0.0.1:8080").
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// FeedOrigins lists origin patterns allowed to open the WebSocket feed.
	FeedOrigins []string `yaml:"feed_origins"`
}

// RealtimeConfig describes the relay and the session handshake.
type RealtimeConfig struct {
	// URLs are tried in order on every start; later entries are fallbacks.
	URLs []string `yaml:"urls"`

	// Headers are added to the WebSocket upgrade request.
	Headers map[string]string `yaml:"headers"`

	DialTimeoutMs      int                 `yaml:"dial_timeout_ms"`
	Voice              string              `yaml:"voice"`
	Instructions       string              `yaml:"instructions"`
	TranscriptionModel string              `yaml:"transcription_model"`
	TurnDetection      TurnDetectionConfig `yaml:"turn_detection"`

	// Breaker guards each relay URL.
	Breaker BreakerConfig `yaml:"breaker"`
}

// TurnDetectionConfig configures server-side voice activity detection.
type TurnDetectionConfig struct {
	Type            string  `yaml:"type"`
	Threshold       float64 `yaml:"threshold"`
	PrefixPaddingMs int     `yaml:"prefix_padding_ms"`
	SilenceMs       int     `yaml:"silence_ms"`
}

// BreakerConfig is the YAML form of a circuit breaker.
type BreakerConfig struct {
	MaxFailures    int `yaml:"max_failures"`
	ResetTimeoutMs int `yaml:"reset_timeout_ms"`
}

// AudioConfig selects devices and capture parameters.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	FrameSize  int `yaml:"frame_size"`

	// Threshold is the mean absolute level counted as speech. Hot-reloadable.
	Threshold float64 `yaml:"threshold"`

	// InputDevice and OutputDevice name PortAudio devices. Empty selects the
	// system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`
}

// ConversationConfig tunes the orchestrator.
type ConversationConfig struct {
	// SilenceMs is how long the user must be quiet before a response is
	// requested. Hot-reloadable.
	SilenceMs int `yaml:"silence_ms"`

	TextResponseDelayMs int `yaml:"text_response_delay_ms"`
	ActivityPollMs      int `yaml:"activity_poll_ms"`
}

// StorageConfig selects and configures the storage collaborator.
type StorageConfig struct {
	Backend        StorageBackend `yaml:"backend"`
	PostgresDSN    string         `yaml:"postgres_dsn"`
	FirebaseURL    string         `yaml:"firebase_url"`
	FirebaseSecret string         `yaml:"firebase_secret"`
}

// CaricatureConfig configures the caricature backend. An empty BaseURL
// disables generation.
type CaricatureConfig struct {
	BaseURL   string        `yaml:"base_url"`
	TimeoutMs int           `yaml:"timeout_ms"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// Metrics mounts the Prometheus scrape endpoint at GET /metrics.
	Metrics bool `yaml:"metrics"`
}

// ── Derived values ────────────────────────────────────────────────────────────

// SessionConfig returns the handshake payload for the relay.
func (r RealtimeConfig) SessionConfig() transport.SessionConfig {
	sc := transport.DefaultSessionConfig()
	sc.Voice = r.Voice
	sc.Instructions = r.Instructions
	sc.InputAudioTranscription = &transport.TranscriptionConfig{Model: r.TranscriptionModel}
	sc.TurnDetection = &transport.TurnDetection{
		Type:              r.TurnDetection.Type,
		Threshold:         r.TurnDetection.Threshold,
		PrefixPaddingMs:   r.TurnDetection.PrefixPaddingMs,
		SilenceDurationMs: r.TurnDetection.SilenceMs,
	}
	return sc
}

// DialTimeout returns the relay dial timeout.
func (r RealtimeConfig) DialTimeout() time.Duration { return ms(r.DialTimeoutMs) }

// Silence returns the silence duration.
func (c ConversationConfig) Silence() time.Duration { return ms(c.SilenceMs) }

// TextResponseDelay returns the pause between a typed message and its
// response request.
func (c ConversationConfig) TextResponseDelay() time.Duration { return ms(c.TextResponseDelayMs) }

// ActivityPoll returns the playback activity sampling period.
func (c ConversationConfig) ActivityPoll() time.Duration { return ms(c.ActivityPollMs) }

// Timeout returns the caricature request timeout.
func (c CaricatureConfig) Timeout() time.Duration { return ms(c.TimeoutMs) }

// CircuitBreaker converts b into a breaker configuration named name.
func (b BreakerConfig) CircuitBreaker(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  b.MaxFailures,
		ResetTimeout: ms(b.ResetTimeoutMs),
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
