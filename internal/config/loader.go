package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fulgencio/kiosk/pkg/audio/capture"
	"github.com/fulgencio/kiosk/pkg/caricature"
	"github.com/fulgencio/kiosk/pkg/transport"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = "127.0.0.1:8080"
	DefaultSampleRate          = 24000
	DefaultSilenceMs           = 1000
	DefaultTextResponseDelayMs = 100
	DefaultActivityPollMs      = 100
	DefaultDialTimeoutMs       = 10000
	DefaultServiceName         = "kiosk"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. ${VAR} references are expanded from the environment first.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. The handshake defaults match
// [transport.DefaultSessionConfig].
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	session := transport.DefaultSessionConfig()
	rt := &cfg.Realtime
	if rt.DialTimeoutMs == 0 {
		rt.DialTimeoutMs = DefaultDialTimeoutMs
	}
	if rt.Voice == "" {
		rt.Voice = session.Voice
	}
	if rt.TranscriptionModel == "" {
		rt.TranscriptionModel = session.InputAudioTranscription.Model
	}
	td := &rt.TurnDetection
	if td.Type == "" {
		td.Type = session.TurnDetection.Type
	}
	if td.Threshold == 0 {
		td.Threshold = session.TurnDetection.Threshold
	}
	if td.PrefixPaddingMs == 0 {
		td.PrefixPaddingMs = session.TurnDetection.PrefixPaddingMs
	}
	if td.SilenceMs == 0 {
		td.SilenceMs = session.TurnDetection.SilenceDurationMs
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = capture.DefaultFrameSize
	}
	if cfg.Audio.Threshold == 0 {
		cfg.Audio.Threshold = capture.DefaultThreshold
	}

	cv := &cfg.Conversation
	if cv.SilenceMs == 0 {
		cv.SilenceMs = DefaultSilenceMs
	}
	if cv.TextResponseDelayMs == 0 {
		cv.TextResponseDelayMs = DefaultTextResponseDelayMs
	}
	if cv.ActivityPollMs == 0 {
		cv.ActivityPollMs = DefaultActivityPollMs
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageMemory
	}
	if cfg.Caricature.TimeoutMs == 0 {
		cfg.Caricature.TimeoutMs = int(caricature.DefaultTimeout.Milliseconds())
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if len(cfg.Realtime.URLs) == 0 {
		errs = append(errs, errors.New("realtime.urls must list at least one relay"))
	}
	for i, u := range cfg.Realtime.URLs {
		if err := checkURL(u, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("realtime.urls[%d]: %w", i, err))
		}
	}
	if cfg.Realtime.DialTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("realtime.dial_timeout_ms %d must not be negative", cfg.Realtime.DialTimeoutMs))
	}
	if t := cfg.Realtime.TurnDetection.Threshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.threshold %.2f is out of range [0, 1]", t))
	}
	errs = append(errs, checkBreaker("realtime.breaker", cfg.Realtime.Breaker)...)

	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 96000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 96000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if t := cfg.Audio.Threshold; t <= 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("audio.threshold %g is out of range (0, 1)", t))
	}

	cv := cfg.Conversation
	if cv.SilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("conversation.silence_ms %d must be positive", cv.SilenceMs))
	}
	if cv.TextResponseDelayMs < 0 {
		errs = append(errs, fmt.Errorf("conversation.text_response_delay_ms %d must not be negative", cv.TextResponseDelayMs))
	}
	if cv.ActivityPollMs <= 0 {
		errs = append(errs, fmt.Errorf("conversation.activity_poll_ms %d must be positive", cv.ActivityPollMs))
	}

	switch st := cfg.Storage; {
	case !st.Backend.IsValid():
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: memory, postgres, firebase", st.Backend))
	case st.Backend == StoragePostgres && st.PostgresDSN == "":
		errs = append(errs, errors.New("storage.postgres_dsn is required when backend is postgres"))
	case st.Backend == StorageFirebase:
		if err := checkURL(st.FirebaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("storage.firebase_url: %w", err))
		}
	}

	if cfg.Caricature.BaseURL != "" {
		if err := checkURL(cfg.Caricature.BaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("caricature.base_url: %w", err))
		}
	}
	if cfg.Caricature.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("caricature.timeout_ms %d must not be negative", cfg.Caricature.TimeoutMs))
	}
	errs = append(errs, checkBreaker("caricature.breaker", cfg.Caricature.Breaker)...)

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %v URL", raw, schemes)
}

func checkBreaker(prefix string, b BreakerConfig) []error {
	var errs []error
	if b.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("%s.max_failures %d must not be negative", prefix, b.MaxFailures))
	}
	if b.ResetTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("%s.reset_timeout_ms %d must not be negative", prefix, b.ResetTimeoutMs))
	}
	return errs
}
