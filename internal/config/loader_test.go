package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulgencio/kiosk/internal/config"
)

const minimalYAML = `
realtime:
  urls: ["wss://relay.example.com/v1/realtime"]
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Storage.Backend != config.StorageMemory {
		t.Errorf("storage.backend = %q, want memory", cfg.Storage.Backend)
	}
	if got := cfg.Conversation.Silence(); got != time.Second {
		t.Errorf("silence = %v, want 1s", got)
	}
	if got := cfg.Conversation.TextResponseDelay(); got != 100*time.Millisecond {
		t.Errorf("text delay = %v, want 100ms", got)
	}
	if cfg.Audio.SampleRate != 24000 || cfg.Audio.Threshold != 0.005 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.Caricature.Timeout() != 120*time.Second {
		t.Errorf("caricature timeout = %v", cfg.Caricature.Timeout())
	}

	sc := cfg.Realtime.SessionConfig()
	if sc.Voice != "shimmer" || sc.InputAudioFormat != "pcm16" || sc.InputAudioTranscription.Model != "whisper-1" {
		t.Errorf("session = %+v", sc)
	}
	if td := sc.TurnDetection; td.Type != "server_vad" || td.Threshold != 0.5 || td.PrefixPaddingMs != 300 || td.SilenceDurationMs != 1000 {
		t.Errorf("turn detection = %+v", td)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  feed_origins: ["kiosk.local"]
realtime:
  urls:
    - wss://primary.example.com/realtime
    - ws://backup.example.com/realtime
  headers:
    X-Kiosk: lobby
  voice: alloy
  instructions: Answer in Spanish.
  turn_detection:
    threshold: 0.6
    silence_ms: 800
  breaker:
    max_failures: 2
    reset_timeout_ms: 5000
audio:
  threshold: 0.01
  input_device: USB Mic
conversation:
  silence_ms: 1500
storage:
  backend: postgres
  postgres_dsn: postgres://kiosk@localhost/kiosk
caricature:
  base_url: https://caricatures.example.com
  timeout_ms: 30000
telemetry:
  service_name: lobby-kiosk
  metrics: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if len(cfg.Realtime.URLs) != 2 || cfg.Realtime.Headers["X-Kiosk"] != "lobby" {
		t.Errorf("realtime = %+v", cfg.Realtime)
	}
	sc := cfg.Realtime.SessionConfig()
	if sc.Voice != "alloy" || sc.Instructions != "Answer in Spanish." || sc.TurnDetection.Threshold != 0.6 || sc.TurnDetection.SilenceDurationMs != 800 {
		t.Errorf("session = %+v", sc)
	}
	br := cfg.Realtime.Breaker.CircuitBreaker("relay")
	if br.Name != "relay" || br.MaxFailures != 2 || br.ResetTimeout != 5*time.Second {
		t.Errorf("breaker = %+v", br)
	}
	if cfg.Conversation.Silence() != 1500*time.Millisecond {
		t.Errorf("silence = %v", cfg.Conversation.Silence())
	}
	if cfg.Caricature.Timeout() != 30*time.Second || !cfg.Telemetry.Metrics {
		t.Errorf("caricature/telemetry = %+v %+v", cfg.Caricature, cfg.Telemetry)
	}
}

func TestLoadFromReader_ExpandsEnvironment(t *testing.T) {
	t.Setenv("KIOSK_TEST_FIREBASE_SECRET", "s3cret")
	yaml := minimalYAML + `
storage:
  backend: firebase
  firebase_url: https://kiosk.firebaseio.com
  firebase_secret: ${KIOSK_TEST_FIREBASE_SECRET}
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Storage.FirebaseSecret != "s3cret" {
		t.Errorf("firebase_secret = %q", cfg.Storage.FirebaseSecret)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nkiosks: []\n"))
	if err == nil || !strings.Contains(err.Error(), "kiosks") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
realtime:
  urls: ["https://not-a-socket.example.com"]
audio:
  threshold: 2
conversation:
  silence_ms: -5
storage:
  backend: postgres
caricature:
  base_url: "ftp://x"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"server.log_level",
		"realtime.urls[0]",
		"audio.threshold",
		"conversation.silence_ms",
		"storage.postgres_dsn",
		"caricature.base_url",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s:\n%v", want, err)
		}
	}
}

func TestValidate_RequiresRelay(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "realtime.urls") {
		t.Fatalf("err = %v, want missing relay error", err)
	}
}

func TestValidate_StorageBackends(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		storage string
		wantErr string
	}{
		{"memory", "backend: memory", ""},
		{"unknown", "backend: redis", "storage.backend"},
		{"firebase without url", "backend: firebase", "storage.firebase_url"},
		{"firebase", "backend: firebase\n  firebase_url: https://kiosk.firebaseio.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "storage:\n  " + tt.storage + "\n"))
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("unexpected error: %v", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Errorf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kiosk.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Storage.Backend != config.StorageMemory || !cfg.Telemetry.Metrics {
		t.Errorf("example = %+v %+v", cfg.Storage, cfg.Telemetry)
	}
}
