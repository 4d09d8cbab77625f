package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/fulgencio/kiosk/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a, b := mustLoad(t, minimalYAML), mustLoad(t, minimalYAML)
	d := config.Diff(a, b)
	if d.Changed() || len(d.RestartRequired) != 0 {
		t.Errorf("diff = %+v, want empty", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, minimalYAML)
	updated := mustLoad(t, minimalYAML+`
server:
  log_level: debug
audio:
  threshold: 0.02
conversation:
  silence_ms: 700
`)
	d := config.Diff(old, updated)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: %+v", d)
	}
	if !d.SilenceChanged || d.NewSilenceMs != 700 {
		t.Errorf("silence: %+v", d)
	}
	if !d.ThresholdChanged || d.NewThreshold != 0.02 {
		t.Errorf("threshold: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, minimalYAML)
	updated := mustLoad(t, `
realtime:
  urls: ["wss://relay.example.com/v1/realtime", "wss://backup.example.com/v1/realtime"]
  voice: alloy
storage:
  backend: firebase
  firebase_url: https://kiosk.firebaseio.com
`)
	d := config.Diff(old, updated)
	if d.Changed() {
		t.Errorf("hot-reloadable fields reported changed: %+v", d)
	}
	if !slices.Equal(d.RestartRequired, []string{"realtime", "storage"}) {
		t.Errorf("restart required = %v, want [realtime storage]", d.RestartRequired)
	}
}
