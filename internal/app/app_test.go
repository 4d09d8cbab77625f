package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fulgencio/kiosk/internal/app"
	"github.com/fulgencio/kiosk/internal/auth"
	"github.com/fulgencio/kiosk/internal/config"
	"github.com/fulgencio/kiosk/internal/conversation"
	"github.com/fulgencio/kiosk/pkg/audio/mock"
	"github.com/fulgencio/kiosk/pkg/store/memstore"
	"github.com/fulgencio/kiosk/pkg/transport"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// relay is a fake realtime endpoint. Each accepted connection consumes the
// handshake, then sends the scripted events.
func relay(t *testing.T, script ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for range 2 { // session.update, response.create
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
		for _, ev := range script {
			data, _ := json.Marshal(ev)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, relayURL string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(fmt.Sprintf(`
server:
  listen_addr: "127.0.0.1:0"
realtime:
  urls: [%q]
conversation:
  silence_ms: 60000
`, relayURL)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	opts = append([]app.Option{
		app.WithStore(st),
		app.WithCaptureSource(mock.NewSource()),
		app.WithPlaybackSink(mock.NewSink()),
		app.WithLogger(quiet()),
	}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a, st
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_UnregisteredBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "ws://127.0.0.1:1/realtime")
	_, err := app.New(context.Background(), cfg,
		app.WithRegistry(config.NewRegistry()),
		app.WithCaptureSource(mock.NewSource()),
		app.WithPlaybackSink(mock.NewSink()),
		app.WithLogger(quiet()),
	)
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("New = %v, want ErrBackendNotRegistered", err)
	}
}

func TestApp_ConversationOverHTTP(t *testing.T) {
	t.Parallel()
	srv := relay(t,
		map[string]any{"type": transport.TypeInputTranscription, "transcript": "¿Dónde está mi caricatura?"},
		map[string]any{"type": transport.TypeOutputTextDelta, "delta": "Un momento"},
		map[string]any{"type": transport.TypeOutputTextDone, "text": "Un momento, por favor."},
	)
	a, st := newApp(t, testConfig(t, "ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	addr := a.Addr(ctx)
	if addr == nil {
		t.Fatal("no listen address")
	}
	base := "http://" + addr.String()

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Post(base+"/api/conversation/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d, want 200", resp.StatusCode)
	}

	eventually(t, "assistant reply", func() bool {
		tr := a.Conversation().Snapshot().Transcript
		return len(tr) == 2 && tr[1].Content == "Un momento, por favor."
	})
	if tr := a.Conversation().Snapshot().Transcript; tr[0].Role != conversation.RoleUser {
		t.Errorf("first entry = %+v", tr[0])
	}

	resp, err = http.Post(base+"/api/conversation/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	eventually(t, "persisted transcript", func() bool {
		raw, _ := st.Read(context.Background(), "users")
		return strings.Contains(string(raw), "Un momento, por favor.")
	})

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestApp_LoginUsesStore(t *testing.T) {
	t.Parallel()
	a, st := newApp(t, testConfig(t, "ws://127.0.0.1:1/realtime"))
	defer a.Shutdown(context.Background())
	_ = st.Write(context.Background(), auth.DefaultPath, auth.Credentials{User: "kiosk", Pass: "pw"})

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/login", "application/json", strings.NewReader(`{"user":"kiosk","pass":"pw"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("login = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/photos", "application/json", strings.NewReader(`{"fullName":"Ana","email":"ana@example.com"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("photos = %d, want 201", resp.StatusCode)
	}
	if raw, _ := st.Read(context.Background(), "users/1/fullName"); string(raw) != `"Ana"` {
		t.Errorf("users/1/fullName = %s", raw)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	old := testConfig(t, "ws://127.0.0.1:1/realtime")
	lv := new(slog.LevelVar)
	a, _ := newApp(t, old, app.WithLevel(lv))
	defer a.Shutdown(context.Background())

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Audio.Threshold = 0.02
	a.ApplyConfig(old, &updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig(t, "ws://127.0.0.1:1/realtime"))
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := a.Conversation().Start(context.Background()); !errors.Is(err, conversation.ErrClosed) {
		t.Errorf("Start after Shutdown = %v, want ErrClosed", err)
	}
}

func TestShutdown_DeadlineExceeded(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig(t, "ws://127.0.0.1:1/realtime"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	} {
		if got := app.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
