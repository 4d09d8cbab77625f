package firebase_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fulgencio/kiosk/pkg/store"
	"github.com/fulgencio/kiosk/pkg/store/firebase"
	"github.com/fulgencio/kiosk/pkg/store/memstore"
)

// fakeRTDB serves the Realtime Database REST surface over a memstore.
type fakeRTDB struct {
	t      *testing.T
	data   *memstore.Store
	secret string

	mu       sync.Mutex
	requests []string
}

func (f *fakeRTDB) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	if f.secret != "" && r.URL.Query().Get("auth") != f.secret {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"Permission denied"}`)
		return
	}
	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		if r.Header.Get("Accept") == "text/event-stream" {
			f.stream(w, r, path)
			return
		}
		raw, _ := f.data.Read(ctx, path)
		if raw == nil {
			raw = json.RawMessage("null")
		}
		_, _ = w.Write(raw)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		_ = f.data.Write(ctx, path, json.RawMessage(body))
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		var partial map[string]any
		_ = json.NewDecoder(r.Body).Decode(&partial)
		_ = f.data.Update(ctx, path, partial)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		_ = f.data.Remove(ctx, path)
		_, _ = io.WriteString(w, "null")
	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		key, _ := f.data.Push(ctx, path, json.RawMessage(body))
		_, _ = fmt.Fprintf(w, `{"name":%q}`, key)
	}
}

// stream emits a put of the whole subtree on subscribe and on every change.
func (f *fakeRTDB) stream(w http.ResponseWriter, r *http.Request, path string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	updates := make(chan json.RawMessage, 16)
	unsubscribe, _ := f.data.Subscribe(r.Context(), path, func(v json.RawMessage) { updates <- v })
	defer unsubscribe()

	_, _ = io.WriteString(w, "event: keep-alive\ndata: null\n\n")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case v := <-updates:
			if v == nil {
				v = json.RawMessage("null")
			}
			_, _ = fmt.Fprintf(w, "event: put\ndata: {\"path\":\"/\",\"data\":%s}\n\n", v)
			flusher.Flush()
		}
	}
}

func newClient(t *testing.T, fake *fakeRTDB, opts ...firebase.Option) *firebase.Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := firebase.New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_CRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fake := &fakeRTDB{t: t, data: memstore.New(), secret: "s3cret"}
	c := newClient(t, fake, firebase.WithSecret("s3cret"))

	if err := c.Write(ctx, "users/1", map[string]any{"fullName": "Ana", "photo": "x"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Update(ctx, "users/1", map[string]any{"photo": nil, "caricature": "c.png"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	raw, err := c.Read(ctx, "users/1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	if got["fullName"] != "Ana" || got["caricature"] != "c.png" || got["photo"] != "" {
		t.Errorf("users/1 = %v", got)
	}

	key, err := c.Push(ctx, "logs", "hello")
	if err != nil || key == "" {
		t.Fatalf("Push = %q, %v", key, err)
	}

	if err := c.Remove(ctx, "users"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if raw, err := c.Read(ctx, "users"); err != nil || raw != nil {
		t.Errorf("Read after remove = %s, %v", raw, err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.requests[0] != "PUT /users/1.json" {
		t.Errorf("first request = %q", fake.requests[0])
	}
}

func TestClient_StatusError(t *testing.T) {
	t.Parallel()
	c := newClient(t, &fakeRTDB{t: t, data: memstore.New(), secret: "right"}, firebase.WithSecret("wrong"))

	_, err := c.Read(context.Background(), "credentials")
	if !errors.Is(err, firebase.ErrStatus) {
		t.Fatalf("Read error = %v, want ErrStatus", err)
	}
	if !strings.Contains(err.Error(), "Permission denied") {
		t.Errorf("error = %v, want server message", err)
	}
}

func TestClient_InvalidPath(t *testing.T) {
	t.Parallel()
	c := newClient(t, &fakeRTDB{t: t, data: memstore.New()})
	if err := c.Write(context.Background(), "users//1", 1); !errors.Is(err, store.ErrInvalidPath) {
		t.Fatalf("Write = %v, want ErrInvalidPath", err)
	}
}

func TestClient_Subscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	data := memstore.New()
	_ = data.Write(ctx, "kiosk/state", map[string]any{"mode": "idle"})
	c := newClient(t, &fakeRTDB{t: t, data: data})

	got := make(chan string, 8)
	unsubscribe, err := c.Subscribe(ctx, "kiosk/state", func(v json.RawMessage) { got <- string(v) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	expect := func(want string) {
		t.Helper()
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("delivered %s, want %s", v, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no delivery, want %s", want)
		}
	}
	expect(`{"mode":"idle"}`)

	if err := c.Write(ctx, "kiosk/state/mode", "busy"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	expect(`{"mode":"busy"}`)

	unsubscribe()
	_ = c.Write(ctx, "kiosk/state/mode", "late")
	select {
	case v := <-got:
		t.Errorf("delivery after unsubscribe: %s", v)
	case <-time.After(100 * time.Millisecond):
	}
}
