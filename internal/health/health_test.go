package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func probe(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, rep
}

func TestHealthz_AlwaysOK(t *testing.T) {
	h := New(Checker{Name: "store", Check: func(context.Context) error { return errors.New("down") }})
	code, rep := probe(t, h, "/healthz")
	if code != http.StatusOK || rep.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, rep.Status)
	}
}

func TestReadyz_StartingUntilMarked(t *testing.T) {
	h := New()
	code, rep := probe(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || rep.Status != "starting" {
		t.Fatalf("readyz = %d %q, want 503 starting", code, rep.Status)
	}

	h.MarkReady()
	if code, rep = probe(t, h, "/readyz"); code != http.StatusOK || rep.Status != "ok" {
		t.Fatalf("readyz = %d %q, want 200 ok", code, rep.Status)
	}

	h.MarkNotReady()
	if code, _ = probe(t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after MarkNotReady = %d, want 503", code)
	}
}

func TestReadyz_ReportsEachCheck(t *testing.T) {
	h := New(
		Checker{Name: "store", Check: func(context.Context) error { return errors.New("connection refused") }},
		Checker{Name: "relay", Check: func(context.Context) error { return nil }},
	)
	h.MarkReady()

	code, rep := probe(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || rep.Status != "fail" {
		t.Fatalf("readyz = %d %q, want 503 fail", code, rep.Status)
	}
	if got := rep.Checks["store"]; got.OK || got.Error != "connection refused" {
		t.Errorf("store = %+v", got)
	}
	if got := rep.Checks["relay"]; !got.OK || got.Error != "" {
		t.Errorf("relay = %+v", got)
	}
}

func TestEvaluate_RunsConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow})

	done := make(chan Report, 1)
	go func() { done <- h.Evaluate(context.Background()) }()

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checks did not start concurrently")
		}
	}
	close(release)
	if rep := <-done; rep.Status != "ok" || len(rep.Checks) != 2 {
		t.Errorf("report = %+v", rep)
	}
}

func TestEvaluate_HonoursCancellation(t *testing.T) {
	h := New(Checker{Name: "stuck", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := h.Evaluate(ctx)
	if rep.Status != "fail" || rep.Checks["stuck"].Error != context.Canceled.Error() {
		t.Errorf("report = %+v", rep)
	}
}
