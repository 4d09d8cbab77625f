package caricature_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fulgencio/kiosk/internal/resilience"
	"github.com/fulgencio/kiosk/pkg/caricature"
)

func TestGenerate_PostsOrderAndPhoto(t *testing.T) {
	t.Parallel()
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/photo/generate-caricature" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true,"orderNumber":"42","storedInFirebase":true,"generatedCount":3}`))
	}))
	defer srv.Close()

	c, err := caricature.New(srv.URL + "/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := c.Generate(context.Background(), "42", "data:image/jpeg;base64,AAAA")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.OK || res.GeneratedCount != 3 || !res.StoredInFirebase {
		t.Errorf("result = %+v", res)
	}
	if got["orderNumber"] != "42" || got["photoBase64"] != "data:image/jpeg;base64,AAAA" {
		t.Errorf("body = %v", got)
	}
}

func TestGenerate_StatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no face found", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, _ := caricature.New(srv.URL)
	_, err := c.Generate(context.Background(), "42", "AAAA")
	if !errors.Is(err, caricature.ErrStatus) {
		t.Fatalf("error = %v, want ErrStatus", err)
	}
	var se *caricature.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnprocessableEntity || se.Body != "no face found" {
		t.Errorf("status error = %+v", se)
	}
}

func TestGenerate_BreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := caricature.New(srv.URL, caricature.WithBreaker(resilience.CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	}))
	for range 2 {
		_, _ = c.Generate(context.Background(), "1", "AAAA")
	}
	_, err := c.Generate(context.Background(), "1", "AAAA")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("third call error = %v, want ErrCircuitOpen", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server calls = %d, want 2", n)
	}
}

func TestGenerate_ClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := caricature.New(srv.URL, caricature.WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1}))
	for range 3 {
		_, err := c.Generate(context.Background(), "1", "AAAA")
		if errors.Is(err, resilience.ErrCircuitOpen) {
			t.Fatal("breaker opened on client errors")
		}
	}
}

func TestGenerate_Validation(t *testing.T) {
	t.Parallel()
	c, _ := caricature.New("http://unused")
	if _, err := c.Generate(context.Background(), "", "AAAA"); err == nil {
		t.Error("expected error for empty order number")
	}
	if _, err := caricature.New("  "); err == nil {
		t.Error("expected error for empty base URL")
	}
}
