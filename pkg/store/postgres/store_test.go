package postgres_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fulgencio/kiosk/pkg/store/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if KIOSK_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("KIOSK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KIOSK_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] over an empty kv_nodes table.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS kv_nodes CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	s, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	if raw == nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return m
}

func TestStore_WriteReadSubtree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, "users/1", map[string]any{
		"fullName": "Ana",
		"photo":    map[string]any{"kind": "jpeg"},
		"tags":     []string{"a", "b"},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(ctx, "users/2/fullName", "Luis"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	raw, err := s.Read(ctx, "users")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	users := decode(t, raw)
	if len(users) != 2 {
		t.Fatalf("users = %v", users)
	}
	one := users["1"].(map[string]any)
	if one["fullName"] != "Ana" || len(one["tags"].([]any)) != 2 {
		t.Errorf("users/1 = %v", one)
	}

	leaf, _ := s.Read(ctx, "users/1/photo/kind")
	if string(leaf) != `"jpeg"` {
		t.Errorf("leaf = %s", leaf)
	}
}

func TestStore_ReplaceAndShadow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Write(ctx, "a", "scalar")
	_ = s.Write(ctx, "a/b", 1)
	got := decode(t, must(t)(s.Read(ctx, "a")))
	if len(got) != 1 || got["b"] == nil {
		t.Errorf("a = %v, want object with b", got)
	}

	_ = s.Write(ctx, "a", map[string]any{"c": true})
	got = decode(t, must(t)(s.Read(ctx, "a")))
	if _, ok := got["b"]; ok {
		t.Errorf("old child survived replace: %v", got)
	}
}

func TestStore_UpdateRemovePush(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Write(ctx, "users/1", map[string]any{"fullName": "Ana", "photo": "x"})
	if err := s.Update(ctx, "users/1", map[string]any{"photo": nil, "caricature": "c.png"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got := decode(t, must(t)(s.Read(ctx, "users/1")))
	if got["caricature"] != "c.png" || got["photo"] != nil || got["fullName"] != "Ana" {
		t.Errorf("users/1 = %v", got)
	}

	key, err := s.Push(ctx, "logs", map[string]any{"m": 1})
	if err != nil || key == "" {
		t.Fatalf("Push = %q, %v", key, err)
	}

	if err := s.Remove(ctx, "users"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if raw, _ := s.Read(ctx, "users"); raw != nil {
		t.Errorf("users after remove = %s", raw)
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got := make(chan string, 8)
	unsubscribe, err := s.Subscribe(ctx, "credentials", func(v json.RawMessage) { got <- string(v) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	expect := func(want string) {
		t.Helper()
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("delivered %q, want %q", v, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no delivery, want %q", want)
		}
	}
	expect("")
	_ = s.Write(ctx, "credentials/user", "admin")
	expect(`{"user":"admin"}`)
}

func must(t *testing.T) func(json.RawMessage, error) json.RawMessage {
	return func(raw json.RawMessage, err error) json.RawMessage {
		t.Helper()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		return raw
	}
}
