// Package memstore is an in-process [store.Store]. It backs tests and kiosks
// that run without a database.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fulgencio/kiosk/pkg/store"
)

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store keeps the whole tree in memory. Subscribers are notified
// synchronously, after the mutation and before the mutating call returns.
// The zero value is ready to use.
type Store struct {
	mu     sync.RWMutex
	root   any
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	path string
	fn   func(json.RawMessage)

	mu     sync.Mutex
	active bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{subs: make(map[int]*subscription)}
}

// Write implements [store.Store.Write].
func (s *Store) Write(_ context.Context, path string, value any) error {
	p, err := store.Clean(path)
	if err != nil {
		return fmt.Errorf("memstore: write %q: %w", path, err)
	}
	v, err := store.Normalize(value)
	if err != nil {
		return fmt.Errorf("memstore: write %q: %w", path, err)
	}

	s.mu.Lock()
	s.root = store.Assign(s.root, store.Segments(p), v)
	s.mu.Unlock()

	s.notify(p)
	return nil
}

// Read implements [store.Store.Read].
func (s *Store) Read(_ context.Context, path string) (json.RawMessage, error) {
	p, err := store.Clean(path)
	if err != nil {
		return nil, fmt.Errorf("memstore: read %q: %w", path, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(p)
}

func (s *Store) readLocked(p string) (json.RawMessage, error) {
	node, ok := store.Lookup(s.root, store.Segments(p))
	if !ok {
		return nil, nil
	}
	return store.Encode(node)
}

// Update implements [store.Store.Update].
func (s *Store) Update(_ context.Context, path string, partial map[string]any) error {
	p, err := store.Clean(path)
	if err != nil {
		return fmt.Errorf("memstore: update %q: %w", path, err)
	}
	children := make(map[string]any, len(partial))
	for k, v := range partial {
		child, err := store.Clean(k)
		if err != nil || child == "" {
			return fmt.Errorf("memstore: update %q key %q: %w", path, k, store.ErrInvalidPath)
		}
		if children[child], err = store.Normalize(v); err != nil {
			return fmt.Errorf("memstore: update %q: %w", path, err)
		}
	}

	s.mu.Lock()
	for k, v := range children {
		s.root = store.Assign(s.root, store.Segments(store.Join(p, k)), v)
	}
	s.mu.Unlock()

	s.notify(p)
	return nil
}

// Remove implements [store.Store.Remove].
func (s *Store) Remove(ctx context.Context, path string) error {
	return s.Write(ctx, path, nil)
}

// Push implements [store.Store.Push]. Keys are UUIDv7 strings, which sort by
// creation time.
func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("memstore: push: %w", err)
	}
	key := id.String()
	p, err := store.Clean(path)
	if err != nil {
		return "", fmt.Errorf("memstore: push %q: %w", path, err)
	}
	if err := s.Write(ctx, store.Join(p, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Subscribe implements [store.Store.Subscribe]. The current value is
// delivered before Subscribe returns.
func (s *Store) Subscribe(_ context.Context, path string, fn func(json.RawMessage)) (func(), error) {
	p, err := store.Clean(path)
	if err != nil {
		return nil, fmt.Errorf("memstore: subscribe %q: %w", path, err)
	}
	sub := &subscription{path: p, fn: fn, active: true}

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]*subscription)
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	s.deliver(sub)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}, nil
}

// Close drops every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[int]*subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	return nil
}

// notify delivers the new value to every subscriber whose path is related
// to changed.
func (s *Store) notify(changed string) {
	s.mu.RLock()
	var targets []*subscription
	for _, sub := range s.subs {
		if store.Related(sub.path, changed) {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		s.deliver(sub)
	}
}

// deliver reads the subscriber's path and calls its callback. Holding the
// subscription lock across the read keeps deliveries in mutation order.
func (s *Store) deliver(sub *subscription) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.active {
		return
	}
	s.mu.RLock()
	v, err := s.readLocked(sub.path)
	s.mu.RUnlock()
	if err != nil {
		return
	}
	sub.fn(v)
}
