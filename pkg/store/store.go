// Package store defines the hierarchical JSON storage contract the kiosk
// writes visitor records and transcripts to.
//
// A store is a tree addressed by slash-separated paths, as in a realtime
// database: writing "users/7" replaces that subtree, reading "users" returns
// every child assembled into one object. Implementations live in the
// sub-packages memstore, postgres and firebase.
//
// Values are anything encoding/json can marshal. Reads return raw JSON so
// callers decode into their own types.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidPath is returned for paths with empty segments or reserved
// characters.
var ErrInvalidPath = errors.New("store: invalid path")

// Store is the storage collaborator contract. All methods are safe for
// concurrent use.
type Store interface {
	// Write replaces the value at path. Writing nil removes it.
	Write(ctx context.Context, path string, value any) error

	// Read returns the subtree at path, or nil with a nil error when nothing
	// is stored there.
	Read(ctx context.Context, path string) (json.RawMessage, error)

	// Update writes each key of partial as a child of path, leaving other
	// children untouched. A nil value removes that child.
	Update(ctx context.Context, path string, partial map[string]any) error

	// Remove deletes the subtree at path. Removing an absent path succeeds.
	Remove(ctx context.Context, path string) error

	// Push stores value under a new time-ordered child key of path and
	// returns the key.
	Push(ctx context.Context, path string, value any) (string, error)

	// Subscribe calls fn with the current value at path, then again after
	// every change affecting it. fn receives nil when the path is empty.
	// Calls to fn are serialised. The returned function stops delivery.
	Subscribe(ctx context.Context, path string, fn func(json.RawMessage)) (unsubscribe func(), err error)

	// Close releases the backend's resources.
	Close() error
}

// Clean normalises path by trimming surrounding slashes. The root is "".
// Empty segments and the characters . $ # [ ] are rejected.
func Clean(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || strings.ContainsAny(seg, ".$#[]") {
			return "", ErrInvalidPath
		}
	}
	return p, nil
}

// Segments splits a cleaned path. The root has no segments.
func Segments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Join appends child segments to a cleaned path.
func Join(path string, children ...string) string {
	parts := make([]string, 0, len(children)+1)
	if path != "" {
		parts = append(parts, path)
	}
	for _, c := range children {
		if c = strings.Trim(c, "/"); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "/")
}

// Related reports whether a change at changed can affect a reader of watched:
// either path is an ancestor of, or equal to, the other.
func Related(watched, changed string) bool {
	return within(watched, changed) || within(changed, watched)
}

// within reports whether path equals root or lies beneath it.
func within(root, path string) bool {
	if root == "" || root == path {
		return true
	}
	return strings.HasPrefix(path, root+"/")
}
