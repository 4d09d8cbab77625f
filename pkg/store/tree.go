package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Tree helpers shared by backends that keep JSON in process. A tree node is
// one of map[string]any, []any, string, json.Number, bool or nil. Objects are
// the only branches; arrays are stored as opaque leaves.

// Normalize converts v into tree form by round-tripping it through JSON.
// Numbers keep their exact text.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("store: encode value: %w", err)
		}
		raw = b
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("store: decode value: %w", err)
	}
	return prune(out), nil
}

// Lookup returns the node at segs beneath root.
func Lookup(root any, segs []string) (any, bool) {
	node := root
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = m[s]; !ok {
			return nil, false
		}
	}
	return node, node != nil
}

// Assign returns root with the node at segs replaced by v. A nil v removes
// the node, and objects left empty are removed with it. Maps along the path
// are copied, so trees previously returned by Lookup are not modified.
func Assign(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return prune(v)
	}
	m, _ := root.(map[string]any)
	next := make(map[string]any, len(m)+1)
	maps.Copy(next, m)

	child := Assign(next[segs[0]], segs[1:], v)
	if child == nil {
		delete(next, segs[0])
	} else {
		next[segs[0]] = child
	}
	if len(next) == 0 {
		return nil
	}
	return next
}

// Leaves flattens v into path/value pairs rooted at prefix. Scalars and
// arrays are leaves; empty objects produce nothing.
func Leaves(prefix string, v any) map[string]any {
	out := make(map[string]any)
	var walk func(p string, n any)
	walk = func(p string, n any) {
		m, ok := n.(map[string]any)
		if !ok {
			if n != nil {
				out[p] = n
			}
			return
		}
		for k, child := range m {
			walk(Join(p, k), child)
		}
	}
	walk(prefix, v)
	return out
}

// Encode marshals a tree node, mapping an absent node to nil.
func Encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode value: %w", err)
	}
	return b, nil
}

// prune drops empty objects recursively. An object that only held empty
// objects becomes nil.
func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		if c := prune(child); c == nil {
			delete(m, k)
		} else {
			m[k] = c
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
