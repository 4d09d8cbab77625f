package firebase

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fulgencio/kiosk/pkg/store"
)

// errStreamCancelled is returned when the server revokes a subscription.
var errStreamCancelled = errors.New("firebase: stream cancelled by server")

// streamSet tracks live subscriptions so Close can end them.
type streamSet struct {
	mu     sync.Mutex
	next   int
	cancel map[int]context.CancelFunc
	closed bool
}

func newStreamSet() *streamSet {
	return &streamSet{cancel: make(map[int]context.CancelFunc)}
}

func (s *streamSet) add(cancel context.CancelFunc) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	id := s.next
	s.next++
	s.cancel[id] = cancel
	return id, true
}

func (s *streamSet) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancel, id)
}

func (s *streamSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, cancel := range s.cancel {
		cancel()
		delete(s.cancel, id)
	}
}

// streamEvent is the data of a put or patch event.
type streamEvent struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// Subscribe implements [store.Store.Subscribe]. The first event of the
// stream carries the current value. If the stream drops it is reopened after
// the reconnect delay, and the reopened stream's first event resynchronises
// the local copy. ctx bounds the initial connection only.
func (c *Client) Subscribe(ctx context.Context, path string, fn func(json.RawMessage)) (func(), error) {
	p, err := store.Clean(path)
	if err != nil {
		return nil, fmt.Errorf("firebase: subscribe %q: %w", path, err)
	}
	resp, err := c.openStream(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("firebase: subscribe %q: %w", p, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	id, ok := c.streams.add(cancel)
	if !ok {
		cancel()
		resp.Body.Close()
		return nil, fmt.Errorf("firebase: subscribe %q: client closed", p)
	}
	// Closing the body unblocks the reader when the subscription ends.
	stop := context.AfterFunc(sctx, func() { resp.Body.Close() })

	go c.follow(sctx, p, resp, stop, fn)

	return func() {
		cancel()
		c.streams.remove(id)
	}, nil
}

// follow consumes streams for p until ctx ends, reopening dropped ones.
func (c *Client) follow(ctx context.Context, p string, resp *http.Response, stop func() bool, fn func(json.RawMessage)) {
	var root any
	for {
		err := c.consume(ctx, resp, &root, fn)
		stop()
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("firebase: subscription stream ended", "path", p, "err", err)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.reconnect):
			}
			r, err := c.openStream(ctx, p)
			if err != nil {
				c.logger.Warn("firebase: subscription reconnect failed", "path", p, "err", err)
				continue
			}
			resp = r
			stop = context.AfterFunc(ctx, func() { r.Body.Close() })
			break
		}
	}
}

func (c *Client) openStream(ctx context.Context, p string) (*http.Response, error) {
	endpoint, err := c.endpoint(p)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.http.Do(req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if err := checkStatus(r.resp); err != nil {
			r.resp.Body.Close()
			return nil, err
		}
		return r.resp, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// consume reads server-sent events from resp and applies them to root,
// calling fn after every change.
func (c *Client) consume(ctx context.Context, resp *http.Response, root *any, fn func(json.RawMessage)) error {
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 16<<20)

	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if ctx.Err() != nil {
				return nil
			}
			if event != "" {
				if err := c.apply(event, data, root, fn); err != nil {
					return err
				}
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) apply(event, data string, root *any, fn func(json.RawMessage)) error {
	switch event {
	case "put", "patch":
	case "keep-alive":
		return nil
	case "cancel", "auth_revoked":
		return fmt.Errorf("%w: %s %s", errStreamCancelled, event, data)
	default:
		c.logger.Debug("firebase: ignoring stream event", "event", event)
		return nil
	}

	var ev streamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		c.logger.Warn("firebase: malformed stream event", "event", event, "err", err)
		return nil
	}
	rel, err := store.Clean(ev.Path)
	if err != nil {
		c.logger.Warn("firebase: stream event with invalid path", "path", ev.Path)
		return nil
	}
	segs := store.Segments(rel)

	if event == "put" {
		v, err := store.Normalize(nullToNil(ev.Data))
		if err != nil {
			return nil
		}
		*root = store.Assign(*root, segs, v)
	} else {
		var children map[string]json.RawMessage
		if err := json.Unmarshal(ev.Data, &children); err != nil {
			return nil
		}
		for k, raw := range children {
			v, err := store.Normalize(nullToNil(raw))
			if err != nil {
				continue
			}
			*root = store.Assign(*root, append(segs[:len(segs):len(segs)], store.Segments(k)...), v)
		}
	}

	out, err := store.Encode(*root)
	if err != nil {
		return nil
	}
	fn(out)
	return nil
}

// nullToNil maps a JSON null to a nil value so it removes the node.
func nullToNil(raw json.RawMessage) any {
	if isNull(raw) {
		return nil
	}
	return raw
}
