// Package firebase is a [store.Store] over the Firebase Realtime Database
// REST API.
//
// Every operation maps to one request on {base}/{path}.json: PUT for Write,
// GET for Read, PATCH for Update, DELETE for Remove and POST for Push.
// Subscribe keeps a text/event-stream GET open and applies the put and patch
// events to a local copy of the subtree.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fulgencio/kiosk/internal/observe"
	"github.com/fulgencio/kiosk/pkg/store"
)

// Compile-time assertion that Client satisfies the store.Store interface.
var _ store.Store = (*Client)(nil)

// ErrStatus is wrapped by errors for non-2xx responses.
var ErrStatus = errors.New("firebase: unexpected status")

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Client)

// WithSecret authenticates every request with a database secret or ID token
// passed as the auth query parameter.
func WithSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

// WithHTTPClient overrides the client used for requests. Its Timeout should
// be zero because subscriptions hold a response open indefinitely; request
// deadlines come from [WithTimeout] instead.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each non-streaming request. Default: 15s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithReconnectDelay sets the pause before a dropped subscription stream is
// reopened. Default: 2s.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reconnect = d
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client talks to one database. All methods are safe for concurrent use.
type Client struct {
	base      *url.URL
	secret    string
	http      *http.Client
	timeout   time.Duration
	reconnect time.Duration
	logger    *slog.Logger
	metrics   *observe.Metrics

	streams *streamSet
}

// New returns a Client for the database at baseURL, for example
// https://my-kiosk-default-rtdb.firebaseio.com.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("firebase: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("firebase: url %q must be http or https", baseURL)
	}
	c := &Client{
		base:      u,
		http:      &http.Client{},
		timeout:   defaultTimeout,
		reconnect: 2 * time.Second,
		streams:   newStreamSet(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Write implements [store.Store.Write]. A nil value is sent as DELETE.
func (c *Client) Write(ctx context.Context, path string, value any) error {
	if value == nil {
		return c.Remove(ctx, path)
	}
	if err := c.do(ctx, "write", http.MethodPut, path, value, nil); err != nil {
		return fmt.Errorf("firebase: write %q: %w", path, err)
	}
	return nil
}

// Read implements [store.Store.Read].
func (c *Client) Read(ctx context.Context, path string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "read", http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("firebase: read %q: %w", path, err)
	}
	if isNull(raw) {
		return nil, nil
	}
	return raw, nil
}

// Update implements [store.Store.Update].
func (c *Client) Update(ctx context.Context, path string, partial map[string]any) error {
	for k := range partial {
		if p, err := store.Clean(k); err != nil || p == "" {
			return fmt.Errorf("firebase: update %q key %q: %w", path, k, store.ErrInvalidPath)
		}
	}
	if err := c.do(ctx, "update", http.MethodPatch, path, partial, nil); err != nil {
		return fmt.Errorf("firebase: update %q: %w", path, err)
	}
	return nil
}

// Remove implements [store.Store.Remove].
func (c *Client) Remove(ctx context.Context, path string) error {
	if err := c.do(ctx, "remove", http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("firebase: remove %q: %w", path, err)
	}
	return nil
}

// Push implements [store.Store.Push]. The key is generated by the server.
func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	var resp struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, "push", http.MethodPost, path, value, &resp); err != nil {
		return "", fmt.Errorf("firebase: push %q: %w", path, err)
	}
	if resp.Name == "" {
		return "", fmt.Errorf("firebase: push %q: response carried no key", path)
	}
	return resp.Name, nil
}

// Close ends every subscription.
func (c *Client) Close() error {
	c.streams.closeAll()
	return nil
}

// endpoint returns {base}/{path}.json with auth attached.
func (c *Client) endpoint(path string) (string, error) {
	p, err := store.Clean(path)
	if err != nil {
		return "", err
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + p + ".json"
	if c.secret != "" {
		q := u.Query()
		q.Set("auth", c.secret)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// do performs one request and decodes the response body into out when set.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	defer func() { c.metrics.RecordStoreOp(ctx, "firebase", op, status(err)) }()

	endpoint, err := c.endpoint(path)
	if err != nil {
		return err
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPut || method == http.MethodPatch {
		// Skip echoing the written data back.
		q := req.URL.Query()
		q.Set("print", "silent")
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var fbErr struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(b))
	if json.Unmarshal(b, &fbErr) == nil && fbErr.Error != "" {
		msg = fbErr.Error
	}
	return fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, msg)
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
