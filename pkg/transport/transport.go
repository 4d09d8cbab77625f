// Package transport implements the kiosk's realtime channel to the voice
// relay.
//
// A [Channel] is built with its complete handler table and lifecycle
// callbacks, then connected. Once the socket is open it sends the session
// handshake and an initial response request before [Channel.Connect]
// returns. Inbound frames are dispatched on a single reader goroutine in
// arrival order: binary frames go to the [TypeAudio] handler; text frames are
// decoded and routed by their "type" field, then to the [TypeAny] handler.
// Outbound messages are written FIFO by a single writer goroutine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fulgencio/kiosk/internal/observe"
)

var (
	// ErrConnection is returned by [Channel.Connect] when the socket cannot be
	// opened or the handshake cannot be sent, and passed to
	// [Lifecycle.OnError] when an open socket fails.
	ErrConnection = errors.New("transport: connection failed")

	// ErrProtocol marks a malformed inbound message. Such messages are logged
	// and dropped.
	ErrProtocol = errors.New("transport: malformed message")

	// ErrClosed is returned by [Channel.Connect] after [Channel.Close].
	ErrClosed = errors.New("transport: channel closed")

	// ErrAlreadyConnected is returned by [Channel.Connect] while a connection
	// is open or opening.
	ErrAlreadyConnected = errors.New("transport: already connected")

	errMissingType = errors.New("missing type field")
)

const (
	defaultDialTimeout = 10 * time.Second

	// readLimit bounds one inbound message. Base64 audio deltas routinely
	// exceed the library's 32 KiB default.
	readLimit = 16 << 20

	outboundQueue = 256

	// flushTimeout bounds how long Close waits for queued messages.
	flushTimeout = time.Second
)

// Status is the connection state of a [Channel].
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Handlers maps a message type to its handler. Each type has exactly one
// handler. [TypeAudio] and [TypeAny] are reserved.
type Handlers map[string]func(Event)

// Lifecycle holds the connection callbacks. Any field may be nil.
type Lifecycle struct {
	// OnOpen runs once the handshake has been sent, before Connect returns.
	OnOpen func()

	// OnClose runs when the relay closes the socket or a read or write fails.
	// It does not run after a local Close.
	OnClose func()

	// OnError runs before OnClose when the socket failed abnormally. The
	// error wraps ErrConnection.
	OnError func(error)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Channel.
type Option func(*Channel)

// WithHeader adds an HTTP header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(c *Channel) { c.header.Add(key, value) }
}

// WithDialTimeout bounds how long Connect waits for the socket to open.
// Default: 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithSessionConfig replaces the session.update payload sent on open.
// Default: [DefaultSessionConfig].
func WithSessionConfig(cfg SessionConfig) Option {
	return func(c *Channel) { c.session = cfg }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// ── Channel ────────────────────────────────────────────────────────────────────

// Channel is a realtime connection to the relay. All methods are safe for
// concurrent use, and Send and Close may be called from inside handlers.
type Channel struct {
	url         string
	header      http.Header
	dialTimeout time.Duration
	session     SessionConfig
	logger      *slog.Logger
	metrics     *observe.Metrics

	mu        sync.Mutex
	handlers  Handlers
	lifecycle Lifecycle
	status    Status
	link      *link
	closed    bool
}

// link is one open socket and its goroutines.
type link struct {
	ws      *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan frame
	flush   chan struct{} // closed by Close to drain out and stop the writer
	flushed chan struct{} // closed when the writer returns
	once    sync.Once
}

type frame struct {
	kind websocket.MessageType
	data []byte
	typ  string
}

// New creates a disconnected Channel for url with the given handler table and
// lifecycle callbacks. The maps are copied.
func New(url string, handlers Handlers, lc Lifecycle, opts ...Option) *Channel {
	c := &Channel{
		url:         url,
		header:      make(http.Header),
		dialTimeout: defaultDialTimeout,
		session:     DefaultSessionConfig(),
		handlers:    make(Handlers, len(handlers)),
		lifecycle:   lc,
	}
	for k, h := range handlers {
		c.handlers[k] = h
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Connect opens the socket, sends session.update and response.create, calls
// Lifecycle.OnOpen and starts dispatching inbound messages. Errors opening
// the socket or sending the handshake wrap [ErrConnection].
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.status != StatusDisconnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "transport.connect")
	defer span.End()
	start := time.Now()

	ws, err := c.dial(ctx)
	if err != nil {
		c.setStatus(StatusDisconnected)
		span.RecordError(err)
		c.metrics.RecordTransportError(ctx, "dial")
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	if err := c.handshake(ctx, ws); err != nil {
		ws.Close(websocket.StatusInternalError, "handshake failed")
		c.setStatus(StatusDisconnected)
		span.RecordError(err)
		return fmt.Errorf("%w: handshake: %w", ErrConnection, err)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	l := &link{
		ws:      ws,
		ctx:     linkCtx,
		cancel:  cancel,
		out:     make(chan frame, outboundQueue),
		flush:   make(chan struct{}),
		flushed: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		ws.Close(websocket.StatusNormalClosure, "channel closed")
		return ErrClosed
	}
	c.link = l
	c.status = StatusConnected
	onOpen := c.lifecycle.OnOpen
	c.mu.Unlock()

	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	c.logger.Info("realtime channel open", "url", c.url, "elapsed", time.Since(start))

	go c.writeLoop(l)
	if onOpen != nil {
		onOpen()
	}
	go c.readLoop(l)
	return nil
}

// Send queues msg for the writer goroutine. A []byte is sent as a binary
// frame; anything else is JSON encoded and sent as text. When the channel is
// not open Send logs a warning and does nothing.
func (c *Channel) Send(msg any) {
	f, err := encode(msg)
	if err != nil {
		c.logger.Warn("transport: cannot encode message", "err", err)
		c.metrics.RecordTransportError(context.Background(), "encode")
		return
	}

	c.mu.Lock()
	l := c.link
	open := c.status == StatusConnected
	c.mu.Unlock()

	if !open || l == nil {
		c.logger.Warn("transport: channel not open, dropping message", "type", f.typ)
		c.metrics.RecordTransportError(context.Background(), "not_open")
		return
	}
	select {
	case l.out <- f:
	case <-l.ctx.Done():
	}
}

// Status returns the connection state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the channel is open.
func (c *Channel) Connected() bool { return c.Status() == StatusConnected }

// Close writes any queued messages, closes the socket and clears every
// handler and lifecycle callback. Idempotent. It does not wait for an
// in-flight handler to return, so it is safe to call from inside one.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = nil
	c.lifecycle = Lifecycle{}
	l := c.link
	c.link = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	if l != nil {
		l.once.Do(func() {
			close(l.flush)
			select {
			case <-l.flushed:
			case <-time.After(flushTimeout):
				c.logger.Warn("transport: outbound queue not drained before close")
			}
			l.cancel()
			l.ws.Close(websocket.StatusNormalClosure, "session closed")
		})
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: c.header.Clone(),
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(readLimit)
	return ws, nil
}

// handshake writes the session handshake directly, ahead of anything the
// caller may queue.
func (c *Channel) handshake(ctx context.Context, ws *websocket.Conn) error {
	for _, msg := range []any{
		SessionUpdate{Type: "session.update", Session: c.session},
		NewResponseCreate(),
	} {
		f, err := encode(msg)
		if err != nil {
			return err
		}
		if err := ws.Write(ctx, f.kind, f.data); err != nil {
			return err
		}
		c.metrics.RecordMessage(ctx, "out", f.typ)
	}
	c.metrics.RecordResponse(ctx, "handshake")
	return nil
}

func (c *Channel) writeLoop(l *link) {
	defer close(l.flushed)
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.flush:
			for {
				select {
				case f := <-l.out:
					if !c.write(l, f) {
						return
					}
				default:
					return
				}
			}
		case f := <-l.out:
			if !c.write(l, f) {
				return
			}
		}
	}
}

// write sends one frame and reports whether the writer should continue.
func (c *Channel) write(l *link, f frame) bool {
	if err := l.ws.Write(l.ctx, f.kind, f.data); err != nil {
		if l.ctx.Err() == nil {
			go c.fail(l, fmt.Errorf("write: %w", err))
		}
		return false
	}
	c.metrics.RecordMessage(l.ctx, "out", f.typ)
	return true
}

func (c *Channel) readLoop(l *link) {
	for {
		kind, data, err := l.ws.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				c.fail(l, err)
			}
			return
		}
		c.dispatch(kind, data)
	}
}

// fail tears down l after a read or write error and fires the lifecycle
// callbacks once.
func (c *Channel) fail(l *link, err error) {
	fired := false
	l.once.Do(func() {
		fired = true
		l.cancel()
		l.ws.Close(websocket.StatusNormalClosure, "")
	})
	if !fired {
		return
	}

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.status = StatusDisconnected
	lc := c.lifecycle
	c.mu.Unlock()

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		c.logger.Info("realtime channel closed by relay")
	default:
		err = fmt.Errorf("%w: %w", ErrConnection, err)
		c.logger.Error("realtime channel failed", "err", err)
		c.metrics.RecordTransportError(context.Background(), "socket")
		if lc.OnError != nil {
			lc.OnError(err)
		}
	}
	if lc.OnClose != nil {
		lc.OnClose()
	}
}

func (c *Channel) dispatch(kind websocket.MessageType, data []byte) {
	ctx := context.Background()
	if kind == websocket.MessageBinary {
		c.metrics.RecordMessage(ctx, "in", TypeAudio)
		c.invoke(TypeAudio, Event{Type: TypeAudio, Binary: data})
		return
	}

	ev, err := ParseEvent(data)
	if err != nil {
		c.logger.Warn("transport: dropping message", "err", fmt.Errorf("%w: %w", ErrProtocol, err))
		c.metrics.RecordTransportError(ctx, "protocol")
		return
	}
	c.metrics.RecordMessage(ctx, "in", ev.Type)
	c.invoke(ev.Type, ev)
	c.invoke(TypeAny, ev)
}

// invoke runs the handler for key. A panicking handler is logged and the
// message dropped; the session continues.
func (c *Channel) invoke(key string, ev Event) {
	c.mu.Lock()
	h := c.handlers[key]
	c.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("transport: handler panicked", "type", ev.Type, "handler", key, "panic", r)
			c.metrics.RecordTransportError(context.Background(), "handler")
		}
	}()
	h(ev)
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// encode turns an outbound message into a frame.
func encode(msg any) (frame, error) {
	switch m := msg.(type) {
	case []byte:
		return frame{kind: websocket.MessageBinary, data: m, typ: "audio"}, nil
	case nil:
		return frame{}, errors.New("transport: nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return frame{}, fmt.Errorf("transport: marshal: %w", err)
	}
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &head)
	typ := head.Type
	if typ == "" {
		typ = "unknown"
	}
	return frame{kind: websocket.MessageText, data: data, typ: typ}, nil
}
