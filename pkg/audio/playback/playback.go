// Package playback sequences assistant audio onto a speaker [Sink].
//
// Buffers are played strictly in arrival order. The driver goroutine
// dequeues one buffer at a time and schedules it at max(now, end of the
// previous buffer), so consecutive buffers are gapless and nothing is
// scheduled in the past. [Engine.StopAll] implements barge-in: it halts every
// scheduled buffer and drops the queue synchronously.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fulgencio/kiosk/internal/observe"
	"github.com/fulgencio/kiosk/pkg/audio"
)

// ErrPlayback marks a buffer the sink failed to play. The buffer is skipped
// and playback continues with the next one.
var ErrPlayback = errors.New("playback: buffer failed")

// Handle is one scheduled buffer.
type Handle interface {
	// Done is closed when the buffer finished, failed or was stopped.
	Done() <-chan struct{}

	// Stop halts the buffer immediately. Idempotent.
	Stop()

	// Err reports a failure after scheduling, or nil.
	Err() error
}

// Sink is a speaker device with its own clock.
type Sink interface {
	// Now returns the sink's current position on its timeline.
	Now() time.Duration

	// Schedule arranges for buf to start playing at at. It must not block.
	Schedule(buf []float32, at time.Duration) (Handle, error)

	// Close releases the device.
	Close() error
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithFormat sets the format of enqueued buffers, used to compute their
// duration. Default: [audio.DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(e *Engine) { e.format = f }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// ── Engine ─────────────────────────────────────────────────────────────────────

// Engine owns the playback queue. All exported methods are safe for
// concurrent use.
type Engine struct {
	sink    Sink
	format  audio.Format
	metrics *observe.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	queue      [][]float32
	scheduled  map[uint64]Handle
	nextID     uint64
	nextStart  time.Duration
	playing    bool
	generation uint64 // bumped by StopAll
	onActivity func(bool)
	lastActive bool

	notify chan struct{} // signalled when a buffer is enqueued
	done   chan struct{} // closed by Close to stop the driver
	exited chan struct{} // closed when the driver returns
	closed bool
}

// New creates an Engine playing through sink and starts its driver
// goroutine. Call [Engine.Close] to stop it.
func New(sink Sink, opts ...Option) *Engine {
	e := &Engine{
		sink:      sink,
		format:    audio.DefaultFormat,
		scheduled: make(map[uint64]Handle),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	go e.drive()
	return e
}

// Enqueue appends buf to the queue and wakes the driver. Empty buffers are
// ignored.
func (e *Engine) Enqueue(buf []float32) {
	if len(buf) == 0 {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, buf)
	e.playing = true
	cb, active := e.activityLocked()
	e.mu.Unlock()

	if cb != nil {
		cb(active)
	}
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// StopAll halts every scheduled buffer, discards the queue and resets the
// schedule. Safe to call at any time, including when idle.
func (e *Engine) StopAll() {
	e.mu.Lock()
	handles := make([]Handle, 0, len(e.scheduled))
	for id, h := range e.scheduled {
		handles = append(handles, h)
		delete(e.scheduled, id)
	}
	dropped := len(e.queue)
	e.queue = nil
	e.nextStart = 0
	e.playing = false
	e.generation++
	cb, active := e.activityLocked()
	e.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	if len(handles) > 0 || dropped > 0 {
		e.logger.Debug("playback stopped", "scheduled", len(handles), "dropped", dropped)
	}
	if cb != nil {
		cb(active)
	}
}

// HasActiveAudio reports whether the driver is running, the queue is
// non-empty, or any buffer is scheduled.
func (e *Engine) HasActiveAudio() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeLocked()
}

// OnActivityChange registers fn to be called whenever HasActiveAudio flips.
// Only one callback is kept; fn runs on the goroutine causing the change and
// must not call back into the Engine.
func (e *Engine) OnActivityChange(fn func(active bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onActivity = fn
	e.lastActive = e.activeLocked()
}

// Close stops all playback and the driver goroutine, then closes the sink.
// Idempotent.
func (e *Engine) Close() error {
	e.StopAll()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	<-e.exited
	return e.sink.Close()
}

func (e *Engine) activeLocked() bool {
	return e.playing || len(e.queue) > 0 || len(e.scheduled) > 0
}

// activityLocked returns the callback to invoke, if the activity flipped since
// the last notification. Must be called with e.mu held.
func (e *Engine) activityLocked() (func(bool), bool) {
	active := e.activeLocked()
	if active == e.lastActive {
		return nil, active
	}
	e.lastActive = active
	return e.onActivity, active
}

// drive is the background goroutine that pulls buffers from the queue and
// schedules them on the sink. It runs until [Engine.Close] is called.
func (e *Engine) drive() {
	defer close(e.exited)
	for {
		select {
		case <-e.done:
			return
		case <-e.notify:
		}
		for e.playNext() {
		}
	}
}

// playNext schedules the head of the queue and waits for it to finish.
// Returns false when the queue is empty or the engine is closed.
func (e *Engine) playNext() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if len(e.queue) == 0 {
		e.playing = false
		cb, active := e.activityLocked()
		e.mu.Unlock()
		if cb != nil {
			cb(active)
		}
		return false
	}

	buf := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]

	start := max(e.sink.Now(), e.nextStart)
	gen := e.generation
	h, err := e.sink.Schedule(buf, start)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("playback: skipping buffer", "err", errors.Join(ErrPlayback, err))
		e.metrics.RecordPlayback(context.Background(), "failed")
		return true
	}
	id := e.nextID
	e.nextID++
	e.scheduled[id] = h
	e.nextStart = start + e.format.Duration(len(buf))
	e.mu.Unlock()

	select {
	case <-h.Done():
	case <-e.done:
		h.Stop()
		return false
	}

	e.mu.Lock()
	delete(e.scheduled, id)
	stopped := gen != e.generation
	e.mu.Unlock()

	switch {
	case h.Err() != nil:
		e.logger.Warn("playback: buffer failed", "err", errors.Join(ErrPlayback, h.Err()))
		e.metrics.RecordPlayback(context.Background(), "failed")
	case stopped:
		e.metrics.RecordPlayback(context.Background(), "stopped")
	default:
		e.metrics.RecordPlayback(context.Background(), "played")
	}
	return true
}
