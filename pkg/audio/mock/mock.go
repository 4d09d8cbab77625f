// Package mock provides in-memory implementations of [capture.Source] and
// [playback.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource()
//	eng := capture.New(src, capture.WithFrameSize(4))
//	_ = eng.Start(ctx, onChunk, onSpeaking)
//	src.Push([]float32{0.5, 0.5, 0.5, 0.5})
//
//	sink := mock.NewSink()
//	pb := playback.New(sink)
//	pb.Enqueue(buf)
//	sink.WaitScheduled(1, time.Second)
//	sink.Advance(time.Second)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fulgencio/kiosk/pkg/audio/capture"
	"github.com/fulgencio/kiosk/pkg/audio/playback"
)

var (
	_ capture.Source = (*Source)(nil)
	_ playback.Sink  = (*Sink)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock microphone. Frames pushed with [Source.Push] are returned
// by Read in order; Read blocks until a frame, a failure, or cancellation.
type Source struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// CloseErr is returned by Close.
	CloseErr error

	// OpenedWith records the config of the last Open call.
	OpenedWith capture.SourceConfig

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	frames chan []float32
	errs   chan error
}

// NewSource returns a Source with room for 64 pending frames.
func NewSource() *Source {
	return &Source{
		frames: make(chan []float32, 64),
		errs:   make(chan error, 1),
	}
}

// Push queues one frame for Read.
func (s *Source) Push(frame []float32) { s.frames <- frame }

// Fail makes the next Read return err.
func (s *Source) Fail(err error) { s.errs <- err }

// Open implements [capture.Source].
func (s *Source) Open(_ context.Context, cfg capture.SourceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	s.OpenedWith = cfg
	return s.OpenErr
}

// Read implements [capture.Source]. A pushed frame shorter than buf is padded
// with zeros.
func (s *Source) Read(ctx context.Context, buf []float32) error {
	s.mu.Lock()
	s.CallCountRead++
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.errs:
		return err
	case f := <-s.frames:
		n := copy(buf, f)
		clear(buf[n:])
		return nil
	}
}

// Close implements [capture.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseErr
}

// Closes returns CallCountClose under the lock.
func (s *Source) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// ScheduledBuffer records one [Sink.Schedule] call.
type ScheduledBuffer struct {
	Samples []float32
	At      time.Duration
	End     time.Duration
	Stopped bool
}

// Sink is a mock speaker driven by a manual clock. Buffers complete when
// [Sink.Advance] moves the clock past their end.
type Sink struct {
	mu   sync.Mutex
	cond *sync.Cond

	// Rate is the sample rate used to compute buffer ends. Default 24000.
	Rate int

	// ScheduleErrs are returned by successive Schedule calls, in order, until
	// exhausted. A nil entry means success.
	ScheduleErrs []error

	// CallCountSchedule records how many times Schedule was called.
	CallCountSchedule int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now     time.Duration
	buffers []ScheduledBuffer
	handles []*handle
}

// NewSink returns a Sink at time zero.
func NewSink() *Sink {
	s := &Sink{Rate: 24000}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Now implements [playback.Sink].
func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule implements [playback.Sink].
func (s *Sink) Schedule(buf []float32, at time.Duration) (playback.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountSchedule++
	defer s.cond.Broadcast()

	if len(s.ScheduleErrs) > 0 {
		err := s.ScheduleErrs[0]
		s.ScheduleErrs = s.ScheduleErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	end := at + time.Duration(len(buf))*time.Second/time.Duration(s.Rate)
	h := &handle{sink: s, idx: len(s.buffers), done: make(chan struct{})}
	s.buffers = append(s.buffers, ScheduledBuffer{Samples: buf, At: at, End: end})
	s.handles = append(s.handles, h)
	if end <= s.now {
		h.closeLocked()
	}
	return h, nil
}

// Close implements [playback.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Advance moves the clock forward by d and completes every buffer whose end
// has passed.
func (s *Sink) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
	for i, h := range s.handles {
		if s.buffers[i].End <= s.now {
			h.closeLocked()
		}
	}
}

// Buffers returns a copy of every scheduled buffer in call order.
func (s *Sink) Buffers() []ScheduledBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScheduledBuffer(nil), s.buffers...)
}

// WaitScheduled blocks until at least n Schedule calls have happened or
// timeout elapses. It reports whether n was reached.
func (s *Sink) WaitScheduled(n int, timeout time.Duration) bool {
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.CallCountSchedule < n {
		if !time.Now().Before(deadline) {
			return false
		}
		s.cond.Wait()
	}
	return true
}

// handle is the mock [playback.Handle].
type handle struct {
	sink   *Sink
	idx    int
	done   chan struct{}
	closed bool
}

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Err() error { return nil }

func (h *handle) Stop() {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if !h.closed {
		h.sink.buffers[h.idx].Stopped = true
	}
	h.closeLocked()
}

func (h *handle) closeLocked() {
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

// ErrDenied is a convenience error for simulating a refused microphone.
var ErrDenied = errors.New("mock: permission denied")
