// Package capture owns the microphone stream. It reads fixed-size frames from
// a [Source], tracks the audio level, classifies speech against a threshold and
// hands each frame to the caller as little-endian PCM16.
//
// Typical use:
//
//	eng := capture.New(capture.NewPortAudioSource(""))
//	err := eng.Start(ctx, sendChunk, func(is, was bool) { ... })
//	if errors.Is(err, capture.ErrDeviceAccess) {
//	    // surface to the visitor; do not enter the recording state
//	}
//	defer eng.Stop()
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/fulgencio/kiosk/internal/observe"
	"github.com/fulgencio/kiosk/pkg/audio"
)

var (
	// ErrDeviceAccess is returned by [Engine.Start] when the microphone is
	// missing or access to it was denied.
	ErrDeviceAccess = errors.New("capture: microphone unavailable")

	// ErrAlreadyStarted is returned by [Engine.Start] when the engine is
	// already running.
	ErrAlreadyStarted = errors.New("capture: already started")
)

const (
	// DefaultFrameSize is the number of samples per captured frame.
	DefaultFrameSize = 4096

	// DefaultThreshold is the mean absolute level above which a frame counts
	// as speech.
	DefaultThreshold = 0.005
)

// SourceConfig describes the stream requested from a [Source].
type SourceConfig struct {
	Format           audio.Format
	FrameSize        int
	EchoCancellation bool
	NoiseSuppression bool
}

// Source is a blocking microphone stream.
type Source interface {
	// Open acquires the device. Errors are wrapped with ErrDeviceAccess by the
	// engine.
	Open(ctx context.Context, cfg SourceConfig) error

	// Read fills buf with exactly len(buf) mono samples in cfg.Format. It
	// returns ctx.Err() once ctx is cancelled.
	Read(ctx context.Context, buf []float32) error

	// Close releases the device. Called once per successful Open.
	Close() error
}

// ChunkFunc receives each captured frame encoded as little-endian PCM16.
type ChunkFunc func(chunk []byte)

// SpeakingFunc is called only when the speaking classification changes.
type SpeakingFunc func(isSpeaking, wasSpeaking bool)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithThreshold sets the speaking threshold. Default: [DefaultThreshold].
func WithThreshold(threshold float64) Option {
	return func(e *Engine) { e.threshold.Store(math.Float64bits(threshold)) }
}

// WithFrameSize sets the number of samples per frame. Default: [DefaultFrameSize].
func WithFrameSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.frameSize = n
		}
	}
}

// WithFormat sets the capture format. Default: [audio.DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(e *Engine) { e.format = f }
}

// WithErrorHandler registers a callback for read failures that end the
// capture loop after a successful Start.
func WithErrorHandler(fn func(error)) Option {
	return func(e *Engine) { e.onError = fn }
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

// Engine runs the capture loop. All methods are safe for concurrent use, but
// Stop must not be called from inside a ChunkFunc or SpeakingFunc.
type Engine struct {
	source    Source
	format    audio.Format
	frameSize int
	onError   func(error)
	metrics   *observe.Metrics
	logger    *slog.Logger

	threshold atomic.Uint64 // float64 bits
	level     atomic.Uint64 // float64 bits
	speaking  atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an Engine reading from src.
func New(src Source, opts ...Option) *Engine {
	e := &Engine{
		source:    src,
		format:    audio.DefaultFormat,
		frameSize: DefaultFrameSize,
	}
	e.threshold.Store(math.Float64bits(DefaultThreshold))
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Start opens the source and begins the capture loop. When the source cannot
// be opened the returned error wraps [ErrDeviceAccess] and the engine stays
// stopped. ctx bounds only the open; the loop runs until [Engine.Stop].
func (e *Engine) Start(ctx context.Context, onChunk ChunkFunc, onSpeakingChange SpeakingFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyStarted
	}

	cfg := SourceConfig{
		Format:           e.format,
		FrameSize:        e.frameSize,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
	if err := e.source.Open(ctx, cfg); err != nil {
		if errors.Is(err, ErrDeviceAccess) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDeviceAccess, err)
	}

	e.level.Store(0)
	e.speaking.Store(false)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.running = true
	e.cancel = cancel
	e.done = done

	go e.run(loopCtx, done, onChunk, onSpeakingChange)

	e.logger.Info("capture started",
		"format", e.format.String(),
		"frame_size", e.frameSize,
		"threshold", e.Threshold())
	return nil
}

// Stop ends the capture loop and releases the device. Idempotent; safe to call
// when never started.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	cancel()
	<-done
	if err := e.source.Close(); err != nil {
		e.logger.Warn("capture: close source", "err", err)
	}

	e.level.Store(0)
	e.speaking.Store(false)
	e.logger.Info("capture stopped")
}

// Running reports whether the engine has been started and not yet stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// IsSpeaking returns the classification of the last frame.
func (e *Engine) IsSpeaking() bool { return e.speaking.Load() }

// Level returns the audio level of the last frame.
func (e *Engine) Level() float64 { return math.Float64frombits(e.level.Load()) }

// Threshold returns the current speaking threshold.
func (e *Engine) Threshold() float64 { return math.Float64frombits(e.threshold.Load()) }

// SetThreshold replaces the speaking threshold. It takes effect on the next
// frame, including while the loop is running.
func (e *Engine) SetThreshold(threshold float64) {
	e.threshold.Store(math.Float64bits(threshold))
}

func (e *Engine) run(ctx context.Context, done chan struct{}, onChunk ChunkFunc, onSpeakingChange SpeakingFunc) {
	defer close(done)

	det := Detector{}
	buf := make([]float32, e.frameSize)
	for {
		if err := e.source.Read(ctx, buf); err != nil {
			if ctx.Err() != nil {
				return
			}
			err = fmt.Errorf("capture: read: %w", err)
			e.logger.Error("capture loop ended", "err", err)
			if e.onError != nil {
				e.onError(err)
			}
			return
		}

		level := audio.AudioLevel(buf)
		e.level.Store(math.Float64bits(level))

		det.Threshold = e.Threshold()
		ev := det.Process(level)
		e.speaking.Store(det.Speaking())
		if ev.Type.Transition() && onSpeakingChange != nil {
			onSpeakingChange(ev.Type == SpeechStart, ev.Type == SpeechEnd)
		}

		if onChunk != nil {
			onChunk(audio.FloatToBytes(buf))
		}
		e.metrics.CaptureFrames.Add(ctx, 1)
	}
}
