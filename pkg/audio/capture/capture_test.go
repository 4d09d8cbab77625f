package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fulgencio/kiosk/pkg/audio"
	"github.com/fulgencio/kiosk/pkg/audio/capture"
	"github.com/fulgencio/kiosk/pkg/audio/mock"
)

func frame(v float32, n int) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = v
	}
	return f
}

type recorder struct {
	mu          sync.Mutex
	chunks      [][]byte
	transitions [][2]bool
	got         chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 64)} }

func (r *recorder) onChunk(c []byte) {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) onSpeaking(is, was bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]bool{is, was})
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for chunk")
		}
	}
}

func TestEngine_ForwardsChunksAndTransitions(t *testing.T) {
	t.Parallel()
	src := mock.NewSource()
	eng := capture.New(src, capture.WithFrameSize(4))
	rec := newRecorder()

	if err := eng.Start(context.Background(), rec.onChunk, rec.onSpeaking); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	src.Push(frame(0, 4))     // silence
	src.Push(frame(0.5, 4))   // speech start
	src.Push(frame(0.5, 4))   // continue
	src.Push(frame(0.001, 4)) // speech end
	rec.wait(t, 4)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(rec.chunks))
	}
	for i, c := range rec.chunks {
		if len(c) != 8 {
			t.Errorf("chunk %d has %d bytes, want 8", i, len(c))
		}
	}
	if got := audio.PCM16ToFloat(audio.DecodePCM16(rec.chunks[1]))[0]; got < 0.49 || got > 0.51 {
		t.Errorf("decoded sample = %v, want ~0.5", got)
	}
	want := [][2]bool{{true, false}, {false, true}}
	if len(rec.transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", rec.transitions, want)
	}
	for i := range want {
		if rec.transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, rec.transitions[i], want[i])
		}
	}
}

func TestEngine_LevelAndSpeaking(t *testing.T) {
	t.Parallel()
	src := mock.NewSource()
	eng := capture.New(src, capture.WithFrameSize(4))
	rec := newRecorder()

	if err := eng.Start(context.Background(), rec.onChunk, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Push([]float32{0.5, -0.5, 0.5, -0.5})
	rec.wait(t, 1)

	if got := eng.Level(); got != 0.5 {
		t.Errorf("Level() = %v, want 0.5", got)
	}
	if !eng.IsSpeaking() {
		t.Error("IsSpeaking() = false, want true")
	}

	eng.Stop()
	if eng.Level() != 0 || eng.IsSpeaking() {
		t.Errorf("after Stop: Level=%v IsSpeaking=%v, want 0/false", eng.Level(), eng.IsSpeaking())
	}
}

func TestEngine_ThresholdIsStrict(t *testing.T) {
	t.Parallel()
	src := mock.NewSource()
	eng := capture.New(src, capture.WithFrameSize(2), capture.WithThreshold(0.25))
	rec := newRecorder()

	if err := eng.Start(context.Background(), rec.onChunk, rec.onSpeaking); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	src.Push(frame(0.25, 2))
	rec.wait(t, 1)
	if eng.IsSpeaking() {
		t.Error("level equal to threshold classified as speech")
	}

	eng.SetThreshold(0.1)
	src.Push(frame(0.25, 2))
	rec.wait(t, 1)
	if !eng.IsSpeaking() {
		t.Error("SetThreshold did not take effect on the running loop")
	}
}

func TestEngine_DeviceAccessFailure(t *testing.T) {
	t.Parallel()
	src := mock.NewSource()
	src.OpenErr = mock.ErrDenied
	eng := capture.New(src)

	err := eng.Start(context.Background(), nil, nil)
	if !errors.Is(err, capture.ErrDeviceAccess) {
		t.Fatalf("err = %v, want ErrDeviceAccess", err)
	}
	if !errors.Is(err, mock.ErrDenied) {
		t.Errorf("err = %v, want cause wrapped", err)
	}
	if eng.Running() {
		t.Error("Running() = true after failed Start")
	}
	eng.Stop()
	if src.Closes() != 0 {
		t.Errorf("Close called %d times on a source that never opened", src.Closes())
	}
}

func TestEngine_StartTwice(t *testing.T) {
	t.Parallel()
	src := mock.NewSource()
	eng := capture.New(src)

	if err := eng.Start(context.Background(), nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()
	if err := eng.Start(context.Background(), nil, nil); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v, want ErrAlreadyStarted", err)
	}
}

func TestEngine_StopIdempotent(t *testing.T) {
	t.Parallel()
	src := mock.NewSource()
	eng := capture.New(src)

	eng.Stop() // never started
	if err := eng.Start(context.Background(), nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eng.Stop()
	eng.Stop()

	if src.Closes() != 1 {
		t.Errorf("Close called %d times, want 1", src.Closes())
	}
	if eng.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestEngine_ReadErrorEndsLoop(t *testing.T) {
	t.Parallel()
	src := mock.NewSource()
	errCh := make(chan error, 1)
	eng := capture.New(src, capture.WithErrorHandler(func(err error) { errCh <- err }))

	if err := eng.Start(context.Background(), nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	boom := errors.New("device unplugged")
	src.Fail(boom)
	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
}

func TestEngine_RequestsWireFormat(t *testing.T) {
	t.Parallel()
	src := mock.NewSource()
	eng := capture.New(src)

	if err := eng.Start(context.Background(), nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	cfg := src.OpenedWith
	if cfg.Format != audio.DefaultFormat {
		t.Errorf("Format = %v, want %v", cfg.Format, audio.DefaultFormat)
	}
	if cfg.FrameSize != capture.DefaultFrameSize {
		t.Errorf("FrameSize = %d, want %d", cfg.FrameSize, capture.DefaultFrameSize)
	}
	if !cfg.EchoCancellation || !cfg.NoiseSuppression {
		t.Error("echo cancellation and noise suppression should be requested")
	}
}
