package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fulgencio/kiosk/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

var _ Sink = (*PortAudioSink)(nil)

// errSinkBusy is returned by Schedule when the writer's backlog is full.
var errSinkBusy = errors.New("playback: sink backlog full")

// sinkBacklog bounds how many buffers may wait for the writer goroutine.
const sinkBacklog = 8

// PortAudioSink plays buffers through PortAudio's blocking write API. A
// single writer goroutine owns the stream; Schedule only hands buffers over.
//
// The sink's clock is wall time since Open. A buffer scheduled in the future
// is preceded by silence; one scheduled in the past starts immediately.
type PortAudioSink struct {
	format audio.Format
	epoch  time.Time

	stream *portaudio.Stream
	devBuf []float32
	conv   *audio.Converter

	items     chan *paHandle
	quit      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// OpenPortAudioSink opens the output device whose name contains deviceName,
// or the default output device when deviceName is empty. Buffers handed to
// Schedule are in format; if the device rejects it the stream is reopened at
// the device's default rate and stereo, and buffers are converted.
func OpenPortAudioSink(deviceName string, format audio.Format, framesPerBuffer int) (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("playback: portaudio init: %w", err)
	}
	dev, err := findOutputDevice(deviceName)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	stream, devFormat, devBuf, err := openOutput(dev, format, framesPerBuffer)
	if err != nil {
		slog.Warn("playback: device rejected wire format, retrying at device default",
			"device", dev.Name, "format", format.String(), "err", err)
		fallback := audio.Format{SampleRate: int(dev.DefaultSampleRate), Channels: min(2, dev.MaxOutputChannels)}
		frames := framesPerBuffer * fallback.SampleRate / format.SampleRate
		stream, devFormat, devBuf, err = openOutput(dev, fallback, frames)
		if err != nil {
			portaudio.Terminate()
			return nil, fmt.Errorf("playback: open %q: %w", dev.Name, err)
		}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("playback: start %q: %w", dev.Name, err)
	}

	s := &PortAudioSink{
		format: format,
		epoch:  time.Now(),
		stream: stream,
		devBuf: devBuf,
		conv:   &audio.Converter{From: format, To: devFormat},
		items:  make(chan *paHandle, sinkBacklog),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.write()
	slog.Info("playback device opened", "device", dev.Name, "format", devFormat.String())
	return s, nil
}

// Now returns the time elapsed since the sink was opened.
func (s *PortAudioSink) Now() time.Duration { return time.Since(s.epoch) }

// Schedule queues buf for the writer goroutine.
func (s *PortAudioSink) Schedule(buf []float32, at time.Duration) (Handle, error) {
	h := &paHandle{samples: buf, at: at, done: make(chan struct{})}
	select {
	case <-s.quit:
		return nil, errors.New("playback: sink closed")
	default:
	}
	select {
	case s.items <- h:
		return h, nil
	default:
		return nil, errSinkBusy
	}
}

// Close stops the writer, the stream and PortAudio. Pending handles are
// stopped. Idempotent.
func (s *PortAudioSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.exited
		err := s.stream.Stop()
		if cerr := s.stream.Close(); cerr != nil && err == nil {
			err = cerr
		}
		portaudio.Terminate()
		s.closeErr = err
	})
	return s.closeErr
}

func (s *PortAudioSink) write() {
	defer close(s.exited)
	var writtenEnd time.Duration
	for {
		var h *paHandle
		select {
		case <-s.quit:
			s.drainPending()
			return
		case h = <-s.items:
		}
		if h.stopped() {
			continue
		}

		// The device consumes in real time, so falling behind wall clock means
		// the timeline restarts at now.
		writtenEnd = max(writtenEnd, s.Now())
		if gap := h.at - writtenEnd; gap > 0 {
			n := int(gap.Seconds()*float64(s.format.SampleRate)) * s.format.Channels
			if err := s.play(h, make([]float32, n)); err != nil {
				h.finish(err)
				continue
			}
			writtenEnd = h.at
		}

		err := s.play(h, h.samples)
		writtenEnd += s.format.Duration(len(h.samples))
		h.finish(err)
	}
}

// play writes samples in device-sized chunks, checking for Stop between
// chunks.
func (s *PortAudioSink) play(h *paHandle, samples []float32) error {
	out := s.conv.Convert(samples)
	for len(out) > 0 {
		if h.stopped() {
			return nil
		}
		select {
		case <-s.quit:
			return nil
		default:
		}
		n := copy(s.devBuf, out)
		clear(s.devBuf[n:])
		out = out[n:]
		if err := s.stream.Write(); err != nil && err != portaudio.OutputUnderflowed {
			return err
		}
	}
	return nil
}

func (s *PortAudioSink) drainPending() {
	for {
		select {
		case h := <-s.items:
			h.Stop()
		default:
			return
		}
	}
}

type paHandle struct {
	samples []float32
	at      time.Duration

	mu   sync.Mutex
	err  error
	halt bool
	once sync.Once
	done chan struct{}
}

func (h *paHandle) Done() <-chan struct{} { return h.done }

func (h *paHandle) Stop() {
	h.mu.Lock()
	h.halt = true
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

func (h *paHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *paHandle) stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.halt
}

func (h *paHandle) finish(err error) {
	h.mu.Lock()
	if !h.halt {
		h.err = err
	}
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

func openOutput(dev *portaudio.DeviceInfo, f audio.Format, frames int) (*portaudio.Stream, audio.Format, []float32, error) {
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = f.Channels
	params.SampleRate = float64(f.SampleRate)
	params.FramesPerBuffer = frames

	buf := make([]float32, frames*f.Channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, audio.Format{}, nil, err
	}
	return stream, f, buf, nil
}

func findOutputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("playback: default output device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("playback: list devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxOutputChannels > 0 && strings.Contains(d.Name, name) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("playback: no output device matching %q", name)
}
