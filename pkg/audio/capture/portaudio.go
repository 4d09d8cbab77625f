package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fulgencio/kiosk/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

var _ Source = (*PortAudioSource)(nil)

// PortAudioSource reads the microphone through PortAudio's blocking API.
//
// PortAudio has no echo cancellation or noise suppression of its own; those
// requests are left to the OS audio stack (e.g. a PulseAudio echo-cancel
// source selected by name).
type PortAudioSource struct {
	deviceName string

	stream *portaudio.Stream
	devBuf []float32
	conv   *audio.Converter
}

// NewPortAudioSource returns a source for the input device whose name contains
// deviceName, or the default input device when deviceName is empty.
func NewPortAudioSource(deviceName string) *PortAudioSource {
	return &PortAudioSource{deviceName: deviceName}
}

// Open initialises PortAudio and starts an input stream. If the device
// rejects cfg.Format's sample rate, the stream is reopened at the device's
// default rate and frames are resampled.
func (s *PortAudioSource) Open(_ context.Context, cfg SourceConfig) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("capture: portaudio init: %w", err)
	}

	dev, err := findInputDevice(s.deviceName)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	if cfg.EchoCancellation || cfg.NoiseSuppression {
		slog.Debug("capture: echo cancellation and noise suppression are delegated to the OS",
			"device", dev.Name)
	}

	stream, devFormat, devBuf, err := openInput(dev, cfg.Format.SampleRate, cfg.FrameSize)
	if err != nil {
		slog.Warn("capture: device rejected wire rate, retrying at device default",
			"device", dev.Name, "rate", cfg.Format.SampleRate, "err", err)
		rate := int(dev.DefaultSampleRate)
		frames := cfg.FrameSize * rate / cfg.Format.SampleRate
		stream, devFormat, devBuf, err = openInput(dev, rate, frames)
		if err != nil {
			portaudio.Terminate()
			return fmt.Errorf("capture: open %q: %w", dev.Name, err)
		}
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("capture: start %q: %w", dev.Name, err)
	}

	s.stream = stream
	s.devBuf = devBuf
	s.conv = &audio.Converter{From: devFormat, To: audio.Format{SampleRate: cfg.Format.SampleRate, Channels: 1}}
	slog.Info("capture device opened", "device", dev.Name, "format", devFormat.String())
	return nil
}

// Read blocks for one device buffer and converts it into buf.
func (s *PortAudioSource) Read(ctx context.Context, buf []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.stream.Read(); err != nil {
		// Overflow only means the loop fell behind; the data is still usable.
		if err != portaudio.InputOverflowed {
			return err
		}
	}
	out := s.conv.Convert(s.devBuf)
	n := copy(buf, out)
	clear(buf[n:])
	return ctx.Err()
}

// Close stops the stream and releases PortAudio.
func (s *PortAudioSource) Close() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Stop()
	if cerr := s.stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.stream = nil
	portaudio.Terminate()
	return err
}

func openInput(dev *portaudio.DeviceInfo, rate, frames int) (*portaudio.Stream, audio.Format, []float32, error) {
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = frames

	buf := make([]float32, frames)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, audio.Format{}, nil, err
	}
	return stream, audio.Format{SampleRate: rate, Channels: 1}, buf, nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("capture: default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(d.Name, name) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("capture: no input device matching %q", name)
}
