package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is the mono 24 kHz format spoken on the realtime wire.
var DefaultFormat = Format{SampleRate: 24000, Channels: 1}

// String returns a human-readable form, e.g. "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Duration returns how long n interleaved samples last in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / f.Channels
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Converter converts float buffers between two formats. It logs a warning on
// the first mismatch so a device that refuses the wire format shows up once in
// the log rather than once per frame.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	From Format
	To   Format

	warnedMismatch sync.Once
}

// Convert converts buf from c.From to c.To. If the formats match, buf is
// returned unchanged (zero allocation). Conversion order: channels down first,
// then resample, then channels up, so stereo never gets resampled needlessly.
func (c *Converter) Convert(buf []float32) []float32 {
	if c.From == c.To {
		return buf
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", c.From.String(),
			"to", c.To.String(),
		)
	})

	out := buf
	channels := c.From.Channels
	if channels > 1 && c.To.Channels == 1 {
		out = Downmix(out, channels)
		channels = 1
	}
	if c.From.SampleRate != c.To.SampleRate {
		out = ResampleFloat(out, channels, c.From.SampleRate, c.To.SampleRate)
	}
	if channels == 1 && c.To.Channels > 1 {
		out = Upmix(out, c.To.Channels)
	}
	return out
}

// Upmix duplicates each mono sample into channels interleaved copies.
func Upmix(mono []float32, channels int) []float32 {
	if channels <= 1 {
		return mono
	}
	out := make([]float32, len(mono)*channels)
	for i, s := range mono {
		for ch := range channels {
			out[i*channels+ch] = s
		}
	}
	return out
}

// Downmix averages each interleaved frame of channels samples into one mono
// sample.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleFloat resamples interleaved float PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned
// unchanged.
func ResampleFloat(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < channels {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := samples[srcIdx*channels+ch]
			s1 := samples[next*channels+ch]
			out[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
