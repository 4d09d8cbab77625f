// Package audio holds the sample-level codec helpers shared by the capture
// and playback engines.
//
// In memory, audio is a []float32 normalised to [-1, 1]. On the wire it is
// little-endian signed 16-bit PCM, either as raw binary frames or base64 text
// inside JSON events. Every helper here is pure. Empty input yields an empty
// result instead of an error.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// FloatToPCM16 clamps each sample to [-1, 1] and scales it to the signed
// 16-bit range. Negative values are scaled by 32768 and non-negative values by
// 32767, then truncated.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7fff)
		}
	}
	return out
}

// PCM16ToFloat divides each sample by 32768.
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// AudioLevel returns the mean absolute amplitude of samples, or 0 for an
// empty buffer.
func AudioLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// EncodePCM16 serialises samples as little-endian int16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 parses little-endian int16 bytes. A trailing odd byte is
// ignored.
func DecodePCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// FloatToBytes is FloatToPCM16 followed by EncodePCM16, the form captured
// frames take on the wire.
func FloatToBytes(samples []float32) []byte {
	return EncodePCM16(FloatToPCM16(samples))
}

// BytesToFloat is DecodePCM16 followed by PCM16ToFloat, the form inbound
// audio takes before playback.
func BytesToFloat(b []byte) []float32 {
	return PCM16ToFloat(DecodePCM16(b))
}

// EncodeBase64 returns the standard base64 encoding of b.
func EncodeBase64(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes standard base64 text. Empty or malformed input yields
// an empty, non-nil slice.
func DecodeBase64(s string) []byte {
	b, err := DecodeBase64Strict(s)
	if err != nil {
		return []byte{}
	}
	return b
}

// DecodeBase64Strict is DecodeBase64 for callers that need to tell malformed
// input apart from empty input.
func DecodeBase64Strict(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}
