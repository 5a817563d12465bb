// Package pcm holds the sample conversions shared by the transport clients
// and the output tracks. These are the only places where endianness and
// quantization are negotiated.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Float32ToInt16 converts samples in [-1, 1] to signed 16-bit, clamping
// values outside the range.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(math.Round(float64(s) * 32767))
	}
	return out
}

// Int16ToFloat32 converts signed 16-bit samples to [-1, 1]. The scaling
// matches Float32ToInt16 so a round-trip preserves the original samples.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32767
	}
	return out
}

// Int16ToBytes packs samples as little-endian.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// BytesToInt16 unpacks little-endian samples.
func BytesToInt16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("data length should be even, got %d", len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out, nil
}

// EncodeBase64 wraps samples as base64 little-endian 16-bit PCM.
func EncodeBase64(samples []int16) string {
	return base64.StdEncoding.EncodeToString(Int16ToBytes(samples))
}

// DecodeBase64 decodes a base64-wrapped little-endian 16-bit PCM payload.
func DecodeBase64(payload string) ([]int16, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	return BytesToInt16(data)
}

// Frames splits samples into fixed-size frames for track writes, padding the
// last partial frame with silence so the codec always sees a full frame.
func Frames(samples []float32, frameSize int) [][]float32 {
	if frameSize <= 0 || len(samples) == 0 {
		return nil
	}

	frames := make([][]float32, 0, (len(samples)+frameSize-1)/frameSize)
	for off := 0; off < len(samples); off += frameSize {
		end := off + frameSize
		if end > len(samples) {
			frame := make([]float32, frameSize)
			copy(frame, samples[off:])
			frames = append(frames, frame)
			break
		}
		frames = append(frames, samples[off:end])
	}

	return frames
}

// Resample converts mono samples between rates using linear interpolation.
// Quality is sufficient for speech; synthesis voices occasionally report a
// rate other than the 16kHz the output tracks run at.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen == 0 {
		return nil
	}

	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}

	return out
}
