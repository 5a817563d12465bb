package opus

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testRate      = 16000
	testFrameSize = 20 * testRate / 1000
)

func sineFrame() []float32 {
	samples := make([]float32, testFrameSize)
	for i := range samples {
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/testRate))
	}
	return samples
}

func TestEncodeDecode(t *testing.T) {
	enc, err := NewEncoder(testRate, 1)
	require.NoError(t, err)
	require.NotNil(t, enc)

	dec, err := NewDecoder(testRate, 1)
	require.NoError(t, err)
	require.NotNil(t, dec)

	data := make([]byte, 1024)
	samples := make([]float32, testFrameSize)

	frame := sineFrame()
	for i := 0; i < 10; i++ {
		n, err := enc.Encode(frame, data)
		require.NoError(t, err)
		require.Greater(t, n, 0)

		decoded, err := dec.Decode(data[:n], samples)
		require.NoError(t, err)
		require.Equal(t, testFrameSize, decoded)
	}

	require.NoError(t, enc.Destroy())
	require.NoError(t, dec.Destroy())
}

func TestEncodeInvalidInput(t *testing.T) {
	enc, err := NewEncoder(testRate, 1)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, enc.Destroy())
	}()

	data := make([]byte, 1024)

	t.Run("empty samples", func(t *testing.T) {
		_, err := enc.Encode(nil, data)
		require.EqualError(t, err, "samples should not be empty")
	})

	t.Run("empty data", func(t *testing.T) {
		_, err := enc.Encode(sineFrame(), nil)
		require.EqualError(t, err, "data should not be empty")
	})

	t.Run("invalid frame size", func(t *testing.T) {
		_, err := enc.Encode(make([]float32, 123), data)
		require.Error(t, err)
	})
}

func TestDecodeInvalidInput(t *testing.T) {
	dec, err := NewDecoder(testRate, 1)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, dec.Destroy())
	}()

	samples := make([]float32, testFrameSize)

	t.Run("empty data", func(t *testing.T) {
		_, err := dec.Decode(nil, samples)
		require.EqualError(t, err, "data should not be empty")
	})

	t.Run("empty samples", func(t *testing.T) {
		_, err := dec.Decode([]byte{0x01}, nil)
		require.EqualError(t, err, "samples should not be empty")
	})
}

func TestDestroyTwice(t *testing.T) {
	enc, err := NewEncoder(testRate, 1)
	require.NoError(t, err)
	require.NoError(t, enc.Destroy())
	require.Error(t, enc.Destroy())

	dec, err := NewDecoder(testRate, 1)
	require.NoError(t, err)
	require.NoError(t, dec.Destroy())
	require.Error(t, dec.Destroy())
}
