// Package opus wraps the reference libopus codec. The worker decodes inbound
// 48kHz voice tracks straight to the 16kHz mono PCM the speech services
// expect, and encodes translated 16kHz audio back into Opus frames for the
// published tracks.
package opus

// #cgo LDFLAGS: -l:libopus.a -lm
// #include <opus.h>
import "C"

import (
	"fmt"
)

type Decoder struct {
	dec      *C.OpusDecoder
	rate     int
	channels int
}

func NewDecoder(rate, channels int) (*Decoder, error) {
	var d Decoder
	var errCode C.int

	d.dec = C.opus_decoder_create(C.int(rate), C.int(channels), &errCode)
	d.rate = rate
	d.channels = channels

	if errCode != 0 {
		return nil, fmt.Errorf("failed to create opus decoder: %d", errCode)
	}

	return &d, nil
}

// Decode decodes a single Opus packet into samples. The decoder outputs at
// its own rate regardless of the rate the packet was encoded at.
func (d *Decoder) Decode(data []byte, samples []float32) (int, error) {
	if d.dec == nil {
		return 0, fmt.Errorf("decoder is not initialized")
	}

	if len(data) == 0 {
		return 0, fmt.Errorf("data should not be empty")
	}

	if len(samples) == 0 {
		return 0, fmt.Errorf("samples should not be empty")
	}

	if cap(samples)%d.channels != 0 {
		return 0, fmt.Errorf("invalid samples capacity")
	}

	ret := int(C.opus_decode_float(d.dec, (*C.uchar)(&data[0]), C.int(len(data)),
		(*C.float)(&samples[0]), C.int(cap(samples)/d.channels), 0))
	if ret < 0 {
		return 0, fmt.Errorf("decode failed with code %d", ret)
	}

	return ret, nil
}

func (d *Decoder) Destroy() error {
	if d.dec == nil {
		return fmt.Errorf("decoder is not initialized")
	}
	C.opus_decoder_destroy(d.dec)
	d.dec = nil
	return nil
}

type Encoder struct {
	enc      *C.OpusEncoder
	rate     int
	channels int
}

func NewEncoder(rate, channels int) (*Encoder, error) {
	var e Encoder
	var errCode C.int

	e.enc = C.opus_encoder_create(C.int(rate), C.int(channels), C.OPUS_APPLICATION_VOIP, &errCode)
	e.rate = rate
	e.channels = channels

	if errCode != 0 {
		return nil, fmt.Errorf("failed to create opus encoder: %d", errCode)
	}

	return &e, nil
}

// Encode encodes exactly one frame of samples into data and returns the
// number of bytes written. Opus only accepts frame durations of 2.5, 5, 10,
// 20, 40 or 60ms at the encoder rate.
func (e *Encoder) Encode(samples []float32, data []byte) (int, error) {
	if e.enc == nil {
		return 0, fmt.Errorf("encoder is not initialized")
	}

	if len(samples) == 0 {
		return 0, fmt.Errorf("samples should not be empty")
	}

	if len(samples)%e.channels != 0 {
		return 0, fmt.Errorf("invalid samples length")
	}

	if len(data) == 0 {
		return 0, fmt.Errorf("data should not be empty")
	}

	ret := int(C.opus_encode_float(e.enc, (*C.float)(&samples[0]), C.int(len(samples)/e.channels),
		(*C.uchar)(&data[0]), C.opus_int32(cap(data))))
	if ret < 0 {
		return 0, fmt.Errorf("encode failed with code %d", ret)
	}

	return ret, nil
}

func (e *Encoder) Destroy() error {
	if e.enc == nil {
		return fmt.Errorf("encoder is not initialized")
	}
	C.opus_encoder_destroy(e.enc)
	e.enc = nil
	return nil
}
