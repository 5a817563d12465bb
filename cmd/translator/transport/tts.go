package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/autonomyowner/NASR-sub001/cmd/translator/pcm"
)

// SynthesisChunk is one message of a synthesis stream: zero or more chunks
// carrying PCM followed by exactly one final marker, whose PCM may be empty.
// A failed stream delivers a terminal chunk with Err set instead.
type SynthesisChunk struct {
	// Samples is the decoded audio as float samples in [-1, 1].
	Samples          []float32
	SampleRate       int
	VoiceID          string
	Language         string
	ProcessingTimeMs float64
	TTFTMs           float64
	IsFinal          bool
	Err              error
}

type ttsRequest struct {
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	VoiceID   string  `json:"voice_id"`
	Language  string  `json:"language"`
	Stream    bool    `json:"stream"`
	Speed     float64 `json:"speed"`
}

type ttsResponse struct {
	SessionID        string  `json:"session_id"`
	AudioChunk       *string `json:"audio_chunk"`
	SampleRate       int     `json:"sample_rate"`
	VoiceID          string  `json:"voice_id"`
	Language         string  `json:"language"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	TTFTMs           float64 `json:"ttft_ms,omitempty"`
	IsFinal          bool    `json:"is_final"`
}

// TTSClient talks to the speech-synthesis service. Responses stream;
// a stream cannot be resumed after a disconnect, only restarted with a new
// request.
type TTSClient struct {
	*client
}

func NewTTSClient(url string) *TTSClient {
	return &TTSClient{
		client: newClient("tts", url, false),
	}
}

// Synthesize requests speech for text and returns a channel of chunks. The
// channel is closed after the final marker or a terminal error chunk. An
// abandoned stream unwinds at the hard timeout at the latest.
func (c *TTSClient) Synthesize(ctx context.Context, text, voiceID, language string, speed float64) (<-chan SynthesisChunk, error) {
	sessionID := uuid.NewString()
	req, err := json.Marshal(ttsRequest{
		SessionID: sessionID,
		Text:      text,
		VoiceID:   voiceID,
		Language:  language,
		Stream:    true,
		Speed:     speed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, hardTimeoutTTS)

	conn, err := c.ensure(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	p, err := c.addPending(sessionID, true)
	if err != nil {
		cancel()
		return nil, err
	}

	if err := c.send(ctx, conn, []frame{{typ: websocket.MessageText, data: req}}); err != nil {
		c.removePending(sessionID)
		cancel()
		return nil, c.requestErr(err)
	}

	out := make(chan SynthesisChunk, streamChBuffer)

	go func() {
		defer cancel()
		defer close(out)
		defer c.removePending(sessionID)

		start := time.Now()
		for {
			select {
			case res := <-p.ch:
				if res.err != nil {
					out <- SynthesisChunk{Err: res.err}
					return
				}

				chunk, err := c.decodeChunk(res.data)
				if err != nil {
					slog.Warn("failed to decode synthesis chunk",
						slog.String("sessionID", sessionID), slog.String("err", err.Error()))
					continue
				}

				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				if chunk.IsFinal {
					if d := time.Since(start); d > SoftTimeoutTTS {
						slog.Warn("slow synthesis", slog.Duration("took", d), slog.String("sessionID", sessionID))
					}
					return
				}
			case <-conn.closed:
				select {
				case out <- SynthesisChunk{Err: ErrTransport}:
				default:
				}
				return
			case <-ctx.Done():
				select {
				case out <- SynthesisChunk{Err: c.requestErr(ctx.Err())}:
				default:
				}
				return
			}
		}
	}()

	return out, nil
}

func (c *TTSClient) decodeChunk(data json.RawMessage) (SynthesisChunk, error) {
	var res ttsResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return SynthesisChunk{}, fmt.Errorf("failed to parse response: %w", err)
	}

	chunk := SynthesisChunk{
		SampleRate:       res.SampleRate,
		VoiceID:          res.VoiceID,
		Language:         res.Language,
		ProcessingTimeMs: res.ProcessingTimeMs,
		TTFTMs:           res.TTFTMs,
		IsFinal:          res.IsFinal,
	}

	if res.AudioChunk != nil && *res.AudioChunk != "" {
		samples, err := pcm.DecodeBase64(*res.AudioChunk)
		if err != nil {
			return SynthesisChunk{}, fmt.Errorf("failed to decode audio chunk: %w", err)
		}
		chunk.Samples = pcm.Int16ToFloat32(samples)
	}

	return chunk, nil
}
