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

// Word is a single recognized word with its timing and confidence.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

// Hypothesis is the recognizer's transcript for one audio window. Partial
// results are obtained by transcribing overlapping windows repeatedly;
// IsFinal marks the recognizer's last word on the window.
type Hypothesis struct {
	SessionID        string  `json:"session_id"`
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	Language         string  `json:"language"`
	IsFinal          bool    `json:"is_final"`
	Timestamp        float64 `json:"timestamp"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	Words            []Word  `json:"words,omitempty"`
}

type sttRequest struct {
	SessionID    string `json:"session_id"`
	SampleRate   int    `json:"sample_rate"`
	LanguageHint string `json:"language_hint,omitempty"`
}

// STTClient talks to the speech-to-text service. Each request sends a JSON
// header followed by one binary frame of little-endian 16-bit PCM and yields
// exactly one hypothesis.
type STTClient struct {
	*client
}

func NewSTTClient(url string) *STTClient {
	// The STT service is the only one allowed to omit session ids on
	// responses; those are paired with the oldest pending request.
	return &STTClient{
		client: newClient("stt", url, true),
	}
}

// Transcribe sends one window of signed 16-bit PCM and returns the
// hypothesis for it.
func (c *STTClient) Transcribe(ctx context.Context, samples []int16, sampleRate int, langHint string) (Hypothesis, error) {
	var hyp Hypothesis

	sessionID := uuid.NewString()
	header, err := json.Marshal(sttRequest{
		SessionID:    sessionID,
		SampleRate:   sampleRate,
		LanguageHint: langHint,
	})
	if err != nil {
		return hyp, fmt.Errorf("failed to encode request: %w", err)
	}

	start := time.Now()
	data, err := c.roundTrip(ctx, sessionID, []frame{
		{typ: websocket.MessageText, data: header},
		{typ: websocket.MessageBinary, data: pcm.Int16ToBytes(samples)},
	}, hardTimeoutSTT)
	if err != nil {
		return hyp, err
	}

	if d := time.Since(start); d > SoftTimeoutSTT {
		slog.Warn("slow transcription", slog.Duration("took", d), slog.String("sessionID", sessionID))
	}

	if err := json.Unmarshal(data, &hyp); err != nil {
		return hyp, fmt.Errorf("failed to parse hypothesis: %w", err)
	}

	return hyp, nil
}

// TranscribeFloat32 is Transcribe for float samples in [-1, 1], quantized to
// signed 16-bit before hitting the wire.
func (c *STTClient) TranscribeFloat32(ctx context.Context, samples []float32, sampleRate int, langHint string) (Hypothesis, error) {
	return c.Transcribe(ctx, pcm.Float32ToInt16(samples), sampleRate, langHint)
}
