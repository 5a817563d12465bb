package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Translation is the machine-translation result for one committed prefix.
type Translation struct {
	SessionID        string  `json:"session_id"`
	Text             string  `json:"translation"`
	SourceLanguage   string  `json:"source_language"`
	TargetLanguage   string  `json:"target_language"`
	Confidence       float64 `json:"confidence,omitempty"`
	ProcessingTimeMs float64 `json:"processing_time_ms,omitempty"`
	ModelUsed        string  `json:"model_used,omitempty"`
	ContextUsed      bool    `json:"context_used,omitempty"`
}

type mtRequest struct {
	SessionID      string `json:"session_id"`
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	Context        string `json:"context,omitempty"`
}

// MTClient talks to the machine-translation service, JSON both ways.
type MTClient struct {
	*client
}

func NewMTClient(url string) *MTClient {
	return &MTClient{
		client: newClient("mt", url, false),
	}
}

// Translate translates text from src to dst. The translationContext is the
// speaker's recently confirmed sentences and conditions the translation; it
// may be empty.
func (c *MTClient) Translate(ctx context.Context, text, src, dst, translationContext string) (Translation, error) {
	var tr Translation

	sessionID := uuid.NewString()
	req, err := json.Marshal(mtRequest{
		SessionID:      sessionID,
		Text:           text,
		SourceLanguage: src,
		TargetLanguage: dst,
		Context:        translationContext,
	})
	if err != nil {
		return tr, fmt.Errorf("failed to encode request: %w", err)
	}

	start := time.Now()
	data, err := c.roundTrip(ctx, sessionID, []frame{
		{typ: websocket.MessageText, data: req},
	}, hardTimeoutMT)
	if err != nil {
		return tr, err
	}

	if d := time.Since(start); d > SoftTimeoutMT {
		slog.Warn("slow translation", slog.Duration("took", d), slog.String("sessionID", sessionID))
	}

	if err := json.Unmarshal(data, &tr); err != nil {
		return tr, fmt.Errorf("failed to parse translation: %w", err)
	}

	if tr.TargetLanguage != "" && tr.TargetLanguage != dst {
		return tr, fmt.Errorf("translation language mismatch: requested %q, got %q", dst, tr.TargetLanguage)
	}

	return tr, nil
}
