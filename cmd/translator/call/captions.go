package call

import (
	"encoding/json"
	"fmt"

	lksdk "github.com/livekit/server-sdk-go/v2"
)

const captionsTopic = "captions"

// Caption is the datagram published to the room for every translation, and
// for tentative previews while a transcript is still unstable.
type Caption struct {
	Type           string  `json:"type"`
	OriginalText   string  `json:"original_text"`
	TranslatedText string  `json:"translated_text,omitempty"`
	SourceLanguage string  `json:"source_language"`
	TargetLanguage string  `json:"target_language,omitempty"`
	Confidence     float64 `json:"confidence"`
	LatencyMs      float64 `json:"latency_ms"`
	Timestamp      string  `json:"timestamp"`
	ChunkID        string  `json:"chunk_id"`
}

const (
	captionTypeTranslation = "translation"
	captionTypePreview     = "preview"
)

// roomCaptionSender publishes captions on the room's data channel.
type roomCaptionSender struct {
	room *lksdk.Room
}

func (s *roomCaptionSender) PublishCaption(c Caption) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode caption: %w", err)
	}

	if err := s.room.LocalParticipant.PublishDataPacket(lksdk.UserData(data),
		lksdk.WithDataPublishTopic(captionsTopic)); err != nil {
		return fmt.Errorf("failed to publish caption: %w", err)
	}

	return nil
}
