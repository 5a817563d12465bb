package call

import (
	"context"

	"github.com/autonomyowner/NASR-sub001/cmd/translator/transport"
)

// The speech services are external collaborators reached over the transport
// clients. Pipelines only see these interfaces; tests inject their own.

type sttService interface {
	TranscribeFloat32(ctx context.Context, samples []float32, sampleRate int, langHint string) (transport.Hypothesis, error)
}

type mtService interface {
	Translate(ctx context.Context, text, src, dst, translationContext string) (transport.Translation, error)
}

type ttsService interface {
	Synthesize(ctx context.Context, text, voiceID, language string, speed float64) (<-chan transport.SynthesisChunk, error)
}

// audioPublisher receives translated 16kHz mono audio per target language.
// Flush pushes out any buffered partial frame at the end of a synthesis
// stream.
type audioPublisher interface {
	PublishSamples(lang string, samples []float32) error
	Flush(lang string) error
}

// captionPublisher delivers caption datagrams. Delivery is best-effort; a
// missed caption is not a pipeline failure.
type captionPublisher interface {
	PublishCaption(c Caption) error
}
