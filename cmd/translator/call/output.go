package call

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/autonomyowner/NASR-sub001/cmd/translator/opus"
	"github.com/autonomyowner/NASR-sub001/cmd/translator/pcm"
)

const (
	outAudioRate       = 16000 // Translated audio is published as 16KHz mono.
	outAudioChannels   = 1
	outFrameDurationMs = 20
	outFrameSize       = outFrameDurationMs * outAudioRate / 1000
	maxOpusFrameBytes  = 1275
)

// outputTrackManager owns the published audio tracks, one per target
// language. Tracks are created lazily on the first translation to a language
// and are never unpublished until the worker exits.
type outputTrackManager struct {
	mut    sync.Mutex
	room   *lksdk.Room
	tracks map[string]*outputTrack
}

func newOutputTrackManager(room *lksdk.Room) *outputTrackManager {
	return &outputTrackManager{
		room:   room,
		tracks: make(map[string]*outputTrack),
	}
}

// trackFor returns the output track for a language, publishing it to the
// room on first use. The lock only covers map access and track creation,
// never audio writes.
func (m *outputTrackManager) trackFor(lang string) (*outputTrack, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if ot, ok := m.tracks[lang]; ok {
		return ot, nil
	}

	ot, err := newOutputTrack(m.room, lang)
	if err != nil {
		return nil, fmt.Errorf("failed to create output track for %q: %w", lang, err)
	}
	m.tracks[lang] = ot

	slog.Info("published output track", slog.String("lang", lang))

	return ot, nil
}

func (m *outputTrackManager) PublishSamples(lang string, samples []float32) error {
	ot, err := m.trackFor(lang)
	if err != nil {
		return err
	}
	return ot.write(samples)
}

func (m *outputTrackManager) Flush(lang string) error {
	ot, err := m.trackFor(lang)
	if err != nil {
		return err
	}
	return ot.flush()
}

func (m *outputTrackManager) destroy() {
	m.mut.Lock()
	defer m.mut.Unlock()

	for lang, ot := range m.tracks {
		if err := ot.enc.Destroy(); err != nil {
			slog.Error("failed to destroy encoder", slog.String("lang", lang), slog.String("err", err.Error()))
		}
	}
	m.tracks = make(map[string]*outputTrack)
}

// outputTrack wraps one published local track with its opus encoder. Audio
// arrives as arbitrarily sized sample slabs and leaves as fixed 20ms frames;
// the tail that doesn't fill a frame is carried into the next write.
type outputTrack struct {
	lang  string
	track *lksdk.LocalSampleTrack

	mut     sync.Mutex
	enc     *opus.Encoder
	pending []float32
	encBuf  []byte
}

func newOutputTrack(room *lksdk.Room, lang string) (*outputTrack, error) {
	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    outAudioChannels,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	enc, err := opus.NewEncoder(outAudioRate, outAudioChannels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "translated_" + lang,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		if err := enc.Destroy(); err != nil {
			slog.Error("failed to destroy encoder", slog.String("err", err.Error()))
		}
		return nil, fmt.Errorf("failed to publish track: %w", err)
	}

	return &outputTrack{
		lang:   lang,
		track:  track,
		enc:    enc,
		encBuf: make([]byte, maxOpusFrameBytes),
	}, nil
}

// write appends samples and sends every full frame. Partial tails wait for
// more audio or a flush.
func (ot *outputTrack) write(samples []float32) error {
	ot.mut.Lock()
	defer ot.mut.Unlock()

	ot.pending = append(ot.pending, samples...)

	for len(ot.pending) >= outFrameSize {
		if err := ot.writeFrame(ot.pending[:outFrameSize]); err != nil {
			return err
		}
		ot.pending = ot.pending[outFrameSize:]
	}

	return nil
}

// flush pads the remaining tail with silence and sends it.
func (ot *outputTrack) flush() error {
	ot.mut.Lock()
	defer ot.mut.Unlock()

	if len(ot.pending) == 0 {
		return nil
	}

	frames := pcm.Frames(ot.pending, outFrameSize)
	ot.pending = nil

	for _, frame := range frames {
		if err := ot.writeFrame(frame); err != nil {
			return err
		}
	}

	return nil
}

func (ot *outputTrack) writeFrame(frame []float32) error {
	n, err := ot.enc.Encode(frame, ot.encBuf)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	data := make([]byte, n)
	copy(data, ot.encBuf[:n])

	if err := ot.track.WriteSample(media.Sample{
		Data:     data,
		Duration: outFrameDurationMs * time.Millisecond,
	}, nil); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}

	return nil
}
