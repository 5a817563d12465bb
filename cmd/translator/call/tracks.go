package call

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/autonomyowner/NASR-sub001/cmd/translator/opus"
)

const (
	trackInAudioRate      = 48000 // Default sample rate for Opus
	trackAudioChannels    = 1     // Only mono supported for now
	trackAudioFrameSizeMs = 20    // 20ms is the default Opus frame size for WebRTC
	trackDecodeFrameSize  = trackAudioFrameSizeMs * outAudioRate / 1000
	audioGapThreshold     = time.Second // The amount of time after which we detect a gap in the audio track.
)

// trackPublished gets called whenever a remote participant publishes a
// track. Voice tracks are subscribed immediately when a pipeline slot is
// free, otherwise they queue until one opens up.
func (t *Translator) trackPublished(publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if publication.Source() != livekit.TrackSource_MICROPHONE {
		return
	}

	t.mut.Lock()
	if len(t.pipelines) >= t.cfg.MaxConcurrentSessions {
		slog.Info("at session capacity, queueing track",
			slog.String("participant", rp.Identity()), slog.String("trackID", publication.SID()))
		t.pendingPubs = append(t.pendingPubs, publication)
		t.mut.Unlock()
		return
	}
	t.mut.Unlock()

	if err := publication.SetSubscribed(true); err != nil {
		slog.Error("failed to subscribe to track",
			slog.String("trackID", publication.SID()), slog.String("err", err.Error()))
	}
}

// trackSubscribed starts the translation pipeline for a speaker's voice
// track. At most one live pipeline exists per speaker.
func (t *Translator) trackSubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if mt := track.Codec().MimeType; mt != webrtc.MimeTypeOpus {
		slog.Warn("ignoring unsupported mimetype for track",
			slog.String("mimeType", mt), slog.String("trackID", track.ID()))
		return
	}

	speaker := rp.Identity()

	t.mut.Lock()
	if _, ok := t.pipelines[speaker]; ok {
		t.mut.Unlock()
		slog.Warn("pipeline already running for speaker", slog.String("speaker", speaker))
		return
	}

	p := newSpeakerPipeline(t.ctx, speaker, t.cfg, t.stt, t.mt, t.tts, t.tracer, t.tracks, t.captions)
	t.pipelines[speaker] = p
	t.mut.Unlock()

	slog.Info("starting translation pipeline", slog.String("speaker", speaker), slog.String("trackID", track.ID()))

	t.pipelinesWg.Add(2)
	go func() {
		defer t.pipelinesWg.Done()
		p.run()
	}()
	go func() {
		defer t.pipelinesWg.Done()
		t.readTrack(track, p)
	}()
}

func (t *Translator) trackUnsubscribed(_ *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	t.stopPipeline(rp.Identity())
}

func (t *Translator) participantDisconnected(rp *lksdk.RemoteParticipant) {
	t.stopPipeline(rp.Identity())
}

// stopPipeline cancels and forgets a speaker's pipeline, then hands the
// freed slot to the oldest queued publication.
func (t *Translator) stopPipeline(speaker string) {
	t.mut.Lock()
	p, ok := t.pipelines[speaker]
	if ok {
		delete(t.pipelines, speaker)
	}

	var next *lksdk.RemoteTrackPublication
	if ok && len(t.pendingPubs) > 0 {
		next = t.pendingPubs[0]
		t.pendingPubs = t.pendingPubs[1:]
	}
	t.mut.Unlock()

	if !ok {
		return
	}

	slog.Info("stopping translation pipeline", slog.String("speaker", speaker))
	p.stop()

	if next != nil {
		if err := next.SetSubscribed(true); err != nil {
			slog.Error("failed to subscribe to queued track",
				slog.String("trackID", next.SID()), slog.String("err", err.Error()))
		}
	}
}

// readTrack is the ingress loop for one voice track: read RTP, decode opus
// straight to 16KHz mono PCM and feed the pipeline. It exits when the track
// ends or the pipeline is cancelled.
func (t *Translator) readTrack(track *webrtc.TrackRemote, p *speakerPipeline) {
	dec, err := opus.NewDecoder(outAudioRate, trackAudioChannels)
	if err != nil {
		slog.Error("failed to create opus decoder", slog.String("err", err.Error()),
			slog.String("speaker", p.speaker))
		return
	}
	defer func() {
		if err := dec.Destroy(); err != nil {
			slog.Error("failed to destroy decoder", slog.String("err", err.Error()))
		}
	}()

	slog.Debug("start reading loop for track", slog.String("trackID", track.ID()))
	defer slog.Debug("exiting reading loop for track", slog.String("trackID", track.ID()))

	pcmBuf := make([]float32, trackDecodeFrameSize)
	var prevArrivalTime time.Time
	var prevTS time.Time

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		pkt, _, readErr := track.ReadRTP()
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				slog.Error("failed to read RTP packet", slog.String("trackID", track.ID()),
					slog.String("err", readErr.Error()))
			}
			return
		}

		if !prevArrivalTime.IsZero() {
			if gap := time.Since(prevArrivalTime); gap > audioGapThreshold {
				// Mute/unmute sequences show up as holes in the arrival
				// times; the utterance window simply resumes after them.
				slog.Debug("gap in audio track", slog.Duration("gap", gap), slog.String("trackID", track.ID()))
			}
		}
		prevArrivalTime = time.Now()

		n, err := dec.Decode(pkt.Payload, pcmBuf)
		if err != nil {
			slog.Error("failed to decode audio data", slog.String("err", err.Error()),
				slog.String("trackID", track.ID()))
			continue
		}

		samples := make([]float32, n)
		copy(samples, pcmBuf[:n])

		// Chunk timestamps are strictly increasing per speaker.
		ts := time.Now()
		if !ts.After(prevTS) {
			ts = prevTS.Add(time.Nanosecond)
		}
		prevTS = ts

		p.ingest(audioChunk{ts: ts, samples: samples})
	}
}
