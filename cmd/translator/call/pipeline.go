package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/autonomyowner/NASR-sub001/cmd/translator/config"
	"github.com/autonomyowner/NASR-sub001/cmd/translator/pcm"
	"github.com/autonomyowner/NASR-sub001/cmd/translator/stabilize"
	"github.com/autonomyowner/NASR-sub001/cmd/translator/trace"
	"github.com/autonomyowner/NASR-sub001/cmd/translator/transport"
)

const (
	chunksChBuffer = 64

	// maxUtteranceWindow caps how much audio a single utterance window can
	// accumulate before the transcript is force-finalized. Without a cap a
	// speaker who never pauses would grow the window without bound and each
	// transcription would get slower.
	maxUtteranceWindow = 10 * time.Second
)

// audioChunk is one slab of 16KHz mono PCM captured from a speaker.
type audioChunk struct {
	ts      time.Time
	samples []float32
}

// speakerPipeline runs the full translation flow for one subscribed audio
// track: gate chunks into windows, transcribe, stabilize, fan out one
// translation per target language, synthesize and publish.
type speakerPipeline struct {
	speaker string
	cfg     config.CallTranslatorConfig

	stt      sttService
	mt       mtService
	tts      ttsService
	tracer   *trace.Tracer
	out      audioPublisher
	captions captionPublisher

	ctx      context.Context
	cancel   context.CancelFunc
	chunksCh chan audioChunk
	wg       sync.WaitGroup

	stab *stabilize.Stabilizer
	cbuf *stabilize.ContextBuffer

	// gate state, owned by the run loop
	queue    []float32
	queueDur time.Duration

	// active utterance window, owned by the run loop
	window []float32

	// words committed since the last completed sentence, awaiting terminal
	// punctuation before entering the context buffer
	sentence []string

	lastLang string

	// per-target publish order tokens (closed in commit order)
	order map[string]chan struct{}
}

func newSpeakerPipeline(ctx context.Context, speaker string, cfg config.CallTranslatorConfig,
	stt sttService, mt mtService, tts ttsService,
	tracer *trace.Tracer, out audioPublisher, captions captionPublisher) *speakerPipeline {
	ctx, cancel := context.WithCancel(ctx)
	return &speakerPipeline{
		speaker:  speaker,
		cfg:      cfg,
		stt:      stt,
		mt:       mt,
		tts:      tts,
		tracer:   tracer,
		out:      out,
		captions: captions,
		ctx:      ctx,
		cancel:   cancel,
		chunksCh: make(chan audioChunk, chunksChBuffer),
		stab:     stabilize.NewStabilizer(),
		cbuf:     stabilize.NewContextBuffer(stabilize.DefaultMaxSentences, cfg.ContextTokenCap),
		order:    make(map[string]chan struct{}),
	}
}

// ingest hands an audio chunk to the pipeline. It never blocks: this is a
// real-time pipeline, a backlogged speaker drops audio rather than growing
// latency without bound.
func (p *speakerPipeline) ingest(chunk audioChunk) {
	select {
	case p.chunksCh <- chunk:
	default:
		slog.Warn("dropping audio chunk, pipeline backlogged", slog.String("speaker", p.speaker))
	}
}

// stop cancels the pipeline. In-flight requests complete or time out
// normally; their results are discarded.
func (p *speakerPipeline) stop() {
	p.cancel()
}

// run is the pipeline's main loop. It exits when the pipeline is cancelled
// and returns once all fan-out subtasks have unwound.
func (p *speakerPipeline) run() {
	defer p.wg.Wait()

	chunkDuration := time.Duration(p.cfg.ChunkDurationMs) * time.Millisecond

	for {
		select {
		case chunk := <-p.chunksCh:
			p.queue = append(p.queue, chunk.samples...)
			p.queueDur += time.Duration(len(chunk.samples)) * time.Second / outAudioRate

			if p.queueDur < chunkDuration {
				continue
			}

			// Drain all queued audio into the utterance window; audio
			// arriving while transcription is in flight forms the next
			// window.
			p.window = append(p.window, p.queue...)
			p.queue = nil
			p.queueDur = 0

			p.processWindow()
		case <-p.ctx.Done():
			return
		}
	}
}

// processWindow runs one pass of the pipeline over the active utterance
// window: transcribe, stabilize, and fan out any newly committed prefix.
func (p *speakerPipeline) processWindow() {
	start := time.Now()
	traceID := fmt.Sprintf("translation_%s_%d", p.speaker, start.UnixMilli())

	p.tracer.StartTrace(traceID, map[string]any{"speaker": p.speaker})

	windowDur := time.Duration(len(p.window)) * time.Second / outAudioRate
	forceFinal := windowDur >= maxUtteranceWindow

	sttStart := time.Now()
	hyp, err := p.stt.TranscribeFloat32(p.ctx, p.window, outAudioRate, p.lastLang)
	sttDur := time.Since(sttStart)
	p.tracer.AddSpan(traceID, trace.SpanSTTProcessing, sttStart, sttDur, spanMeta(sttDur, transport.SoftTimeoutSTT))

	if err != nil {
		// The window's audio is stale by the time a retry could complete, so
		// it is discarded along with the in-flight request.
		p.tracer.AddError(traceID, err.Error(), trace.SpanSTTProcessing)
		p.completeTrace(traceID)
		p.resetWindow()
		slog.Warn("transcription failed, dropping window",
			slog.String("speaker", p.speaker), slog.String("err", err.Error()))
		return
	}

	if strings.TrimSpace(hyp.Text) == "" {
		// Silence can close the window; words already committed but still
		// waiting for punctuation move into the context buffer.
		res := p.stab.Advance("", hyp.Language, hyp.IsFinal)
		for _, commit := range res.Commits {
			p.pushContext(commit)
		}
		p.completeTrace(traceID)
		p.resetWindow()
		return
	}

	p.tracer.AddSpan(traceID, trace.SpanSTTFirstToken, start, time.Since(start), nil)

	if hyp.Language != "" {
		p.lastLang = hyp.Language
	}

	res := p.stab.Advance(hyp.Text, hyp.Language, hyp.IsFinal || forceFinal)
	if hyp.IsFinal || forceFinal {
		p.resetWindow()
	}

	fanouts := &sync.WaitGroup{}
	launched := false

	for _, commit := range res.Commits {
		p.pushContext(commit)

		// A commit that closes the window without adding words repeats text
		// that already fanned out when it was first committed; sending it
		// again would duplicate the translated speech.
		if len(commit.NewWords) == 0 {
			continue
		}

		src := commit.Language
		if src == "" {
			src = hyp.Language
		}

		snapshot := p.cbuf.Snapshot()

		for _, dst := range p.cfg.TargetLanguages {
			if dst == src {
				continue
			}

			prev := p.order[dst]
			cur := make(chan struct{})
			p.order[dst] = cur

			launched = true
			fanouts.Add(1)
			go p.translateTarget(traceID, start, commit.Text, src, dst, snapshot, prev, cur, fanouts)
		}
	}

	if !launched {
		// Caption-only path: no new commits, publish the tentative tail as
		// a preview and close out.
		if len(res.Tentative) > 0 {
			p.publishPreview(traceID, start, res)
		}
		p.completeTrace(traceID)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fanouts.Wait()
		p.completeTrace(traceID)
	}()
}

// translateTarget runs the per-target half of the pipeline: translate,
// synthesize, publish audio and caption. Failures are recorded on the trace
// and never affect other targets. Publishing respects commit order within
// the (speaker, target) stream via the prev/cur token chain.
func (p *speakerPipeline) translateTarget(traceID string, ingress time.Time,
	text, src, dst, snapshot string, prev, cur chan struct{}, fanouts *sync.WaitGroup) {
	defer fanouts.Done()
	defer close(cur)

	mtStart := time.Now()
	tr, err := p.mt.Translate(p.ctx, text, src, dst, snapshot)
	mtDur := time.Since(mtStart)
	meta := spanMeta(mtDur, transport.SoftTimeoutMT)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["target"] = dst
	p.tracer.AddSpan(traceID, trace.SpanMTProcessing, mtStart, mtDur, meta)

	if err != nil {
		p.tracer.AddError(traceID, fmt.Sprintf("%s: %s", dst, err.Error()), trace.SpanMTProcessing)
		slog.Warn("translation failed", slog.String("speaker", p.speaker),
			slog.String("target", dst), slog.String("err", err.Error()))
		return
	}

	if strings.TrimSpace(tr.Text) == "" {
		// Nothing to say; the synthesis call is suppressed.
		return
	}

	// Hold until the previous commit for this target has published.
	if prev != nil {
		select {
		case <-prev:
		case <-p.ctx.Done():
			return
		}
	}

	ttsStart := time.Now()
	ch, err := p.tts.Synthesize(p.ctx, tr.Text, p.cfg.VoiceForLanguage(dst), dst, p.cfg.SpeechSpeed)
	if err != nil {
		p.tracer.AddError(traceID, fmt.Sprintf("%s: %s", dst, err.Error()), trace.SpanTTSProcessing)
		slog.Warn("synthesis failed", slog.String("speaker", p.speaker),
			slog.String("target", dst), slog.String("err", err.Error()))
		return
	}

	firstSample := false
	for chunk := range ch {
		if chunk.Err != nil {
			p.tracer.AddError(traceID, fmt.Sprintf("%s: %s", dst, chunk.Err.Error()), trace.SpanTTSProcessing)
			slog.Warn("synthesis stream failed", slog.String("speaker", p.speaker),
				slog.String("target", dst), slog.String("err", chunk.Err.Error()))
			return
		}

		if len(chunk.Samples) > 0 {
			if !firstSample {
				firstSample = true
				p.tracer.AddSpan(traceID, trace.SpanTTSFirstSample, time.Now(), 0, map[string]any{"target": dst})
			}

			samples := chunk.Samples
			if chunk.SampleRate != 0 && chunk.SampleRate != outAudioRate {
				samples = pcm.Resample(samples, chunk.SampleRate, outAudioRate)
			}

			if err := p.out.PublishSamples(dst, samples); err != nil {
				slog.Error("failed to publish samples", slog.String("speaker", p.speaker),
					slog.String("target", dst), slog.String("err", err.Error()))
			}
		}

		if chunk.IsFinal {
			break
		}
	}

	ttsDur := time.Since(ttsStart)
	p.tracer.AddSpan(traceID, trace.SpanTTSProcessing, ttsStart, ttsDur, spanMeta(ttsDur, transport.SoftTimeoutTTS))

	if err := p.out.Flush(dst); err != nil {
		slog.Error("failed to flush output track", slog.String("target", dst), slog.String("err", err.Error()))
	}

	caption := Caption{
		Type:           captionTypeTranslation,
		OriginalText:   text,
		TranslatedText: tr.Text,
		SourceLanguage: src,
		TargetLanguage: dst,
		Confidence:     tr.Confidence,
		LatencyMs:      float64(time.Since(ingress).Milliseconds()),
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		ChunkID:        traceID,
	}
	if err := p.captions.PublishCaption(caption); err != nil {
		// Captions are best-effort; a missed one is not a pipeline failure.
		slog.Warn("failed to publish caption", slog.String("target", dst), slog.String("err", err.Error()))
	}
}

// pushContext feeds complete sentences out of a commit into the context
// buffer, carrying unterminated words until punctuation or finalization.
func (p *speakerPipeline) pushContext(c stabilize.Commit) {
	p.sentence = append(p.sentence, c.NewWords...)

	sentences, rest := stabilize.SplitSentences(p.sentence)
	for _, s := range sentences {
		p.cbuf.Push(s)
	}
	p.sentence = rest

	if c.Final && len(p.sentence) > 0 {
		p.cbuf.Push(strings.Join(p.sentence, " "))
		p.sentence = nil
	}
}

func (p *speakerPipeline) publishPreview(traceID string, ingress time.Time, res stabilize.Result) {
	caption := Caption{
		Type:           captionTypePreview,
		OriginalText:   strings.Join(res.Tentative, " "),
		SourceLanguage: res.Language,
		LatencyMs:      float64(time.Since(ingress).Milliseconds()),
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		ChunkID:        traceID,
	}
	if err := p.captions.PublishCaption(caption); err != nil {
		slog.Warn("failed to publish preview caption", slog.String("err", err.Error()))
	}
}

// completeTrace closes the trace, marking it cancelled when the pipeline is
// shutting down so that cancellations still count for metrics.
func (p *speakerPipeline) completeTrace(traceID string) {
	if p.ctx.Err() != nil {
		p.tracer.CancelTrace(traceID)
		return
	}
	p.tracer.CompleteTrace(traceID, nil)
}

func (p *speakerPipeline) resetWindow() {
	p.window = nil
}

// spanMeta tags spans that blew past their soft limit.
func spanMeta(d, soft time.Duration) map[string]any {
	if d > soft {
		return map[string]any{"slow": true}
	}
	return nil
}
