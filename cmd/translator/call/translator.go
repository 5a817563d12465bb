// Package call implements the translation worker: it joins a conferencing
// room as a participant, runs one translation pipeline per speaking
// participant and publishes translated audio tracks and live captions back
// into the room.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"golang.org/x/sync/errgroup"

	"github.com/autonomyowner/NASR-sub001/cmd/translator/config"
	"github.com/autonomyowner/NASR-sub001/cmd/translator/trace"
	"github.com/autonomyowner/NASR-sub001/cmd/translator/transport"
)

const (
	transportConnectAttempts = 3
	transportConnectBackoff  = time.Second
	stopTimeout              = 5 * time.Second
	metricsInterval          = 30 * time.Second
)

// transportClient is the lifecycle surface the supervisor needs from the
// three service clients.
type transportClient interface {
	Connect(ctx context.Context) error
	Close() error
}

type Translator struct {
	cfg config.CallTranslatorConfig

	stt sttService
	mt  mtService
	tts ttsService

	transports map[string]transportClient

	tracer *trace.Tracer

	room     *lksdk.Room
	tracks   *outputTrackManager
	captions captionPublisher

	mut       sync.Mutex
	pipelines map[string]*speakerPipeline
	// publications waiting for a pipeline slot, in arrival order
	pendingPubs []*lksdk.RemoteTrackPublication

	ctx    context.Context
	cancel context.CancelFunc

	errCh       chan error
	doneCh      chan struct{}
	doneOnce    sync.Once
	pipelinesWg sync.WaitGroup
}

func NewTranslator(cfg config.CallTranslatorConfig) (*Translator, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	stt := transport.NewSTTClient(cfg.SttURL)
	mt := transport.NewMTClient(cfg.MtURL)
	tts := transport.NewTTSClient(cfg.TtsURL)

	ctx, cancel := context.WithCancel(context.Background())

	return &Translator{
		cfg: cfg,
		stt: stt,
		mt:  mt,
		tts: tts,
		transports: map[string]transportClient{
			"stt": stt,
			"mt":  mt,
			"tts": tts,
		},
		tracer: trace.NewTracer(
			time.Duration(cfg.TTFTTargetMs)*time.Millisecond,
			time.Duration(cfg.CaptionTargetMs)*time.Millisecond,
		),
		pipelines: make(map[string]*speakerPipeline),
		ctx:       ctx,
		cancel:    cancel,
		errCh:     make(chan error, 1),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start connects the three speech services and joins the room. It returns an
// error if any service stays unreachable after the connection attempts, in
// which case the worker must not start.
func (t *Translator) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for name, c := range t.transports {
		g.Go(func() error {
			if err := t.connectTransport(gCtx, name, c); err != nil {
				return fmt.Errorf("failed to connect %s service: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("speech services connected")

	room, err := lksdk.ConnectToRoom(t.cfg.RoomURL, lksdk.ConnectInfo{
		APIKey:              t.cfg.RoomAPIKey,
		APISecret:           t.cfg.RoomAPISecret,
		RoomName:            t.cfg.RoomName,
		ParticipantIdentity: t.cfg.Identity,
	}, &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished:    t.trackPublished,
			OnTrackSubscribed:   t.trackSubscribed,
			OnTrackUnsubscribed: t.trackUnsubscribed,
		},
		OnParticipantDisconnected: t.participantDisconnected,
		OnDisconnected: func() {
			slog.Info("room disconnected")
			go t.shutdown()
		},
	}, lksdk.WithAutoSubscribe(false))
	if err != nil {
		return fmt.Errorf("failed to connect to room: %w", err)
	}

	t.room = room
	t.tracks = newOutputTrackManager(room)
	t.captions = &roomCaptionSender{room: room}

	go t.metricsLoop()

	slog.Info("joined room", slog.String("room", t.cfg.RoomName), slog.String("identity", t.cfg.Identity))

	return nil
}

// connectTransport dials a service with a few spaced attempts. Reconnection
// after startup is lazy and handled inside the clients.
func (t *Translator) connectTransport(ctx context.Context, name string, c transportClient) error {
	var err error
	for attempt := 1; attempt <= transportConnectAttempts; attempt++ {
		if err = c.Connect(ctx); err == nil {
			return nil
		}

		slog.Warn("transport connection attempt failed",
			slog.String("service", name), slog.Int("attempt", attempt), slog.String("err", err.Error()))

		if attempt < transportConnectAttempts {
			select {
			case <-time.After(transportConnectBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

// Stop cancels all pipelines, waits for them to unwind and tears down the
// room and transport connections.
func (t *Translator) Stop(ctx context.Context) error {
	t.shutdown()

	select {
	case <-t.doneCh:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Translator) Done() <-chan struct{} {
	return t.doneCh
}

func (t *Translator) Err() error {
	select {
	case err := <-t.errCh:
		return err
	default:
		return nil
	}
}

func (t *Translator) shutdown() {
	t.cancel()

	t.mut.Lock()
	for _, p := range t.pipelines {
		p.stop()
	}
	t.mut.Unlock()

	waitCh := make(chan struct{})
	go func() {
		t.pipelinesWg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(stopTimeout):
		slog.Warn("timed out waiting for pipelines to stop")
	}

	for name, c := range t.transports {
		if err := c.Close(); err != nil {
			slog.Error("failed to close transport", slog.String("service", name), slog.String("err", err.Error()))
		}
	}

	if t.tracks != nil {
		t.tracks.destroy()
	}

	if t.room != nil {
		t.room.Disconnect()
	}

	t.done(nil)
}

func (t *Translator) done(err error) {
	t.doneOnce.Do(func() {
		if err != nil {
			t.errCh <- err
		}
		close(t.doneCh)
	})
}

// metricsLoop periodically logs the latency summary and the cumulative
// retraction rate so SLO regressions show up in the worker's own logs.
func (t *Translator) metricsLoop() {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			summary := t.tracer.MetricsSummary()

			var shown, retracted int
			t.mut.Lock()
			for _, p := range t.pipelines {
				s, r := p.stab.RetractionStats()
				shown += s
				retracted += r
			}
			t.mut.Unlock()

			var retractionRate float64
			if shown > 0 {
				retractionRate = float64(retracted) / float64(shown)
			}

			slog.Info("pipeline metrics",
				slog.Float64("ttftP95Ms", summary.TTFT.P95),
				slog.Float64("ttftCompliance", summary.TTFT.ComplianceRate),
				slog.Float64("captionP95Ms", summary.Caption.P95),
				slog.Float64("captionCompliance", summary.Caption.ComplianceRate),
				slog.Float64("totalP95Ms", summary.Total.P95),
				slog.Int("activeTraces", summary.Active),
				slog.Int("completedTraces", summary.Completed),
				slog.Float64("retractionRate", retractionRate))

			if retractionRate > t.cfg.MaxRetractionRate {
				slog.Warn("retraction rate above target",
					slog.Float64("rate", retractionRate), slog.Float64("target", t.cfg.MaxRetractionRate))
			}
		case <-t.ctx.Done():
			return
		}
	}
}
