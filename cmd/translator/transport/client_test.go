package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/autonomyowner/NASR-sub001/cmd/translator/pcm"
)

// newTestService starts a websocket server driving the given handler per
// connection and returns its ws:// URL.
func newTestService(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		handler(r.Context(), c)
	}))
	t.Cleanup(s.Close)

	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func readJSON(ctx context.Context, c *websocket.Conn, v any) error {
	_, data, err := c.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(ctx context.Context, c *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

func TestSTTTranscribe(t *testing.T) {
	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			var req sttRequest
			if err := readJSON(ctx, c, &req); err != nil {
				return
			}

			typ, audio, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				return
			}

			samples, err := pcm.BytesToInt16(audio)
			if err != nil {
				return
			}

			_ = writeJSON(ctx, c, Hypothesis{
				SessionID:  req.SessionID,
				Text:       "hello world",
				Confidence: 0.9,
				Language:   "en",
				IsFinal:    true,
				Timestamp:  float64(len(samples)),
			})
		}
	})

	c := NewSTTClient(url)
	defer c.Close()

	hyp, err := c.Transcribe(context.Background(), []int16{0, 16384, -16384, 32767}, 16000, "en")
	require.NoError(t, err)
	require.Equal(t, "hello world", hyp.Text)
	require.Equal(t, "en", hyp.Language)
	require.True(t, hyp.IsFinal)
	require.Equal(t, float64(4), hyp.Timestamp)
	require.Equal(t, StateConnected, c.State())
}

func TestSTTTranscribeFloat32(t *testing.T) {
	var gotSamples atomic.Pointer[[]int16]
	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		var req sttRequest
		if err := readJSON(ctx, c, &req); err != nil {
			return
		}
		_, audio, err := c.Read(ctx)
		if err != nil {
			return
		}
		samples, _ := pcm.BytesToInt16(audio)
		gotSamples.Store(&samples)
		_ = writeJSON(ctx, c, Hypothesis{SessionID: req.SessionID, Text: "ok"})
	})

	c := NewSTTClient(url)
	defer c.Close()

	_, err := c.TranscribeFloat32(context.Background(), []float32{0, 0.5, -0.5, 1, -1, 2}, 16000, "")
	require.NoError(t, err)
	require.Equal(t, []int16{0, 16384, -16384, 32767, -32767, 32767}, *gotSamples.Load())
}

func TestSTTPairsOldestOnMissingSessionID(t *testing.T) {
	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		var req sttRequest
		if err := readJSON(ctx, c, &req); err != nil {
			return
		}
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		// Degraded service: no session id on the response.
		_ = writeJSON(ctx, c, map[string]any{"text": "paired", "is_final": true})
	})

	c := NewSTTClient(url)
	defer c.Close()

	hyp, err := c.Transcribe(context.Background(), []int16{1, 2, 3}, 16000, "")
	require.NoError(t, err)
	require.Equal(t, "paired", hyp.Text)
}

func TestMTTranslate(t *testing.T) {
	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			var req mtRequest
			if err := readJSON(ctx, c, &req); err != nil {
				return
			}
			_ = writeJSON(ctx, c, Translation{
				SessionID:      req.SessionID,
				Text:           "hola mundo",
				SourceLanguage: req.SourceLanguage,
				TargetLanguage: req.TargetLanguage,
				Confidence:     0.95,
				ContextUsed:    req.Context != "",
			})
		}
	})

	c := NewMTClient(url)
	defer c.Close()

	tr, err := c.Translate(context.Background(), "hello world", "en", "es", "previous sentence.")
	require.NoError(t, err)
	require.Equal(t, "hola mundo", tr.Text)
	require.Equal(t, "es", tr.TargetLanguage)
	require.True(t, tr.ContextUsed)
}

func TestMTDropsUnknownSessionID(t *testing.T) {
	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		var req mtRequest
		if err := readJSON(ctx, c, &req); err != nil {
			return
		}
		// A stray response for a session nobody asked for must be dropped,
		// then the real one completes the request.
		_ = writeJSON(ctx, c, Translation{SessionID: "bogus", Text: "wrong"})
		_ = writeJSON(ctx, c, Translation{SessionID: req.SessionID, Text: "right", TargetLanguage: req.TargetLanguage})
	})

	c := NewMTClient(url)
	defer c.Close()

	tr, err := c.Translate(context.Background(), "text", "en", "fr", "")
	require.NoError(t, err)
	require.Equal(t, "right", tr.Text)
}

func TestReconnectAfterTransportFailure(t *testing.T) {
	var conns atomic.Int32
	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		n := conns.Add(1)

		var req mtRequest
		if err := readJSON(ctx, c, &req); err != nil {
			return
		}

		if n == 1 {
			// Drop the connection mid-request.
			c.CloseNow()
			return
		}

		_ = writeJSON(ctx, c, Translation{SessionID: req.SessionID, Text: "second try", TargetLanguage: req.TargetLanguage})
	})

	c := NewMTClient(url)
	defer c.Close()

	_, err := c.Translate(context.Background(), "text", "en", "es", "")
	require.ErrorIs(t, err, ErrTransport)
	require.Zero(t, c.pendingCount())

	// The next request dials on demand and succeeds. No background
	// reconnect loop is involved.
	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, time.Second, 10*time.Millisecond)

	tr, err := c.Translate(context.Background(), "text", "en", "es", "")
	require.NoError(t, err)
	require.Equal(t, "second try", tr.Text)
	require.Equal(t, int32(2), conns.Load())
}

func TestDrainKeepsRedialedConnection(t *testing.T) {
	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			var req mtRequest
			if err := readJSON(ctx, c, &req); err != nil {
				return
			}
			_ = writeJSON(ctx, c, Translation{SessionID: req.SessionID, Text: "ok", TargetLanguage: req.TargetLanguage})
		}
	})

	c := NewMTClient(url)
	defer c.Close()

	conn1, err := c.ensure(context.Background())
	require.NoError(t, err)

	// A large pending backlog widens the drain's rejection phase so the
	// redial below can land inside it.
	for i := 0; i < 50000; i++ {
		_, err := c.addPending(fmt.Sprintf("s-%d", i), false)
		require.NoError(t, err)
	}

	redialErr := make(chan error, 1)
	go func() {
		for {
			if s := c.State(); s == StateDraining || s == StateDisconnected {
				break
			}
			runtime.Gosched()
		}
		_, err := c.ensure(context.Background())
		redialErr <- err
	}()

	c.drain(conn1)
	require.NoError(t, <-redialErr)

	// Whatever the interleaving, a drain of the old connection must not
	// clobber the redialed one.
	require.Equal(t, StateConnected, c.State())

	tr, err := c.Translate(context.Background(), "text", "en", "es", "")
	require.NoError(t, err)
	require.Equal(t, "ok", tr.Text)
}

func TestNoDuplicateSessionIDsInFlight(t *testing.T) {
	c := newClient("test", "ws://localhost:0", false)
	_, err := c.addPending("abc", false)
	require.NoError(t, err)
	_, err = c.addPending("abc", false)
	require.Error(t, err)
	c.removePending("abc")
	_, err = c.addPending("abc", false)
	require.NoError(t, err)
}

func TestTTSSynthesize(t *testing.T) {
	chunk1 := pcm.EncodeBase64([]int16{100, 200, 300})
	chunk2 := pcm.EncodeBase64([]int16{-100, -200})

	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		var req ttsRequest
		if err := readJSON(ctx, c, &req); err != nil {
			return
		}

		_ = writeJSON(ctx, c, ttsResponse{SessionID: req.SessionID, AudioChunk: &chunk1, SampleRate: 16000, TTFTMs: 80})
		_ = writeJSON(ctx, c, ttsResponse{SessionID: req.SessionID, AudioChunk: &chunk2, SampleRate: 16000})
		_ = writeJSON(ctx, c, ttsResponse{SessionID: req.SessionID, SampleRate: 16000, IsFinal: true})
	})

	c := NewTTSClient(url)
	defer c.Close()

	ch, err := c.Synthesize(context.Background(), "hola", "es-mx-female-1", "es", 1.0)
	require.NoError(t, err)

	var chunks []SynthesisChunk
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 3)
	require.Equal(t, pcm.Int16ToFloat32([]int16{100, 200, 300}), chunks[0].Samples)
	require.Equal(t, float64(80), chunks[0].TTFTMs)
	require.False(t, chunks[0].IsFinal)
	require.Equal(t, pcm.Int16ToFloat32([]int16{-100, -200}), chunks[1].Samples)
	require.True(t, chunks[2].IsFinal)
	require.Empty(t, chunks[2].Samples)
	require.Zero(t, c.pendingCount())
}

func TestTTSDisconnectMidStream(t *testing.T) {
	chunk1 := pcm.EncodeBase64([]int16{1, 2, 3})

	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		var req ttsRequest
		if err := readJSON(ctx, c, &req); err != nil {
			return
		}
		_ = writeJSON(ctx, c, ttsResponse{SessionID: req.SessionID, AudioChunk: &chunk1, SampleRate: 16000})
		c.CloseNow()
	})

	c := NewTTSClient(url)
	defer c.Close()

	ch, err := c.Synthesize(context.Background(), "hola", "es-mx-female-1", "es", 1.0)
	require.NoError(t, err)

	var chunks []SynthesisChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}

	// One audio chunk, then a terminal error instead of the final marker.
	require.GreaterOrEqual(t, len(chunks), 1)
	require.NoError(t, chunks[0].Err)
	last := chunks[len(chunks)-1]
	require.ErrorIs(t, last.Err, ErrTransport)
	require.Zero(t, c.pendingCount())
}

func TestRequestTimeout(t *testing.T) {
	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		// Swallow requests, never respond.
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})

	c := NewMTClient(url)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Translate(ctx, "text", "en", "es", "")
	require.ErrorIs(t, err, ErrTimeout)
	require.Zero(t, c.pendingCount())
}

func TestCloseRejectsPending(t *testing.T) {
	url := newTestService(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})

	c := NewMTClient(url)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Translate(context.Background(), "text", "en", "es", "")
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return c.pendingCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.ErrorIs(t, <-errCh, ErrTransport)

	_, err := c.Translate(context.Background(), "text", "en", "es", "")
	require.ErrorIs(t, err, ErrClosed)
}
