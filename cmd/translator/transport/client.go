// Package transport implements the streaming clients for the three external
// speech services. Each client multiplexes many in-flight requests over one
// persistent websocket, correlated by session id. Reconnection is lazy and
// demand-driven: a failed connection is only re-established when the next
// request needs it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Error kinds of the transport taxonomy. Callers match with errors.Is.
var (
	// ErrTimeout is returned when a request exceeds its hard timeout.
	ErrTimeout = errors.New("request timed out")
	// ErrTransport is returned when the connection fails mid-request. All
	// pending requests on a failing connection are rejected with it.
	ErrTransport = errors.New("transport failed")
	// ErrClosed is returned for requests issued after Close.
	ErrClosed = errors.New("client is closed")
)

// Soft limits after which a request is considered slow. Exceeding them is
// logged and tagged on the span; only the hard timeouts fail the request.
const (
	SoftTimeoutSTT = 5 * time.Second
	SoftTimeoutMT  = 2 * time.Second
	SoftTimeoutTTS = 5 * time.Second

	hardTimeoutSTT = 10 * time.Second
	hardTimeoutMT  = 10 * time.Second
	hardTimeoutTTS = 15 * time.Second
)

const (
	writeChBuffer  = 64
	streamChBuffer = 32
	writeTimeout   = 10 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

type completion struct {
	data json.RawMessage
	err  error
}

type pendingReq struct {
	id     string
	ch     chan completion
	stream bool
}

// frame is one websocket message. A request may consist of several frames
// written back to back (e.g. a JSON header followed by binary PCM).
type frame struct {
	typ  websocket.MessageType
	data []byte
}

// wsConn wraps one live connection. The closed channel is closed exactly
// once when the connection drains, waking every request parked on it.
type wsConn struct {
	ws      *websocket.Conn
	writeCh chan []frame
	closed  chan struct{}
}

// client is the correlation core shared by the service clients: one
// connection, a writer loop fed by a bounded channel, a reader loop
// dispatching responses to the pending registry.
type client struct {
	name string
	url  string

	// pairOldest enables the degraded mode where a response without a
	// session id completes the oldest pending request.
	pairOldest bool

	// dialMut serializes connection attempts so concurrent requests on a
	// disconnected client trigger a single dial.
	dialMut sync.Mutex

	mut     sync.Mutex
	state   State
	conn    *wsConn
	pending map[string]*pendingReq
	order   []string
	closed  bool
}

func newClient(name, url string, pairOldest bool) *client {
	return &client{
		name:       name,
		url:        url,
		pairOldest: pairOldest,
		pending:    make(map[string]*pendingReq),
	}
}

func (c *client) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.state
}

// Connect dials eagerly. Requests dial on demand, so this is only needed at
// startup where an unreachable service must abort the worker.
func (c *client) Connect(ctx context.Context) error {
	_, err := c.ensure(ctx)
	return err
}

// Close rejects all pending requests and tears the connection down. The
// client cannot be reused afterwards.
func (c *client) Close() error {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mut.Unlock()

	if conn != nil {
		c.drain(conn)
	}
	return nil
}

// ensure returns a connected wsConn, dialing if necessary.
func (c *client) ensure(ctx context.Context) (*wsConn, error) {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return nil, ErrClosed
	}
	if c.state == StateConnected {
		conn := c.conn
		c.mut.Unlock()
		return conn, nil
	}
	c.mut.Unlock()

	c.dialMut.Lock()
	defer c.dialMut.Unlock()

	// Another request may have finished the dial while we waited.
	c.mut.Lock()
	if c.state == StateConnected {
		conn := c.conn
		c.mut.Unlock()
		return conn, nil
	}
	c.state = StateConnecting
	c.mut.Unlock()

	slog.Debug("dialing service", slog.String("service", c.name), slog.String("url", c.url))

	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		c.mut.Lock()
		c.state = StateDisconnected
		c.mut.Unlock()
		return nil, fmt.Errorf("failed to dial %s service: %w", c.name, errors.Join(err, ErrTransport))
	}

	conn := &wsConn{
		ws:      ws,
		writeCh: make(chan []frame, writeChBuffer),
		closed:  make(chan struct{}),
	}

	c.mut.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mut.Unlock()

	go c.readLoop(conn)
	go c.writeLoop(conn)

	slog.Debug("service connected", slog.String("service", c.name))

	return conn, nil
}

func (c *client) readLoop(conn *wsConn) {
	for {
		typ, data, err := conn.ws.Read(context.Background())
		if err != nil {
			select {
			case <-conn.closed:
			default:
				slog.Warn("service connection lost",
					slog.String("service", c.name), slog.String("err", err.Error()))
			}
			c.drain(conn)
			return
		}

		if typ != websocket.MessageText {
			continue
		}

		c.dispatch(data)
	}
}

func (c *client) writeLoop(conn *wsConn) {
	for {
		select {
		case frames := <-conn.writeCh:
			for _, f := range frames {
				ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				err := conn.ws.Write(ctx, f.typ, f.data)
				cancel()
				if err != nil {
					slog.Warn("service write failed",
						slog.String("service", c.name), slog.String("err", err.Error()))
					c.drain(conn)
					return
				}
			}
		case <-conn.closed:
			return
		}
	}
}

// drain moves the client to Draining, rejects every pending completion with
// ErrTransport and leaves the client Disconnected. The next request will
// reconnect.
func (c *client) drain(conn *wsConn) {
	c.mut.Lock()
	if c.conn != conn {
		// A newer connection already took over.
		c.mut.Unlock()
		return
	}
	c.state = StateDraining
	rejected := make([]*pendingReq, 0, len(c.pending))
	for _, p := range c.pending {
		rejected = append(rejected, p)
	}
	c.pending = make(map[string]*pendingReq)
	c.order = nil
	c.conn = nil
	c.mut.Unlock()

	close(conn.closed)
	_ = conn.ws.Close(websocket.StatusNormalClosure, "")

	for _, p := range rejected {
		select {
		case p.ch <- completion{err: ErrTransport}:
		default:
		}
	}

	if n := len(rejected); n > 0 {
		slog.Warn("rejected pending requests on transport failure",
			slog.String("service", c.name), slog.Int("count", n))
	}

	c.mut.Lock()
	// A request may have dialed a fresh connection while pendings were
	// being rejected; its state must not be clobbered.
	if c.conn == nil {
		c.state = StateDisconnected
	}
	c.mut.Unlock()
}

// dispatch routes one response to its pending request by session id. A
// response with an unknown id is dropped: completing some other request
// instead would hand a result to the wrong caller.
func (c *client) dispatch(data []byte) {
	var env struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("failed to parse service response",
			slog.String("service", c.name), slog.String("err", err.Error()))
		return
	}

	c.mut.Lock()
	var p *pendingReq
	if env.SessionID == "" {
		if !c.pairOldest {
			c.mut.Unlock()
			slog.Warn("dropping response without session id", slog.String("service", c.name))
			return
		}
		// Degraded mode: the service omitted the id, pair with the oldest
		// pending request on this connection.
		for len(c.order) > 0 {
			id := c.order[0]
			c.order = c.order[1:]
			if req, ok := c.pending[id]; ok {
				p = req
				break
			}
		}
		if p != nil {
			slog.Warn("response missing session id, pairing with oldest pending request",
				slog.String("service", c.name), slog.String("sessionID", p.id))
			if !p.stream {
				delete(c.pending, p.id)
			}
		}
	} else if req, ok := c.pending[env.SessionID]; ok {
		p = req
		if !p.stream {
			delete(c.pending, p.id)
		}
	}
	c.mut.Unlock()

	if p == nil {
		slog.Warn("dropping response for unknown session",
			slog.String("service", c.name), slog.String("sessionID", env.SessionID))
		return
	}

	select {
	case p.ch <- completion{data: data}:
	default:
		// The consumer fell behind; this is a real-time pipeline, late
		// chunks are dropped rather than buffered without bound.
		slog.Warn("dropping response for slow consumer",
			slog.String("service", c.name), slog.String("sessionID", p.id))
	}
}

func (c *client) addPending(id string, stream bool) (*pendingReq, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if _, ok := c.pending[id]; ok {
		return nil, fmt.Errorf("session id %q already in flight", id)
	}

	buffer := 1
	if stream {
		buffer = streamChBuffer
	}

	p := &pendingReq{
		id:     id,
		ch:     make(chan completion, buffer),
		stream: stream,
	}
	c.pending[id] = p
	c.order = append(c.order, id)

	return p, nil
}

func (c *client) removePending(id string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	delete(c.pending, id)
}

func (c *client) pendingCount() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}

// send enqueues the request frames on the writer loop.
func (c *client) send(ctx context.Context, conn *wsConn, frames []frame) error {
	select {
	case conn.writeCh <- frames:
		return nil
	case <-conn.closed:
		return ErrTransport
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roundTrip performs one unary request: register, send, await the single
// completion.
func (c *client) roundTrip(ctx context.Context, sessionID string, frames []frame, hardTimeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	conn, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}

	p, err := c.addPending(sessionID, false)
	if err != nil {
		return nil, err
	}
	defer c.removePending(sessionID)

	if err := c.send(ctx, conn, frames); err != nil {
		return nil, c.requestErr(err)
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-conn.closed:
		return nil, ErrTransport
	case <-ctx.Done():
		return nil, c.requestErr(ctx.Err())
	}
}

// requestErr maps context errors to the transport taxonomy: a deadline is a
// TIMEOUT, everything else passes through (cancellation stays cancellation).
func (c *client) requestErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s request: %w", c.name, ErrTimeout)
	}
	return err
}
