// Package transport implements component C2: a single WebSocket connection
// to the browser's DevTools endpoint, with one reader goroutine, one writer
// goroutine, and an in-flight command table keyed by message id. It is
// grounded on the teacher's conn.go (gorilla/websocket wrapped with reused
// easyjson buffers) and target.go/browser.go's single-reader-goroutine
// demux loop, generalized to the C2/C3 split described in the spec: the
// connection owns nothing but the socket and the in-flight table, and hands
// every inbound event to an eventbus.Bus rather than routing sessions
// itself.
package transport

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"go.uber.org/zap"

	"github.com/stephanlensky/zendriver/eventbus"
	"github.com/stephanlensky/zendriver/internal/wire"
	"github.com/stephanlensky/zendriver/zderrors"
)

type state int32

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

// Connection is a single WebSocket connection to a DevTools endpoint. All
// exported methods are safe for concurrent use.
type Connection struct {
	endpoint string
	ws       *websocket.Conn
	log      *zap.SugaredLogger

	nextID int64

	mu      sync.Mutex
	st      state
	waiters map[int64]chan *cdproto.Message

	bus *eventbus.Bus

	writeQueue chan writeJob
	closed     chan struct{}
	closeOnce  sync.Once
}

type writeJob struct {
	msg  *cdproto.Message
	errc chan error
}

// Option customizes a Connection at Open time.
type Option func(*Connection)

// WithLogger attaches a structured logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(c *Connection) { c.log = l } }

// WithBus attaches a pre-constructed event bus, letting callers install
// handlers before the first frame can possibly arrive. A fresh bus is
// created when this option is omitted.
func WithBus(b *eventbus.Bus) Option { return func(c *Connection) { c.bus = b } }

// writeBufferSize and readBufferSize mirror the teacher's conn.go, sized
// generously for CDP's occasionally large Page.captureScreenshot replies.
const (
	readBufferSize  = 25 * 1024 * 1024
	writeBufferSize = 10 * 1024 * 1024
)

// Open dials endpoint (a ws:// DevTools URL) and starts the connection's
// reader and writer goroutines.
func Open(ctx context.Context, endpoint string, opts ...Option) (*Connection, error) {
	d := websocket.Dialer{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
	}
	ws, _, err := d.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, zderrors.New(zderrors.KindConnect, zderrors.WithErr(err), zderrors.WithMessage(endpoint))
	}

	c := &Connection{
		endpoint:   endpoint,
		ws:         ws,
		log:        zap.NewNop().Sugar(),
		waiters:    make(map[int64]chan *cdproto.Message),
		writeQueue: make(chan writeJob, 64),
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.bus == nil {
		c.bus = eventbus.New(eventbus.WithLogger(c.log))
	}

	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Bus returns the event bus events are published to. Install subscriptions
// and handlers on it before relying on delivery, since publishing starts as
// soon as Open returns.
func (c *Connection) Bus() *eventbus.Bus { return c.bus }

// Send issues a CDP command and blocks until the matching reply arrives, ctx
// is cancelled, or the connection closes. params may be nil for commands
// that take no arguments. res may be nil to discard the reply payload.
func (c *Connection) Send(ctx context.Context, method cdproto.MethodType, sessionID target.SessionID, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	id := atomic.AddInt64(&c.nextID, 1)
	msg, err := wire.EncodeCommand(id, method, sessionID, params)
	if err != nil {
		return err
	}

	ch := make(chan *cdproto.Message, 1)
	c.mu.Lock()
	if c.st != stateOpen {
		c.mu.Unlock()
		return zderrors.New(zderrors.KindConnectionClosed, zderrors.WithMethod(string(method)), zderrors.WithSession(string(sessionID)))
	}
	c.waiters[id] = ch
	c.mu.Unlock()

	errc := make(chan error, 1)
	select {
	case c.writeQueue <- writeJob{msg, errc}:
	case <-ctx.Done():
		c.removeWaiter(id)
		return zderrors.New(zderrors.KindCancelled, zderrors.WithMethod(string(method)), zderrors.WithErr(ctx.Err()))
	case <-c.closed:
		c.removeWaiter(id)
		return zderrors.New(zderrors.KindConnectionClosed, zderrors.WithMethod(string(method)))
	}

	select {
	case err := <-errc:
		if err != nil {
			c.removeWaiter(id)
			return zderrors.New(zderrors.KindProtocol, zderrors.WithMethod(string(method)), zderrors.WithErr(err))
		}
	case <-ctx.Done():
		c.removeWaiter(id)
		return zderrors.New(zderrors.KindCancelled, zderrors.WithMethod(string(method)), zderrors.WithErr(ctx.Err()))
	}

	select {
	case reply, ok := <-ch:
		if !ok || reply == nil {
			return zderrors.New(zderrors.KindConnectionClosed, zderrors.WithMethod(string(method)))
		}
		if cerr := wire.ProtocolError(reply); cerr != nil {
			return zderrors.New(zderrors.KindProtocol, zderrors.WithMethod(string(method)), zderrors.WithCode(cerr.Code), zderrors.WithMessage(cerr.Message))
		}
		if res != nil && len(reply.Result) > 0 {
			return easyjson.Unmarshal(reply.Result, res)
		}
		return nil
	case <-ctx.Done():
		c.removeWaiter(id)
		return zderrors.New(zderrors.KindCancelled, zderrors.WithMethod(string(method)), zderrors.WithErr(ctx.Err()))
	}
}

func (c *Connection) removeWaiter(id int64) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// readLoop is the connection's single reader goroutine: it removes each
// waiter from the in-flight table when its reply arrives (Send removes its
// own waiter on cancellation, and teardown clears the table) and is the
// sole publisher on the event bus, per the spec's "single reader" rule.
func (c *Connection) readLoop() {
	defer c.teardown()
	for {
		typ, r, err := c.ws.NextReader()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}

		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			c.log.Warnw("reading websocket frame", "error", err)
			return
		}

		msg := new(cdproto.Message)
		if err := wire.Unmarshal(buf.Bytes(), msg); err != nil {
			c.log.Warnw("dropping malformed frame", "error", err)
			continue
		}

		switch {
		case wire.IsReply(msg):
			c.mu.Lock()
			ch, ok := c.waiters[msg.ID]
			if ok {
				delete(c.waiters, msg.ID)
			}
			c.mu.Unlock()
			if !ok {
				c.log.Debugw("dropping reply with no waiter", "id", msg.ID)
				continue
			}
			ch <- msg

		case msg.Method != "":
			ev, err := wire.DecodeEvent(msg)
			if err != nil {
				c.log.Debugw("dropping undecodable event", "method", msg.Method, "error", err)
				continue
			}
			c.bus.Publish(eventbus.Kind(msg.Method), msg.SessionID, ev)

		default:
			c.log.Warnw("ignoring message with neither id nor method")
		}
	}
}

// writeLoop is the connection's single writer goroutine. Serializing all
// writes through one goroutine avoids interleaving frames on the socket,
// the same reason the teacher's conn.go guards Write with its own mutex.
func (c *Connection) writeLoop() {
	for {
		select {
		case job := <-c.writeQueue:
			job.errc <- c.writeFrame(job.msg)
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeFrame(msg *cdproto.Message) error {
	raw, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Connection) teardown() {
	c.mu.Lock()
	if c.st == stateClosed {
		c.mu.Unlock()
		return
	}
	c.st = stateClosed
	waiters := c.waiters
	c.waiters = make(map[int64]chan *cdproto.Message)
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	c.bus.Terminate()
	c.closeOnce.Do(func() { close(c.closed) })
}

// Close gracefully closes the underlying socket and releases every
// in-flight Send and event subscription. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.st != stateOpen {
		c.mu.Unlock()
		return nil
	}
	c.st = stateClosing
	c.mu.Unlock()

	err := c.ws.Close()
	c.teardown()
	return err
}
