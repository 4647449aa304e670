// Package transport is the session side of the relay connection: a websocket client with named
// event subscriptions, fire-and-forget emits and automatic reconnection.
//
// Lifecycle changes are delivered through the same subscription mechanism as protocol messages,
// using the protocol.Connect, protocol.ConnectError, protocol.Reconnect and protocol.Disconnect
// event names. All handlers of one Client run on a single goroutine in arrival order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/docsync/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrBufferFull   = errors.New("send buffer full")
)

// Handler receives the raw data of an event. Lifecycle events carry no data.
type Handler func(data json.RawMessage)

// Subscription identifies a registered handler so it can be removed with Off.
type Subscription struct {
	Event string
	ID    uint64
}

type Options struct {
	Dialer *websocket.Dialer
	Header http.Header
	// NewBackOff builds the retry schedule used after a failed dial or a dropped connection.
	// Returning backoff.Stop from NextBackOff makes the client give up.
	NewBackOff func() backoff.BackOff
	SendBuffer int
	WriteWait  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.NewBackOff == nil {
		o.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

type handlerEntry struct {
	id   uint64
	fn   Handler
	once bool
}

type Client struct {
	endpoint string
	opts     Options

	mu       sync.Mutex
	handlers map[string][]handlerEntry
	nextID   uint64
	state    protocol.ConnectionState
	conn     *websocket.Conn
	outbox   chan []byte
	started  bool

	// for the live connection: closeOutbox ends the write pump, which closes writerDone once every
	// queued frame is written
	closeOutbox func()
	writerDone  chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates an unconnected client. Register handlers, then call Connect.
func New(endpoint string, opts Options) *Client {
	return &Client{
		endpoint: endpoint,
		opts:     opts.withDefaults(),
		handlers: make(map[string][]handlerEntry),
		state:    protocol.Connecting,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Connect starts dialing in the background and returns immediately.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.run()
}

// Disconnect closes the connection and stops reconnecting. It is idempotent and must not be
// called from inside a handler.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *Client) State() protocol.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) On(event string, h Handler) Subscription {
	return c.subscribe(event, h, false)
}

// Once registers a handler that is removed after its first delivery.
func (c *Client) Once(event string, h Handler) Subscription {
	return c.subscribe(event, h, true)
}

func (c *Client) Off(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.handlers[sub.Event]
	kept := make([]handlerEntry, 0, len(entries))
	for _, e := range entries {
		if e.id != sub.ID {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.handlers, sub.Event)
	} else {
		c.handlers[sub.Event] = kept
	}
}

// Emit queues a message on the live connection. Nothing is kept for a later connection.
func (c *Client) Emit(event string, payload interface{}) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbox == nil {
		return ErrNotConnected
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Client) subscribe(event string, h Handler, once bool) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: c.nextID, fn: h, once: once})
	return Subscription{Event: event, ID: c.nextID}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	entries := c.handlers[event]
	fns := make([]Handler, 0, len(entries))
	kept := make([]handlerEntry, 0, len(entries))
	for _, e := range entries {
		fns = append(fns, e.fn)
		if !e.once {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.handlers, event)
	} else {
		c.handlers[event] = kept
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

func (c *Client) run() {
	defer close(c.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
			c.mu.Lock()
			conn, closeOutbox, writerDone := c.conn, c.closeOutbox, c.writerDone
			c.outbox = nil
			c.mu.Unlock()
			if conn == nil {
				return
			}
			// frames accepted by Emit are written before the close frame
			closeOutbox()
			select {
			case <-writerDone:
			case <-time.After(c.opts.WriteWait):
				slog.Warn("timed out flushing outbox", "endpoint", c.endpoint)
			}
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	retry := c.opts.NewBackOff()
	everConnected := false
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.endpoint, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("failed to dial relay", "endpoint", c.endpoint, "err", err)
			c.setState(protocol.Failed)
			c.dispatch(protocol.ConnectError, nil)
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				slog.Error("giving up on relay", "endpoint", c.endpoint)
				return
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		retry.Reset()

		event, state := protocol.Connect, protocol.Connected
		if everConnected {
			event, state = protocol.Reconnect, protocol.Reconnected
		}
		everConnected = true

		outbox := make(chan []byte, c.opts.SendBuffer)
		closeOutbox := sync.OnceFunc(func() { close(outbox) })
		writerDone := make(chan struct{})
		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn, c.outbox, c.state = conn, outbox, state
		c.closeOutbox, c.writerDone = closeOutbox, writerDone
		c.mu.Unlock()

		go c.writePump(conn, outbox, writerDone)
		slog.Info("connected to relay", "endpoint", c.endpoint, "state", state)
		c.dispatch(event, nil)

		c.readPump(conn)

		c.mu.Lock()
		c.conn, c.outbox, c.state = nil, nil, protocol.Disconnected
		c.closeOutbox, c.writerDone = nil, nil
		c.mu.Unlock()
		closeOutbox()
		if ctx.Err() == nil {
			_ = conn.Close()
		}
		<-writerDone
		_ = conn.Close()
		c.dispatch(protocol.Disconnect, nil)

		if ctx.Err() != nil {
			return
		}
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			c.setState(protocol.Failed)
			return
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) setState(s protocol.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("relay connection lost", "endpoint", c.endpoint, "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			slog.Warn("dropping frame", "err", err)
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Client) writePump(conn *websocket.Conn, outbox <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for frame := range outbox {
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			slog.Error("failed to write message", "err", err)
			_ = conn.Close()
			// keep draining so the reader side can finish tearing down
			for range outbox {
			}
			return
		}
	}
}
