// Package session drives one editing session: it loads the document from the relay, forwards
// user edits, applies remote edits and saves the working copy on a fixed interval.
//
// All state lives in a single event loop. Transport and surface callbacks only post events to it,
// so no two steps of the state machine ever run at the same time.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/docsync/pkg/delta"
	"github.com/astromechza/docsync/pkg/protocol"
	"github.com/astromechza/docsync/pkg/transport"
)

const (
	DefaultSaveInterval = 2000 * time.Millisecond
	DefaultLoadTimeout  = 10 * time.Second
)

// Status messages, as shown to the user.
const (
	StatusConnecting    = "Connecting..."
	StatusLoading       = "Loading document..."
	StatusLoaded        = "Document loaded."
	StatusLoadFailed    = "Failed to load document."
	StatusLoadTimeout   = "Timed out loading document."
	StatusSaved         = "Document saved."
	StatusConnectFailed = "Connection failed."
	StatusReconnected   = "Reconnected."
	StatusDisconnected  = "Disconnected."
	StatusClosed        = "Closed."
)

type State int

const (
	Idle State = iota
	AwaitingConnection
	AwaitingDocument
	Ready
	Disconnected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingConnection:
		return "awaiting-connection"
	case AwaitingDocument:
		return "awaiting-document"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Status struct {
	State   State
	Message string
}

// Transport is the connection to the relay. *transport.Client implements it.
type Transport interface {
	Connect()
	On(event string, h transport.Handler) transport.Subscription
	Once(event string, h transport.Handler) transport.Subscription
	Off(sub transport.Subscription)
	Emit(event string, payload interface{}) error
	Disconnect()
}

// Surface is the editing surface holding the working copy. *editor.Editor implements it.
type Surface interface {
	SetContents(snapshot *delta.Delta) error
	ApplyRemote(change *delta.Delta) error
	Snapshot() *delta.Delta
	Enable()
	Disable()
	OnLocalChange(fn func(*delta.Delta)) func()
}

type Options struct {
	// SaveInterval is the period of save-document checkpoints. Defaults to DefaultSaveInterval.
	SaveInterval time.Duration
	// LoadTimeout bounds the wait for load-document. Zero means DefaultLoadTimeout, negative waits
	// forever.
	LoadTimeout time.Duration
	// OnStatus is called from the event loop on every status update, including repeated saves. It
	// must not block.
	OnStatus func(Status)
}

type eventKind int

const (
	evConnected eventKind = iota
	evReconnected
	evConnectError
	evDisconnected
	evLoaded
	evLoadFailed
	evRemote
	evLocal
)

type event struct {
	kind       eventKind
	generation uint64
	data       json.RawMessage
	change     *delta.Delta
}

// pendingLoad is the single-use completion of one get-document request: the first of its
// load-document, load-document-error or timeout wins and the rest are cancelled.
type pendingLoad struct {
	generation uint64
	subs       []transport.Subscription
	timer      *time.Timer
}

func (p *pendingLoad) cancel(t Transport) {
	for _, sub := range p.subs {
		t.Off(sub)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
}

type Controller struct {
	documentID string
	transport  Transport
	surface    Surface
	opts       Options

	events   chan event
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}
	runOnce  sync.Once

	mu     sync.Mutex
	status Status

	// owned by the event loop
	state      State
	generation uint64
	terminal   bool
	lifecycle  []transport.Subscription
	pending    *pendingLoad
	changesSub *transport.Subscription
	stopLocal  func()
	saveTicker *time.Ticker
}

func New(documentID string, t Transport, s Surface, opts Options) *Controller {
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = DefaultSaveInterval
	}
	if opts.LoadTimeout == 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	return &Controller{
		documentID: documentID,
		transport:  t,
		surface:    s,
		opts:       opts,
		events:     make(chan event, 64),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		status:     Status{State: Idle},
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close ends the session. Run returns once teardown is complete.
func (c *Controller) Close() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// Run connects and processes events until ctx is done or Close is called. Problems are reported
// through the status, never returned. Teardown always detaches every listener, stops the timers
// and disconnects the transport. Run may only be called once.
func (c *Controller) Run(ctx context.Context) {
	first := false
	c.runOnce.Do(func() { first = true })
	if !first {
		return
	}
	defer c.teardown()

	c.lifecycle = []transport.Subscription{
		c.transport.On(protocol.Connect, c.post(evConnected)),
		c.transport.On(protocol.Reconnect, c.post(evReconnected)),
		c.transport.On(protocol.ConnectError, c.post(evConnectError)),
		c.transport.On(protocol.Disconnect, c.post(evDisconnected)),
	}
	c.setStatus(AwaitingConnection, StatusConnecting)
	c.transport.Connect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case ev := <-c.events:
			c.handle(ev)
		case <-c.saveC():
			c.save()
		case <-c.loadTimeoutC():
			slog.Warn("timed out waiting for document", "document", c.documentID, "timeout", c.opts.LoadTimeout)
			c.fail(StatusLoadTimeout)
		}
	}
}

func (c *Controller) post(kind eventKind) transport.Handler {
	return func(data json.RawMessage) {
		c.enqueue(event{kind: kind, data: data})
	}
}

func (c *Controller) enqueue(ev event) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

func (c *Controller) saveC() <-chan time.Time {
	if c.saveTicker == nil {
		return nil
	}
	return c.saveTicker.C
}

func (c *Controller) loadTimeoutC() <-chan time.Time {
	if c.pending == nil || c.pending.timer == nil {
		return nil
	}
	return c.pending.timer.C
}

func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evConnected:
		c.requestDocument()
	case evReconnected:
		if c.terminal {
			return
		}
		c.setStatus(c.state, StatusReconnected)
		c.requestDocument()
	case evConnectError:
		c.detach()
		c.surface.Disable()
		if !c.terminal {
			c.setStatus(Failed, StatusConnectFailed)
		}
	case evDisconnected:
		// edits made now would be replaced by the re-fetched snapshot
		c.detach()
		c.surface.Disable()
		if !c.terminal {
			c.setStatus(Disconnected, StatusDisconnected)
		}
	case evLoaded:
		if c.pending == nil || c.pending.generation != ev.generation {
			return
		}
		c.loaded(ev.data)
	case evLoadFailed:
		if c.pending == nil || c.pending.generation != ev.generation {
			return
		}
		slog.Warn("relay failed to load document", "document", c.documentID)
		c.fail(StatusLoadFailed)
	case evRemote:
		if c.state != Ready || ev.generation != c.generation {
			return
		}
		change, err := delta.Parse(ev.data)
		if err != nil {
			slog.Warn("dropping remote change", "document", c.documentID, "err", err)
			return
		}
		if err := c.surface.ApplyRemote(change); err != nil {
			slog.Warn("failed to apply remote change", "document", c.documentID, "err", err)
		}
	case evLocal:
		if c.state != Ready {
			return
		}
		if err := c.transport.Emit(protocol.SendChanges, ev.change); err != nil {
			slog.Warn("failed to send change", "document", c.documentID, "err", err)
		}
	}
}

// requestDocument arms the one-shot load listeners and asks the relay for the document. It runs on
// every connect and reconnect since the relay's copy may have moved on.
func (c *Controller) requestDocument() {
	if c.terminal {
		return
	}
	c.detach()
	c.generation++
	gen := c.generation

	pending := &pendingLoad{generation: gen}
	pending.subs = []transport.Subscription{
		c.transport.Once(protocol.LoadDocument, func(data json.RawMessage) {
			c.enqueue(event{kind: evLoaded, generation: gen, data: data})
		}),
		c.transport.Once(protocol.LoadDocumentError, func(data json.RawMessage) {
			c.enqueue(event{kind: evLoadFailed, generation: gen})
		}),
	}
	// registered before the request so no change sent right after the snapshot is missed
	sub := c.transport.On(protocol.ReceiveChanges, func(data json.RawMessage) {
		c.enqueue(event{kind: evRemote, generation: gen, data: data})
	})
	c.changesSub = &sub
	if c.opts.LoadTimeout > 0 {
		pending.timer = time.NewTimer(c.opts.LoadTimeout)
	}
	c.pending = pending

	if err := c.transport.Emit(protocol.GetDocument, c.documentID); err != nil {
		slog.Warn("failed to request document", "document", c.documentID, "err", err)
	}
	c.setStatus(AwaitingDocument, StatusLoading)
}

func (c *Controller) loaded(data json.RawMessage) {
	c.pending.cancel(c.transport)
	c.pending = nil

	snapshot, err := delta.Parse(data)
	if err != nil {
		slog.Error("received bad snapshot", "document", c.documentID, "err", err)
		c.fail(StatusLoadFailed)
		return
	}
	if err := c.surface.SetContents(snapshot); err != nil {
		slog.Error("failed to apply snapshot", "document", c.documentID, "err", err)
		c.fail(StatusLoadFailed)
		return
	}
	c.surface.Enable()
	c.stopLocal = c.surface.OnLocalChange(func(change *delta.Delta) {
		c.enqueue(event{kind: evLocal, change: change})
	})
	c.saveTicker = time.NewTicker(c.opts.SaveInterval)
	slog.Info("document loaded", "document", c.documentID, "length", snapshot.Length())
	c.setStatus(Ready, StatusLoaded)
}

func (c *Controller) save() {
	if c.state != Ready {
		return
	}
	if err := c.transport.Emit(protocol.SaveDocument, c.surface.Snapshot()); err != nil {
		slog.Warn("failed to save document", "document", c.documentID, "err", err)
		return
	}
	c.setStatus(Ready, StatusSaved)
}

// fail moves to the terminal Failed state: the document stays read-only and reconnects are ignored.
func (c *Controller) fail(message string) {
	c.detach()
	c.terminal = true
	c.surface.Disable()
	c.setStatus(Failed, message)
}

// detach removes every protocol listener and stops the save ticker. Lifecycle listeners stay.
func (c *Controller) detach() {
	if c.pending != nil {
		c.pending.cancel(c.transport)
		c.pending = nil
	}
	if c.changesSub != nil {
		c.transport.Off(*c.changesSub)
		c.changesSub = nil
	}
	if c.stopLocal != nil {
		c.stopLocal()
		c.stopLocal = nil
	}
	if c.saveTicker != nil {
		c.saveTicker.Stop()
		c.saveTicker = nil
	}
}

func (c *Controller) teardown() {
	close(c.stopped)
	c.detach()
	for _, sub := range c.lifecycle {
		c.transport.Off(sub)
	}
	c.lifecycle = nil
	c.transport.Disconnect()
	c.surface.Disable()
	c.setStatus(Closed, StatusClosed)
}

func (c *Controller) setStatus(state State, message string) {
	c.state = state
	c.mu.Lock()
	changed := c.status.State != state || c.status.Message != message
	c.status = Status{State: state, Message: message}
	c.mu.Unlock()
	if changed && message != StatusSaved {
		slog.Info("status", "document", c.documentID, "state", state, "message", message)
	} else {
		slog.Debug("status", "document", c.documentID, "state", state, "message", message)
	}
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(Status{State: state, Message: message})
	}
}
