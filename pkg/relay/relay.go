// Package relay holds the authoritative copy of every open document and fans changes out to the
// sessions bound to it.
//
// Every operation on one document runs under that document's lock, so the relay is the single
// point that orders changes: per sender in emit order, across senders in arrival order.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/docsync/pkg/delta"
	"github.com/astromechza/docsync/pkg/protocol"
	"github.com/astromechza/docsync/pkg/store"
)

var (
	ErrUnknownDocument = errors.New("unknown document")
	ErrAlreadyBound    = errors.New("session is already bound to another document")
)

// Member is a session that receives frames for the document it joined. Send must not block.
type Member interface {
	SessionID() string
	Send(frame []byte)
}

type Options struct {
	// FlushInterval is how often documents changed since their last persist are written to the
	// store. Zero disables the periodic flush; Run still flushes once on shutdown.
	FlushInterval time.Duration
}

type Relay struct {
	store store.Store
	opts  Options
	docs  *registry

	mu       sync.Mutex
	sessions map[string]string
}

func New(s store.Store, opts Options) *Relay {
	return &Relay{
		store:    s,
		opts:     opts,
		docs:     newRegistry(),
		sessions: make(map[string]string),
	}
}

// GetDocument returns the snapshot of id, loading it from the store or creating and persisting an
// empty document the first time the id is seen.
func (r *Relay) GetDocument(ctx context.Context, id string) (*delta.Delta, error) {
	d, err := r.open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer d.mu.Unlock()
	return d.content.Clone(), nil
}

// Join binds m to document id and sends it the load-document frame. No change is fanned out to m
// before that frame, and none applied after the snapshot is missed.
func (r *Relay) Join(ctx context.Context, id string, m Member) (*delta.Delta, error) {
	r.mu.Lock()
	if bound, ok := r.sessions[m.SessionID()]; ok && bound != id {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, bound)
	}
	r.mu.Unlock()

	d, err := r.open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer d.mu.Unlock()

	frame, err := protocol.Encode(protocol.LoadDocument, d.content)
	if err != nil {
		return nil, err
	}
	d.members[m.SessionID()] = m
	r.mu.Lock()
	r.sessions[m.SessionID()] = id
	r.mu.Unlock()
	m.Send(frame)
	slog.Info("session joined", "document", id, "session", m.SessionID(), "members", len(d.members))
	return d.content.Clone(), nil
}

// OnChange applies change to the document and forwards it to every other member.
func (r *Relay) OnChange(id, sender string, change *delta.Delta) error {
	d, ok := r.docs.existing(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}

	next, err := delta.Apply(d.content, change)
	if err != nil {
		return fmt.Errorf("failed to apply change from %s: %w", sender, err)
	}
	frame, err := protocol.Encode(protocol.ReceiveChanges, change)
	if err != nil {
		return err
	}
	d.content = next
	d.dirty = true
	for sessionID, m := range d.members {
		if sessionID != sender {
			m.Send(frame)
		}
	}
	return nil
}

// OnSave overwrites the stored snapshot of id. The in-memory copy is left alone: it only moves
// through changes.
func (r *Relay) OnSave(ctx context.Context, id string, snapshot *delta.Delta) error {
	if !snapshot.IsDocument() {
		return fmt.Errorf("%w: snapshot contains non-insert ops", delta.ErrInvalidOp)
	}
	d, ok := r.docs.existing(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	return r.persist(ctx, id, snapshot)
}

// OnSessionEnd removes the session from its document. The document stays open.
func (r *Relay) OnSessionEnd(sessionID string) {
	r.mu.Lock()
	id, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if d, ok := r.docs.existing(id); ok {
		d.mu.Lock()
		delete(d.members, sessionID)
		remaining := len(d.members)
		d.mu.Unlock()
		slog.Info("session left", "document", id, "session", sessionID, "members", remaining)
	}
}

// Lookup returns the current snapshot of id without creating it. Unknown ids leave no registry
// entry behind.
func (r *Relay) Lookup(ctx context.Context, id string) (*delta.Delta, bool, error) {
	if d, ok := r.docs.existing(id); ok {
		d.mu.Lock()
		if d.loaded {
			defer d.mu.Unlock()
			return d.content.Clone(), true, nil
		}
		d.mu.Unlock()
	}
	content, err := r.loadStored(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}

	d := r.docs.entry(id)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		d.content, d.loaded = content, true
	}
	return d.content.Clone(), true, nil
}

// Members returns the ids of the sessions bound to id.
func (r *Relay) Members(id string) []string {
	d, ok := r.docs.existing(id)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.members))
	for sessionID := range d.members {
		out = append(out, sessionID)
	}
	return out
}

// Flush persists every document changed since it was last persisted.
func (r *Relay) Flush(ctx context.Context) error {
	var errs []error
	for _, d := range r.docs.all() {
		d.mu.Lock()
		if d.loaded && d.dirty {
			if err := r.persist(ctx, d.id, d.content); err != nil {
				errs = append(errs, err)
			} else {
				d.dirty = false
				slog.Info("backed up", "document", d.id, "length", d.content.Length())
			}
		}
		d.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Run flushes on the configured interval until ctx is done, then flushes one final time.
func (r *Relay) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.opts.FlushInterval > 0 {
		t := time.NewTicker(r.opts.FlushInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-tick:
			if err := r.Flush(ctx); err != nil {
				slog.Error("failed to backup documents", "err", err)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return r.Flush(flushCtx)
		}
	}
}

// open returns the loaded document with its lock held.
func (r *Relay) open(ctx context.Context, id string) (*document, error) {
	d := r.docs.entry(id)
	d.mu.Lock()
	if d.loaded {
		return d, nil
	}
	content, err := r.loadStored(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		content = delta.New()
		if err := r.persist(ctx, id, content); err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("failed to create document %s: %w", id, err)
		}
		slog.Info("created document", "document", id)
	case err != nil:
		d.mu.Unlock()
		return nil, err
	}
	d.content, d.loaded = content, true
	return d, nil
}

func (r *Relay) loadStored(ctx context.Context, id string) (*delta.Delta, error) {
	raw, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := delta.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	if !content.IsDocument() {
		return nil, fmt.Errorf("failed to load document %s: %w: stored snapshot contains non-insert ops", id, delta.ErrInvalidOp)
	}
	return content, nil
}

func (r *Relay) persist(ctx context.Context, id string, snapshot *delta.Delta) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := r.store.Save(ctx, id, raw); err != nil {
		return fmt.Errorf("failed to save document %s: %w", id, err)
	}
	return nil
}
