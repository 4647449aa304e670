// Package editor is an in-memory rich-text editing surface.
//
// It holds the session's working copy of a document and tags every change with its origin, so a
// listener can tell user edits apart from content that was applied programmatically.
package editor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/astromechza/docsync/pkg/delta"
)

// ErrDisabled is returned for user edits while the surface is disabled.
var ErrDisabled = errors.New("editor is disabled")

// Placeholder is shown until the first snapshot is loaded.
const Placeholder = "Loading..."

// Origin tags where a change came from.
type Origin int

const (
	// OriginLocal is a change made by the user on this surface.
	OriginLocal Origin = iota
	// OriginRemote is a change applied programmatically: a remote edit or a snapshot load.
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

type Change struct {
	Delta  *delta.Delta
	Origin Origin
}

// Editor is safe for concurrent use. Listeners are called synchronously, outside the lock, in the
// goroutine that made the change.
type Editor struct {
	mu        sync.Mutex
	content   *delta.Delta
	enabled   bool
	listeners map[uint64]func(Change)
	nextID    uint64
}

// New returns a disabled editor showing the placeholder text.
func New() *Editor {
	return &Editor{
		content:   delta.New().Insert(Placeholder, nil),
		listeners: make(map[uint64]func(Change)),
	}
}

func (e *Editor) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = true
}

func (e *Editor) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = false
}

func (e *Editor) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Snapshot returns a copy of the current content.
func (e *Editor) Snapshot() *delta.Delta {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content.Clone()
}

// SetContents replaces the whole content. It is reported as a remote change.
func (e *Editor) SetContents(snapshot *delta.Delta) error {
	if !snapshot.IsDocument() {
		return fmt.Errorf("%w: snapshot contains non-insert ops", delta.ErrInvalidOp)
	}
	e.mu.Lock()
	previous := e.content
	e.content = snapshot.Clone()
	listeners := e.listenersLocked()
	e.mu.Unlock()

	replace := delta.New().Delete(previous.Length())
	replace.Ops = append(snapshot.Clone().Ops, replace.Ops...)
	e.notify(listeners, Change{Delta: replace, Origin: OriginRemote})
	return nil
}

// ApplyRemote applies a change that came from somewhere else. It works while disabled.
func (e *Editor) ApplyRemote(change *delta.Delta) error {
	return e.apply(change, OriginRemote)
}

// Edit applies a user edit and reports it as a local change.
func (e *Editor) Edit(change *delta.Delta) error {
	return e.apply(change, OriginLocal)
}

func (e *Editor) apply(change *delta.Delta, origin Origin) error {
	e.mu.Lock()
	if origin == OriginLocal && !e.enabled {
		e.mu.Unlock()
		return ErrDisabled
	}
	next, err := delta.Apply(e.content, change)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.content = next
	listeners := e.listenersLocked()
	e.mu.Unlock()

	e.notify(listeners, Change{Delta: change.Clone(), Origin: origin})
	return nil
}

// OnChange registers fn for every change regardless of origin. The returned func unregisters it.
func (e *Editor) OnChange(fn func(Change)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// OnLocalChange registers fn for user edits only.
func (e *Editor) OnLocalChange(fn func(*delta.Delta)) func() {
	return e.OnChange(func(c Change) {
		if c.Origin == OriginLocal {
			fn(c.Delta)
		}
	})
}

func (e *Editor) listenersLocked() []func(Change) {
	out := make([]func(Change), 0, len(e.listeners))
	for _, fn := range e.listeners {
		out = append(out, fn)
	}
	return out
}

func (e *Editor) notify(listeners []func(Change), c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}
