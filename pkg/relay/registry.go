package relay

import (
	"sync"

	"github.com/astromechza/docsync/pkg/delta"
)

// document is one registry entry. Everything below mu is guarded by it.
type document struct {
	id string

	mu      sync.Mutex
	loaded  bool
	content *delta.Delta
	dirty   bool
	members map[string]Member
}

// registry maps document ids to their single entry. Entries are never removed.
type registry struct {
	mu   sync.Mutex
	docs map[string]*document
}

func newRegistry() *registry {
	return &registry{docs: make(map[string]*document)}
}

func (r *registry) entry(id string) *document {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		d = &document{id: id, members: make(map[string]Member)}
		r.docs[id] = d
	}
	return d
}

func (r *registry) existing(id string) (*document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	return d, ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func (r *registry) all() []*document {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, d)
	}
	return out
}
