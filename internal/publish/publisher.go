// Package publish holds the in-memory map from ics_path to the calendar body
// served at /ics/{path}. The map is copy-on-write: readers always see either
// the previous complete body or the new one, never a partial write.
package publish

import (
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one published calendar.
type Entry struct {
	ContentType  string
	Body         []byte
	LastModified time.Time
}

// Publisher is safe for concurrent use by the HTTP layer and the sync engine.
type Publisher struct {
	mu      sync.Mutex   // serializes writers; readers go lock-free
	entries atomic.Value // map[string]Entry
}

func New() *Publisher {
	p := &Publisher{}
	p.entries.Store(map[string]Entry{})
	return p
}

// Get looks up a published calendar by its path. Lookup is case-sensitive.
func (p *Publisher) Get(path string) (Entry, bool) {
	m := p.entries.Load().(map[string]Entry)
	e, ok := m[path]
	return e, ok
}

// Set swaps in a new map containing the entry. Called at the end of a
// successful source cycle and when the engine restores persisted bodies at
// startup.
func (p *Publisher) Set(path string, e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.entries.Load().(map[string]Entry)
	next := make(map[string]Entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[path] = e
	p.entries.Store(next)
}

// Remove drops a path, typically when its source is deleted or renamed.
func (p *Publisher) Remove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.entries.Load().(map[string]Entry)
	next := make(map[string]Entry, len(old))
	for k, v := range old {
		if k != path {
			next[k] = v
		}
	}
	p.entries.Store(next)
}
