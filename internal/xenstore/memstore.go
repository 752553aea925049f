package xenstore

import (
	"fmt"
	"sort"
	"strings"
)

// MemStore is an in-memory Store and Watcher with xenstore semantics.
//
// Writes create missing parents. A watch fires once when registered, then
// for every write or removal at or below its path, and for the removal of any
// ancestor of its path. Events are queued until read.
//
// MemStore is not safe for concurrent use; it mirrors the single-threaded
// model of the backend core.
type MemStore struct {
	nodes   map[string]string
	watches []WatchEvent
	events  []WatchEvent

	// WatchErr, when set, is returned by Watch without registering.
	WatchErr error

	// DirectoryErr, when set, is returned by Directory.
	DirectoryErr error
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[string]string)}
}

// Read implements Store.
func (m *MemStore) Read(p string) (string, error) {
	v, ok := m.nodes[p]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return v, nil
}

// Write implements Store.
func (m *MemStore) Write(p, value string) error {
	if !validPath(p) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	m.mkparents(p)
	m.nodes[p] = value
	m.fire(p, false)
	return nil
}

// Remove deletes p and everything below it.
func (m *MemStore) Remove(p string) error {
	if _, ok := m.nodes[p]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	for k := range m.nodes {
		if Under(k, p) {
			delete(m.nodes, k)
		}
	}
	m.fire(p, true)
	return nil
}

// Directory implements Store.
func (m *MemStore) Directory(p string) ([]string, error) {
	if m.DirectoryErr != nil {
		return nil, m.DirectoryErr
	}
	if _, ok := m.nodes[p]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	seen := make(map[string]struct{})
	for k := range m.nodes {
		rel, ok := Relative(p, k)
		if !ok {
			continue
		}
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			rel = rel[:i]
		}
		seen[rel] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DomainPath implements Store.
func (m *MemStore) DomainPath(domid int) (string, error) {
	return fmt.Sprintf("/local/domain/%d", domid), nil
}

// Watch implements Watcher.
func (m *MemStore) Watch(p, token string) error {
	if m.WatchErr != nil {
		return m.WatchErr
	}
	if !validPath(p) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	m.watches = append(m.watches, WatchEvent{Path: p, Token: token})
	m.events = append(m.events, WatchEvent{Path: p, Token: token})
	return nil
}

// Unwatch implements Watcher.
func (m *MemStore) Unwatch(p, token string) error {
	for i, w := range m.watches {
		if w.Path == p && w.Token == token {
			m.watches = append(m.watches[:i], m.watches[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: watch %s", ErrNotFound, p)
}

// ReadWatch implements Watcher. It returns ErrNotFound instead of blocking
// when the queue is empty.
func (m *MemStore) ReadWatch() (WatchEvent, error) {
	if len(m.events) == 0 {
		return WatchEvent{}, fmt.Errorf("%w: no queued watch event", ErrNotFound)
	}
	ev := m.events[0]
	m.events = m.events[1:]
	return ev, nil
}

// Pending implements Watcher.
func (m *MemStore) Pending() bool {
	return len(m.events) > 0
}

// Fd implements Watcher. MemStore has no descriptor.
func (m *MemStore) Fd() int {
	return -1
}

// Watching reports whether a watch with this path and token is registered.
func (m *MemStore) Watching(p, token string) bool {
	for _, w := range m.watches {
		if w.Path == p && w.Token == token {
			return true
		}
	}
	return false
}

// WatchCount returns the number of registered watches.
func (m *MemStore) WatchCount() int {
	return len(m.watches)
}

// Inject queues an arbitrary event, as if delivered by the daemon.
func (m *MemStore) Inject(ev WatchEvent) {
	m.events = append(m.events, ev)
}

// DropEvents discards all queued events.
func (m *MemStore) DropEvents() {
	m.events = nil
}

func (m *MemStore) mkparents(p string) {
	for i := 1; i < len(p); i++ {
		if p[i] != '/' {
			continue
		}
		parent := p[:i]
		if _, ok := m.nodes[parent]; !ok {
			m.nodes[parent] = ""
		}
	}
}

func (m *MemStore) fire(p string, removal bool) {
	for _, w := range m.watches {
		switch {
		case Under(p, w.Path):
			m.events = append(m.events, WatchEvent{Path: p, Token: w.Token})
		case removal && Under(w.Path, p):
			m.events = append(m.events, WatchEvent{Path: w.Path, Token: w.Token})
		}
	}
}
