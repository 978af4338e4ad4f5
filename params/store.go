package params

import (
	"maps"
	"slices"
	"sync"
)

// Change describes one key whose value was written.
type Change struct {
	Key string
	Old string
	New string
	// Existed is false when the key was created by this write.
	Existed bool
}

// Listener is notified after a write that changed a value.
type Listener func(Change)

// Store is the single source of truth for Theas parameters held by the client. It is
// safe for concurrent use; listeners run on the writing goroutine after the lock is
// released.
type Store struct {
	mu        sync.RWMutex
	values    map[string]string
	listeners map[int]Listener
	nextID    int
}

// NewStore returns a store holding only an empty error message, which is how a page
// starts.
func NewStore() *Store {
	return &Store{
		values:    map[string]string{ErrorMessage: ""},
		listeners: make(map[int]Listener),
	}
}

// Get returns the value for key, or "" when absent.
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Lookup returns the value for key and whether it is present.
func (s *Store) Lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set writes one canonical key.
func (s *Store) Set(key, value string) {
	s.apply(map[string]string{key: value})
}

// Swap writes key and returns the previous value in one step.
func (s *Store) Swap(key, value string) string {
	s.mu.Lock()
	prev, existed := s.values[key]
	if existed && prev == value {
		s.mu.Unlock()
		return prev
	}
	s.values[key] = value
	s.mu.Unlock()
	s.notify([]Change{{Key: key, Old: prev, New: value, Existed: existed}})
	return prev
}

// Merge writes every entry of nv, canonicalising wire names first. The last write
// wins; there is no conflict detection.
func (s *Store) Merge(nv map[string]string) {
	if len(nv) == 0 {
		return
	}
	canon := make(map[string]string, len(nv))
	for _, name := range slices.Sorted(maps.Keys(nv)) {
		key, _ := Canonical(name)
		if key == "" {
			continue
		}
		canon[key] = nv[name]
	}
	s.apply(canon)
}

// Replace discards every value and loads nv, which must use canonical keys. Used to
// restore a saved session.
func (s *Store) Replace(nv map[string]string) {
	s.mu.Lock()
	old := s.values
	s.values = maps.Clone(nv)
	if s.values == nil {
		s.values = make(map[string]string)
	}
	if _, ok := s.values[ErrorMessage]; !ok {
		s.values[ErrorMessage] = ""
	}
	current := maps.Clone(s.values)
	s.mu.Unlock()

	var changes []Change
	for _, k := range slices.Sorted(maps.Keys(current)) {
		prev, existed := old[k]
		if existed && prev == current[k] {
			continue
		}
		changes = append(changes, Change{Key: k, Old: prev, New: current[k], Existed: existed})
	}
	s.notify(changes)
}

// Snapshot returns a copy of every value.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Keys returns the keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.values))
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Watch registers l and returns a function that unregisters it.
func (s *Store) Watch(l Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) apply(nv map[string]string) {
	var changes []Change
	s.mu.Lock()
	for _, k := range slices.Sorted(maps.Keys(nv)) {
		prev, existed := s.values[k]
		if existed && prev == nv[k] {
			continue
		}
		s.values[k] = nv[k]
		changes = append(changes, Change{Key: k, Old: prev, New: nv[k], Existed: existed})
	}
	s.mu.Unlock()
	s.notify(changes)
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.RLock()
	ids := slices.Sorted(maps.Keys(s.listeners))
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.mu.RUnlock()
	for _, c := range changes {
		for _, l := range ls {
			l(c)
		}
	}
}
